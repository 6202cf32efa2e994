package wiki

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// LockService applies batch lock and unlock requests. There is no atomicity
// across a batch: outcomes are reported per identifier and a failure never
// aborts the remaining items.
type LockService interface {
	SetLocks(ctx context.Context, caller Caller, req LockRequest) (*LockResult, error)
}

type lockService struct {
	resolver  *Resolver
	gate      *AccessGate
	locker    Locker
	logger    *logrus.Logger
	sentryHub *sentry.Hub
}

var _ LockService = (*lockService)(nil)

// NewLockService wires the lock service with its collaborators.
func NewLockService(resolver *Resolver, gate *AccessGate, locker Locker, logger *logrus.Logger, hub *sentry.Hub) (LockService, error) {
	if resolver == nil {
		return nil, eris.New("identifier resolver is required")
	}
	if gate == nil {
		return nil, eris.New("access gate is required")
	}
	if locker == nil {
		return nil, eris.New("locker is required")
	}

	return &lockService{
		resolver:  resolver,
		gate:      gate,
		locker:    locker,
		logger:    logger,
		sentryHub: hub,
	}, nil
}

func (s *lockService) SetLocks(ctx context.Context, caller Caller, req LockRequest) (*LockResult, error) {
	result := &LockResult{
		Locked:     []string{},
		LockFail:   []string{},
		Unlocked:   []string{},
		UnlockFail: []string{},
	}

	for _, raw := range req.Lock {
		id := s.resolver.Resolve(raw)
		if !s.canLock(ctx, caller, id) {
			result.LockFail = append(result.LockFail, id)
			continue
		}
		if err := s.locker.Acquire(ctx, id, caller); err != nil {
			s.recordError(logrus.Fields{"id": id}, err, "acquiring lock")
			result.LockFail = append(result.LockFail, id)
			continue
		}
		result.Locked = append(result.Locked, id)
	}

	for _, raw := range req.Unlock {
		id := s.resolver.Resolve(raw)
		if err := s.gate.Check(ctx, caller, id, LevelEdit); err != nil {
			result.UnlockFail = append(result.UnlockFail, id)
			continue
		}
		released, err := s.locker.Release(ctx, id, caller)
		if err != nil {
			s.recordError(logrus.Fields{"id": id}, err, "releasing lock")
			result.UnlockFail = append(result.UnlockFail, id)
			continue
		}
		if !released {
			result.UnlockFail = append(result.UnlockFail, id)
			continue
		}
		result.Unlocked = append(result.Unlocked, id)
	}

	return result, nil
}

// canLock requires edit permission and no lock held by another caller. The
// caller's own lock is no obstacle: re-locking it succeeds.
func (s *lockService) canLock(ctx context.Context, caller Caller, id string) bool {
	if err := s.gate.Check(ctx, caller, id, LevelEdit); err != nil {
		return false
	}

	locked, err := s.locker.IsLockedByOther(ctx, id, caller)
	if err != nil {
		s.recordError(logrus.Fields{"id": id}, err, "querying lock state")
		return false
	}

	return !locked
}

func (s *lockService) recordError(fields logrus.Fields, err error, message string) {
	if err == nil {
		return
	}

	if s.logger != nil {
		entry := s.logger.WithField("error", err.Error())
		if len(fields) > 0 {
			entry = entry.WithFields(fields)
		}
		entry.Error(message)
	}

	if s.sentryHub != nil {
		s.sentryHub.CaptureException(err)
	}
}
