package wiki

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// MediaService exposes the attachment operations of the RPC surface.
type MediaService interface {
	Attachment(ctx context.Context, caller Caller, id string) ([]byte, error)
	AttachmentInfo(ctx context.Context, caller Caller, id string) (*AttachmentInfo, error)
	PutAttachment(ctx context.Context, caller Caller, id string, data []byte, overwrite bool) (string, error)
	DeleteAttachment(ctx context.Context, caller Caller, id string) (int, error)
	ListAttachments(ctx context.Context, caller Caller, ns string, opts ListOptions) ([]AttachmentInfo, error)
}

type mediaService struct {
	resolver  *Resolver
	gate      *AccessGate
	store     AttachmentStore
	recorder  ChangeRecorder
	logger    *logrus.Logger
	sentryHub *sentry.Hub
	now       func() time.Time
}

var _ MediaService = (*mediaService)(nil)

// NewMediaService wires the media service with its collaborators. The change
// recorder is optional; without one media transitions are not logged.
func NewMediaService(resolver *Resolver, gate *AccessGate, store AttachmentStore, recorder ChangeRecorder, logger *logrus.Logger, hub *sentry.Hub) (MediaService, error) {
	if resolver == nil {
		return nil, eris.New("identifier resolver is required")
	}
	if gate == nil {
		return nil, eris.New("access gate is required")
	}
	if store == nil {
		return nil, eris.New("attachment store is required")
	}

	return &mediaService{
		resolver:  resolver,
		gate:      gate,
		store:     store,
		recorder:  recorder,
		logger:    logger,
		sentryHub: hub,
		now:       time.Now,
	}, nil
}

// MediaACLKey is the identifier media permissions are evaluated against: the
// wildcard entry of the containing namespace.
func MediaACLKey(id string) string {
	ns := Namespace(id)
	if ns == "" {
		return "*"
	}
	return ns + ":*"
}

func (s *mediaService) Attachment(ctx context.Context, caller Caller, id string) ([]byte, error) {
	resolved := s.resolver.ResolveNS(id)

	if err := s.gate.Check(ctx, caller, MediaACLKey(resolved), LevelRead); err != nil {
		return nil, err
	}

	data, found, err := s.store.Read(ctx, resolved)
	if err != nil {
		s.recordError(logrus.Fields{"id": resolved}, err, "reading attachment")
		return nil, eris.Wrapf(err, "reading attachment %s", resolved)
	}
	if !found {
		return nil, NewFault(KindNotFound, "attachment %s does not exist", resolved)
	}

	return data, nil
}

func (s *mediaService) AttachmentInfo(ctx context.Context, caller Caller, id string) (*AttachmentInfo, error) {
	resolved := s.resolver.ResolveNS(id)

	if err := s.gate.Check(ctx, caller, MediaACLKey(resolved), LevelRead); err != nil {
		return nil, err
	}

	info, found, err := s.store.Stat(ctx, resolved)
	if err != nil {
		s.recordError(logrus.Fields{"id": resolved}, err, "reading attachment info")
		return nil, eris.Wrapf(err, "reading attachment info for %s", resolved)
	}
	if !found {
		return nil, NewFault(KindNotFound, "attachment %s does not exist", resolved)
	}

	return info, nil
}

func (s *mediaService) PutAttachment(ctx context.Context, caller Caller, id string, data []byte, overwrite bool) (string, error) {
	resolved := s.resolver.ResolveNS(id)
	if resolved == "" {
		return "", NewFault(KindEmptyIdentifier, "attachment identifier is empty")
	}

	required := LevelUpload
	if overwrite {
		required = LevelDelete
	}
	if err := s.gate.Check(ctx, caller, MediaACLKey(resolved), required); err != nil {
		return "", err
	}

	if !overwrite {
		_, exists, err := s.store.Stat(ctx, resolved)
		if err != nil {
			s.recordError(logrus.Fields{"id": resolved}, err, "checking attachment existence")
			return "", eris.Wrapf(err, "checking existence of attachment %s", resolved)
		}
		if exists {
			return "", NewFault(KindAttachmentFailed, "attachment %s already exists", resolved)
		}
	}

	stored, err := s.store.Save(ctx, resolved, data, overwrite)
	if err != nil {
		s.recordError(logrus.Fields{"id": resolved}, err, "saving attachment")
		return "", eris.Wrapf(err, "saving attachment %s", resolved)
	}

	kind := ChangeCreate
	if overwrite {
		kind = ChangeEdit
	}
	s.recordChange(ctx, caller, stored, kind)

	return stored, nil
}

// DeleteAttachment decodes the store's bitmask result exactly once and maps
// it to the matching fault. Deleting an already-absent attachment classifies
// the same way every time instead of failing differently.
func (s *mediaService) DeleteAttachment(ctx context.Context, caller Caller, id string) (int, error) {
	resolved := s.resolver.ResolveNS(id)

	level, err := s.gate.Level(ctx, caller, MediaACLKey(resolved))
	if err != nil {
		return 0, err
	}

	mask, err := s.store.Delete(ctx, resolved, level)
	if err != nil {
		s.recordError(logrus.Fields{"id": resolved}, err, "deleting attachment")
		return 0, eris.Wrapf(err, "deleting attachment %s", resolved)
	}

	switch {
	case mask == DeleteOK:
		s.recordChange(ctx, caller, resolved, ChangeDelete)
		return 0, nil
	case mask&DeleteNotAuth != 0:
		return 0, AccessDenied("insufficient permissions to delete %s", resolved)
	case mask&DeleteInUse != 0:
		return 0, NewFault(KindAttachmentInUse, "attachment %s is still referenced", resolved)
	default:
		return 0, NewFault(KindAttachmentFailed, "could not delete attachment %s", resolved)
	}
}

func (s *mediaService) ListAttachments(ctx context.Context, caller Caller, ns string, opts ListOptions) ([]AttachmentInfo, error) {
	resolved := s.resolver.ResolveNS(ns)

	entries, err := s.store.List(ctx, resolved, opts)
	if err != nil {
		s.recordError(logrus.Fields{"ns": resolved}, err, "listing attachments")
		return nil, eris.Wrapf(err, "listing attachments in %s", resolved)
	}

	if opts.SkipACL {
		return entries, nil
	}

	readable := make([]AttachmentInfo, 0, len(entries))
	for _, entry := range entries {
		level, err := s.gate.Level(ctx, caller, MediaACLKey(entry.ID))
		if err != nil {
			return nil, err
		}
		if level >= LevelRead {
			readable = append(readable, entry)
		}
	}

	return readable, nil
}

// recordChange is best-effort: the media operation already succeeded, so a
// logging failure is reported but not surfaced to the caller.
func (s *mediaService) recordChange(ctx context.Context, caller Caller, id string, kind ChangeKind) {
	if s.recorder == nil {
		return
	}

	entry := RevisionInfo{
		ID:     id,
		Stamp:  s.now().Unix(),
		Author: caller.Name,
		IP:     caller.IP,
		Kind:   kind,
	}
	if err := s.recorder.RecordMediaChange(ctx, entry); err != nil {
		s.recordError(logrus.Fields{"id": id}, err, "recording media change")
	}
}

func (s *mediaService) recordError(fields logrus.Fields, err error, message string) {
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
