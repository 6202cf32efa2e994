package wiki

import (
	"context"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// HistoryService reconstructs bounded windows of historical states from the
// persisted change log.
type HistoryService interface {
	PageVersions(ctx context.Context, caller Caller, id string, skip int) ([]RevisionInfo, error)
	RecentChanges(ctx context.Context, caller Caller, since string) ([]RevisionInfo, error)
	RecentMediaChanges(ctx context.Context, caller Caller, since string) ([]RevisionInfo, error)
}

// HistoryServiceOptions carries the collaborators of the history service.
type HistoryServiceOptions struct {
	Resolver    *Resolver
	Gate        *AccessGate
	Store       ContentStore
	Changelog   Changelog
	Attachments AttachmentStore
	PageSize    int
	Logger      *logrus.Logger
	SentryHub   *sentry.Hub
}

type historyService struct {
	resolver    *Resolver
	gate        *AccessGate
	store       ContentStore
	changelog   Changelog
	attachments AttachmentStore
	pageSize    int
	logger      *logrus.Logger
	sentryHub   *sentry.Hub
}

var _ HistoryService = (*historyService)(nil)

// NewHistoryService wires the history service with its collaborators.
func NewHistoryService(opts HistoryServiceOptions) (HistoryService, error) {
	if opts.Resolver == nil {
		return nil, eris.New("identifier resolver is required")
	}
	if opts.Gate == nil {
		return nil, eris.New("access gate is required")
	}
	if opts.Store == nil {
		return nil, eris.New("content store is required")
	}
	if opts.Changelog == nil {
		return nil, eris.New("changelog is required")
	}
	if opts.Attachments == nil {
		return nil, eris.New("attachment store is required")
	}
	if opts.PageSize <= 0 {
		return nil, eris.New("history page size must be positive")
	}

	return &historyService{
		resolver:    opts.Resolver,
		gate:        opts.Gate,
		store:       opts.Store,
		changelog:   opts.Changelog,
		attachments: opts.Attachments,
		pageSize:    opts.PageSize,
		logger:      opts.Logger,
		sentryHub:   opts.SentryHub,
	}, nil
}

// PageVersions returns up to the configured page size of revisions, most
// recent first, skipping the first skip historical entries. With skip == 0
// the current state is spliced in as a pseudo-revision stamped with the
// page's modification time; it is not drawn from the log, which only records
// states prior to the current one. Revisions whose backing content is gone
// are silently dropped, so the result may be shorter than the page size even
// when more log entries exist.
func (s *historyService) PageVersions(ctx context.Context, caller Caller, id string, skip int) ([]RevisionInfo, error) {
	resolved := s.resolver.Resolve(id)

	if err := s.gate.Check(ctx, caller, resolved, LevelRead); err != nil {
		return nil, err
	}

	stamps, err := s.changelog.Revisions(ctx, resolved, skip, s.pageSize)
	if err != nil {
		s.recordError(logrus.Fields{"id": resolved, "skip": skip}, err, "listing revisions")
		return nil, eris.Wrapf(err, "listing revisions of %s", resolved)
	}

	versions := make([]RevisionInfo, 0, s.pageSize)

	if skip == 0 {
		modTime, found, err := s.store.ModTime(ctx, resolved)
		if err != nil {
			s.recordError(logrus.Fields{"id": resolved}, err, "reading page modification time")
			return nil, eris.Wrapf(err, "reading modification time of %s", resolved)
		}
		if found {
			current := RevisionInfo{ID: resolved, Stamp: modTime, Kind: ChangeEdit}
			if entry, infoErr := s.changelog.RevisionInfo(ctx, resolved, modTime); infoErr == nil && entry != nil {
				current = *entry
			}
			current.Author = authorOf(&current)
			versions = append(versions, current)
		}
	}

	for _, stamp := range stamps {
		entry, err := s.changelog.RevisionInfo(ctx, resolved, stamp)
		if err != nil {
			s.recordError(logrus.Fields{"id": resolved, "rev": stamp}, err, "reading revision info")
			return nil, eris.Wrapf(err, "reading revision %d of %s", stamp, resolved)
		}
		if entry == nil {
			continue
		}

		_, found, err := s.store.ReadText(ctx, resolved, stamp)
		if err != nil {
			s.recordError(logrus.Fields{"id": resolved, "rev": stamp}, err, "checking revision content")
			return nil, eris.Wrapf(err, "checking content of revision %d of %s", stamp, resolved)
		}
		if !found {
			continue
		}

		info := *entry
		info.Author = authorOf(entry)
		versions = append(versions, info)
	}

	// Splicing the current state in may push the window one past the page
	// size; the oldest fetched entry is dropped to preserve the bound.
	if len(versions) > s.pageSize {
		versions = versions[:s.pageSize]
	}

	return versions, nil
}

// RecentChanges lists page changes at or after since, reverse-chronological,
// each enriched with the current on-disk size of the page.
func (s *historyService) RecentChanges(ctx context.Context, caller Caller, since string) ([]RevisionInfo, error) {
	return s.recentChanges(ctx, since, ScopePages)
}

// RecentMediaChanges lists media changes at or after since, enriched with the
// current size of each media file.
func (s *historyService) RecentMediaChanges(ctx context.Context, caller Caller, since string) ([]RevisionInfo, error) {
	return s.recentChanges(ctx, since, ScopeMedia)
}

func (s *historyService) recentChanges(ctx context.Context, since string, scope ChangeScope) ([]RevisionInfo, error) {
	timestamp, err := parseTimestamp(since)
	if err != nil {
		return nil, err
	}

	entries, err := s.changelog.RecentSince(ctx, timestamp, scope)
	if err != nil {
		s.recordError(logrus.Fields{"since": since, "scope": scope}, err, "querying recent changes")
		return nil, eris.Wrapf(err, "querying %s changes since %s", scope, since)
	}

	if len(entries) == 0 {
		return nil, NewFault(KindNoChanges, "no %s changes since %s", scope, since)
	}

	changes := make([]RevisionInfo, 0, len(entries))
	for _, entry := range entries {
		info := entry
		info.Author = authorOf(&entry)
		info.Size = s.currentSize(ctx, entry.ID, scope)
		changes = append(changes, info)
	}

	return changes, nil
}

// currentSize is supplementary enrichment: a missing file yields zero, never
// an error.
func (s *historyService) currentSize(ctx context.Context, id string, scope ChangeScope) int64 {
	switch scope {
	case ScopeMedia:
		info, found, err := s.attachments.Stat(ctx, id)
		if err != nil || !found {
			return 0
		}
		return info.Size
	default:
		size, found, err := s.store.Size(ctx, id)
		if err != nil || !found {
			return 0
		}
		return size
	}
}

// parseTimestamp accepts exactly the canonical ten-digit second-precision
// epoch form.
func parseTimestamp(since string) (int64, error) {
	if len(since) != 10 {
		return 0, NewFault(KindInvalidTimestamp, "timestamp %q is not a 10-digit epoch value", since)
	}
	timestamp, err := strconv.ParseInt(since, 10, 64)
	if err != nil || timestamp < 0 {
		return 0, NewFault(KindInvalidTimestamp, "timestamp %q is not a 10-digit epoch value", since)
	}
	return timestamp, nil
}

func (s *historyService) recordError(fields logrus.Fields, err error, message string) {
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
