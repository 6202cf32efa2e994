package wiki

import (
	"context"
	"regexp"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

// PageService exposes the page read and write operations of the RPC surface.
type PageService interface {
	RawPage(ctx context.Context, caller Caller, id string, rev int64) (string, error)
	PageInfo(ctx context.Context, caller Caller, id string, rev int64) (*PageInfo, error)
	AllPages(ctx context.Context, caller Caller) ([]PageInfo, error)
	ListLinks(ctx context.Context, caller Caller, id string) ([]Link, error)
	BackLinks(ctx context.Context, caller Caller, id string) ([]string, error)
	PutPage(ctx context.Context, caller Caller, id, text string, attrs PutAttrs) error
	AppendPage(ctx context.Context, caller Caller, id, text string, attrs PutAttrs) error
}

// Link is one outgoing reference found in a page's text.
type Link struct {
	Type   string // "local" or "extern"
	Target string
}

// PageServiceOptions carries the collaborators and policy values of the page
// service.
type PageServiceOptions struct {
	Resolver       *Resolver
	Gate           *AccessGate
	Store          ContentStore
	Changelog      Changelog
	Locker         Locker
	Indexer        Indexer
	Spam           SpamFilter
	PageTemplate   string
	CreatedSummary string
	DeletedSummary string
	Logger         *logrus.Logger
	SentryHub      *sentry.Hub
}

type pageService struct {
	resolver       *Resolver
	gate           *AccessGate
	store          ContentStore
	changelog      Changelog
	locker         Locker
	indexer        Indexer
	spam           SpamFilter
	pageTemplate   string
	createdSummary string
	deletedSummary string
	logger         *logrus.Logger
	sentryHub      *sentry.Hub
}

var _ PageService = (*pageService)(nil)

// NewPageService wires the page service with its collaborators.
func NewPageService(opts PageServiceOptions) (PageService, error) {
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
	if opts.Locker == nil {
		return nil, eris.New("locker is required")
	}
	if opts.Indexer == nil {
		return nil, eris.New("indexer is required")
	}
	if opts.Spam == nil {
		return nil, eris.New("spam filter is required")
	}

	return &pageService{
		resolver:       opts.Resolver,
		gate:           opts.Gate,
		store:          opts.Store,
		changelog:      opts.Changelog,
		locker:         opts.Locker,
		indexer:        opts.Indexer,
		spam:           opts.Spam,
		pageTemplate:   opts.PageTemplate,
		createdSummary: opts.CreatedSummary,
		deletedSummary: opts.DeletedSummary,
		logger:         opts.Logger,
		sentryHub:      opts.SentryHub,
	}, nil
}

func (s *pageService) RawPage(ctx context.Context, caller Caller, id string, rev int64) (string, error) {
	resolved := s.resolver.Resolve(id)

	if err := s.gate.Check(ctx, caller, resolved, LevelRead); err != nil {
		return "", err
	}

	text, found, err := s.store.ReadText(ctx, resolved, rev)
	if err != nil {
		s.recordError(logrus.Fields{"id": resolved, "rev": rev}, err, "reading page text")
		return "", eris.Wrapf(err, "reading page %s", resolved)
	}

	// A missing page is served as the configured template; callers cannot
	// distinguish an empty page from a template-backed one except by content.
	if !found {
		return s.pageTemplate, nil
	}

	return text, nil
}

func (s *pageService) PageInfo(ctx context.Context, caller Caller, id string, rev int64) (*PageInfo, error) {
	resolved := s.resolver.Resolve(id)

	if err := s.gate.Check(ctx, caller, resolved, LevelRead); err != nil {
		return nil, err
	}

	if rev == 0 {
		modTime, found, err := s.store.ModTime(ctx, resolved)
		if err != nil {
			s.recordError(logrus.Fields{"id": resolved}, err, "reading page modification time")
			return nil, eris.Wrapf(err, "reading modification time of %s", resolved)
		}
		if !found {
			return nil, NewFault(KindNotFound, "page %s does not exist", resolved)
		}

		info := &PageInfo{Name: resolved, LastModified: modTime, Version: modTime}
		// The current state is not in the changelog; author attribution is
		// best-effort from the most recent logged transition.
		if entry, err := s.changelog.RevisionInfo(ctx, resolved, modTime); err == nil && entry != nil {
			info.Author = authorOf(entry)
		}
		return info, nil
	}

	entry, err := s.changelog.RevisionInfo(ctx, resolved, rev)
	if err != nil {
		s.recordError(logrus.Fields{"id": resolved, "rev": rev}, err, "reading revision info")
		return nil, eris.Wrapf(err, "reading revision %d of %s", rev, resolved)
	}
	if entry == nil {
		return nil, NewFault(KindNotFound, "page %s has no revision %d", resolved, rev)
	}

	return &PageInfo{
		Name:         resolved,
		LastModified: entry.Stamp,
		Author:       authorOf(entry),
		Version:      entry.Stamp,
	}, nil
}

func (s *pageService) AllPages(ctx context.Context, caller Caller) ([]PageInfo, error) {
	pages, err := s.store.AllPages(ctx)
	if err != nil {
		s.recordError(nil, err, "listing pages")
		return nil, eris.Wrap(err, "listing pages")
	}

	readable := make([]PageInfo, 0, len(pages))
	for _, page := range pages {
		level, err := s.gate.Level(ctx, caller, page.Name)
		if err != nil {
			return nil, err
		}
		if level >= LevelRead {
			readable = append(readable, page)
		}
	}

	return readable, nil
}

var linkPattern = regexp.MustCompile(`\[\[([^\]|]+)(?:\|[^\]]*)?\]\]`)

func (s *pageService) ListLinks(ctx context.Context, caller Caller, id string) ([]Link, error) {
	text, err := s.RawPage(ctx, caller, id, 0)
	if err != nil {
		return nil, err
	}

	var links []Link
	for _, match := range linkPattern.FindAllStringSubmatch(text, -1) {
		target := strings.TrimSpace(match[1])
		if target == "" {
			continue
		}
		if strings.Contains(target, "://") {
			links = append(links, Link{Type: "extern", Target: target})
			continue
		}
		links = append(links, Link{Type: "local", Target: s.resolver.Resolve(target)})
	}

	return links, nil
}

func (s *pageService) BackLinks(ctx context.Context, caller Caller, id string) ([]string, error) {
	resolved := s.resolver.Resolve(id)

	if err := s.gate.Check(ctx, caller, resolved, LevelRead); err != nil {
		return nil, err
	}

	pages, err := s.AllPages(ctx, caller)
	if err != nil {
		return nil, err
	}

	var referrers []string
	for _, page := range pages {
		if page.Name == resolved {
			continue
		}
		text, found, err := s.store.ReadText(ctx, page.Name, 0)
		if err != nil {
			s.recordError(logrus.Fields{"id": page.Name}, err, "reading page text for backlink scan")
			return nil, eris.Wrapf(err, "scanning %s for backlinks", page.Name)
		}
		if !found {
			continue
		}
		for _, match := range linkPattern.FindAllStringSubmatch(text, -1) {
			target := strings.TrimSpace(match[1])
			if !strings.Contains(target, "://") && s.resolver.Resolve(target) == resolved {
				referrers = append(referrers, page.Name)
				break
			}
		}
	}

	return referrers, nil
}

// PutPage runs the write pipeline: every step is a gate that aborts the whole
// operation, and the lock acquired before persistence is released on every
// exit path.
func (s *pageService) PutPage(ctx context.Context, caller Caller, id, text string, attrs PutAttrs) error {
	resolved := s.resolver.Resolve(id)
	text = sanitizeText(text)

	if resolved == "" {
		return NewFault(KindEmptyIdentifier, "page identifier is empty")
	}

	exists, err := s.store.Exists(ctx, resolved)
	if err != nil {
		s.recordError(logrus.Fields{"id": resolved}, err, "checking page existence")
		return eris.Wrapf(err, "checking existence of %s", resolved)
	}

	if !exists && strings.TrimSpace(text) == "" {
		return NewFault(KindEmptyNewPage, "refusing to create empty page %s", resolved)
	}

	if err := s.gate.Check(ctx, caller, resolved, LevelEdit); err != nil {
		return err
	}

	locked, err := s.locker.IsLockedByOther(ctx, resolved, caller)
	if err != nil {
		s.recordError(logrus.Fields{"id": resolved}, err, "querying lock state")
		return eris.Wrapf(err, "querying lock state of %s", resolved)
	}
	if locked {
		return NewFault(KindPageLocked, "page %s is locked by another editor", resolved)
	}

	if s.spam.IsBlocked(text) {
		return NewFault(KindSpamDetected, "content for %s matches the word-block policy", resolved)
	}

	summary := attrs.Summary
	if summary == "" {
		switch {
		case !exists:
			summary = s.createdSummary
		case strings.TrimSpace(text) == "":
			summary = s.deletedSummary
		}
	}

	wasIndexed, err := s.indexer.IsIndexed(ctx, resolved)
	if err != nil {
		s.recordError(logrus.Fields{"id": resolved}, err, "querying index state")
		return eris.Wrapf(err, "querying index state of %s", resolved)
	}

	if err := s.locker.Acquire(ctx, resolved, caller); err != nil {
		s.recordError(logrus.Fields{"id": resolved}, err, "acquiring page lock")
		return eris.Wrapf(err, "locking %s", resolved)
	}
	defer func() {
		if _, releaseErr := s.locker.Release(ctx, resolved, caller); releaseErr != nil {
			s.recordError(logrus.Fields{"id": resolved}, releaseErr, "releasing page lock")
		}
	}()

	if err := s.store.WriteText(ctx, resolved, text, summary, attrs.Minor, caller); err != nil {
		s.recordError(logrus.Fields{"id": resolved}, err, "persisting page text")
		return eris.Wrapf(err, "writing page %s", resolved)
	}

	if !wasIndexed {
		if err := s.indexer.EnsureIndexed(ctx, resolved); err != nil {
			s.recordError(logrus.Fields{"id": resolved}, err, "indexing page")
			return eris.Wrapf(err, "indexing %s", resolved)
		}
	}

	return nil
}

// AppendPage composes the read path with the write pipeline.
func (s *pageService) AppendPage(ctx context.Context, caller Caller, id, text string, attrs PutAttrs) error {
	current, err := s.RawPage(ctx, caller, id, 0)
	if err != nil {
		return err
	}

	return s.PutPage(ctx, caller, id, current+text, attrs)
}

func (s *pageService) recordError(fields logrus.Fields, err error, message string) {
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

// authorOf falls back to the editor's network address when no registered user
// identity was captured for the revision.
func authorOf(entry *RevisionInfo) string {
	if entry.Author != "" {
		return entry.Author
	}
	return entry.IP
}

// sanitizeText collapses platform-specific line endings and trims trailing
// control bytes.
func sanitizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimRight(text, "\x00\x1a")
}
