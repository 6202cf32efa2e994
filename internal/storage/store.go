package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"fernwiki/app/internal/wiki"
)

// Store persists page content, the change log, locks, and the index flag in
// one SQLite database. It backs the content-storage, changelog, locking, and
// indexing collaborators of the wiki core.
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
	now    func() time.Time
}

var (
	_ wiki.ContentStore   = (*Store)(nil)
	_ wiki.Changelog      = (*Store)(nil)
	_ wiki.Locker         = (*Store)(nil)
	_ wiki.Indexer        = (*Store)(nil)
	_ wiki.ChangeRecorder = (*Store)(nil)
)

// NewStore constructs a Gorm-backed store.
func NewStore(db *gorm.DB, logger *logrus.Logger) (*Store, error) {
	if db == nil {
		return nil, eris.New("gorm DB is required")
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// ReadText returns the text of the page at rev, or the current text when rev
// is zero. A deleted page reads as absent while its revisions stay readable.
func (s *Store) ReadText(ctx context.Context, id string, rev int64) (string, bool, error) {
	if rev == 0 {
		page, err := s.findPage(ctx, id)
		if err != nil {
			return "", false, err
		}
		if page == nil || page.Text == "" {
			return "", false, nil
		}
		return page.Text, true, nil
	}

	var revision RevisionRecord
	err := s.db.WithContext(ctx).
		First(&revision, "scope = ? AND page = ? AND stamp = ?", string(wiki.ScopePages), id, rev).Error
	if err != nil {
		if eris.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		s.logError(logrus.Fields{"id": id, "rev": rev}, err, "fetching revision text")
		return "", false, eris.Wrapf(err, "fetching revision %d of %s", rev, id)
	}

	if revision.Text == "" {
		return "", false, nil
	}
	return revision.Text, true, nil
}

// WriteText persists text as the new current state and moves the previous
// state into the revision log in the same transaction.
func (s *Store) WriteText(ctx context.Context, id, text, summary string, minor bool, by wiki.Caller) error {
	if strings.TrimSpace(id) == "" {
		return eris.New("page name is required")
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var page PageRecord
		found := true
		if err := tx.First(&page, "name = ?", id).Error; err != nil {
			if !eris.Is(err, gorm.ErrRecordNotFound) {
				return eris.Wrapf(err, "fetching page %s", id)
			}
			found = false
		}

		stamp := s.now().Unix()
		if found && stamp <= page.ModTime {
			// Revision stamps per page must stay unique and increasing.
			stamp = page.ModTime + 1
		}

		var kind wiki.ChangeKind
		switch {
		case !found || page.Text == "":
			kind = wiki.ChangeCreate
		case strings.TrimSpace(text) == "":
			kind = wiki.ChangeDelete
		case minor:
			kind = wiki.ChangeMinor
		default:
			kind = wiki.ChangeEdit
		}

		if found {
			revision := RevisionRecord{
				Scope:   string(wiki.ScopePages),
				Page:    page.Name,
				Stamp:   page.ModTime,
				Text:    page.Text,
				Author:  page.Author,
				IP:      page.IP,
				Kind:    page.Kind,
				Summary: page.Summary,
				Minor:   page.Minor,
			}
			if err := tx.Create(&revision).Error; err != nil {
				return eris.Wrapf(err, "archiving previous state of %s", id)
			}
		}

		page.Name = id
		page.Text = text
		page.ModTime = stamp
		page.Author = by.Name
		page.IP = by.IP
		page.Kind = string(kind)
		page.Summary = summary
		page.Minor = minor

		if err := tx.Save(&page).Error; err != nil {
			return eris.Wrapf(err, "saving page %s", id)
		}

		return nil
	})
	if err != nil {
		s.logError(logrus.Fields{"id": id}, err, "writing page text")
		return err
	}

	return nil
}

// Exists reports whether the page currently has text. A page emptied by a
// delete-via-empty-write no longer exists.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	page, err := s.findPage(ctx, id)
	if err != nil {
		return false, err
	}
	return page != nil && page.Text != "", nil
}

// ModTime returns the modification time of the current state.
func (s *Store) ModTime(ctx context.Context, id string) (int64, bool, error) {
	page, err := s.findPage(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if page == nil || page.Text == "" {
		return 0, false, nil
	}
	return page.ModTime, true, nil
}

// Size returns the byte size of the current text.
func (s *Store) Size(ctx context.Context, id string) (int64, bool, error) {
	page, err := s.findPage(ctx, id)
	if err != nil {
		return 0, false, err
	}
	if page == nil || page.Text == "" {
		return 0, false, nil
	}
	return int64(len(page.Text)), true, nil
}

// AllPages lists every existing page ordered by name.
func (s *Store) AllPages(ctx context.Context) ([]wiki.PageInfo, error) {
	var pages []PageRecord
	if err := s.db.WithContext(ctx).Where("text <> ''").Order("name ASC").Find(&pages).Error; err != nil {
		s.logError(nil, err, "listing pages")
		return nil, eris.Wrap(err, "listing pages")
	}

	infos := make([]wiki.PageInfo, 0, len(pages))
	for _, page := range pages {
		infos = append(infos, wiki.PageInfo{
			Name:         page.Name,
			LastModified: page.ModTime,
			Author:       page.Author,
			Version:      page.ModTime,
		})
	}

	return infos, nil
}

// Revisions lists the stamps of the states prior to the current one, most
// recent first.
func (s *Store) Revisions(ctx context.Context, id string, skip, limit int) ([]int64, error) {
	var stamps []int64
	err := s.db.WithContext(ctx).
		Model(&RevisionRecord{}).
		Where("scope = ? AND page = ?", string(wiki.ScopePages), id).
		Order("stamp DESC").
		Offset(skip).
		Limit(limit).
		Pluck("stamp", &stamps).Error
	if err != nil {
		s.logError(logrus.Fields{"id": id, "skip": skip}, err, "listing revision stamps")
		return nil, eris.Wrapf(err, "listing revisions of %s", id)
	}

	return stamps, nil
}

// RevisionInfo returns the change metadata recorded at stamp, falling back
// to the current state's metadata when stamp addresses it. Absence is nil.
func (s *Store) RevisionInfo(ctx context.Context, id string, rev int64) (*wiki.RevisionInfo, error) {
	var revision RevisionRecord
	err := s.db.WithContext(ctx).
		First(&revision, "scope = ? AND page = ? AND stamp = ?", string(wiki.ScopePages), id, rev).Error
	if err == nil {
		info := revisionInfo(revision)
		return &info, nil
	}
	if !eris.Is(err, gorm.ErrRecordNotFound) {
		s.logError(logrus.Fields{"id": id, "rev": rev}, err, "fetching revision info")
		return nil, eris.Wrapf(err, "fetching revision %d of %s", rev, id)
	}

	page, err := s.findPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if page == nil || page.ModTime != rev {
		return nil, nil
	}

	return &wiki.RevisionInfo{
		ID:      page.Name,
		Stamp:   page.ModTime,
		Author:  page.Author,
		IP:      page.IP,
		Kind:    wiki.ChangeKind(page.Kind),
		Summary: page.Summary,
		Minor:   page.Minor,
	}, nil
}

// RecentSince lists every recorded transition at or after since, reverse
// chronological. For pages that includes the transitions that produced the
// current states, which are not part of the revision log.
func (s *Store) RecentSince(ctx context.Context, since int64, scope wiki.ChangeScope) ([]wiki.RevisionInfo, error) {
	var revisions []RevisionRecord
	err := s.db.WithContext(ctx).
		Where("scope = ? AND stamp >= ?", string(scope), since).
		Order("stamp DESC").
		Find(&revisions).Error
	if err != nil {
		s.logError(logrus.Fields{"since": since, "scope": scope}, err, "listing recent changes")
		return nil, eris.Wrapf(err, "listing recent %s changes", scope)
	}

	entries := make([]wiki.RevisionInfo, 0, len(revisions))
	for _, revision := range revisions {
		entries = append(entries, revisionInfo(revision))
	}

	if scope == wiki.ScopePages {
		var pages []PageRecord
		if err := s.db.WithContext(ctx).Where("mod_time >= ?", since).Find(&pages).Error; err != nil {
			s.logError(logrus.Fields{"since": since}, err, "listing recently changed pages")
			return nil, eris.Wrap(err, "listing recently changed pages")
		}
		for _, page := range pages {
			entries = append(entries, wiki.RevisionInfo{
				ID:      page.Name,
				Stamp:   page.ModTime,
				Author:  page.Author,
				IP:      page.IP,
				Kind:    wiki.ChangeKind(page.Kind),
				Summary: page.Summary,
				Minor:   page.Minor,
			})
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Stamp > entries[j].Stamp
		})
	}

	return entries, nil
}

// RecordMediaChange appends a media transition to the change log.
func (s *Store) RecordMediaChange(ctx context.Context, entry wiki.RevisionInfo) error {
	revision := RevisionRecord{
		Scope:   string(wiki.ScopeMedia),
		Page:    entry.ID,
		Stamp:   entry.Stamp,
		Author:  entry.Author,
		IP:      entry.IP,
		Kind:    string(entry.Kind),
		Summary: entry.Summary,
		Minor:   entry.Minor,
	}

	if err := s.db.WithContext(ctx).Create(&revision).Error; err != nil {
		s.logError(logrus.Fields{"id": entry.ID}, err, "recording media change")
		return eris.Wrapf(err, "recording media change for %s", entry.ID)
	}

	return nil
}

// MediaReferenced reports whether any current page text embeds the media
// identifier. Used as the in-use check of attachment deletion.
func (s *Store) MediaReferenced(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&PageRecord{}).
		Where("text LIKE ?", "%{{"+id+"%").
		Count(&count).Error
	if err != nil {
		s.logError(logrus.Fields{"id": id}, err, "scanning media references")
		return false, eris.Wrapf(err, "scanning references to %s", id)
	}
	return count > 0, nil
}

// IsLockedByOther reports whether an editor other than the caller holds the
// lock for id. The caller's own lock never counts.
func (s *Store) IsLockedByOther(ctx context.Context, id string, by wiki.Caller) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&LockRecord{}).
		Where("page = ? AND owner <> ?", id, by.Name).
		Count(&count).Error
	if err != nil {
		s.logError(logrus.Fields{"id": id}, err, "querying lock state")
		return false, eris.Wrapf(err, "querying lock state of %s", id)
	}
	return count > 0, nil
}

// Acquire takes the lock for id. Re-acquiring a lock the caller already
// holds succeeds; the unique index on the page column rejects a concurrent
// second holder.
func (s *Store) Acquire(ctx context.Context, id string, by wiki.Caller) error {
	var existing LockRecord
	err := s.db.WithContext(ctx).First(&existing, "page = ?", id).Error
	if err == nil {
		if existing.Owner == by.Name {
			return nil
		}
		return eris.Errorf("lock for %s is held by %s", id, existing.Owner)
	}
	if !eris.Is(err, gorm.ErrRecordNotFound) {
		s.logError(logrus.Fields{"id": id}, err, "querying lock state")
		return eris.Wrapf(err, "querying lock state of %s", id)
	}

	lock := LockRecord{Page: id, Owner: by.Name, IP: by.IP}
	if err := s.db.WithContext(ctx).Create(&lock).Error; err != nil {
		s.logError(logrus.Fields{"id": id}, err, "acquiring lock")
		return eris.Wrapf(err, "acquiring lock for %s", id)
	}
	return nil
}

// Release drops the caller's lock on id and reports whether one was held.
func (s *Store) Release(ctx context.Context, id string, by wiki.Caller) (bool, error) {
	result := s.db.WithContext(ctx).Where("page = ? AND owner = ?", id, by.Name).Delete(&LockRecord{})
	if result.Error != nil {
		s.logError(logrus.Fields{"id": id}, result.Error, "releasing lock")
		return false, eris.Wrapf(result.Error, "releasing lock for %s", id)
	}
	return result.RowsAffected > 0, nil
}

// IsIndexed reports whether the page has been indexed since its last create.
func (s *Store) IsIndexed(ctx context.Context, id string) (bool, error) {
	page, err := s.findPage(ctx, id)
	if err != nil {
		return false, err
	}
	return page != nil && page.Indexed, nil
}

// EnsureIndexed marks the page as indexed.
func (s *Store) EnsureIndexed(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).
		Model(&PageRecord{}).
		Where("name = ?", id).
		Update("indexed", true).Error
	if err != nil {
		s.logError(logrus.Fields{"id": id}, err, "marking page indexed")
		return eris.Wrapf(err, "marking %s indexed", id)
	}
	return nil
}

func (s *Store) findPage(ctx context.Context, id string) (*PageRecord, error) {
	var page PageRecord
	err := s.db.WithContext(ctx).First(&page, "name = ?", id).Error
	if err != nil {
		if eris.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		s.logError(logrus.Fields{"id": id}, err, "fetching page")
		return nil, eris.Wrapf(err, "fetching page %s", id)
	}
	return &page, nil
}

func revisionInfo(revision RevisionRecord) wiki.RevisionInfo {
	return wiki.RevisionInfo{
		ID:      revision.Page,
		Stamp:   revision.Stamp,
		Author:  revision.Author,
		IP:      revision.IP,
		Kind:    wiki.ChangeKind(revision.Kind),
		Summary: revision.Summary,
		Minor:   revision.Minor,
	}
}

func (s *Store) logError(fields logrus.Fields, err error, message string) {
	if s.logger == nil {
		return
	}

	entry := s.logger.WithField("error", err.Error())
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Error(message)
}
