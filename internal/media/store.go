package media

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"

	"fernwiki/app/internal/wiki"
)

// Store keeps media files on the local filesystem. Identifiers map onto the
// directory tree below the configured root, namespace separators becoming
// path separators.
type Store struct {
	root   string
	inUse  func(ctx context.Context, id string) (bool, error)
	logger *logrus.Logger
}

var _ wiki.AttachmentStore = (*Store)(nil)

// Options configures the filesystem media store. InUse is an optional hook
// reporting whether a media file is still referenced; without it deletion
// never classifies as in-use.
type Options struct {
	Root   string
	InUse  func(ctx context.Context, id string) (bool, error)
	Logger *logrus.Logger
}

// NewStore constructs a filesystem-backed media store rooted at opts.Root.
func NewStore(opts Options) (*Store, error) {
	if opts.Root == "" {
		return nil, eris.New("media root directory is required")
	}

	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "creating media root %s", opts.Root)
	}

	return &Store{root: opts.Root, inUse: opts.InUse, logger: opts.Logger}, nil
}

// Read returns the raw bytes of the media file.
func (s *Store) Read(ctx context.Context, id string) ([]byte, bool, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		s.logError(logrus.Fields{"id": id}, err, "reading media file")
		return nil, false, eris.Wrapf(err, "reading media file %s", id)
	}

	return data, true, nil
}

// Stat describes the media file without reading its content.
func (s *Store) Stat(ctx context.Context, id string) (*wiki.AttachmentInfo, bool, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		s.logError(logrus.Fields{"id": id}, err, "statting media file")
		return nil, false, eris.Wrapf(err, "statting media file %s", id)
	}
	if info.IsDir() {
		return nil, false, nil
	}

	return &wiki.AttachmentInfo{
		ID:           id,
		Size:         info.Size(),
		LastModified: info.ModTime().Unix(),
	}, true, nil
}

// Save writes data under id via a temp file and rename, so readers never see
// a partial file. Overwrite semantics are enforced by the caller; the store
// replaces whatever is there.
func (s *Store) Save(ctx context.Context, id string, data []byte, overwrite bool) (string, error) {
	path, err := s.path(id)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logError(logrus.Fields{"id": id}, err, "creating media namespace directory")
		return "", eris.Wrapf(err, "creating namespace directory for %s", id)
	}

	tmp := path + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logError(logrus.Fields{"id": id}, err, "writing media temp file")
		return "", eris.Wrapf(err, "writing media file %s", id)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		s.logError(logrus.Fields{"id": id}, err, "moving media file into place")
		return "", eris.Wrapf(err, "moving media file %s into place", id)
	}

	return id, nil
}

// Delete removes the media file and reports the outcome as a bitmask built
// from the wiki.Delete* constants. A missing file classifies as a plain
// failure every time, never an error.
func (s *Store) Delete(ctx context.Context, id string, level wiki.Level) (int, error) {
	if level < wiki.LevelDelete {
		return wiki.DeleteNotAuth, nil
	}

	if s.inUse != nil {
		used, err := s.inUse(ctx, id)
		if err != nil {
			s.logError(logrus.Fields{"id": id}, err, "checking media references")
			return 0, eris.Wrapf(err, "checking references to %s", id)
		}
		if used {
			return wiki.DeleteInUse, nil
		}
	}

	path, err := s.path(id)
	if err != nil {
		return 0, err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return wiki.DeleteFailed, nil
		}
		s.logError(logrus.Fields{"id": id}, err, "removing media file")
		return wiki.DeleteFailed, nil
	}

	return wiki.DeleteOK, nil
}

// List walks the namespace and returns the media files it contains, honoring
// the depth, pattern, and hash options.
func (s *Store) List(ctx context.Context, ns string, opts wiki.ListOptions) ([]wiki.AttachmentInfo, error) {
	base := s.root
	if ns != "" {
		path, err := s.path(ns)
		if err != nil {
			return nil, err
		}
		base = path
	}

	var entries []wiki.AttachmentInfo
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == base && os.IsNotExist(walkErr) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}

		if opts.Depth > 0 && strings.Count(rel, string(filepath.Separator)) >= opts.Depth {
			return nil
		}

		id := filepath.ToSlash(rel)
		id = strings.ReplaceAll(id, "/", ":")
		if ns != "" {
			id = ns + ":" + id
		}

		if opts.Pattern != "" && !strings.Contains(id, opts.Pattern) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entry := wiki.AttachmentInfo{
			ID:           id,
			Size:         info.Size(),
			LastModified: info.ModTime().Unix(),
		}

		if opts.Hash {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			sum := md5.Sum(data)
			entry.Hash = hex.EncodeToString(sum[:])
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		s.logError(logrus.Fields{"ns": ns}, err, "listing media namespace")
		return nil, eris.Wrapf(err, "listing media namespace %s", ns)
	}

	return entries, nil
}

// path maps a canonical media identifier onto the filesystem, rejecting
// anything that would escape the root.
func (s *Store) path(id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", eris.New("media identifier is required")
	}

	parts := strings.Split(id, ":")
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return "", eris.Errorf("media identifier %s is malformed", id)
		}
	}

	return filepath.Join(append([]string{s.root}, parts...)...), nil
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
