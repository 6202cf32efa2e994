package wiki

import "context"

// Capability names an optional feature an authorization backend may support.
type Capability string

const (
	CapUserCreate Capability = "addUser"
	CapUserDelete Capability = "delUser"
)

// Authorizer is the external authorization backend. Absence of permission is
// expressed as a low Level, never as an error.
type Authorizer interface {
	Level(ctx context.Context, caller Caller, id string) (Level, error)
	LevelFor(ctx context.Context, id, user string, groups []string) (Level, error)
	IsAdmin(ctx context.Context, caller Caller) (bool, error)
	Supports(capability Capability) bool
	CreateUser(ctx context.Context, user NewUser) (bool, error)
	DeleteUsers(ctx context.Context, names []string) (bool, error)
	UserGroups(ctx context.Context, user string) ([]string, bool, error)
}

// ContentStore persists page text. A revision of 0 selects the current state;
// the boolean result reports whether any text exists for the selection.
// WriteText also appends the matching changelog entry.
type ContentStore interface {
	ReadText(ctx context.Context, id string, rev int64) (string, bool, error)
	WriteText(ctx context.Context, id, text, summary string, minor bool, by Caller) error
	Exists(ctx context.Context, id string) (bool, error)
	ModTime(ctx context.Context, id string) (int64, bool, error)
	Size(ctx context.Context, id string) (int64, bool, error)
	AllPages(ctx context.Context) ([]PageInfo, error)
}

// Changelog is the append-only history of persisted state transitions. It
// records states prior to the current one; the current state is never in it.
type Changelog interface {
	Revisions(ctx context.Context, id string, skip, limit int) ([]int64, error)
	RevisionInfo(ctx context.Context, id string, rev int64) (*RevisionInfo, error)
	RecentSince(ctx context.Context, since int64, scope ChangeScope) ([]RevisionInfo, error)
}

// Locker provides advisory per-identifier exclusion scoped to the holder:
// a caller's own lock never blocks it, and re-acquiring a held lock
// succeeds. Release reports whether the caller's lock was actually held.
type Locker interface {
	IsLockedByOther(ctx context.Context, id string, by Caller) (bool, error)
	Acquire(ctx context.Context, id string, by Caller) error
	Release(ctx context.Context, id string, by Caller) (bool, error)
}

// Indexer keeps the search index in step with page writes.
type Indexer interface {
	IsIndexed(ctx context.Context, id string) (bool, error)
	EnsureIndexed(ctx context.Context, id string) error
}

// ChangeRecorder appends transitions to the change log for state the content
// store does not own, such as media files.
type ChangeRecorder interface {
	RecordMediaChange(ctx context.Context, entry RevisionInfo) error
}

// SpamFilter applies the configured word-block policy.
type SpamFilter interface {
	IsBlocked(text string) bool
}

// AttachmentStore persists media files. Delete returns a bitmask built from
// the Delete* constants; Save returns the canonical identifier the data was
// stored under.
type AttachmentStore interface {
	Read(ctx context.Context, id string) ([]byte, bool, error)
	Stat(ctx context.Context, id string) (*AttachmentInfo, bool, error)
	Save(ctx context.Context, id string, data []byte, overwrite bool) (string, error)
	Delete(ctx context.Context, id string, level Level) (int, error)
	List(ctx context.Context, ns string, opts ListOptions) ([]AttachmentInfo, error)
}
