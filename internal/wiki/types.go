package wiki

// Level is the totally ordered permission scale used by the access gate.
// The gate only compares against it, never mutates it.
type Level int

const (
	LevelNone   Level = 0
	LevelRead   Level = 1
	LevelEdit   Level = 2
	LevelCreate Level = 4
	LevelUpload Level = 8
	LevelDelete Level = 16
	LevelAdmin  Level = 255
)

// ChangeKind tags the nature of one persisted state transition.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "C"
	ChangeEdit   ChangeKind = "E"
	ChangeMinor  ChangeKind = "e"
	ChangeDelete ChangeKind = "D"
)

// ChangeScope selects which changelog a recent-changes query reads.
type ChangeScope string

const (
	ScopePages ChangeScope = "pages"
	ScopeMedia ChangeScope = "media"
)

// RevisionInfo describes one persisted state of a page or media file. Author
// falls back to the editor's recorded network address when no registered user
// identity was captured. Size is best-effort enrichment on recent-changes
// listings and zero elsewhere.
type RevisionInfo struct {
	ID      string
	Stamp   int64
	Author  string
	IP      string
	Kind    ChangeKind
	Summary string
	Minor   bool
	Size    int64
}

// PageInfo summarizes the state of a page at one revision.
type PageInfo struct {
	Name         string
	LastModified int64
	Author       string
	Version      int64
}

// AttachmentInfo summarizes a stored media file. Hash is only populated when
// a listing asks for it.
type AttachmentInfo struct {
	ID           string
	Size         int64
	LastModified int64
	Hash         string
}

// PutAttrs carries the optional attributes of a page write.
type PutAttrs struct {
	Summary string
	Minor   bool
}

// LockRequest names the identifiers a batch lock call should lock and unlock.
type LockRequest struct {
	Lock   []string
	Unlock []string
}

// LockResult reports per-identifier outcomes of a batch lock call. Partial
// success is expected; a failed item never aborts the remaining ones.
type LockResult struct {
	Locked     []string
	LockFail   []string
	Unlocked   []string
	UnlockFail []string
}

// Attachment delete outcome bits as reported by the attachment store. Zero
// means the file was deleted. The media service decodes the mask exactly once
// at the collaborator boundary.
const (
	DeleteOK      = 0
	DeleteNotAuth = 1
	DeleteInUse   = 2
	DeleteFailed  = 4
)

// ListOptions enumerates the recognized attachment-listing options and their
// defaults, replacing an open-ended option map.
type ListOptions struct {
	Depth   int    // 0 means unlimited recursion
	Pattern string // substring match on the identifier, empty matches all
	Hash    bool   // include content hashes
	SkipACL bool   // list entries the caller could not read
}

// NewUser carries the fields of a user-creation request.
type NewUser struct {
	Login    string
	Password string
	Name     string
	Mail     string
	Groups   []string
	Notify   bool
}
