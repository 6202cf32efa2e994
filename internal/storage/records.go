package storage

import "time"

// PageRecord holds the current state of a page together with the metadata of
// the write that produced it. Prior states live in RevisionRecord rows; a
// page whose Text is empty counts as deleted but keeps its row so the
// revision history stays reachable.
type PageRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;not null"`
	Text      string
	ModTime   int64 `gorm:"index"`
	Author    string
	IP        string
	Kind      string
	Summary   string
	Minor     bool
	Indexed   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RevisionRecord is one entry of the append-only change log: a state prior
// to the current one, for pages, or any recorded transition for media.
type RevisionRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Scope     string `gorm:"index:idx_revision_lookup;not null"`
	Page      string `gorm:"index:idx_revision_lookup;not null"`
	Stamp     int64  `gorm:"index:idx_revision_lookup"`
	Text      string
	Author    string
	IP        string
	Kind      string
	Summary   string
	Minor     bool
	CreatedAt time.Time
}

// LockRecord marks a page as locked by one editor. The unique index on Page
// is what provides mutual exclusion per identifier.
type LockRecord struct {
	ID        uint   `gorm:"primaryKey"`
	Page      string `gorm:"uniqueIndex;not null"`
	Owner     string
	IP        string
	CreatedAt time.Time
}
