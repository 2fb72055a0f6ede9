package search

import (
	"context"
	"time"
)

// WriteMode selects how an index writer treats an existing index.
type WriteMode int

const (
	// ModeCreate replaces the index with a freshly built one.
	ModeCreate WriteMode = iota

	// ModeAppend applies changes on top of the existing index.
	ModeAppend
)

// String returns the string representation of the write mode.
func (m WriteMode) String() string {
	if m == ModeAppend {
		return "append"
	}
	return "create"
}

// Engine opens writers and searchers for the index of one database and language.
type Engine interface {
	OpenWriter(ctx context.Context, database, language string, mode WriteMode) (IndexWriter, error)

	// OpenSearcher returns ErrNotIndexed when no index exists.
	OpenSearcher(ctx context.Context, database, language string) (Handle, error)
}

// IndexWriter accumulates documents until Commit. Close without Commit discards
// every change. Close is safe to call more than once.
type IndexWriter interface {
	AddDocument(ctx context.Context, doc *Document) error
	UpdateDocument(ctx context.Context, doc *Document) error
	Commit(ctx context.Context) error
	Close() error
}

// Handle is an open, read-only view of an index.
type Handle interface {
	// CreatedAt is when the index behind the handle was last built.
	CreatedAt() time.Time
	Query(ctx context.Context, q Query) ([]Result, error)
	Close() error
}

// ChangeNotification reports that the index of a database and language changed
// outside this process at ChangedAt.
type ChangeNotification struct {
	Database  string
	Language  string
	ChangedAt time.Time
}
