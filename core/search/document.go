// Package search provides the domain types of the PX search index: the indexable
// table document, queries and results, and the engine capabilities the index
// builder and coordinator consume.
package search

import (
	"errors"
	"time"

	"github.com/adalundhe/pxsearch/core/catalog"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrEmptyTableID indicates a document without a table id.
	ErrEmptyTableID = errors.New("document table id cannot be empty")

	// ErrEmptyPath indicates a document without a folder path.
	ErrEmptyPath = errors.New("document path cannot be empty")

	// ErrNotIndexed indicates no index exists yet for a database and language.
	ErrNotIndexed = errors.New("database is not indexed")

	// ErrWriterClosed indicates an operation on a closed index writer.
	ErrWriterClosed = errors.New("index writer is closed")

	// ErrAlreadyCommitted indicates a write after the writer was committed.
	ErrAlreadyCommitted = errors.New("index writer already committed")

	// ErrInvalidOperator indicates an operator other than OR or AND.
	ErrInvalidOperator = errors.New("operator must be OR or AND")
)

// =============================================================================
// Document
// =============================================================================

// TableUpdate names a table whose index entry must be rewritten.
type TableUpdate = catalog.TableUpdate

// Document is one table as it is written to a search index.
type Document struct {
	Database  string           `json:"database"`
	Language  string           `json:"language"`
	ID        string           `json:"id"`
	TableID   string           `json:"table_id"`
	Path      string           `json:"path"`
	Title     string           `json:"title"`
	Published *time.Time       `json:"published,omitempty"`
	Metadata  catalog.Metadata `json:"metadata"`
}

// DocumentFromEntry converts a catalog entry into an indexable document.
func DocumentFromEntry(e catalog.Entry) *Document {
	doc := &Document{
		Database:  e.Database,
		Language:  e.Language,
		ID:        e.ID,
		TableID:   e.TableID,
		Path:      e.Path,
		Title:     e.Title,
		Published: e.Published,
	}
	if e.Metadata != nil {
		doc.Metadata = *e.Metadata
	}
	if doc.Title == "" {
		doc.Title = doc.Metadata.Title
	}
	return doc
}

// Validate checks the fields the engine keys documents by.
func (d *Document) Validate() error {
	if d.TableID == "" {
		return ErrEmptyTableID
	}
	if d.Path == "" {
		return ErrEmptyPath
	}
	return nil
}

// Key is the unique index key of the document: its path and table id.
func (d *Document) Key() string {
	return d.Path + "/" + d.TableID
}
