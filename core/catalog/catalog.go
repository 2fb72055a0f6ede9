// Package catalog describes the menu tree of a statistical database: folders and
// table links addressed by selectors. It defines the capabilities the search core
// consumes (node resolution and table metadata) and the traversal algorithms that
// turn a catalog into indexable entries.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrRootNotFound indicates the catalog root of a database could not be resolved.
	ErrRootNotFound = errors.New("catalog root not found")

	// ErrNilResolver indicates a walker or resolver was built without a Resolver.
	ErrNilResolver = errors.New("resolver cannot be nil")

	// ErrNilMetadata indicates a walker or resolver was built without a MetadataProvider.
	ErrNilMetadata = errors.New("metadata provider cannot be nil")
)

// =============================================================================
// Database Type
// =============================================================================

// DatabaseType selects the selector/path encoding convention of a database.
type DatabaseType int

const (
	// TypeCNMM databases are backed by a relational catalog; table selectors are
	// plain ids and paths come from the traversal.
	TypeCNMM DatabaseType = iota

	// TypePX databases are directory trees of PX files; table selectors embed
	// their own path using backslash separators.
	TypePX
)

// String returns the string representation of the database type.
func (t DatabaseType) String() string {
	switch t {
	case TypePX:
		return "px"
	case TypeCNMM:
		return "cnmm"
	default:
		return "unknown"
	}
}

// ParseDatabaseType converts a configuration value into a DatabaseType.
func ParseDatabaseType(s string) (DatabaseType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "px":
		return TypePX, true
	case "cnmm":
		return TypeCNMM, true
	default:
		return TypeCNMM, false
	}
}

// =============================================================================
// Nodes
// =============================================================================

// Kind distinguishes folders from table links.
type Kind int

const (
	// KindFolder is a menu level that contains other nodes.
	KindFolder Kind = iota

	// KindTableLink is a leaf node that points at one table.
	KindTableLink
)

// String returns the string representation of the node kind.
func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindTableLink:
		return "table"
	default:
		return "unknown"
	}
}

// Selector addresses a node: Menu is the parent folder and Selection the item
// within it. The zero Selector addresses the database root.
type Selector struct {
	Menu      string
	Selection string
}

// IsRoot reports whether the selector addresses the database root.
func (s Selector) IsRoot() bool {
	return s.Menu == "" && s.Selection == ""
}

// String returns "menu/selection" for logging.
func (s Selector) String() string {
	if s.IsRoot() {
		return "<root>"
	}
	return s.Menu + "/" + s.Selection
}

// Node is one position in the catalog. Children are only populated for
// folders, and may be empty until the folder is resolved.
type Node struct {
	Selector  Selector
	Kind      Kind
	Title     string
	Published *time.Time
	Children  []Node
}

// IsFolder reports whether the node is a folder.
func (n Node) IsFolder() bool { return n.Kind == KindFolder }

// IsTable reports whether the node is a table link.
func (n Node) IsTable() bool { return n.Kind == KindTableLink }

// Resolution is the result of resolving a selector against a catalog.
type Resolution struct {
	Found bool
	Type  DatabaseType
	Node  Node
}

// Found builds a successful resolution.
func Found(dbType DatabaseType, node Node) Resolution {
	return Resolution{Found: true, Type: dbType, Node: node}
}

// NotFound builds an empty resolution.
func NotFound() Resolution {
	return Resolution{}
}

// =============================================================================
// Metadata
// =============================================================================

// Variable is one dimension of a table with its value texts and codes.
type Variable struct {
	Name   string   `json:"name" yaml:"name"`
	Values []string `json:"values,omitempty" yaml:"values,omitempty"`
	Codes  []string `json:"codes,omitempty" yaml:"codes,omitempty"`
}

// Metadata is the descriptive content of a table. The search core treats it as
// opaque and hands it to the engine, which decides what to index.
type Metadata struct {
	Title       string     `json:"title" yaml:"title"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Contents    string     `json:"contents,omitempty" yaml:"contents,omitempty"`
	Matrix      string     `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	SubjectCode string     `json:"subject_code,omitempty" yaml:"subject_code,omitempty"`
	SubjectArea string     `json:"subject_area,omitempty" yaml:"subject_area,omitempty"`
	Source      string     `json:"source,omitempty" yaml:"source,omitempty"`
	Notes       []string   `json:"notes,omitempty" yaml:"notes,omitempty"`
	Updated     *time.Time `json:"updated,omitempty" yaml:"updated,omitempty"`
	Variables   []Variable `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// =============================================================================
// Capabilities
// =============================================================================

// Resolver resolves a selector to a node with its children.
// A missing node is reported as NotFound(), not as an error; errors are
// reserved for provider faults.
type Resolver interface {
	ResolveNode(ctx context.Context, database string, sel Selector, language string) (Resolution, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, database string, sel Selector, language string) (Resolution, error)

// ResolveNode calls f.
func (f ResolverFunc) ResolveNode(ctx context.Context, database string, sel Selector, language string) (Resolution, error) {
	return f(ctx, database, sel, language)
}

// MetadataProvider maps a table id to its metadata. It returns (nil, nil)
// when the table has no metadata.
type MetadataProvider interface {
	TableMetadata(ctx context.Context, dbType DatabaseType, database, language, tableID string) (*Metadata, error)
}

// MetadataFunc adapts a function to the MetadataProvider interface.
type MetadataFunc func(ctx context.Context, dbType DatabaseType, database, language, tableID string) (*Metadata, error)

// TableMetadata calls f.
func (f MetadataFunc) TableMetadata(ctx context.Context, dbType DatabaseType, database, language, tableID string) (*Metadata, error) {
	return f(ctx, dbType, database, language, tableID)
}

// =============================================================================
// Selector Helpers
// =============================================================================

// CleanTableID strips the database part of a compound "database:table"
// selection. Selections without a colon are returned unchanged.
func CleanTableID(selection string) string {
	if idx := strings.Index(selection, ":"); idx > -1 {
		return selection[idx+1:]
	}
	return selection
}

// pxSeparator is the path separator embedded in PX table selections.
const pxSeparator = "\\"

// SplitPXSelection splits a PX table selection into its slash-joined folder path
// and the table name.
func SplitPXSelection(selection string) (path, table string) {
	parts := splitNonEmpty(selection, pxSeparator)
	if len(parts) == 0 {
		return "", ""
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1]
}

// splitNonEmpty splits s on sep, dropping empty segments.
func splitNonEmpty(s, sep string) []string {
	raw := strings.Split(s, sep)
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}
