package search

import (
	"strings"
	"time"
)

// DefaultMaxResults is the result list length used when a caller passes none.
const DefaultMaxResults = 250

// =============================================================================
// Operator
// =============================================================================

// Operator combines the terms of a query.
type Operator string

const (
	// OperatorOR matches documents containing any term.
	OperatorOR Operator = "OR"

	// OperatorAND matches documents containing every term.
	OperatorAND Operator = "AND"
)

// ParseOperator converts a configuration value into an Operator.
func ParseOperator(s string) (Operator, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OR":
		return OperatorOR, true
	case "AND":
		return OperatorAND, true
	default:
		return "", false
	}
}

// String returns the string representation of the operator.
func (o Operator) String() string {
	return string(o)
}

// =============================================================================
// Query
// =============================================================================

// Query is a free-text search against one index.
type Query struct {
	Text string

	// Filter is a comma-separated list of field names restricting the search.
	// Empty searches all text fields.
	Filter string

	Operator   Operator
	MaxResults int
}

// Fields returns the trimmed, non-empty field names of the filter.
func (q Query) Fields() []string {
	if q.Filter == "" {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(q.Filter, ",") {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Limit returns MaxResults, or DefaultMaxResults when unset.
func (q Query) Limit() int {
	if q.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return q.MaxResults
}

// =============================================================================
// Result
// =============================================================================

// Result is one matching table.
type Result struct {
	ID        string     `json:"id"`
	TableID   string     `json:"table_id"`
	Path      string     `json:"path"`
	Title     string     `json:"title"`
	Published *time.Time `json:"published,omitempty"`
	Score     float64    `json:"score"`
}

// Status reports whether a search ran against an index.
type Status int

const (
	// StatusSuccessful means the query ran; the result list may be empty.
	StatusSuccessful Status = iota

	// StatusNotIndexed means no index exists for the database and language.
	StatusNotIndexed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccessful:
		return "successful"
	case StatusNotIndexed:
		return "not_indexed"
	default:
		return "unknown"
	}
}
