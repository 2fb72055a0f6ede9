package bleve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	blevesearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/adalundhe/pxsearch/core/search"
)

// Searcher is a read-only handle on a live index. It implements search.Handle.
type Searcher struct {
	database  string
	language  string
	createdAt time.Time

	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

var _ search.Handle = (*Searcher)(nil)

func newSearcher(index bleve.Index, database, language string, createdAt time.Time) *Searcher {
	return &Searcher{
		database:  database,
		language:  language,
		createdAt: createdAt,
		index:     index,
	}
}

// CreatedAt returns when the index was committed.
func (s *Searcher) CreatedAt() time.Time {
	return s.createdAt
}

// Count returns the number of documents in the index.
func (s *Searcher) Count() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrSearcherClosed
	}
	return s.index.DocCount()
}

// Query runs a match query and returns at most q.Limit() results by score.
// An empty query text matches nothing.
func (s *Searcher) Query(ctx context.Context, q search.Query) ([]search.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrSearcherClosed
	}
	if q.Text == "" {
		return []search.Result{}, nil
	}

	req := bleve.NewSearchRequestOptions(buildQuery(q), q.Limit(), 0, false)
	req.Fields = storedFields

	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %s/%s: %w", s.database, s.language, err)
	}
	return convertHits(res.Hits), nil
}

// Close closes the underlying index. It is safe to call more than once.
func (s *Searcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.index.Close()
}

// =============================================================================
// Query Building
// =============================================================================

// buildQuery searches the composite field, or the disjunction of the filter's
// known fields when a filter is given.
func buildQuery(q search.Query) query.Query {
	fields := filterFields(q.Fields())
	if len(fields) == 0 {
		return matchQuery(q.Text, "", q.Operator)
	}
	if len(fields) == 1 {
		return matchQuery(q.Text, fields[0], q.Operator)
	}

	queries := make([]query.Query, 0, len(fields))
	for _, f := range fields {
		queries = append(queries, matchQuery(q.Text, f, q.Operator))
	}
	return bleve.NewDisjunctionQuery(queries...)
}

func matchQuery(text, field string, op search.Operator) *query.MatchQuery {
	mq := bleve.NewMatchQuery(text)
	if field != "" {
		mq.SetField(field)
	}
	if op == search.OperatorAND {
		mq.SetOperator(query.MatchQueryOperatorAnd)
	} else {
		mq.SetOperator(query.MatchQueryOperatorOr)
	}
	return mq
}

// filterFields keeps the text fields of a filter, dropping unknown names.
func filterFields(names []string) []string {
	fields := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, ok := textFields[n]; !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		fields = append(fields, n)
	}
	return fields
}

// =============================================================================
// Result Conversion
// =============================================================================

func convertHits(hits blevesearch.DocumentMatchCollection) []search.Result {
	results := make([]search.Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, convertHit(hit))
	}
	return results
}

func convertHit(hit *blevesearch.DocumentMatch) search.Result {
	r := search.Result{
		ID:      getStringField(hit.Fields, FieldID),
		TableID: getStringField(hit.Fields, FieldTable),
		Path:    getStringField(hit.Fields, FieldPath),
		Title:   getStringField(hit.Fields, FieldTitle),
		Score:   hit.Score,
	}
	if t := getTimeField(hit.Fields, FieldPublished); !t.IsZero() {
		r.Published = &t
	}
	return r
}

// getStringField extracts a string field from the fields map.
func getStringField(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// getTimeField extracts a time field stored as RFC3339 text.
func getTimeField(fields map[string]interface{}, key string) time.Time {
	switch v := fields[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}
		}
		return t
	default:
		return time.Time{}
	}
}
