package bleve

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/pxsearch/core/catalog"
	"github.com/adalundhe/pxsearch/core/search"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		BaseDirectory: t.TempDir(),
		BatchSize:     2,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return e
}

func testDoc(tableID, path, title, contents string) *search.Document {
	return &search.Document{
		Database: "STAT",
		Language: "en",
		ID:       tableID,
		TableID:  tableID,
		Path:     path,
		Title:    title,
		Metadata: catalog.Metadata{
			Title:    title,
			Contents: contents,
			Variables: []catalog.Variable{
				{Name: "region", Values: []string{"Stockholm", "Uppsala"}, Codes: []string{"01", "03"}},
			},
		},
	}
}

func build(t *testing.T, e *Engine, mode search.WriteMode, docs ...*search.Document) {
	t.Helper()
	ctx := context.Background()

	w, err := e.OpenWriter(ctx, "STAT", "en", mode)
	require.NoError(t, err)
	defer w.Close()

	for _, d := range docs {
		require.NoError(t, w.AddDocument(ctx, d))
	}
	require.NoError(t, w.Commit(ctx))
}

func openSearcher(t *testing.T, e *Engine) *Searcher {
	t.Helper()
	h, err := e.OpenSearcher(context.Background(), "STAT", "en")
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	s, ok := h.(*Searcher)
	require.True(t, ok)
	return s
}

func tableIDs(results []search.Result) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.TableID)
	}
	return ids
}

func TestNewEngine_RequiresBaseDirectory(t *testing.T) {
	t.Parallel()

	_, err := NewEngine(EngineConfig{})
	assert.ErrorIs(t, err, ErrEmptyBaseDirectory)
}

func TestValidateBatchSize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultBatchSize, ValidateBatchSize(0))
	assert.Equal(t, DefaultBatchSize, ValidateBatchSize(-5))
	assert.Equal(t, 7, ValidateBatchSize(7))
	assert.Equal(t, MaxBatchSize, ValidateBatchSize(MaxBatchSize+1))
}

func TestEngine_NotIndexed(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	_, err := e.OpenSearcher(context.Background(), "STAT", "en")
	assert.ErrorIs(t, err, search.ErrNotIndexed)
}

func TestEngine_OpenSearcherWaitsForPendingSwap(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	build(t, e, search.ModeCreate, testDoc("BE0101A", "BE/BE0101", "Population", "Population"))

	live := e.IndexPath("STAT", "en")
	retired := filepath.Join(e.stagingRoot("STAT"), "en-other"+retiredSuffix)
	require.NoError(t, os.MkdirAll(e.stagingRoot("STAT"), 0o755))
	require.NoError(t, os.Rename(live, retired))

	published := make(chan error, 1)
	go func() {
		time.Sleep(swapRetryDelay)
		published <- os.Rename(retired, live)
	}()

	h, err := e.OpenSearcher(context.Background(), "STAT", "en")
	require.NoError(t, <-published)
	require.NoError(t, err)
	_ = h.Close()
}

func TestEngine_StaleRetiredIndexStillNotIndexed(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	require.NoError(t, os.MkdirAll(filepath.Join(e.stagingRoot("STAT"), "en-crashed"+retiredSuffix), 0o755))

	_, err := e.OpenSearcher(context.Background(), "STAT", "en")
	assert.ErrorIs(t, err, search.ErrNotIndexed)
}

func TestEngine_InvalidNames(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.OpenWriter(ctx, "../etc", "en", search.ModeCreate)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = e.OpenWriter(ctx, "STAT", ".staging", search.ModeCreate)
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = e.OpenSearcher(ctx, "", "en")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestEngine_CreateAndSearch(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	published := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	doc := testDoc("BE0101A", "BE/BE0101", "Population by region", "Population at year end")
	doc.Published = &published

	build(t, e, search.ModeCreate,
		doc,
		testDoc("BE0101B", "BE/BE0101", "Births by month", "Live births"),
		testDoc("AM0401", "AM", "Employment", "Employed persons"),
	)

	s := openSearcher(t, e)
	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	results, err := s.Query(context.Background(), search.Query{Text: "population"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "BE0101A", r.ID)
	assert.Equal(t, "BE0101A", r.TableID)
	assert.Equal(t, "BE/BE0101", r.Path)
	assert.Equal(t, "Population by region", r.Title)
	assert.Greater(t, r.Score, 0.0)
	require.NotNil(t, r.Published)
	assert.True(t, published.Equal(*r.Published))

	results, err = s.Query(context.Background(), search.Query{Text: "uppsala"})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestEngine_StagingLayout(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	build(t, e, search.ModeCreate, testDoc("T1", "A", "Title", "text"))

	assert.DirExists(t, e.IndexPath("STAT", "en"))
	assert.Equal(t, filepath.Join(e.base, "STAT", "_INDEX", "en"), e.IndexPath("STAT", "en"))

	entries, err := os.ReadDir(e.stagingRoot("STAT"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSearcher_EmptyTextMatchesNothing(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	build(t, e, search.ModeCreate, testDoc("T1", "A", "Title", "text"))

	results, err := openSearcher(t, e).Query(context.Background(), search.Query{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearcher_Operator(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	build(t, e, search.ModeCreate,
		testDoc("T1", "A", "Population", "income"),
		testDoc("T2", "A", "Population", "housing"),
	)
	s := openSearcher(t, e)
	ctx := context.Background()

	results, err := s.Query(ctx, search.Query{Text: "income housing", Operator: search.OperatorOR})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"T1", "T2"}, tableIDs(results))

	results, err = s.Query(ctx, search.Query{Text: "population income", Operator: search.OperatorAND})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, tableIDs(results))

	results, err = s.Query(ctx, search.Query{Text: "income housing", Operator: search.OperatorAND})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearcher_FilterFields(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	build(t, e, search.ModeCreate,
		testDoc("T1", "A", "Households", "dwellings"),
		testDoc("T2", "A", "Dwellings", "households"),
	)
	s := openSearcher(t, e)
	ctx := context.Background()

	results, err := s.Query(ctx, search.Query{Text: "households", Filter: "title"})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, tableIDs(results))

	results, err = s.Query(ctx, search.Query{Text: "households", Filter: "title, contents"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"T1", "T2"}, tableIDs(results))

	results, err = s.Query(ctx, search.Query{Text: "households", Filter: "nosuchfield"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"T1", "T2"}, tableIDs(results))

	results, err = s.Query(ctx, search.Query{Text: "03", Filter: "codes"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearcher_MaxResults(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	build(t, e, search.ModeCreate,
		testDoc("T1", "A", "Population", ""),
		testDoc("T2", "A", "Population", ""),
		testDoc("T3", "A", "Population", ""),
	)

	results, err := openSearcher(t, e).Query(context.Background(), search.Query{Text: "population", MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestEngine_IdempotentRebuild(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	docs := []*search.Document{
		testDoc("T1", "A", "Population", "people"),
		testDoc("T2", "A/B", "Births", "children"),
		testDoc("T3", "C", "Deaths", "people"),
	}

	build(t, e, search.ModeCreate, docs...)
	first, err := openSearcher(t, e).Query(context.Background(), search.Query{Text: "people"})
	require.NoError(t, err)

	build(t, e, search.ModeCreate, docs...)
	s := openSearcher(t, e)
	second, err := s.Query(context.Background(), search.Query{Text: "people"})
	require.NoError(t, err)

	assert.ElementsMatch(t, tableIDs(first), tableIDs(second))
	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)
}

func TestWriter_CloseWithoutCommitDiscards(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	build(t, e, search.ModeCreate, testDoc("T1", "A", "Original", "text"))

	ctx := context.Background()
	w, err := e.OpenWriter(ctx, "STAT", "en", search.ModeCreate)
	require.NoError(t, err)
	require.NoError(t, w.AddDocument(ctx, testDoc("T2", "A", "Replacement", "text")))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	results, err := openSearcher(t, e).Query(ctx, search.Query{Text: "text"})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, tableIDs(results))

	entries, err := os.ReadDir(e.stagingRoot("STAT"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriter_AppendReplacesSameKey(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	build(t, e, search.ModeCreate,
		testDoc("T1", "A", "Old title", "text"),
		testDoc("T2", "A", "Other", "text"),
	)

	ctx := context.Background()
	w, err := e.OpenWriter(ctx, "STAT", "en", search.ModeAppend)
	require.NoError(t, err)
	require.NoError(t, w.UpdateDocument(ctx, testDoc("T1", "A", "Fresh title", "text")))
	require.NoError(t, w.UpdateDocument(ctx, testDoc("T3", "B", "New table", "text")))
	require.NoError(t, w.Commit(ctx))
	require.NoError(t, w.Close())

	s := openSearcher(t, e)
	count, err := s.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	results, err := s.Query(ctx, search.Query{Text: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, tableIDs(results))

	results, err = s.Query(ctx, search.Query{Text: "old"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestWriter_AppendWithoutLiveIndex(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	build(t, e, search.ModeAppend, testDoc("T1", "A", "Title", "text"))

	count, err := openSearcher(t, e).Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestWriter_StateErrors(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	w, err := e.OpenWriter(ctx, "STAT", "en", search.ModeCreate)
	require.NoError(t, err)

	assert.ErrorIs(t, w.AddDocument(ctx, nil), ErrNilDocument)
	assert.ErrorIs(t, w.AddDocument(ctx, &search.Document{TableID: "T"}), search.ErrEmptyPath)

	require.NoError(t, w.Commit(ctx))
	assert.ErrorIs(t, w.AddDocument(ctx, testDoc("T1", "A", "x", "y")), search.ErrAlreadyCommitted)
	assert.ErrorIs(t, w.Commit(ctx), search.ErrAlreadyCommitted)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.AddDocument(ctx, testDoc("T1", "A", "x", "y")), search.ErrWriterClosed)
}

func TestSearcher_SurvivesRebuild(t *testing.T) {
	t.Parallel()

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)
	now := first

	e, err := NewEngine(EngineConfig{
		BaseDirectory: t.TempDir(),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:           func() time.Time { return now },
	})
	require.NoError(t, err)
	ctx := context.Background()

	build(t, e, search.ModeCreate, testDoc("T1", "A", "Apples", "fruit"))
	old := openSearcher(t, e)
	assert.True(t, first.Equal(old.CreatedAt()))

	now = second
	build(t, e, search.ModeCreate, testDoc("T2", "A", "Pears", "fruit"))

	results, err := old.Query(ctx, search.Query{Text: "fruit"})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, tableIDs(results))

	fresh := openSearcher(t, e)
	assert.True(t, second.Equal(fresh.CreatedAt()))
	results, err = fresh.Query(ctx, search.Query{Text: "fruit"})
	require.NoError(t, err)
	assert.Equal(t, []string{"T2"}, tableIDs(results))
}

func TestSearcher_ClosedErrors(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	build(t, e, search.ModeCreate, testDoc("T1", "A", "Title", "text"))

	h, err := e.OpenSearcher(context.Background(), "STAT", "en")
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err = h.Query(context.Background(), search.Query{Text: "title"})
	assert.ErrorIs(t, err, ErrSearcherClosed)
}
