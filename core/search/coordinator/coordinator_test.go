package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/pxsearch/core/catalog"
	"github.com/adalundhe/pxsearch/core/search"
	"github.com/adalundhe/pxsearch/core/search/bleve"
	"github.com/adalundhe/pxsearch/core/search/watcher"
)

// =============================================================================
// Test Catalog
// =============================================================================

// memCatalog serves databases whose root has one folder per top-level path.
type memCatalog struct {
	mu    sync.Mutex
	roots map[string]catalog.Node
	nodes map[string]map[catalog.Selector]catalog.Node
	meta  map[string]*catalog.Metadata
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		roots: make(map[string]catalog.Node),
		nodes: make(map[string]map[catalog.Selector]catalog.Node),
		meta:  make(map[string]*catalog.Metadata),
	}
}

// addTable places a table under the folder chain of path, creating folders.
func (m *memCatalog) addTable(database, path, tableID, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes, ok := m.nodes[database]
	if !ok {
		nodes = make(map[catalog.Selector]catalog.Node)
		m.nodes[database] = nodes
	}
	root, ok := m.roots[database]
	if !ok {
		root = catalog.Node{Selector: catalog.Selector{Selection: database}, Kind: catalog.KindFolder}
	}

	parts := strings.Split(path, "/")
	parent := root.Selector.Selection
	var chain []catalog.Selector
	for _, p := range parts {
		sel := catalog.Selector{Menu: parent, Selection: p}
		if _, ok := nodes[sel]; !ok {
			nodes[sel] = catalog.Node{Selector: sel, Kind: catalog.KindFolder}
			if len(chain) == 0 {
				root.Children = append(root.Children, nodes[sel])
			} else {
				prev := nodes[chain[len(chain)-1]]
				prev.Children = append(prev.Children, nodes[sel])
				nodes[chain[len(chain)-1]] = prev
			}
		}
		chain = append(chain, sel)
		parent = p
	}

	table := catalog.Node{Selector: catalog.Selector{Menu: parent, Selection: tableID}, Kind: catalog.KindTableLink, Title: title}
	nodes[table.Selector] = table
	last := nodes[chain[len(chain)-1]]
	last.Children = append(last.Children, table)
	nodes[chain[len(chain)-1]] = last

	m.roots[database] = root
	m.meta[database+"|"+tableID] = &catalog.Metadata{Title: title, Description: title + " statistics"}
}

func (m *memCatalog) ResolveNode(_ context.Context, database string, sel catalog.Selector, _ string) (catalog.Resolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sel.IsRoot() {
		root, ok := m.roots[database]
		if !ok {
			return catalog.NotFound(), nil
		}
		return catalog.Found(catalog.TypeCNMM, root), nil
	}
	n, ok := m.nodes[database][sel]
	if !ok {
		return catalog.NotFound(), nil
	}
	return catalog.Found(catalog.TypeCNMM, n), nil
}

func (m *memCatalog) TableMetadata(_ context.Context, _ catalog.DatabaseType, database, _, tableID string) (*catalog.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta[database+"|"+tableID], nil
}

func newBleveCoordinator(t *testing.T, cat *memCatalog, mutate func(*Config)) (*Coordinator, string) {
	t.Helper()
	base := t.TempDir()

	engine, err := bleve.NewEngine(bleve.EngineConfig{BaseDirectory: base})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.BaseDirectory = base
	cfg.Watch = false
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg, Dependencies{Engine: engine, Resolver: cat, Metadata: cat})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, base
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_Validation(t *testing.T) {
	cat := newMemCatalog()

	_, err := New(DefaultConfig(), Dependencies{Resolver: cat, Metadata: cat})
	assert.ErrorIs(t, err, ErrNilEngine)

	cfg := DefaultConfig()
	cfg.DefaultOperator = "XOR"
	_, err = New(cfg, Dependencies{Engine: &fakeEngine{}, Resolver: cat, Metadata: cat})
	assert.ErrorIs(t, err, search.ErrInvalidOperator)

	_, err = New(DefaultConfig(), Dependencies{Engine: &fakeEngine{}})
	assert.ErrorIs(t, err, catalog.ErrNilResolver)

	c, err := New(Config{DefaultOperator: "and"}, Dependencies{Engine: &fakeEngine{}, Resolver: cat, Metadata: cat})
	require.NoError(t, err)
	assert.Equal(t, search.OperatorAND, c.DefaultOperator())
}

// =============================================================================
// Search
// =============================================================================

func TestSearch_NotIndexed(t *testing.T) {
	cat := newMemCatalog()
	c, err := New(DefaultConfig(), Dependencies{Engine: &fakeEngine{openErr: search.ErrNotIndexed}, Resolver: cat, Metadata: cat})
	require.NoError(t, err)

	results, status, err := c.Search(context.Background(), "STAT", "en", "population", "", 10)
	require.NoError(t, err)
	assert.Equal(t, search.StatusNotIndexed, status)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearch_AppliesOperatorAndLimit(t *testing.T) {
	cat := newMemCatalog()
	engine := &fakeEngine{results: []search.Result{{TableID: "BE0101A"}}}
	c, err := New(DefaultConfig(), Dependencies{Engine: engine, Resolver: cat, Metadata: cat})
	require.NoError(t, err)

	results, status, err := c.Search(context.Background(), "STAT", "en", "population", "title", 0)
	require.NoError(t, err)
	assert.Equal(t, search.StatusSuccessful, status)
	require.Len(t, results, 1)

	q := engine.handles[0].lastQuery
	assert.Equal(t, "population", q.Text)
	assert.Equal(t, "title", q.Filter)
	assert.Equal(t, search.OperatorOR, q.Operator)
	assert.Equal(t, search.DefaultMaxResults, q.Limit())

	require.NoError(t, c.SetDefaultOperator("and"))
	assert.ErrorIs(t, c.SetDefaultOperator("xor"), search.ErrInvalidOperator)
	assert.Equal(t, search.OperatorAND, c.DefaultOperator())

	_, _, err = c.Search(context.Background(), "STAT", "en", "population", "", 5)
	require.NoError(t, err)
	q = engine.handles[0].lastQuery
	assert.Equal(t, search.OperatorAND, q.Operator)
	assert.Equal(t, 5, q.Limit())
	assert.Equal(t, 1, engine.openCount())
}

// =============================================================================
// End to End
// =============================================================================

func TestCoordinator_CreateAndSearch(t *testing.T) {
	cat := newMemCatalog()
	cat.addTable("BE", "BE/BE0101", "BE0101A", "Population")
	c, _ := newBleveCoordinator(t, cat, nil)
	ctx := context.Background()

	_, status, err := c.Search(ctx, "BE", "en", "population", "", 0)
	require.NoError(t, err)
	assert.Equal(t, search.StatusNotIndexed, status)

	ok, err := c.CreateIndex(ctx, "BE", "en")
	require.NoError(t, err)
	assert.True(t, ok)

	results, status, err := c.Search(ctx, "BE", "en", "population", "", 0)
	require.NoError(t, err)
	assert.Equal(t, search.StatusSuccessful, status)
	require.NotEmpty(t, results)
	assert.Equal(t, "BE0101A", results[0].TableID)
	assert.Equal(t, "BE/BE0101", results[0].Path)
	assert.Equal(t, "Population", results[0].Title)
}

func TestCoordinator_CreateIndexWithoutRoot(t *testing.T) {
	c, base := newBleveCoordinator(t, newMemCatalog(), nil)

	ok, err := c.CreateIndex(context.Background(), "NOPE", "en")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = os.Stat(filepath.Join(base, "NOPE", bleve.IndexDirName, "en"))
	assert.True(t, os.IsNotExist(err))
}

func TestCoordinator_RebuildReplacesCachedHandle(t *testing.T) {
	cat := newMemCatalog()
	cat.addTable("BE", "BE/BE0101", "BE0101A", "Population")
	c, _ := newBleveCoordinator(t, cat, nil)
	ctx := context.Background()

	_, err := c.CreateIndex(ctx, "BE", "en")
	require.NoError(t, err)
	results, _, err := c.Search(ctx, "BE", "en", "employment", "", 0)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, c.Cache().Len())

	cat.addTable("BE", "AM/AM0401", "AM0401A", "Employment")
	ok, err := c.CreateIndex(ctx, "BE", "en")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, c.Cache().Len(), "build must invalidate the cached handle")

	results, _, err = c.Search(ctx, "BE", "en", "employment", "", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "AM/AM0401", results[0].Path)
}

func TestStampTime(t *testing.T) {
	at := time.Date(2024, 3, 15, 10, 31, 0, 0, time.Local)
	assert.Equal(t, at, stampTime(at))
	assert.Equal(t, at.Add(time.Minute), stampTime(at.Add(time.Nanosecond)))
	assert.Equal(t, at.Add(time.Minute), stampTime(at.Add(59*time.Second)))
}

func TestCoordinator_StampInvalidatesOtherProcessHandle(t *testing.T) {
	cat := newMemCatalog()
	cat.addTable("BE", "BE/BE0101", "BE0101A", "Population")
	builder, base := newBleveCoordinator(t, cat, func(cfg *Config) { cfg.StampDatabaseConfig = true })
	ctx := context.Background()

	engine, err := bleve.NewEngine(bleve.EngineConfig{BaseDirectory: base})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.BaseDirectory = base
	cfg.Watch = false
	reader, err := New(cfg, Dependencies{Engine: engine, Resolver: cat, Metadata: cat})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	_, err = builder.CreateIndex(ctx, "BE", "en")
	require.NoError(t, err)
	_, _, err = reader.Search(ctx, "BE", "en", "population", "", 0)
	require.NoError(t, err)
	require.Equal(t, 1, reader.Cache().Len())

	// Rebuilt within the same minute as the index the reader holds.
	_, err = builder.CreateIndex(ctx, "BE", "en")
	require.NoError(t, err)
	stamped, err := watcher.ReadIndexUpdated(filepath.Join(base, "BE", watcher.DatabaseConfigName))
	require.NoError(t, err)

	reader.Notify(search.ChangeNotification{Database: "BE", Language: "en", ChangedAt: stamped})
	assert.Equal(t, 0, reader.Cache().Len())
}

func TestCoordinator_UpdateIndex(t *testing.T) {
	cat := newMemCatalog()
	cat.addTable("BE", "BE/BE0101", "BE0101A", "Population")
	c, base := newBleveCoordinator(t, cat, func(cfg *Config) { cfg.StampDatabaseConfig = true })
	ctx := context.Background()

	_, err := c.CreateIndex(ctx, "BE", "en")
	require.NoError(t, err)

	stamped, err := watcher.ReadIndexUpdated(filepath.Join(base, "BE", watcher.DatabaseConfigName))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), stamped, 2*time.Minute)

	cat.addTable("BE", "BE/BE0101", "BE0101B", "Births")
	ok, err := c.UpdateIndex(ctx, "BE", "en", []search.TableUpdate{
		{ID: "BE0101B", Path: "BE/BE0101"},
		{ID: "MISSING", Path: "BE/BE0101"},
		{ID: "BAD", Path: "BE"},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	results, _, err := c.Search(ctx, "BE", "en", "births", "", 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "BE0101B", results[0].TableID)

	results, _, err = c.Search(ctx, "BE", "en", "population", "", 0)
	require.NoError(t, err)
	require.Len(t, results, 1, "update keeps existing documents")
}

func TestCoordinator_SerializedBuilds(t *testing.T) {
	cat := newMemCatalog()
	cat.addTable("BE", "BE/BE0101", "BE0101A", "Population")
	c, _ := newBleveCoordinator(t, cat, func(cfg *Config) { cfg.SerializeBuilds = true })
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.CreateIndex(ctx, "BE", "en")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	results, status, err := c.Search(ctx, "BE", "en", "population", "", 0)
	require.NoError(t, err)
	assert.Equal(t, search.StatusSuccessful, status)
	assert.Len(t, results, 1)
}

// =============================================================================
// Change Notifications and Lifecycle
// =============================================================================

func TestCoordinator_NotificationsInvalidate(t *testing.T) {
	cat := newMemCatalog()
	engine := &fakeEngine{createdAt: t0}
	notes := make(chan search.ChangeNotification, 1)

	c, err := New(DefaultConfig(), Dependencies{Engine: engine, Resolver: cat, Metadata: cat, Notifications: notes})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	_, _, err = c.Search(context.Background(), "STAT", "en", "x", "", 0)
	require.NoError(t, err)
	require.Equal(t, 1, c.Cache().Len())

	c.Notify(search.ChangeNotification{Database: "STAT", Language: "en", ChangedAt: t0.Add(-time.Minute)})
	assert.Equal(t, 1, c.Cache().Len())

	notes <- search.ChangeNotification{Database: "STAT", Language: "en", ChangedAt: t0.Add(time.Minute)}
	require.Eventually(t, func() bool { return c.Cache().Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, engine.handles[0].isClosed())
}

func TestCoordinator_Close(t *testing.T) {
	cat := newMemCatalog()
	engine := &fakeEngine{}
	c, err := New(DefaultConfig(), Dependencies{Engine: engine, Resolver: cat, Metadata: cat})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	_, _, err = c.Search(context.Background(), "STAT", "en", "x", "", 0)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, engine.handles[0].isClosed())

	_, _, err = c.Search(context.Background(), "STAT", "en", "x", "", 0)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.CreateIndex(context.Background(), "STAT", "en")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.UpdateIndex(context.Background(), "STAT", "en", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

type forgetRecorder struct {
	*memCatalog
	mu        sync.Mutex
	tables    []string
	databases []string
}

func (f *forgetRecorder) Forget(database, language, tableID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables = append(f.tables, database+"/"+language+"/"+tableID)
}

func (f *forgetRecorder) ForgetDatabase(database string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.databases = append(f.databases, database)
}

func TestBuilds_ForgetCachedMetadata(t *testing.T) {
	cat := newMemCatalog()
	cat.addTable("STAT", "BE/BE0101", "BE0101A", "Population")
	rec := &forgetRecorder{memCatalog: cat}

	engine, err := bleve.NewEngine(bleve.EngineConfig{BaseDirectory: t.TempDir()})
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Watch = false
	c, err := New(cfg, Dependencies{Engine: engine, Resolver: cat, Metadata: rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	ok, err := c.CreateIndex(ctx, "STAT", "en")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"STAT"}, rec.databases)

	_, err = c.UpdateIndex(ctx, "STAT", "en", []search.TableUpdate{{ID: "BE0101A", Path: "BE/BE0101"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"STAT/en/BE0101A"}, rec.tables)
}
