// Package coordinator is the process-wide entry point for building and
// searching the index of each database and language. It owns the handle cache
// and turns external change notifications into cache invalidations.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adalundhe/pxsearch/core/catalog"
	"github.com/adalundhe/pxsearch/core/search"
	"github.com/adalundhe/pxsearch/core/search/indexer"
	"github.com/adalundhe/pxsearch/core/search/watcher"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrClosed indicates an operation on a closed coordinator or cache.
	ErrClosed = errors.New("search coordinator is closed")

	// ErrNilEngine indicates a missing search engine.
	ErrNilEngine = errors.New("search engine cannot be nil")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("search coordinator already started")
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds process-wide settings fixed at construction.
type Config struct {
	// BaseDirectory holds one directory per database. Required for watching
	// and stamping database.config.
	BaseDirectory string

	CacheTTL      time.Duration
	MaxHandles    int
	SweepInterval time.Duration

	// DefaultOperator combines query terms. Default: search.OperatorOR.
	DefaultOperator search.Operator

	// SerializeBuilds serializes CreateIndex and UpdateIndex per database and
	// language. Without it callers must not build the same index concurrently.
	SerializeBuilds bool

	// StampDatabaseConfig records each successful build in
	// <base>/<db>/database.config so other processes drop stale handles.
	StampDatabaseConfig bool

	// Watch monitors database.config files under BaseDirectory on Start.
	Watch    bool
	Debounce time.Duration

	// PollInterval, when positive, polls database.config files instead of
	// using file system events.
	PollInterval time.Duration

	MaxDepth int
	Logger   *slog.Logger
	Now      func() time.Time
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL:        DefaultHandleTTL,
		MaxHandles:      DefaultMaxHandles,
		DefaultOperator: search.OperatorOR,
		Watch:           true,
		Debounce:        watcher.DefaultDebounce,
	}
}

// Dependencies are the capabilities a coordinator is built on.
type Dependencies struct {
	Engine   search.Engine
	Resolver catalog.Resolver
	Metadata catalog.MetadataProvider

	// Notifications, when set, replaces the database.config watcher as the
	// source of external changes.
	Notifications <-chan search.ChangeNotification

	Progress indexer.ProgressCallback
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator builds indexes and serves searches through cached handles.
type Coordinator struct {
	config   Config
	deps     Dependencies
	cache    *HandleCache
	builder  *indexer.Builder
	logger   *slog.Logger
	now      func() time.Time
	operator atomic.Value

	buildMu    sync.Mutex
	buildLocks map[string]*sync.Mutex

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	watcher *watcher.DatabaseConfigWatcher
	wg      sync.WaitGroup
}

// New creates a Coordinator. Nothing runs in the background until Start.
func New(cfg Config, deps Dependencies) (*Coordinator, error) {
	if deps.Engine == nil {
		return nil, ErrNilEngine
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultOperator == "" {
		cfg.DefaultOperator = search.OperatorOR
	}
	op, ok := search.ParseOperator(string(cfg.DefaultOperator))
	if !ok {
		return nil, fmt.Errorf("default operator %q: %w", cfg.DefaultOperator, search.ErrInvalidOperator)
	}
	cfg.DefaultOperator = op

	cache, err := NewHandleCache(HandleCacheConfig{
		Engine:     deps.Engine,
		TTL:        cfg.CacheTTL,
		MaxHandles: cfg.MaxHandles,
		Logger:     cfg.Logger,
		Now:        cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	builder, err := indexer.NewBuilder(indexer.BuilderConfig{
		Engine:      deps.Engine,
		Resolver:    deps.Resolver,
		Metadata:    deps.Metadata,
		Invalidator: cache,
		Logger:      cfg.Logger,
		MaxDepth:    cfg.MaxDepth,
		Progress:    deps.Progress,
	})
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		config:     cfg,
		deps:       deps,
		cache:      cache,
		builder:    builder,
		logger:     cfg.Logger,
		now:        cfg.Now,
		buildLocks: make(map[string]*sync.Mutex),
	}
	c.operator.Store(cfg.DefaultOperator)
	return c, nil
}

// Cache returns the coordinator's handle cache.
func (c *Coordinator) Cache() *HandleCache {
	return c.cache
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start runs the cache sweeper and consumes external change notifications,
// from Dependencies.Notifications or a database.config watcher over
// BaseDirectory when Watch is set. Background work stops on Close or when ctx
// is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)

	notifications := c.deps.Notifications
	if notifications == nil && c.config.Watch && c.config.BaseDirectory != "" {
		w, err := watcher.NewDatabaseConfigWatcher(watcher.Config{
			BaseDirectory: c.config.BaseDirectory,
			Debounce:      c.config.Debounce,
			PollInterval:  c.config.PollInterval,
			Logger:        c.logger,
		})
		if err != nil {
			cancel()
			return fmt.Errorf("watch %s: %w", c.config.BaseDirectory, err)
		}
		notifications, err = w.Start(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("watch %s: %w", c.config.BaseDirectory, err)
		}
		c.watcher = w
	}

	c.started = true
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.cache.Run(ctx, c.config.SweepInterval)
	}()

	if notifications != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.consume(ctx, notifications)
		}()
	}

	c.logger.Info("search coordinator started",
		"base_directory", c.config.BaseDirectory,
		"cache_ttl", c.cache.TTL(),
		"watching", notifications != nil)
	return nil
}

func (c *Coordinator) consume(ctx context.Context, notifications <-chan search.ChangeNotification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			c.Notify(n)
		}
	}
}

// Close stops background work and releases every cached handle. Safe to call
// multiple times.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	w := c.watcher
	c.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
	}
	if w != nil {
		errs = append(errs, w.Stop())
	}
	c.wg.Wait()
	errs = append(errs, c.cache.Close())

	c.logger.Info("search coordinator closed")
	return errors.Join(errs...)
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// =============================================================================
// Index Building
// =============================================================================

// CreateIndex rebuilds the index of a database and language. It returns false
// with a nil error when the catalog has no root for the database.
func (c *Coordinator) CreateIndex(ctx context.Context, database, language string) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	unlock := c.lockBuild(database, language)
	defer unlock()

	if f, ok := c.deps.Metadata.(metadataForgetter); ok {
		f.ForgetDatabase(database)
	}

	outcome, err := c.builder.Create(ctx, database, language)
	if err != nil {
		return false, err
	}
	if !outcome.Succeeded() {
		return false, nil
	}
	c.stamp(database, c.now())
	return true, nil
}

// UpdateIndex rewrites the given tables in the index of a database and
// language. Unresolvable updates are skipped, not reported.
func (c *Coordinator) UpdateIndex(ctx context.Context, database, language string, updates []search.TableUpdate) (bool, error) {
	if c.isClosed() {
		return false, ErrClosed
	}
	unlock := c.lockBuild(database, language)
	defer unlock()

	if f, ok := c.deps.Metadata.(metadataForgetter); ok {
		for _, u := range updates {
			f.Forget(database, language, catalog.CleanTableID(u.ID))
		}
	}

	if _, err := c.builder.Update(ctx, database, language, updates); err != nil {
		return false, err
	}
	c.stamp(database, c.now())
	return true, nil
}

// metadataForgetter is implemented by metadata caches that must drop entries
// before a build reads the catalog again.
type metadataForgetter interface {
	Forget(database, language, tableID string)
	ForgetDatabase(database string)
}

func (c *Coordinator) lockBuild(database, language string) func() {
	if !c.config.SerializeBuilds {
		return func() {}
	}

	key := CacheKey(database, language)
	c.buildMu.Lock()
	l, ok := c.buildLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.buildLocks[key] = l
	}
	c.buildMu.Unlock()

	l.Lock()
	return l.Unlock
}

// stamp records a finished build in database.config. The stamp has minute
// precision, so it is rounded up: handles on any index committed before the
// build finished must predate it.
func (c *Coordinator) stamp(database string, finishedAt time.Time) {
	if !c.config.StampDatabaseConfig || c.config.BaseDirectory == "" {
		return
	}
	path := filepath.Join(c.config.BaseDirectory, database, watcher.DatabaseConfigName)
	if err := watcher.StampIndexUpdated(path, stampTime(finishedAt)); err != nil {
		c.logger.Warn("database settings stamp failed", "database", database, "path", path, "error", err)
	}
}

// stampTime rounds t up to the next whole minute.
func stampTime(t time.Time) time.Time {
	m := t.Truncate(time.Minute)
	if m.Before(t) {
		m = m.Add(time.Minute)
	}
	return m
}

// =============================================================================
// Search
// =============================================================================

// Search queries the index of a database and language. A missing index yields
// StatusNotIndexed and no results. maxResults <= 0 uses search.DefaultMaxResults.
func (c *Coordinator) Search(ctx context.Context, database, language, text, filter string, maxResults int) ([]search.Result, search.Status, error) {
	if c.isClosed() {
		return nil, search.StatusSuccessful, ErrClosed
	}

	lease, err := c.cache.GetOrCreate(ctx, database, language)
	if errors.Is(err, search.ErrNotIndexed) {
		return []search.Result{}, search.StatusNotIndexed, nil
	}
	if err != nil {
		return nil, search.StatusSuccessful, fmt.Errorf("open index %s/%s: %w", database, language, err)
	}
	defer lease.Release()

	results, err := lease.Handle().Query(ctx, search.Query{
		Text:       text,
		Filter:     filter,
		Operator:   c.DefaultOperator(),
		MaxResults: maxResults,
	})
	if err != nil {
		return nil, search.StatusSuccessful, fmt.Errorf("search %s/%s: %w", database, language, err)
	}
	return results, search.StatusSuccessful, nil
}

// SetDefaultOperator changes the operator used by subsequent searches.
func (c *Coordinator) SetDefaultOperator(op search.Operator) error {
	parsed, ok := search.ParseOperator(string(op))
	if !ok {
		return fmt.Errorf("operator %q: %w", op, search.ErrInvalidOperator)
	}
	c.operator.Store(parsed)
	return nil
}

// DefaultOperator returns the operator applied to searches.
func (c *Coordinator) DefaultOperator() search.Operator {
	return c.operator.Load().(search.Operator)
}

// =============================================================================
// Change Notifications
// =============================================================================

// Notify reports an index change made outside this process. The cached handle
// is dropped if it predates the change.
func (c *Coordinator) Notify(n search.ChangeNotification) {
	if c.cache.OnExternalChange(n.Database, n.Language, n.ChangedAt) {
		return
	}
	c.logger.Debug("change notification ignored",
		"database", n.Database, "language", n.Language, "changed_at", n.ChangedAt)
}
