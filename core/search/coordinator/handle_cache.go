package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adalundhe/pxsearch/core/search"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultHandleTTL is how long an opened handle is served before reopening.
	DefaultHandleTTL = 60 * time.Minute

	// DefaultMaxHandles bounds the number of cached handles.
	DefaultMaxHandles = 64
)

// HandleCacheConfig configures a HandleCache.
type HandleCacheConfig struct {
	Engine search.Engine

	// TTL applies uniformly to every entry. Default: DefaultHandleTTL.
	TTL time.Duration

	// MaxHandles evicts the least recently used entry beyond this size.
	// Default: DefaultMaxHandles.
	MaxHandles int

	Logger *slog.Logger

	// Now is the cache clock. Default: time.Now.
	Now func() time.Time
}

// CacheKey returns the cache key of a database and language.
func CacheKey(database, language string) string {
	return "px-search-" + database + "|" + language
}

// =============================================================================
// Entries and Leases
// =============================================================================

// cacheEntry is a handle with its expiry and reference count. The cache holds
// one reference while the entry is cached; each Lease holds another.
type cacheEntry struct {
	key       string
	handle    search.Handle
	expiresAt time.Time
	refs      int
	removed   bool
}

// inflight is a handle construction other callers can wait on.
type inflight struct {
	done       chan struct{}
	generation uint64
	waiters    int
	entry      *cacheEntry
	err        error
}

// Lease is a borrowed handle. The handle stays open until Release, even if the
// entry is invalidated meanwhile.
type Lease struct {
	cache *HandleCache
	entry *cacheEntry
	once  sync.Once
}

// Handle returns the leased handle.
func (l *Lease) Handle() search.Handle {
	return l.entry.handle
}

// Release returns the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.cache.release(l.entry)
	})
}

// =============================================================================
// HandleCache
// =============================================================================

// HandleCache keeps at most one open handle per database and language.
// Concurrent requests for a cold key share one construction.
type HandleCache struct {
	engine search.Engine
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	entries     *lru.Cache[string, *cacheEntry]
	inflight    map[string]*inflight
	generations map[string]uint64
	retired     []search.Handle
	closed      bool
}

// NewHandleCache creates a HandleCache.
func NewHandleCache(cfg HandleCacheConfig) (*HandleCache, error) {
	if cfg.Engine == nil {
		return nil, ErrNilEngine
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultHandleTTL
	}
	if cfg.MaxHandles <= 0 {
		cfg.MaxHandles = DefaultMaxHandles
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &HandleCache{
		engine:      cfg.Engine,
		ttl:         cfg.TTL,
		logger:      cfg.Logger,
		now:         cfg.Now,
		inflight:    make(map[string]*inflight),
		generations: make(map[string]uint64),
	}

	entries, err := lru.NewWithEvict(cfg.MaxHandles, c.onRemoved)
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// onRemoved drops the cache's reference to an entry leaving the LRU, by
// eviction or removal. It runs on the goroutine that holds c.mu.
func (c *HandleCache) onRemoved(_ string, e *cacheEntry) {
	e.removed = true
	e.refs--
	if e.refs == 0 {
		c.retired = append(c.retired, e.handle)
	}
}

// takeRetired must be called with c.mu held.
func (c *HandleCache) takeRetired() []search.Handle {
	r := c.retired
	c.retired = nil
	return r
}

func (c *HandleCache) closeHandles(handles []search.Handle) error {
	var errs []error
	for _, h := range handles {
		if err := h.Close(); err != nil {
			c.logger.Warn("search handle close failed", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetOrCreate returns a lease on the live handle for the key, opening one
// through the engine if none is cached or the cached one expired.
func (c *HandleCache) GetOrCreate(ctx context.Context, database, language string) (*Lease, error) {
	key := CacheKey(database, language)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	if e, ok := c.entries.Get(key); ok {
		if c.now().Before(e.expiresAt) {
			e.refs++
			c.mu.Unlock()
			return &Lease{cache: c, entry: e}, nil
		}
		c.entries.Remove(key)
		c.logger.Debug("search handle expired", "database", database, "language", language)
	}

	// A construction started before the last invalidation may open the
	// replaced index, so only current ones are joined.
	if f, ok := c.inflight[key]; ok && f.generation == c.generations[key] {
		f.waiters++
		retired := c.takeRetired()
		c.mu.Unlock()
		c.closeHandles(retired)
		return c.wait(ctx, f)
	}

	f := &inflight{done: make(chan struct{}), generation: c.generations[key]}
	c.inflight[key] = f
	retired := c.takeRetired()
	c.mu.Unlock()
	c.closeHandles(retired)

	return c.construct(ctx, key, database, language, f)
}

// construct opens a handle for f. The open is detached from ctx cancellation
// because other callers may be waiting on the same construction.
func (c *HandleCache) construct(ctx context.Context, key, database, language string, f *inflight) (*Lease, error) {
	handle, err := c.engine.OpenSearcher(context.WithoutCancel(ctx), database, language)

	c.mu.Lock()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}

	if err != nil {
		f.err = err
		close(f.done)
		c.mu.Unlock()
		return nil, err
	}

	e := &cacheEntry{
		key:       key,
		handle:    handle,
		expiresAt: c.now().Add(c.ttl),
		refs:      1 + f.waiters,
	}
	if !c.closed && c.generations[key] == f.generation {
		e.refs++
		c.entries.Add(key, e)
		c.logger.Debug("search handle opened",
			"database", database, "language", language, "created_at", handle.CreatedAt())
	} else {
		e.removed = true
		c.logger.Debug("search handle invalidated during construction, not cached",
			"database", database, "language", language)
	}
	f.entry = e
	close(f.done)
	retired := c.takeRetired()
	c.mu.Unlock()
	c.closeHandles(retired)

	return &Lease{cache: c, entry: e}, nil
}

// wait blocks until f completes. The waiter's reference was counted when it
// joined, so a cancelled waiter must give it back.
func (c *HandleCache) wait(ctx context.Context, f *inflight) (*Lease, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return &Lease{cache: c, entry: f.entry}, nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	select {
	case <-f.done:
		c.mu.Unlock()
		if f.entry != nil {
			c.release(f.entry)
		}
	default:
		f.waiters--
		c.mu.Unlock()
	}
	return nil, ctx.Err()
}

// release drops one reference and closes the handle once nothing holds it.
func (c *HandleCache) release(e *cacheEntry) {
	c.mu.Lock()
	e.refs--
	closeNow := e.refs == 0 && e.removed
	c.mu.Unlock()

	if closeNow {
		c.closeHandles([]search.Handle{e.handle})
	}
}

// Invalidate removes the entry for a key. A construction already running for
// the key is not cached. Idempotent.
func (c *HandleCache) Invalidate(database, language string) {
	key := CacheKey(database, language)

	c.mu.Lock()
	c.generations[key]++
	removed := c.entries.Remove(key)
	retired := c.takeRetired()
	c.mu.Unlock()
	c.closeHandles(retired)

	if removed {
		c.logger.Debug("search handle invalidated", "database", database, "language", language)
	}
}

// OnExternalChange invalidates the entry for a key if its handle was created
// before changedAt. It reports whether an entry was removed.
func (c *HandleCache) OnExternalChange(database, language string, changedAt time.Time) bool {
	key := CacheKey(database, language)

	c.mu.Lock()
	e, ok := c.entries.Peek(key)
	if !ok || !e.handle.CreatedAt().Before(changedAt) {
		c.mu.Unlock()
		return false
	}
	c.generations[key]++
	c.entries.Remove(key)
	retired := c.takeRetired()
	c.mu.Unlock()
	c.closeHandles(retired)

	c.logger.Info("search handle invalidated by external change",
		"database", database, "language", language, "changed_at", changedAt)
	return true
}

// Sweep removes expired entries and returns how many were removed.
func (c *HandleCache) Sweep() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	for _, key := range c.entries.Keys() {
		if e, ok := c.entries.Peek(key); ok && !now.Before(e.expiresAt) {
			c.entries.Remove(key)
			removed++
		}
	}
	retired := c.takeRetired()
	c.mu.Unlock()
	c.closeHandles(retired)
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *HandleCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("expired search handles swept", "count", n)
			}
		}
	}
}

// Len returns the number of cached entries.
func (c *HandleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// TTL returns the configured entry lifetime.
func (c *HandleCache) TTL() time.Duration {
	return c.ttl
}

// Close removes every entry. Handles still leased close on their last Release.
func (c *HandleCache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.entries.Purge()
	retired := c.takeRetired()
	c.mu.Unlock()

	return c.closeHandles(retired)
}
