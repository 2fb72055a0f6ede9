// Package metadata caches table metadata lookups in front of a
// catalog.MetadataProvider.
package metadata

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/adalundhe/pxsearch/core/catalog"
)

const (
	defaultNumCounters = 1e6
	defaultMaxCost     = 64 << 20
	defaultBufferItems = 64
	defaultTTL         = 5 * time.Minute
)

// ErrNilProvider indicates a cache without a provider behind it.
var ErrNilProvider = errors.New("metadata provider cannot be nil")

// CacheConfig configures a CachedProvider. Zero fields take defaults.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	TTL         time.Duration
}

func applyDefaults(config CacheConfig) CacheConfig {
	if config.NumCounters <= 0 {
		config.NumCounters = defaultNumCounters
	}
	if config.MaxCost <= 0 {
		config.MaxCost = defaultMaxCost
	}
	if config.BufferItems <= 0 {
		config.BufferItems = defaultBufferItems
	}
	if config.TTL <= 0 {
		config.TTL = defaultTTL
	}
	return config
}

// Stats counts cache lookups.
type Stats struct {
	Hits   uint64
	Misses uint64
}

// cached wraps a lookup result so that "no metadata" is cached too.
type cached struct {
	meta *catalog.Metadata
}

// CachedProvider serves repeated metadata lookups from memory. Returned
// metadata is shared and must not be modified.
type CachedProvider struct {
	next  catalog.MetadataProvider
	cache *ristretto.Cache
	ttl   time.Duration

	mu          sync.RWMutex
	generations map[string]uint64
	closed      bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ catalog.MetadataProvider = (*CachedProvider)(nil)

// NewCachedProvider wraps next with a cache.
func NewCachedProvider(next catalog.MetadataProvider, config CacheConfig) (*CachedProvider, error) {
	if next == nil {
		return nil, ErrNilProvider
	}
	cfg := applyDefaults(config)

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
	})
	if err != nil {
		return nil, err
	}

	return &CachedProvider{
		next:        next,
		cache:       cache,
		ttl:         cfg.TTL,
		generations: make(map[string]uint64),
	}, nil
}

// key scopes entries by a per-database generation so ForgetDatabase can drop
// a whole database at once.
func (p *CachedProvider) key(database, language, tableID string) string {
	p.mu.RLock()
	gen := p.generations[database]
	p.mu.RUnlock()
	return database + "\x00" + strconv.FormatUint(gen, 10) + "\x00" + language + "\x00" + tableID
}

// TableMetadata returns cached metadata or asks the wrapped provider. Errors
// are not cached.
func (p *CachedProvider) TableMetadata(ctx context.Context, dbType catalog.DatabaseType, database, language, tableID string) (*catalog.Metadata, error) {
	if p.isClosed() {
		return p.next.TableMetadata(ctx, dbType, database, language, tableID)
	}

	key := p.key(database, language, tableID)
	if v, ok := p.cache.Get(key); ok {
		if c, ok := v.(cached); ok {
			p.hits.Add(1)
			return c.meta, nil
		}
	}
	p.misses.Add(1)

	meta, err := p.next.TableMetadata(ctx, dbType, database, language, tableID)
	if err != nil {
		return nil, err
	}
	p.cache.SetWithTTL(key, cached{meta: meta}, estimateCost(meta), p.ttl)
	return meta, nil
}

func estimateCost(m *catalog.Metadata) int64 {
	cost := int64(64)
	if m == nil {
		return cost
	}
	cost += int64(len(m.Title) + len(m.Description) + len(m.Contents) + len(m.Matrix) +
		len(m.SubjectCode) + len(m.SubjectArea) + len(m.Source))
	for _, n := range m.Notes {
		cost += int64(len(n))
	}
	for _, v := range m.Variables {
		cost += int64(len(v.Name))
		for _, s := range v.Values {
			cost += int64(len(s))
		}
		for _, s := range v.Codes {
			cost += int64(len(s))
		}
	}
	return cost
}

// Forget drops the cached metadata of one table.
func (p *CachedProvider) Forget(database, language, tableID string) {
	if p.isClosed() {
		return
	}
	p.cache.Del(p.key(database, language, tableID))
}

// ForgetDatabase drops the cached metadata of every table of a database.
func (p *CachedProvider) ForgetDatabase(database string) {
	p.mu.Lock()
	p.generations[database]++
	p.mu.Unlock()
}

// Wait blocks until buffered writes are applied.
func (p *CachedProvider) Wait() {
	if !p.isClosed() {
		p.cache.Wait()
	}
}

// Stats returns lookup counts.
func (p *CachedProvider) Stats() Stats {
	return Stats{Hits: p.hits.Load(), Misses: p.misses.Load()}
}

// Close releases the cache. Later lookups go straight to the provider.
func (p *CachedProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cache.Close()
}

func (p *CachedProvider) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}
