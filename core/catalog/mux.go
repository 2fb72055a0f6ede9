package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownDatabase indicates a database no source is registered for.
var ErrUnknownDatabase = errors.New("unknown database")

// Source bundles the capabilities of one catalog backend.
type Source interface {
	Resolver
	MetadataProvider
}

// Mux routes catalog calls to the source registered for each database.
// Databases without a source use the fallback, if any.
type Mux struct {
	mu       sync.RWMutex
	sources  map[string]Source
	fallback Source
}

var (
	_ Resolver         = (*Mux)(nil)
	_ MetadataProvider = (*Mux)(nil)
	_ UpdateSource     = (*Mux)(nil)
)

// NewMux creates an empty Mux. fallback may be nil.
func NewMux(fallback Source) *Mux {
	return &Mux{sources: make(map[string]Source), fallback: fallback}
}

// Handle registers the source of a database, replacing any earlier one.
func (m *Mux) Handle(database string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if src == nil {
		delete(m.sources, database)
		return
	}
	m.sources[database] = src
}

// Databases lists the explicitly registered databases in order.
func (m *Mux) Databases() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Mux) source(database string) (Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if src, ok := m.sources[database]; ok {
		return src, nil
	}
	if m.fallback != nil {
		return m.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, database)
}

// ResolveNode resolves sel in the database's source. An unknown database has
// no root.
func (m *Mux) ResolveNode(ctx context.Context, database string, sel Selector, language string) (Resolution, error) {
	src, err := m.source(database)
	if err != nil {
		return NotFound(), nil
	}
	return src.ResolveNode(ctx, database, sel, language)
}

// TableMetadata reads metadata from the database's source.
func (m *Mux) TableMetadata(ctx context.Context, dbType DatabaseType, database, language, tableID string) (*Metadata, error) {
	src, err := m.source(database)
	if err != nil {
		return nil, err
	}
	return src.TableMetadata(ctx, dbType, database, language, tableID)
}

// UpdatedTables asks the database's source for its changed tables. Sources
// that cannot tell report none.
func (m *Mux) UpdatedTables(ctx context.Context, since time.Time, database, language string) ([]TableUpdate, error) {
	src, err := m.source(database)
	if err != nil {
		return nil, err
	}
	us, ok := src.(UpdateSource)
	if !ok {
		us = NoUpdates{}
	}
	return us.UpdatedTables(ctx, since, database, language)
}

type forgetter interface {
	Forget(database, language, tableID string)
	ForgetDatabase(database string)
}

// Forget passes the call to the database's source when it caches metadata.
func (m *Mux) Forget(database, language, tableID string) {
	if src, err := m.source(database); err == nil {
		if f, ok := src.(forgetter); ok {
			f.Forget(database, language, tableID)
		}
	}
}

// ForgetDatabase passes the call to the database's source when it caches
// metadata.
func (m *Mux) ForgetDatabase(database string) {
	if src, err := m.source(database); err == nil {
		if f, ok := src.(forgetter); ok {
			f.ForgetDatabase(database)
		}
	}
}
