package catalog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeCatalog is an in-memory catalog keyed by menu/selection.
type fakeCatalog struct {
	mu       sync.Mutex
	dbType   DatabaseType
	root     *Node
	nodes    map[Selector]Node
	meta     map[string]*Metadata
	resolves int
	metaErr  error
}

func newFakeCatalog(dbType DatabaseType) *fakeCatalog {
	return &fakeCatalog{
		dbType: dbType,
		nodes:  make(map[Selector]Node),
		meta:   make(map[string]*Metadata),
	}
}

// setRoot installs the root node, addressed by the zero selector.
func (f *fakeCatalog) setRoot(n Node) {
	f.root = &n
	f.addTree(n)
}

func (f *fakeCatalog) addTree(n Node) {
	if !n.Selector.IsRoot() {
		f.nodes[n.Selector] = n
	}
	for _, c := range n.Children {
		f.addTree(c)
	}
}

func (f *fakeCatalog) addMeta(tableID, title string) {
	f.meta[tableID] = &Metadata{Title: title}
}

func (f *fakeCatalog) ResolveNode(_ context.Context, _ string, sel Selector, _ string) (Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves++

	if sel.IsRoot() {
		if f.root == nil {
			return NotFound(), nil
		}
		return Found(f.dbType, *f.root), nil
	}
	n, ok := f.nodes[sel]
	if !ok {
		return NotFound(), nil
	}
	return Found(f.dbType, n), nil
}

func (f *fakeCatalog) TableMetadata(_ context.Context, _ DatabaseType, _, _, tableID string) (*Metadata, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return f.meta[tableID], nil
}

func folder(menu, selection, title string, children ...Node) Node {
	return Node{
		Selector: Selector{Menu: menu, Selection: selection},
		Kind:     KindFolder,
		Title:    title,
		Children: children,
	}
}

func table(menu, selection, title string) Node {
	return Node{
		Selector: Selector{Menu: menu, Selection: selection},
		Kind:     KindTableLink,
		Title:    title,
	}
}

var errProvider = errors.New("provider unavailable")

var published = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
