package catalog

import (
	"context"
	"iter"
	"log/slog"
	"time"
)

// DefaultMaxDepth bounds folder nesting so a cyclic catalog cannot recurse forever.
const DefaultMaxDepth = 64

// =============================================================================
// Entry
// =============================================================================

// Entry is one indexable table found in the catalog.
type Entry struct {
	Database  string
	Language  string
	Type      DatabaseType
	ID        string
	TableID   string
	Path      string
	Title     string
	Published *time.Time
	Metadata  *Metadata
}

// WalkStats counts what a traversal visited. It is filled in as the sequence
// is consumed.
type WalkStats struct {
	Folders int
	Tables  int
	Skipped int
}

func (s *WalkStats) folder() {
	if s != nil {
		s.Folders++
	}
}

func (s *WalkStats) table() {
	if s != nil {
		s.Tables++
	}
}

func (s *WalkStats) skip() {
	if s != nil {
		s.Skipped++
	}
}

// =============================================================================
// Walker
// =============================================================================

// WalkerConfig configures a Walker.
type WalkerConfig struct {
	Resolver Resolver
	Metadata MetadataProvider
	Logger   *slog.Logger

	// MaxDepth limits folder nesting. Default: DefaultMaxDepth.
	MaxDepth int
}

// Walker turns a catalog tree into a flat sequence of table entries.
// A Walker holds no per-walk state and may be shared.
type Walker struct {
	resolver Resolver
	metadata MetadataProvider
	logger   *slog.Logger
	maxDepth int
}

// NewWalker creates a Walker from the given configuration.
func NewWalker(cfg WalkerConfig) (*Walker, error) {
	if cfg.Resolver == nil {
		return nil, ErrNilResolver
	}
	if cfg.Metadata == nil {
		return nil, ErrNilMetadata
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Walker{
		resolver: cfg.Resolver,
		metadata: cfg.Metadata,
		logger:   cfg.Logger,
		maxDepth: cfg.MaxDepth,
	}, nil
}

// Root resolves the catalog root of a database.
// Returns ErrRootNotFound when the provider has no root.
func (w *Walker) Root(ctx context.Context, database, language string) (Resolution, error) {
	res, err := w.resolver.ResolveNode(ctx, database, Selector{}, language)
	if err != nil {
		return Resolution{}, err
	}
	if !res.Found {
		return Resolution{}, ErrRootNotFound
	}
	return res, nil
}

// Walk resolves the root and yields every table reachable from it, depth first.
// A missing root ends the sequence with ErrRootNotFound.
func (w *Walker) Walk(ctx context.Context, database, language string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		root, err := w.Root(ctx, database, language)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		w.WalkFrom(ctx, database, language, root, nil)(yield)
	}
}

// WalkFrom yields every table reachable from an already resolved root.
// Re-invoking the returned sequence walks the catalog again.
func (w *Walker) WalkFrom(ctx context.Context, database, language string, root Resolution, stats *WalkStats) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		t := &traversal{
			walker:   w,
			database: database,
			language: language,
			dbType:   root.Type,
			stats:    stats,
			yield:    yield,
		}
		t.walkRoot(ctx, root.Node)
	}
}

// =============================================================================
// Traversal
// =============================================================================

// traversal carries the state of one walk.
type traversal struct {
	walker   *Walker
	database string
	language string
	dbType   DatabaseType
	stats    *WalkStats
	yield    func(Entry, error) bool
}

// walkRoot visits the root's children. Root-level tables take the root's menu
// id as their path.
func (t *traversal) walkRoot(ctx context.Context, root Node) {
	rootPath := root.Selector.Menu
	if rootPath == "" {
		rootPath = root.Selector.Selection
	}

	for _, child := range root.Children {
		var cont bool
		switch child.Kind {
		case KindFolder:
			cont = t.walkFolder(ctx, child, child.Selector.Selection, 1)
		case KindTableLink:
			cont = t.visitTable(ctx, child, rootPath)
		default:
			cont = true
		}
		if !cont {
			return
		}
	}
}

// walkFolder re-resolves a folder and visits its children.
// Returns false when the consumer stopped or an error was yielded.
func (t *traversal) walkFolder(ctx context.Context, folder Node, path string, depth int) bool {
	if err := ctx.Err(); err != nil {
		t.yield(Entry{}, err)
		return false
	}
	if depth > t.walker.maxDepth {
		t.walker.logger.Warn("catalog nesting too deep, folder skipped",
			"database", t.database, "language", t.language, "folder", folder.Selector.String())
		return true
	}

	res, err := t.walker.resolver.ResolveNode(ctx, t.database, folder.Selector, t.language)
	if err != nil {
		t.yield(Entry{}, err)
		return false
	}
	if !res.Found || !res.Node.IsFolder() {
		t.walker.logger.Debug("folder not resolved, skipped",
			"database", t.database, "language", t.language, "folder", folder.Selector.String())
		return true
	}
	t.stats.folder()

	for _, child := range res.Node.Children {
		var cont bool
		switch child.Kind {
		case KindFolder:
			cont = t.walkFolder(ctx, child, path+"/"+child.Selector.Selection, depth+1)
		case KindTableLink:
			cont = t.visitTable(ctx, child, path)
		default:
			cont = true
		}
		if !cont {
			return false
		}
	}
	return true
}

// visitTable builds the entry for a table link and yields it.
// Tables without metadata are skipped.
func (t *traversal) visitTable(ctx context.Context, link Node, path string) bool {
	if err := ctx.Err(); err != nil {
		t.yield(Entry{}, err)
		return false
	}

	id := CleanTableID(link.Selector.Selection)
	meta, err := t.walker.metadata.TableMetadata(ctx, t.dbType, t.database, t.language, id)
	if err != nil {
		t.yield(Entry{}, err)
		return false
	}
	if meta == nil {
		t.stats.skip()
		t.walker.logger.Debug("table has no metadata, skipped",
			"database", t.database, "language", t.language, "table", id)
		return true
	}

	entry := t.buildEntry(link, id, path, meta)
	if entry.TableID == "" || entry.Path == "" {
		t.stats.skip()
		t.walker.logger.Debug("table has empty id or path, skipped",
			"database", t.database, "language", t.language, "table", id)
		return true
	}

	t.stats.table()
	return t.yield(entry, nil)
}

// buildEntry applies the database type's path and id convention.
func (t *traversal) buildEntry(link Node, id, path string, meta *Metadata) Entry {
	entry := Entry{
		Database:  t.database,
		Language:  t.language,
		Type:      t.dbType,
		ID:        id,
		TableID:   id,
		Path:      path,
		Title:     link.Title,
		Published: link.Published,
		Metadata:  meta,
	}

	if t.dbType == TypePX {
		pxPath, table := SplitPXSelection(id)
		entry.TableID = table
		if pxPath != "" {
			entry.Path = pxPath
		}
	}
	return entry
}
