package catalog

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"time"
)

// TableUpdate names a table whose index entry must be rewritten.
// Path is slash-delimited and ends with the table's parent folder; a trailing
// segment equal to the table id is tolerated.
type TableUpdate struct {
	ID   string `json:"id" yaml:"id"`
	Path string `json:"path" yaml:"path"`
}

// UpdateSource lists the tables of a database changed after since, ready to
// be passed to UpdateResolver.
type UpdateSource interface {
	UpdatedTables(ctx context.Context, since time.Time, database, language string) ([]TableUpdate, error)
}

// NoUpdates is an UpdateSource that never reports a change.
type NoUpdates struct{}

func (NoUpdates) UpdatedTables(context.Context, time.Time, string, string) ([]TableUpdate, error) {
	return nil, nil
}

// UpdateResolver resolves changed-table identifiers against the catalog.
type UpdateResolver struct {
	resolver Resolver
	metadata MetadataProvider
	logger   *slog.Logger
}

// NewUpdateResolver creates an UpdateResolver. It shares the WalkerConfig shape;
// MaxDepth is ignored.
func NewUpdateResolver(cfg WalkerConfig) (*UpdateResolver, error) {
	if cfg.Resolver == nil {
		return nil, ErrNilResolver
	}
	if cfg.Metadata == nil {
		return nil, ErrNilMetadata
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &UpdateResolver{
		resolver: cfg.Resolver,
		metadata: cfg.Metadata,
		logger:   cfg.Logger,
	}, nil
}

// Resolve yields one entry per update that resolves to a table link in the
// catalog. Updates with a malformed path, an unresolvable selector or no
// metadata are skipped and counted in stats. Provider errors end the sequence.
func (r *UpdateResolver) Resolve(ctx context.Context, database, language string, updates []TableUpdate, stats *WalkStats) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, u := range updates {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}

			entry, ok, err := r.resolveOne(ctx, database, language, u)
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !ok {
				stats.skip()
				continue
			}

			stats.table()
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// resolveOne resolves a single update. ok is false when the update is skipped.
func (r *UpdateResolver) resolveOne(ctx context.Context, database, language string, u TableUpdate) (Entry, bool, error) {
	tableID := CleanTableID(u.ID)
	parts := splitNonEmpty(u.Path, "/")
	if len(parts) < 2 || tableID == "" {
		r.logger.Debug("update path malformed, skipped",
			"database", database, "language", language, "table", u.ID, "path", u.Path)
		return Entry{}, false, nil
	}

	parent, docPath := parentFolder(parts, tableID)
	res, err := r.resolver.ResolveNode(ctx, database, Selector{Menu: parent, Selection: u.ID}, language)
	if err != nil {
		return Entry{}, false, err
	}
	if !res.Found || !res.Node.IsTable() {
		r.logger.Debug("update does not resolve to a table, skipped",
			"database", database, "language", language, "table", u.ID, "menu", parent)
		return Entry{}, false, nil
	}

	meta, err := r.metadata.TableMetadata(ctx, res.Type, database, language, tableID)
	if err != nil {
		return Entry{}, false, err
	}
	if meta == nil {
		r.logger.Debug("updated table has no metadata, skipped",
			"database", database, "language", language, "table", u.ID)
		return Entry{}, false, nil
	}

	return buildUpdateEntry(database, language, u.ID, tableID, docPath, res, meta), true, nil
}

// buildUpdateEntry prefers the catalog's title and publication date over the
// metadata defaults.
func buildUpdateEntry(database, language, id, tableID, path string, res Resolution, meta *Metadata) Entry {
	entry := Entry{
		Database: database,
		Language: language,
		Type:     res.Type,
		ID:       id,
		TableID:  tableID,
		Path:     path,
		Title:    meta.Title,
		Metadata: meta,
	}
	if res.Type == TypePX {
		if _, table := SplitPXSelection(tableID); table != "" {
			entry.TableID = table
		}
	}
	if res.Node.Title != "" {
		entry.Title = res.Node.Title
	}
	if res.Node.Published != nil {
		entry.Published = res.Node.Published
	}
	return entry
}

// parentFolder picks the parent folder of a table from its path segments and
// returns the folder path the document is filed under. The last segment may
// name the table itself, as its id or as the file name of a PX selection.
func parentFolder(parts []string, tableID string) (parent, path string) {
	_, file := SplitPXSelection(tableID)
	if last := parts[len(parts)-1]; last == tableID || last == file {
		folders := parts[:len(parts)-1]
		return folders[len(folders)-1], strings.Join(folders, "/")
	}
	return parts[len(parts)-1], strings.Join(parts, "/")
}
