// Package cnmm serves a relational (CNMM) catalog from SQLite.
//
// Menu rows form the tree: rows with an empty menu hang off the database root,
// every other row hangs off the folder whose selection equals its menu.
// Table metadata lives in a separate table keyed by language and table id.
package cnmm

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/adalundhe/pxsearch/core/catalog"
)

const (
	kindFolder = "folder"
	kindTable  = "table"

	timeLayout = time.RFC3339
)

// ErrEmptyPath indicates a store without a database file.
var ErrEmptyPath = errors.New("cnmm store path cannot be empty")

const schema = `
CREATE TABLE IF NOT EXISTS menu_selection (
	lang TEXT NOT NULL,
	menu TEXT NOT NULL,
	selection TEXT NOT NULL,
	kind TEXT NOT NULL,
	pres_text TEXT NOT NULL DEFAULT '',
	published TEXT,
	sort_code TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (lang, menu, selection)
);

CREATE INDEX IF NOT EXISTS idx_menu_selection_menu ON menu_selection(lang, menu, sort_code);

CREATE TABLE IF NOT EXISTS table_meta (
	lang TEXT NOT NULL,
	table_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	contents TEXT NOT NULL DEFAULT '',
	matrix TEXT NOT NULL DEFAULT '',
	subject_code TEXT NOT NULL DEFAULT '',
	subject_area TEXT NOT NULL DEFAULT '',
	source TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '[]',
	updated TEXT,
	variables TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (lang, table_id)
);
`

// MenuItem is one row of the menu tree.
type MenuItem struct {
	Menu      string
	Selection string
	Kind      catalog.Kind
	Title     string
	Published *time.Time
	SortCode  string
}

// Config configures a Store.
type Config struct {
	// Path is the SQLite file. ":memory:" keeps the catalog in memory.
	Path   string
	Logger *slog.Logger
}

// Store is the catalog of one CNMM database.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

var (
	_ catalog.Source       = (*Store)(nil)
	_ catalog.UpdateSource = (*Store)(nil)
)

// Open opens or creates the catalog database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, ErrEmptyPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, path: cfg.Path, logger: cfg.Logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// Writes
// =============================================================================

// PutMenuItem inserts or replaces a menu row.
func (s *Store) PutMenuItem(ctx context.Context, language string, item MenuItem) error {
	kind := kindFolder
	if item.Kind == catalog.KindTableLink {
		kind = kindTable
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO menu_selection
		(lang, menu, selection, kind, pres_text, published, sort_code)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		language, item.Menu, item.Selection, kind, item.Title, formatTime(item.Published), item.SortCode)
	if err != nil {
		return fmt.Errorf("failed to store menu item %s/%s: %w", item.Menu, item.Selection, err)
	}
	return nil
}

// DeleteMenuItem removes a menu row. Missing rows are ignored.
func (s *Store) DeleteMenuItem(ctx context.Context, language, menu, selection string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM menu_selection WHERE lang = ? AND menu = ? AND selection = ?`,
		language, menu, selection)
	if err != nil {
		return fmt.Errorf("failed to delete menu item %s/%s: %w", menu, selection, err)
	}
	return nil
}

// PutTable inserts or replaces the metadata of a table.
func (s *Store) PutTable(ctx context.Context, language, tableID string, meta catalog.Metadata) error {
	notes, err := json.Marshal(nonNil(meta.Notes))
	if err != nil {
		return fmt.Errorf("failed to encode notes: %w", err)
	}
	vars, err := json.Marshal(nonNil(meta.Variables))
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO table_meta
		(lang, table_id, title, description, contents, matrix, subject_code,
		 subject_area, source, notes, updated, variables)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		language, tableID, meta.Title, meta.Description, meta.Contents, meta.Matrix,
		meta.SubjectCode, meta.SubjectArea, meta.Source, string(notes),
		formatTime(meta.Updated), string(vars))
	if err != nil {
		return fmt.Errorf("failed to store table %s: %w", tableID, err)
	}
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// ResolveNode resolves the root, a folder or a table link. The root is the
// database itself; its children are the rows with an empty menu.
func (s *Store) ResolveNode(ctx context.Context, database string, sel catalog.Selector, language string) (catalog.Resolution, error) {
	if sel.IsRoot() {
		children, err := s.children(ctx, language, "")
		if err != nil {
			return catalog.NotFound(), err
		}
		if len(children) == 0 {
			return catalog.NotFound(), nil
		}
		return catalog.Found(catalog.TypeCNMM, catalog.Node{
			Selector: catalog.Selector{Selection: database},
			Kind:     catalog.KindFolder,
			Title:    database,
			Children: children,
		}), nil
	}

	node, ok, err := s.item(ctx, language, sel.Menu, sel.Selection)
	if err == nil && !ok && sel.Menu == database {
		node, ok, err = s.item(ctx, language, "", sel.Selection)
	}
	if err != nil || !ok {
		return catalog.NotFound(), err
	}

	if node.IsFolder() {
		node.Children, err = s.children(ctx, language, node.Selector.Selection)
		if err != nil {
			return catalog.NotFound(), err
		}
	}
	return catalog.Found(catalog.TypeCNMM, node), nil
}

func (s *Store) item(ctx context.Context, language, menu, selection string) (catalog.Node, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT menu, selection, kind, pres_text, published
		FROM menu_selection WHERE lang = ? AND menu = ? AND selection = ?`,
		language, menu, selection)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Node{}, false, nil
	}
	if err != nil {
		return catalog.Node{}, false, fmt.Errorf("failed to query menu item %s/%s: %w", menu, selection, err)
	}
	return node, true, nil
}

func (s *Store) children(ctx context.Context, language, menu string) ([]catalog.Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT menu, selection, kind, pres_text, published
		FROM menu_selection WHERE lang = ? AND menu = ?
		ORDER BY sort_code, selection`,
		language, menu)
	if err != nil {
		return nil, fmt.Errorf("failed to query menu %q: %w", menu, err)
	}
	defer rows.Close()

	var nodes []catalog.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan menu %q: %w", menu, err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (catalog.Node, error) {
	var (
		node      catalog.Node
		kind      string
		published sql.NullString
	)
	if err := row.Scan(&node.Selector.Menu, &node.Selector.Selection, &kind, &node.Title, &published); err != nil {
		return catalog.Node{}, err
	}
	if kind == kindTable {
		node.Kind = catalog.KindTableLink
	}
	node.Published = parseTime(published)
	return node, nil
}

// TableMetadata returns the metadata of a table, or nil when the table has
// none in the language.
func (s *Store) TableMetadata(ctx context.Context, _ catalog.DatabaseType, database, language, tableID string) (*catalog.Metadata, error) {
	var (
		meta        catalog.Metadata
		notes, vars string
		updated     sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT title, description, contents, matrix, subject_code, subject_area,
		       source, notes, updated, variables
		FROM table_meta WHERE lang = ? AND table_id = ?`,
		language, tableID,
	).Scan(&meta.Title, &meta.Description, &meta.Contents, &meta.Matrix, &meta.SubjectCode,
		&meta.SubjectArea, &meta.Source, &notes, &updated, &vars)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query table %s: %w", tableID, err)
	}

	if err := json.Unmarshal([]byte(notes), &meta.Notes); err != nil {
		s.logger.Warn("table notes unreadable", "database", database, "table", tableID, "error", err)
	}
	if err := json.Unmarshal([]byte(vars), &meta.Variables); err != nil {
		s.logger.Warn("table variables unreadable", "database", database, "table", tableID, "error", err)
	}
	meta.Updated = parseTime(updated)
	return &meta, nil
}

// UpdatedTables lists the table links published, or whose metadata was
// updated, after since. Each link yields one update whose path is the folder
// chain from the root down to the link's menu, or "<database>/<table>" for a
// link at the root.
func (s *Store) UpdatedTables(ctx context.Context, since time.Time, database, language string) ([]catalog.TableUpdate, error) {
	parents, err := s.folderParents(ctx, language)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.menu, m.selection, m.published, t.updated
		FROM menu_selection m
		LEFT JOIN table_meta t ON t.lang = m.lang AND t.table_id = m.selection
		WHERE m.lang = ? AND m.kind = ?
		ORDER BY m.menu, m.sort_code, m.selection`,
		language, kindTable)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var updates []catalog.TableUpdate
	for rows.Next() {
		var (
			menu, selection    string
			published, updated sql.NullString
		)
		if err := rows.Scan(&menu, &selection, &published, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan table: %w", err)
		}
		if !after(parseTime(published), since) && !after(parseTime(updated), since) {
			continue
		}
		path, ok := folderPath(parents, menu)
		if !ok {
			s.logger.Warn("menu chain does not reach the root, table skipped",
				"database", database, "language", language, "table", selection, "menu", menu)
			continue
		}
		if path == "" {
			// Root links resolve through the database name as their menu.
			path = database + "/" + selection
		}
		updates = append(updates, catalog.TableUpdate{ID: selection, Path: path})
	}
	return updates, rows.Err()
}

// folderParents maps each folder selection to its menu.
func (s *Store) folderParents(ctx context.Context, language string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT menu, selection FROM menu_selection
		WHERE lang = ? AND kind = ? ORDER BY menu, selection`,
		language, kindFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	parents := make(map[string]string)
	for rows.Next() {
		var menu, selection string
		if err := rows.Scan(&menu, &selection); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		if _, seen := parents[selection]; !seen {
			parents[selection] = menu
		}
	}
	return parents, rows.Err()
}

// folderPath joins the folders from the root down to menu with '/'.
func folderPath(parents map[string]string, menu string) (string, bool) {
	var chain []string
	for menu != "" {
		if len(chain) == catalog.DefaultMaxDepth {
			return "", false
		}
		chain = append(chain, menu)
		parent, ok := parents[menu]
		if !ok {
			return "", false
		}
		menu = parent
	}
	slices.Reverse(chain)
	return strings.Join(chain, "/"), true
}

func after(t *time.Time, since time.Time) bool {
	return t != nil && t.After(since)
}

// =============================================================================
// Helpers
// =============================================================================

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeLayout)
}

func parseTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
