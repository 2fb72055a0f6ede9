// Package pxfs serves the catalog of PX databases stored as directory trees.
//
// Each database is a directory under the base directory. Subdirectories are
// folders and *.px files are table links. Folder selections are paths relative
// to the database joined by '\'; table selections are "<db>:<relative path>".
package pxfs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/adalundhe/pxsearch/core/catalog"
	"github.com/adalundhe/pxsearch/core/metadata/px"
)

const (
	// IndexDirName holds the search indexes of a database and is never a folder.
	IndexDirName = "_INDEX"

	tableExt  = ".px"
	separator = `\`
)

// Config configures a Catalog.
type Config struct {
	BaseDirectory string

	// Metadata supplies table titles and dates. Default: a px.Provider over
	// BaseDirectory.
	Metadata catalog.MetadataProvider
	Logger   *slog.Logger
}

// Catalog resolves selectors against PX directory trees.
type Catalog struct {
	base     string
	metadata catalog.MetadataProvider
	logger   *slog.Logger
}

var (
	_ catalog.Source       = (*Catalog)(nil)
	_ catalog.UpdateSource = (*Catalog)(nil)
)

// New creates a Catalog.
func New(cfg Config) *Catalog {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metadata == nil {
		cfg.Metadata = px.NewProvider(px.ProviderConfig{BaseDirectory: cfg.BaseDirectory, Logger: cfg.Logger})
	}
	return &Catalog{base: cfg.BaseDirectory, metadata: cfg.Metadata, logger: cfg.Logger}
}

// TableMetadata delegates to the configured metadata provider.
func (c *Catalog) TableMetadata(ctx context.Context, dbType catalog.DatabaseType, database, language, tableID string) (*catalog.Metadata, error) {
	return c.metadata.TableMetadata(ctx, dbType, database, language, tableID)
}

// ResolveNode resolves the root, a folder or a table of a database. Folders
// come back with their children listed.
func (c *Catalog) ResolveNode(ctx context.Context, database string, sel catalog.Selector, language string) (catalog.Resolution, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Resolution{}, err
	}
	if !validName(database) {
		return catalog.NotFound(), nil
	}
	dbDir := filepath.Join(c.base, database)

	if sel.IsRoot() {
		node, ok, err := c.folder(ctx, database, dbDir, nil, catalog.Selector{Selection: database}, language)
		if err != nil || !ok {
			return catalog.NotFound(), err
		}
		if node.Title == "" {
			node.Title = database
		}
		return catalog.Found(catalog.TypePX, node), nil
	}

	rel := catalog.CleanTableID(sel.Selection)
	parts, ok := splitRel(rel)
	if !ok {
		return catalog.NotFound(), nil
	}

	if isTable(rel) {
		info, err := os.Stat(filepath.Join(append([]string{dbDir}, parts...)...))
		if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
			return catalog.NotFound(), nil
		}
		if err != nil {
			return catalog.NotFound(), err
		}
		node, err := c.table(ctx, database, sel, rel, info, language)
		if err != nil {
			return catalog.NotFound(), err
		}
		return catalog.Found(catalog.TypePX, node), nil
	}

	node, ok, err := c.folder(ctx, database, filepath.Join(append([]string{dbDir}, parts...)...), parts, sel, language)
	if err != nil || !ok {
		return catalog.NotFound(), err
	}
	return catalog.Found(catalog.TypePX, node), nil
}

// folder lists a directory. parts is its path below the database root.
func (c *Catalog) folder(ctx context.Context, database, dir string, parts []string, sel catalog.Selector, language string) (catalog.Node, bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return catalog.Node{}, false, nil
	}
	if err != nil {
		if isNotDir(dir) {
			return catalog.Node{}, false, nil
		}
		return catalog.Node{}, false, err
	}

	node := catalog.Node{Selector: sel, Kind: catalog.KindFolder}
	if len(parts) > 0 {
		node.Title = folderTitle(dir, parts[len(parts)-1], language)
	} else {
		node.Title = readAlias(dir, language)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		childRel := strings.Join(append(append([]string{}, parts...), name), separator)

		switch {
		case e.IsDir():
			if name == IndexDirName {
				continue
			}
			node.Children = append(node.Children, catalog.Node{
				Selector: catalog.Selector{Menu: sel.Selection, Selection: childRel},
				Kind:     catalog.KindFolder,
				Title:    folderTitle(filepath.Join(dir, name), name, language),
			})
		case isTable(name):
			info, err := e.Info()
			if err != nil {
				c.logger.Debug("px file vanished, skipped", "database", database, "table", childRel, "error", err)
				continue
			}
			child, err := c.table(ctx, database,
				catalog.Selector{Menu: sel.Selection, Selection: database + ":" + childRel},
				childRel, info, language)
			if err != nil {
				return catalog.Node{}, false, err
			}
			node.Children = append(node.Children, child)
		}
	}
	return node, true, nil
}

// table builds a table link, titled from its metadata when available.
func (c *Catalog) table(ctx context.Context, database string, sel catalog.Selector, rel string, info fs.FileInfo, language string) (catalog.Node, error) {
	node := catalog.Node{Selector: sel, Kind: catalog.KindTableLink}

	meta, err := c.metadata.TableMetadata(ctx, catalog.TypePX, database, language, rel)
	if err != nil {
		return catalog.Node{}, err
	}
	if meta != nil {
		node.Title = meta.Title
		if meta.Updated != nil {
			t := *meta.Updated
			node.Published = &t
		}
	}
	if node.Title == "" {
		node.Title = strings.TrimSuffix(info.Name(), filepath.Ext(info.Name()))
	}
	if node.Published == nil {
		t := info.ModTime().Truncate(time.Minute)
		node.Published = &t
	}
	return node, nil
}

// UpdatedTables lists the PX files of a database modified after since, in
// path order. Hidden directories and the index directory are not searched.
func (c *Catalog) UpdatedTables(ctx context.Context, since time.Time, database, _ string) ([]catalog.TableUpdate, error) {
	if !validName(database) {
		return nil, nil
	}
	dbDir := filepath.Join(c.base, database)

	var updates []catalog.TableUpdate
	err := filepath.WalkDir(dbDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dbDir && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		name := d.Name()
		if d.IsDir() {
			if path != dbDir && (strings.HasPrefix(name, ".") || name == IndexDirName) {
				return fs.SkipDir
			}
			return nil
		}
		if !isTable(name) || strings.HasPrefix(name, ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			c.logger.Debug("px file vanished, skipped", "database", database, "path", path, "error", err)
			return nil
		}
		if !info.ModTime().After(since) {
			return nil
		}

		rel, err := filepath.Rel(dbDir, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		updates = append(updates, catalog.TableUpdate{
			ID:   database + ":" + strings.Join(parts, separator),
			Path: strings.Join(parts[:len(parts)-1], "/"),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// =============================================================================
// Helpers
// =============================================================================

func folderTitle(dir, name, language string) string {
	if alias := readAlias(dir, language); alias != "" {
		return alias
	}
	return name
}

// readAlias returns the first line of alias_<lang>.txt, or of alias.txt.
func readAlias(dir, language string) string {
	names := []string{"alias.txt"}
	if language != "" {
		names = append([]string{"alias_" + language + ".txt"}, names...)
	}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if line := firstLine(data); line != "" {
			return line
		}
	}
	return ""
}

func firstLine(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		if decoded, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil {
			data = decoded
		}
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}

func isTable(name string) bool {
	return strings.EqualFold(filepath.Ext(name), tableExt)
}

func isNotDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// splitRel splits a '\' or '/' separated relative path, rejecting any path
// that would leave the database directory.
func splitRel(rel string) ([]string, bool) {
	parts := strings.FieldsFunc(rel, func(r rune) bool { return r == '\\' || r == '/' })
	if len(parts) == 0 {
		return nil, false
	}
	for _, p := range parts {
		if p == "." || p == ".." || p == IndexDirName || strings.HasPrefix(p, ".") {
			return nil, false
		}
	}
	return parts, true
}

type forgetter interface {
	Forget(database, language, tableID string)
	ForgetDatabase(database string)
}

// Forget drops cached metadata of a table when the provider caches.
func (c *Catalog) Forget(database, language, tableID string) {
	if f, ok := c.metadata.(forgetter); ok {
		f.Forget(database, language, tableID)
	}
}

// ForgetDatabase drops cached metadata of a database when the provider caches.
func (c *Catalog) ForgetDatabase(database string) {
	if f, ok := c.metadata.(forgetter); ok {
		f.ForgetDatabase(database)
	}
}
