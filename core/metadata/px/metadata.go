package px

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/adalundhe/pxsearch/core/catalog"
)

// Metadata returns the table metadata in language, falling back to the
// default language when the file has no such translation.
func (h *Header) Metadata(language string) *catalog.Metadata {
	if !h.HasLanguage(language) {
		language = ""
	}

	m := &catalog.Metadata{
		Title:       h.Value("TITLE", language),
		Description: h.Value("DESCRIPTION", language),
		Contents:    h.Value("CONTENTS", language),
		Matrix:      h.Value("MATRIX", ""),
		SubjectCode: h.Value("SUBJECT-CODE", ""),
		SubjectArea: h.Value("SUBJECT-AREA", language),
		Source:      h.Value("SOURCE", language),
		Variables:   h.variables(language),
	}
	if m.Title == "" {
		m.Title = m.Description
	}

	for _, name := range []string{"NOTEX", "NOTE"} {
		for _, kw := range h.notes(name, language) {
			m.Notes = append(m.Notes, strings.Join(kw.Values, " "))
		}
	}

	if t, ok := h.LastUpdated(); ok {
		m.Updated = &t
	}
	return m
}

// notes returns the table and variable notes of a language, or of the default
// language when the translation has none.
func (h *Header) notes(name, language string) []Keyword {
	lang := language
	if lang == h.Language {
		lang = ""
	}
	if kws := h.All(name, lang); len(kws) > 0 || lang == "" {
		return kws
	}
	return h.All(name, "")
}

// variables pairs the stub and heading variables with their values and codes.
// A translation missing a variable's values uses the default language entry
// at the same position.
func (h *Header) variables(language string) []catalog.Variable {
	names := slices.Concat(h.Values("STUB", language), h.Values("HEADING", language))
	defaults := slices.Concat(h.Values("STUB", ""), h.Values("HEADING", ""))

	vars := make([]catalog.Variable, 0, len(names))
	for i, name := range names {
		v := catalog.Variable{
			Name:   name,
			Values: h.Values("VALUES", language, name),
			Codes:  h.Values("CODES", language, name),
		}
		if i < len(defaults) {
			if v.Values == nil {
				v.Values = h.Values("VALUES", "", defaults[i])
			}
			if v.Codes == nil {
				v.Codes = h.Values("CODES", "", defaults[i])
			}
		}
		vars = append(vars, v)
	}
	return vars
}

// =============================================================================
// Provider
// =============================================================================

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	// BaseDirectory holds one directory per PX database.
	BaseDirectory string
	Logger        *slog.Logger
}

// Provider reads table metadata from PX files. Table ids are paths relative
// to the database directory, separated by '\'.
type Provider struct {
	base   string
	logger *slog.Logger
}

var _ catalog.MetadataProvider = (*Provider)(nil)

// NewProvider creates a Provider.
func NewProvider(cfg ProviderConfig) *Provider {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{base: cfg.BaseDirectory, logger: cfg.Logger}
}

// FilePath returns the PX file of a table, or "" if the id escapes the
// database directory.
func (p *Provider) FilePath(database, tableID string) string {
	parts := strings.FieldsFunc(catalog.CleanTableID(tableID), func(r rune) bool { return r == '\\' || r == '/' })
	if len(parts) == 0 || database == "" || strings.ContainsAny(database, `/\`) {
		return ""
	}
	for _, part := range append(parts, database) {
		if part == ".." || part == "." {
			return ""
		}
	}
	return filepath.Join(append([]string{p.base, database}, parts...)...)
}

// TableMetadata parses the header of a table's PX file. Missing and
// unparseable files yield no metadata.
func (p *Provider) TableMetadata(ctx context.Context, _ catalog.DatabaseType, database, language, tableID string) (*catalog.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := p.FilePath(database, tableID)
	if path == "" {
		return nil, nil
	}

	h, err := ParseFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return nil, err
		}
		p.logger.Warn("px header unreadable, table skipped",
			"database", database, "table", tableID, "error", err)
		return nil, nil
	}
	return h.Metadata(language), nil
}
