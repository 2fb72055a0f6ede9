package bleve

import (
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/analysis/lang/da"
	"github.com/blevesearch/bleve/v2/analysis/lang/de"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/lang/fi"
	"github.com/blevesearch/bleve/v2/analysis/lang/fr"
	"github.com/blevesearch/bleve/v2/analysis/lang/no"
	"github.com/blevesearch/bleve/v2/analysis/lang/sv"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/adalundhe/pxsearch/core/search"
)

// =============================================================================
// Field Names
// =============================================================================

// Keyword fields, matched exactly.
const (
	FieldID       = "id"
	FieldTable    = "table"
	FieldPath     = "path"
	FieldDatabase = "database"
)

// Text fields, analyzed with the index language.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldContents    = "contents"
	FieldVariables   = "variables"
	FieldValues      = "values"
	FieldCodes       = "codes"
	FieldMatrix      = "matrix"
	FieldSubject     = "subject"
	FieldSource      = "source"
	FieldNotes       = "notes"
)

// Date fields.
const (
	FieldPublished = "published"
	FieldUpdated   = "updated"
)

// textFields lists the fields a query filter may name.
var textFields = map[string]struct{}{
	FieldTitle:       {},
	FieldDescription: {},
	FieldContents:    {},
	FieldVariables:   {},
	FieldValues:      {},
	FieldCodes:       {},
	FieldMatrix:      {},
	FieldSubject:     {},
	FieldSource:      {},
	FieldNotes:       {},
}

// storedFields are loaded with every hit.
var storedFields = []string{FieldID, FieldTable, FieldPath, FieldTitle, FieldPublished}

// languageAnalyzers maps an index language to its bleve analyzer.
var languageAnalyzers = map[string]string{
	"en": en.AnalyzerName,
	"sv": sv.AnalyzerName,
	"fi": fi.AnalyzerName,
	"da": da.AnalyzerName,
	"no": no.AnalyzerName,
	"nb": no.AnalyzerName,
	"nn": no.AnalyzerName,
	"de": de.AnalyzerName,
	"fr": fr.AnalyzerName,
}

// AnalyzerFor returns the analyzer used for text fields of an index language.
// Unknown languages use the standard analyzer.
func AnalyzerFor(language string) string {
	lang := strings.ToLower(strings.TrimSpace(language))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if name, ok := languageAnalyzers[lang]; ok {
		return name
	}
	return standard.Name
}

// =============================================================================
// Index Mapping
// =============================================================================

// BuildIndexMapping creates the mapping for a table index in the given language.
func BuildIndexMapping(language string) mapping.IndexMapping {
	analyzer := AnalyzerFor(language)

	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false

	for _, name := range []string{FieldID, FieldTable, FieldPath, FieldDatabase} {
		doc.AddFieldMappingsAt(name, keywordField(name != FieldDatabase))
	}
	for name := range textFields {
		doc.AddFieldMappingsAt(name, textField(analyzer, name == FieldTitle))
	}
	doc.AddFieldMappingsAt(FieldPublished, dateField())
	doc.AddFieldMappingsAt(FieldUpdated, dateField())

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = analyzer
	return im
}

// keywordField is an exact-match field kept out of the composite field.
func keywordField(store bool) *mapping.FieldMapping {
	fm := bleve.NewKeywordFieldMapping()
	fm.Analyzer = keyword.Name
	fm.Store = store
	fm.IncludeInAll = false
	return fm
}

func textField(analyzer string, store bool) *mapping.FieldMapping {
	fm := bleve.NewTextFieldMapping()
	fm.Analyzer = analyzer
	fm.Store = store
	fm.IncludeInAll = true
	return fm
}

func dateField() *mapping.FieldMapping {
	fm := bleve.NewDateTimeFieldMapping()
	fm.Store = true
	fm.IncludeInAll = false
	return fm
}

// =============================================================================
// Indexed Document
// =============================================================================

// indexDocument is the flattened form of a search.Document that bleve maps.
type indexDocument struct {
	ID          string     `json:"id"`
	Table       string     `json:"table"`
	Path        string     `json:"path"`
	Database    string     `json:"database"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Contents    string     `json:"contents,omitempty"`
	Variables   []string   `json:"variables,omitempty"`
	Values      []string   `json:"values,omitempty"`
	Codes       []string   `json:"codes,omitempty"`
	Matrix      string     `json:"matrix,omitempty"`
	Subject     []string   `json:"subject,omitempty"`
	Source      string     `json:"source,omitempty"`
	Notes       []string   `json:"notes,omitempty"`
	Published   *time.Time `json:"published,omitempty"`
	Updated     *time.Time `json:"updated,omitempty"`
}

// toIndexDocument flattens the document metadata into searchable fields.
func toIndexDocument(doc *search.Document) *indexDocument {
	meta := doc.Metadata
	out := &indexDocument{
		ID:          doc.ID,
		Table:       doc.TableID,
		Path:        doc.Path,
		Database:    doc.Database,
		Title:       doc.Title,
		Description: meta.Description,
		Contents:    meta.Contents,
		Matrix:      meta.Matrix,
		Source:      meta.Source,
		Notes:       meta.Notes,
		Published:   doc.Published,
		Updated:     meta.Updated,
	}

	for _, v := range meta.Variables {
		out.Variables = append(out.Variables, v.Name)
		out.Values = append(out.Values, v.Values...)
		out.Codes = append(out.Codes, v.Codes...)
	}
	for _, s := range []string{meta.SubjectCode, meta.SubjectArea} {
		if s != "" {
			out.Subject = append(out.Subject, s)
		}
	}
	return out
}
