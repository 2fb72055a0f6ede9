package bleve

import (
	"testing"
	"time"

	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/pxsearch/core/catalog"
	"github.com/adalundhe/pxsearch/core/search"
)

func TestAnalyzerFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		lang string
		want string
	}{
		{"en", "en"},
		{"EN", "en"},
		{"en-GB", "en"},
		{"sv", "sv"},
		{"nb", "no"},
		{"fi_FI", "fi"},
		{"is", standard.Name},
		{"", standard.Name},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, AnalyzerFor(tt.lang), "language %q", tt.lang)
	}
}

func TestBuildIndexMapping_Validates(t *testing.T) {
	t.Parallel()

	for _, lang := range []string{"en", "sv", "fi", "da", "no", "de", "fr", "xx"} {
		im := BuildIndexMapping(lang)
		require.NoError(t, im.Validate(), "language %s", lang)
		assert.Equal(t, AnalyzerFor(lang), im.AnalyzerNameForPath(FieldTitle))
		assert.Equal(t, "keyword", im.AnalyzerNameForPath(FieldTable))
	}
}

func TestToIndexDocument(t *testing.T) {
	t.Parallel()

	updated := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	doc := &search.Document{
		Database: "STAT",
		ID:       "STAT:T1",
		TableID:  "T1",
		Path:     "A/B",
		Title:    "Population",
		Metadata: catalog.Metadata{
			Description: "desc",
			SubjectCode: "BE",
			SubjectArea: "Population",
			Notes:       []string{"note"},
			Updated:     &updated,
			Variables: []catalog.Variable{
				{Name: "region", Values: []string{"North"}, Codes: []string{"N"}},
				{Name: "year", Values: []string{"2020", "2021"}, Codes: []string{"2020", "2021"}},
			},
		},
	}

	out := toIndexDocument(doc)

	assert.Equal(t, "STAT:T1", out.ID)
	assert.Equal(t, "T1", out.Table)
	assert.Equal(t, "A/B", out.Path)
	assert.Equal(t, []string{"region", "year"}, out.Variables)
	assert.Equal(t, []string{"North", "2020", "2021"}, out.Values)
	assert.Equal(t, []string{"N", "2020", "2021"}, out.Codes)
	assert.Equal(t, []string{"BE", "Population"}, out.Subject)
	assert.Equal(t, &updated, out.Updated)
}

func TestFilterFields(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"title", "codes"}, filterFields([]string{"title", "bogus", "codes", "title"}))
	assert.Empty(t, filterFields(nil))
}
