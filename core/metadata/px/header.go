// Package px reads the metadata header of PX statistics files.
//
// A header is a sequence of keyword statements ending at DATA=:
//
//	KEYWORD[lang]("subkey")="value","value";
//
// Adjacent quoted strings are concatenated, commas separate list items. The
// header is decoded from CODEPAGE (Windows-1252 when CHARSET="ANSI" and no
// code page is given) and normalized to NFC.
package px

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// =============================================================================
// Constants and Errors
// =============================================================================

const (
	// DateLayout is the PX date format used by LAST-UPDATED.
	DateLayout = "20060102 15:04"

	// maxHeaderSize bounds how much of a file is read looking for DATA=.
	maxHeaderSize = 16 << 20
)

var (
	// ErrNoData indicates the input ended before a DATA= keyword.
	ErrNoData = errors.New("px header has no DATA keyword")

	// ErrHeaderTooLarge indicates the header exceeds maxHeaderSize.
	ErrHeaderTooLarge = errors.New("px header too large")

	// ErrMalformedStatement indicates a statement without a keyword or '='.
	ErrMalformedStatement = errors.New("malformed px statement")
)

// =============================================================================
// Keyword
// =============================================================================

// Keyword is one header statement.
type Keyword struct {
	Name     string
	Language string
	Subkeys  []string
	Values   []string
}

// Header is a parsed PX header.
type Header struct {
	Keywords []Keyword

	// Language is the default language, "" when the file declares none.
	Language  string
	Languages []string
	Codepage  string
}

// ParseFile reads the header of the PX file at path.
func ParseFile(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return h, nil
}

// Parse reads a PX header from r, stopping at DATA=.
func Parse(r io.Reader) (*Header, error) {
	raw, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	text, codepage, err := decode(raw)
	if err != nil {
		return nil, err
	}

	keywords, err := parseStatements(text)
	if err != nil {
		return nil, err
	}

	h := &Header{Keywords: keywords, Codepage: codepage}
	h.Language = h.Value("LANGUAGE", "")
	h.Languages = h.Values("LANGUAGES", "")
	return h, nil
}

// readHeader returns the bytes before the DATA= statement.
func readHeader(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var buf bytes.Buffer
	for {
		line, err := br.ReadBytes('\n')
		if idx := dataIndex(line); idx >= 0 {
			buf.Write(line[:idx])
			return buf.Bytes(), nil
		}
		buf.Write(line)
		if buf.Len() > maxHeaderSize {
			return nil, ErrHeaderTooLarge
		}
		if err == io.EOF {
			return nil, ErrNoData
		}
		if err != nil {
			return nil, err
		}
	}
}

// dataIndex returns the offset of a DATA= keyword starting a line, or -1.
func dataIndex(line []byte) int {
	trimmed := bytes.TrimLeft(line, " \t\r")
	if bytes.HasPrefix(trimmed, []byte("DATA=")) {
		return len(line) - len(trimmed)
	}
	return -1
}

// =============================================================================
// Decoding
// =============================================================================

// decode converts the raw header to UTF-8 NFC text.
func decode(raw []byte) (string, string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))

	codepage := rawValue(raw, "CODEPAGE")
	enc, err := encodingFor(codepage, rawValue(raw, "CHARSET"), raw)
	if err != nil {
		return "", codepage, err
	}

	var t transform.Transformer = norm.NFC
	if enc != nil {
		t = transform.Chain(enc.NewDecoder(), norm.NFC)
	}
	out, _, err := transform.Bytes(t, raw)
	if err != nil {
		return "", codepage, fmt.Errorf("decode %q: %w", codepage, err)
	}
	return string(out), codepage, nil
}

// encodingFor picks the header encoding. A nil encoding means UTF-8.
func encodingFor(codepage, charset string, raw []byte) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(codepage)) {
	case "utf-8", "utf8":
		return nil, nil
	case "":
		if strings.EqualFold(charset, "ANSI") || !utf8.Valid(raw) {
			return charmap.Windows1252, nil
		}
		return nil, nil
	}

	enc, err := ianaindex.IANA.Encoding(codepage)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unsupported codepage %q", codepage)
	}
	return enc, nil
}

// rawValue finds an ASCII keyword in undecoded header bytes.
func rawValue(raw []byte, keyword string) string {
	needle := []byte(keyword + "=")
	for start := 0; ; {
		idx := bytes.Index(raw[start:], needle)
		if idx < 0 {
			return ""
		}
		idx += start
		if idx == 0 || isSpace(raw[idx-1]) || raw[idx-1] == ';' {
			rest := raw[idx+len(needle):]
			if end := bytes.IndexByte(rest, ';'); end >= 0 {
				rest = rest[:end]
			}
			return strings.Trim(strings.TrimSpace(string(rest)), `"`)
		}
		start = idx + len(needle)
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

// =============================================================================
// Statements
// =============================================================================

// parseStatements splits text on ';' outside quotes and parses each statement.
func parseStatements(text string) ([]Keyword, error) {
	var keywords []Keyword
	inQuote := false
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '"':
			inQuote = !inQuote
		case ';':
			if inQuote {
				continue
			}
			stmt := strings.TrimSpace(text[start:i])
			start = i + 1
			if stmt == "" {
				continue
			}
			kw, err := parseStatement(stmt)
			if err != nil {
				return nil, err
			}
			keywords = append(keywords, kw)
		}
	}
	return keywords, nil
}

func parseStatement(stmt string) (Keyword, error) {
	eq := indexOutsideQuotes(stmt, '=')
	if eq <= 0 {
		return Keyword{}, fmt.Errorf("%w: %.40q", ErrMalformedStatement, stmt)
	}
	key := strings.TrimSpace(stmt[:eq])

	var kw Keyword
	nameEnd := strings.IndexAny(key, "[(")
	if nameEnd < 0 {
		kw.Name = key
	} else {
		kw.Name = strings.TrimSpace(key[:nameEnd])
	}
	if kw.Name == "" {
		return Keyword{}, fmt.Errorf("%w: %.40q", ErrMalformedStatement, stmt)
	}

	if open := strings.IndexByte(key, '['); open >= 0 && (nameEnd == open) {
		if end := strings.IndexByte(key[open:], ']'); end > 0 {
			kw.Language = strings.TrimSpace(key[open+1 : open+end])
		}
	}
	if open := strings.IndexByte(key, '('); open >= 0 {
		if end := strings.LastIndexByte(key, ')'); end > open {
			kw.Subkeys = splitValues(key[open+1 : end])
		}
	}

	kw.Values = splitValues(stmt[eq+1:])
	return kw, nil
}

func indexOutsideQuotes(s string, c byte) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuote = !inQuote
		case c:
			if !inQuote {
				return i
			}
		}
	}
	return -1
}

// splitValues parses a comma-separated value list. Adjacent quoted strings
// join into one item; whitespace outside quotes is dropped.
func splitValues(s string) []string {
	var out []string
	var cur strings.Builder
	has := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				cur.WriteString(s[i+1:])
				i = len(s)
			} else {
				cur.WriteString(s[i+1 : i+1+end])
				i += end + 1
			}
			has = true
		case c == ',':
			out = append(out, cur.String())
			cur.Reset()
			has = false
		case isSpace(c):
		default:
			cur.WriteByte(c)
			has = true
		}
	}
	if has {
		out = append(out, cur.String())
	}
	return out
}

// =============================================================================
// Lookup
// =============================================================================

// Values returns the values of a keyword in a language, falling back to the
// default language. Subkeys must match exactly.
func (h *Header) Values(name, language string, subkeys ...string) []string {
	if kw, ok := h.lookup(name, language, subkeys); ok {
		return kw.Values
	}
	if language != "" {
		if kw, ok := h.lookup(name, "", subkeys); ok {
			return kw.Values
		}
	}
	return nil
}

// Value returns the values of a keyword joined by spaces.
func (h *Header) Value(name, language string, subkeys ...string) string {
	return strings.Join(h.Values(name, language, subkeys...), " ")
}

// All returns every keyword with the name in a language, whatever its subkeys.
func (h *Header) All(name, language string) []Keyword {
	var out []Keyword
	for _, kw := range h.Keywords {
		if kw.Name == name && kw.Language == language {
			out = append(out, kw)
		}
	}
	return out
}

func (h *Header) lookup(name, language string, subkeys []string) (Keyword, bool) {
	if language == h.Language {
		language = ""
	}
	for _, kw := range h.Keywords {
		if kw.Name == name && kw.Language == language && equalStrings(kw.Subkeys, subkeys) {
			return kw, true
		}
	}
	return Keyword{}, false
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HasLanguage reports whether the file carries metadata in language.
func (h *Header) HasLanguage(language string) bool {
	if language == "" || language == h.Language {
		return true
	}
	for _, l := range h.Languages {
		if l == language {
			return true
		}
	}
	return false
}

// LastUpdated parses LAST-UPDATED in local time.
func (h *Header) LastUpdated() (time.Time, bool) {
	v := strings.TrimSpace(h.Value("LAST-UPDATED", ""))
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{DateLayout, "20060102 15:04:05", "20060102"} {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
