package watcher

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DatabaseConfigName is the per-database settings file.
const DatabaseConfigName = "database.config"

// PXDateLayout is the PX date format yyyyMMdd HH:mm.
const PXDateLayout = "20060102 15:04"

// ErrNoIndexUpdated indicates a settings file without a searchIndex/indexUpdated value.
var ErrNoIndexUpdated = errors.New("settings file has no indexUpdated value")

// =============================================================================
// Settings Document
// =============================================================================

// rawElement keeps an element this package does not interpret.
type rawElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   string     `xml:",innerxml"`
}

type searchIndexSection struct {
	IndexUpdated string       `xml:"indexUpdated"`
	Other        []rawElement `xml:",any"`
}

type settingsDocument struct {
	XMLName     xml.Name            `xml:"settings"`
	Attrs       []xml.Attr          `xml:",any,attr"`
	SearchIndex *searchIndexSection `xml:"searchIndex"`
	Other       []rawElement        `xml:",any"`
}

// ParsePXDate parses a PX date, in local time.
func ParsePXDate(s string) (time.Time, error) {
	return time.ParseInLocation(PXDateLayout, strings.TrimSpace(s), time.Local)
}

// FormatPXDate formats t as a PX date in local time.
func FormatPXDate(t time.Time) string {
	return t.In(time.Local).Format(PXDateLayout)
}

// ReadIndexUpdated reads searchIndex/indexUpdated from a database.config file.
func ReadIndexUpdated(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}

	var doc settingsDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.SearchIndex == nil || strings.TrimSpace(doc.SearchIndex.IndexUpdated) == "" {
		return time.Time{}, ErrNoIndexUpdated
	}

	t, err := ParsePXDate(doc.SearchIndex.IndexUpdated)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse indexUpdated in %s: %w", path, err)
	}
	return t, nil
}

// StampIndexUpdated writes t as searchIndex/indexUpdated, creating the file if
// needed and keeping every other element. The file is replaced atomically.
func StampIndexUpdated(path string, t time.Time) error {
	doc := settingsDocument{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil && len(bytes.TrimSpace(data)) > 0:
		if err := xml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case err != nil && !os.IsNotExist(err):
		return err
	}

	if doc.SearchIndex == nil {
		doc.SearchIndex = &searchIndexSection{}
	}
	doc.SearchIndex.IndexUpdated = FormatPXDate(t)
	doc.XMLName = xml.Name{Local: "settings"}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	out = append([]byte(xml.Header), out...)
	out = append(out, '\n')

	return writeFileAtomic(path, out)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// IndexLanguages lists the language index directories of a database directory,
// skipping staging and hidden entries.
func IndexLanguages(databaseDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(databaseDir, "_INDEX"))
	if err != nil {
		return nil, err
	}

	langs := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		langs = append(langs, e.Name())
	}
	return langs, nil
}
