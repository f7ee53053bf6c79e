// Package ingestion turns files, folders, CSV exports and web pages into
// rag.Documents ready for the pipeline. Text extraction stops at plain text,
// Markdown, CSV and HTML; binary formats such as PDF are converted upstream.
package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// DefaultExtensions are the file types LoadDir picks up when none are given.
var DefaultExtensions = []string{".txt", ".md", ".markdown", ".csv"}

// LoadFile reads a .txt or .md file (or a .csv via LoadCSV) into a document.
// Category and domain are inferred from the path.
func LoadFile(path string) (rag.Document, error) {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return LoadCSV(path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: stat %s: %w", path, err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: read %s: %w", path, err)
	}
	if !utf8.Valid(raw) {
		return rag.Document{}, rag.Malformedf("ingestion: %s is not UTF-8 text", path)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return rag.Document{}, rag.Malformedf("ingestion: %s is empty", path)
	}
	return newFileDocument(path, string(raw), info), nil
}

// LoadCSV reads a CSV file with a header row into one document. Each data
// row is rendered as "column: value" lines; rows are separated by a blank
// line so the chunker keeps a row together where it can.
func LoadCSV(path string) (rag.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return rag.Document{}, fmt.Errorf("ingestion: stat %s: %w", path, err)
	}
	text, err := renderCSV(f)
	if err != nil {
		return rag.Document{}, rag.Malformedf("ingestion: %s: %v", path, err)
	}
	return newFileDocument(path, text, info), nil
}

// renderCSV renders every data row as "column: value" lines. Empty cells
// are omitted.
func renderCSV(r io.Reader) (string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return "", errors.New("no header row")
	}
	if err != nil {
		return "", err
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	var sb strings.Builder
	rows := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		var lines []string
		for i, v := range row {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			key := fmt.Sprintf("column_%d", i+1)
			if i < len(header) && header[i] != "" {
				key = header[i]
			}
			lines = append(lines, key+": "+v)
		}
		if len(lines) == 0 {
			continue
		}
		if rows > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(strings.Join(lines, "\n"))
		rows++
	}
	if rows == 0 {
		return "", errors.New("no data rows")
	}
	return sb.String(), nil
}

// LoadDir walks dir and loads every file whose extension is in exts
// (DefaultExtensions when empty). A file's category is the name of the
// first sub-folder under dir, so data/<category>/<file> lays out the
// retrieval scopes. Files at the top level keep the inferred category.
// Unreadable files are reported in the returned error while the rest are
// still returned.
func LoadDir(dir string, exts []string) ([]rag.Document, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	allowed := make([]string, len(exts))
	for i, e := range exts {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		allowed[i] = strings.ToLower(e)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("ingestion: stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, rag.Malformedf("ingestion: %s is not a directory", dir)
	}

	var (
		docs []rag.Document
		errs []error
	)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !slices.Contains(allowed, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		doc, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if rel, err := filepath.Rel(dir, path); err == nil {
			if parts := strings.Split(filepath.ToSlash(rel), "/"); len(parts) > 1 {
				doc.Metadata.Category = normalizeLabel(parts[0])
			}
		}
		docs = append(docs, doc)
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	return docs, errors.Join(errs...)
}

// LoadText wraps inline text as a document. An empty id is derived from
// source, or from the text itself when source is empty too.
func LoadText(id, source, text string, meta rag.Metadata) (rag.Document, error) {
	if strings.TrimSpace(text) == "" {
		return rag.Document{}, rag.Malformedf("ingestion: text is empty")
	}
	if source == "" {
		source = "inline"
	}
	if id == "" {
		key := source
		if source == "inline" {
			key = text
		}
		id = DocumentID(key)
	}
	return rag.Document{ID: id, Source: source, Text: text, Metadata: meta}, nil
}

func newFileDocument(path, text string, info fs.FileInfo) rag.Document {
	source := filepath.ToSlash(path)
	inferred := InferMetadata(path)
	id := path
	if abs, err := filepath.Abs(path); err == nil {
		id = abs
	}
	return rag.Document{
		ID:     DocumentID(filepath.ToSlash(id)),
		Source: source,
		Text:   text,
		Metadata: rag.Metadata{
			Category:  inferred.Category,
			Domain:    inferred.Domain,
			Timestamp: info.ModTime().UTC(),
			Extra:     map[string]string{"file_name": filepath.Base(path)},
		},
	}
}
