package ingestion

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/54b3r/ragkit-go/internal/rag"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "outages", "grid.md")
	writeFile(t, path, "# Grid\n\nFeeder 12 tripped twice in June.")

	doc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if doc.Text != "# Grid\n\nFeeder 12 tripped twice in June." {
		t.Errorf("Text = %q", doc.Text)
	}
	if doc.Metadata.Category != "outages" {
		t.Errorf("Category = %q, want outages", doc.Metadata.Category)
	}
	if doc.Metadata.Timestamp.IsZero() {
		t.Error("Timestamp not set from the file mod time")
	}
	if doc.Metadata.Extra["file_name"] != "grid.md" {
		t.Errorf("Extra = %v", doc.Metadata.Extra)
	}
	again, _ := LoadFile(path)
	if again.ID != doc.ID {
		t.Error("document ID changed between loads of the same file")
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.txt")
	binary := filepath.Join(dir, "blob.txt")
	writeFile(t, empty, "  \n\t")
	writeFile(t, binary, string([]byte{0xff, 0xfe, 0x00, 0x81}))

	for _, p := range []string{empty, binary} {
		if _, err := LoadFile(p); !errors.Is(err, rag.ErrMalformedInput) {
			t.Errorf("LoadFile(%s) error = %v, want ErrMalformedInput", filepath.Base(p), err)
		}
	}
	if _, err := LoadFile(filepath.Join(dir, "missing.txt")); err == nil || errors.Is(err, rag.ErrMalformedInput) {
		t.Errorf("LoadFile(missing) error = %v, want a plain I/O error", err)
	}
}

func TestRenderCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		csv     string
		want    string
		wantErr bool
	}{
		{
			name: "rows become key value blocks",
			csv:  "address,price,bedrooms\n12 Elm St,450000,3\n9 Oak Ave,,2\n",
			want: "address: 12 Elm St\nprice: 450000\nbedrooms: 3\n\naddress: 9 Oak Ave\nbedrooms: 2",
		},
		{
			name: "bom and extra columns",
			csv:  "\ufeffteam,score\nLions,21,overtime\n",
			want: "team: Lions\nscore: 21\ncolumn_3: overtime",
		},
		{
			name:    "header only",
			csv:     "a,b\n",
			wantErr: true,
		},
		{
			name:    "empty",
			csv:     "",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := renderCSV(strings.NewReader(tc.csv))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("renderCSV() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("renderCSV() error = %v", err)
			}
			if got != tc.want {
				t.Errorf("renderCSV() =\n%q\nwant\n%q", got, tc.want)
			}
		})
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "readme.txt"), "top level notes")
	writeFile(t, filepath.Join(root, "equipment_health", "t7.txt"), "Turbine T-7 vibration normal.")
	writeFile(t, filepath.Join(root, "Grid Outages", "2024", "june.md"), "Feeder 12 tripped.")
	writeFile(t, filepath.Join(root, "listings", "homes.csv"), "address,price\n1 Main,100\n")
	writeFile(t, filepath.Join(root, "images", "plot.png"), "not text")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main")
	writeFile(t, filepath.Join(root, "equipment_health", "empty.txt"), "")

	docs, err := LoadDir(root, nil)
	if err == nil || !errors.Is(err, rag.ErrMalformedInput) {
		t.Errorf("LoadDir() error = %v, want the empty file reported", err)
	}

	got := map[string]string{}
	for _, d := range docs {
		rel, _ := filepath.Rel(root, filepath.FromSlash(d.Source))
		got[filepath.ToSlash(rel)] = d.Metadata.Category
	}
	want := map[string]string{
		"equipment_health/t7.txt":   "equipment_health",
		"Grid Outages/2024/june.md": "grid_outages",
		"listings/homes.csv":        "listings",
	}
	for path, cat := range want {
		if got[path] != cat {
			t.Errorf("category of %s = %q, want %q", path, got[path], cat)
		}
	}
	if _, ok := got["readme.txt"]; !ok {
		t.Error("top-level readme.txt not loaded")
	}
	keys := make([]string, 0, len(got))
	for k := range got {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(got) != 4 {
		t.Errorf("loaded %v, want 4 documents", keys)
	}
}

func TestLoadDir_Extensions(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "alpha")
	writeFile(t, filepath.Join(root, "b.md"), "beta")

	docs, err := LoadDir(root, []string{"md"})
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(docs) != 1 || filepath.Base(docs[0].Source) != "b.md" {
		t.Errorf("LoadDir(md) = %+v, want only b.md", docs)
	}
	if _, err := LoadDir(filepath.Join(root, "a.txt"), nil); !errors.Is(err, rag.ErrMalformedInput) {
		t.Errorf("LoadDir(file) error = %v, want ErrMalformedInput", err)
	}
}

func TestLoadText(t *testing.T) {
	t.Parallel()

	doc, err := LoadText("", "", "some inline text", rag.Metadata{Category: "notes"})
	if err != nil {
		t.Fatalf("LoadText() error = %v", err)
	}
	if doc.ID == "" || doc.Source != "inline" || doc.Metadata.Category != "notes" {
		t.Errorf("LoadText() = %+v", doc)
	}
	if _, err := LoadText("x", "", " ", rag.Metadata{}); !errors.Is(err, rag.ErrMalformedInput) {
		t.Errorf("LoadText(blank) error = %v, want ErrMalformedInput", err)
	}
}

func TestFetch_HTML(t *testing.T) {
	t.Parallel()

	const page = `<!DOCTYPE html>
<html><head><title>Q3 Earnings</title><script>var x = 1;</script></head>
<body>
<nav><a href="/">Home</a> | <a href="/about">About</a></nav>
<main><h1>Quarterly results</h1><p>Revenue grew <strong>12%</strong> year over year.</p></main>
<footer>Copyright</footer>
</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("request sent without a User-Agent")
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	url := srv.URL + "/finance/reports/q3"
	doc, err := NewFetcher(0).Fetch(context.Background(), url)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !strings.Contains(doc.Text, "Revenue grew **12%** year over year.") {
		t.Errorf("Text = %q, want the main content as Markdown", doc.Text)
	}
	for _, junk := range []string{"var x", "Home", "Copyright"} {
		if strings.Contains(doc.Text, junk) {
			t.Errorf("Text contains boilerplate %q: %q", junk, doc.Text)
		}
	}
	if doc.Metadata.Extra["title"] != "Q3 Earnings" {
		t.Errorf("title = %q", doc.Metadata.Extra["title"])
	}
	if doc.Source != url || doc.ID != DocumentID(url) {
		t.Errorf("Source/ID = %q/%q", doc.Source, doc.ID)
	}
	if doc.Metadata.Domain != "finance" || doc.Metadata.Category != "reports" {
		t.Errorf("Metadata = %+v", doc.Metadata)
	}
}

func TestFetch_PlainTextAndErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/notes.txt":
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte("plain <b>not html</b> notes"))
		case "/empty":
			w.Header().Set("Content-Type", "text/plain")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(0)
	doc, err := f.Fetch(context.Background(), srv.URL+"/notes.txt")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if doc.Text != "plain <b>not html</b> notes" {
		t.Errorf("Text = %q, want the body untouched", doc.Text)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/empty"); !errors.Is(err, rag.ErrMalformedInput) {
		t.Errorf("Fetch(empty) error = %v, want ErrMalformedInput", err)
	}
	if _, err := f.Fetch(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("Fetch(404) expected error")
	}
}
