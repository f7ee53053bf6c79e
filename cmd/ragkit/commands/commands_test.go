package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// fakeOllama serves /api/embed with a small vector derived from each input.
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := make([][]float32, len(req.Input))
		for i, s := range req.Input {
			out[i] = []float32{float32(len(s)), 1, 0.5}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embeddings": out})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// setupEnv isolates a command run from the developer's shell and config.
func setupEnv(t *testing.T, embedURL string) string {
	t.Helper()
	home := t.TempDir()
	for k, v := range map[string]string{
		"HOME":                 home,
		"RAGKIT_CONFIG":        "",
		"MODEL_PROVIDER":       "ollama",
		"EMBEDDING_PROVIDER":   "ollama",
		"EMBEDDING_ENDPOINT":   embedURL,
		"EMBEDDING_DIMENSIONS": "",
		"VECTOR_STORE":         "sqlite",
		"VECTOR_STORE_PATH":    filepath.Join(home, "store"),
		"ANSWER_LOG_PATH":      "",
		"PROMPT_PROFILES_FILE": "",
		"LANGFUSE_PUBLIC_KEY":  "",
		"LOG_LEVEL":            "error",
	} {
		t.Setenv(k, v)
	}
	return home
}

// run executes the root command with args and returns its stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"ask", "delete", "history", "ingest", "profiles", "serve", "stats", "version"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered (err=%v)", name, err)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")

	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "ragkit ") {
		t.Errorf("version output = %q, want it to start with \"ragkit \"", out)
	}
}

func TestProfilesCmd(t *testing.T) {
	home := setupEnv(t, "http://127.0.0.1:1")

	path := filepath.Join(home, "profiles.yaml")
	yaml := `profiles:
  - name: terse
    description: One sentence answers
    user: "Context:\n{context}\n\nQuestion: {question}\nAnswer in one sentence."
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROMPT_PROFILES_FILE", path)

	out, err := run(t, "profiles")
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	for _, name := range []string{"default", "energy", "terse", "One sentence answers"} {
		if !strings.Contains(out, name) {
			t.Errorf("profiles output missing %q:\n%s", name, out)
		}
	}
}

func TestIngestStatsDelete(t *testing.T) {
	srv := fakeOllama(t)
	setupEnv(t, srv.URL)

	out, err := run(t, "ingest", "--text", "Turbine 7 vibration exceeded 12mm/s on the north site.",
		"--id", "t7-alert", "--category", "equipment_health", "--tag", "turbine")
	if err != nil {
		t.Fatalf("ingest: %v\n%s", err, out)
	}
	if !strings.Contains(out, "t7-alert") || !strings.Contains(out, "ingested 1 of 1 documents") {
		t.Errorf("ingest output = %q", out)
	}

	stats := func() rag.IndexStats {
		t.Helper()
		out, err := run(t, "stats", "--json")
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		var st rag.IndexStats
		if err := json.Unmarshal([]byte(out), &st); err != nil {
			t.Fatalf("decode stats %q: %v", out, err)
		}
		return st
	}

	st := stats()
	if st.Documents != 1 || st.Records != 1 || st.Dimension != 3 {
		t.Errorf("stats after ingest = %+v, want 1 document, 1 record, dimension 3", st)
	}
	if len(st.Categories) != 1 || st.Categories[0] != "equipment_health" {
		t.Errorf("stats categories = %v, want [equipment_health]", st.Categories)
	}

	// Retrying a chunk overwrites it without touching the document.
	out, err = run(t, "ingest", "--text", "Turbine 7 vibration exceeded 12mm/s on the north site.",
		"--id", "t7-alert", "--category", "equipment_health", "--tag", "turbine", "--retry-chunks", "0")
	if err != nil {
		t.Fatalf("ingest --retry-chunks: %v\n%s", err, out)
	}
	if !strings.Contains(out, "retried=1 upserted=1") {
		t.Errorf("retry output = %q", out)
	}
	if st := stats(); st.Documents != 1 || st.Records != 1 {
		t.Errorf("stats after retry = %+v, want 1 document, 1 record", st)
	}
	if _, err := run(t, "ingest", "--text", "x", "--id", "t7-alert", "--retry-chunks", "4"); err == nil {
		t.Error("retry of a chunk out of range succeeded")
	}

	// Re-ingesting the same ID replaces rather than duplicates.
	if _, err := run(t, "ingest", "--text", "Turbine 7 was inspected and cleared.", "--id", "t7-alert"); err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if st := stats(); st.Documents != 1 || st.Records != 1 {
		t.Errorf("stats after re-ingest = %+v, want 1 document, 1 record", st)
	}

	out, err = run(t, "delete", "t7-alert")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(out, "deleted t7-alert") {
		t.Errorf("delete output = %q", out)
	}
	if st := stats(); st.Documents != 0 || st.Records != 0 {
		t.Errorf("stats after delete = %+v, want an empty index", st)
	}
}

func TestIngestCmd_Dir(t *testing.T) {
	srv := fakeOllama(t)
	home := setupEnv(t, srv.URL)

	dir := filepath.Join(home, "data", "energy", "equipment_health")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{
		"t7.txt":    "Turbine 7 tripped twice.",
		"t9.md":     "# Turbine 9\nRunning normally.",
		"skip.json": `{"ignored": true}`,
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	out, err := run(t, "ingest", "--dir", filepath.Join(home, "data"))
	if err != nil {
		t.Fatalf("ingest --dir: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ingested 2 of 2 documents") {
		t.Errorf("ingest output = %q, want 2 documents", out)
	}
}

func TestIngestCmd_RequiresSource(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")

	_, err := run(t, "ingest")
	if err == nil || !strings.Contains(err.Error(), "--file") {
		t.Errorf("ingest without sources error = %v", err)
	}
}

func TestIngestCmd_EmbedderDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	setupEnv(t, srv.URL)
	t.Setenv("EMBEDDING_MAX_ATTEMPTS", "1")

	out, err := run(t, "ingest", "--text", "hello", "--id", "doc")
	if err == nil {
		t.Fatalf("ingest with failing embedder succeeded:\n%s", out)
	}
	if !strings.Contains(out, "error:") {
		t.Errorf("ingest output = %q, want a per-document error line", out)
	}
}

func TestAskCmd_MissingGenerationKey(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")
	t.Setenv("MODEL_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GENERATION_API_KEY", "")

	_, err := run(t, "ask", "anything?")
	if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Errorf("ask error = %v, want the missing key named", err)
	}
}

func TestHistoryCmd(t *testing.T) {
	home := setupEnv(t, "http://127.0.0.1:1")

	if _, err := run(t, "history"); err == nil {
		t.Error("history without ANSWER_LOG_PATH succeeded")
	}

	t.Setenv("ANSWER_LOG_PATH", filepath.Join(home, "answers.db"))
	out, err := run(t, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "no answers recorded") {
		t.Errorf("history output = %q", out)
	}
}

func TestMergeFilter(t *testing.T) {
	f, err := rag.ParseFilter([]string{"category=a", "site=north"})
	if err != nil {
		t.Fatal(err)
	}
	mergeFilter(&f, rag.Filter{Category: "b", Tags: []string{"x"}})
	if f.Category != "b" || f.Extra["site"] != "north" || len(f.Tags) != 1 {
		t.Errorf("merged filter = %+v", f)
	}
}
