package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/54b3r/ragkit-go/internal/chunker"
	"github.com/54b3r/ragkit-go/internal/embedder"
	"github.com/54b3r/ragkit-go/internal/rag"
	"github.com/54b3r/ragkit-go/internal/store"
)

const testDim = 32

// bagEmbedder hashes words into a fixed-size count vector. Texts containing
// failWord are reported as failed in a *embedder.BatchError.
type bagEmbedder struct {
	failWord string
}

func (b *bagEmbedder) Model() string { return "bag-of-words" }

func (b *bagEmbedder) Embed(ctx context.Context, text string) (rag.Vector, error) {
	return b.vector(text), nil
}

func (b *bagEmbedder) EmbedMany(ctx context.Context, texts []string) ([]rag.Vector, error) {
	out := make([]rag.Vector, len(texts))
	var failed []int
	for i, t := range texts {
		if b.failWord != "" && strings.Contains(t, b.failWord) {
			failed = append(failed, i)
			continue
		}
		out[i] = b.vector(t)
	}
	if len(failed) > 0 {
		return out, &embedder.BatchError{
			Failed: failed,
			Err:    fmt.Errorf("embedder: backend down after 3 attempt(s): %w", rag.ErrRetrievalUnavailable),
		}
	}
	return out, nil
}

func (b *bagEmbedder) vector(text string) rag.Vector {
	v := make([]float32, testDim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,?!")))
		v[h.Sum32()%testDim]++
	}
	v[0] += 0.01 // never the zero vector
	return rag.Vector{Values: v, Model: b.Model()}
}

// recordingGenerator returns a canned reply and keeps the last prompt.
type recordingGenerator struct {
	mu    sync.Mutex
	reply string
	err   error
	last  []*schema.Message
	calls int
}

func (g *recordingGenerator) Generate(ctx context.Context, messages []*schema.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.last = messages
	return g.reply, g.err
}

func (g *recordingGenerator) lastPrompt() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var sb strings.Builder
	for _, m := range g.last {
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func newTestPipeline(t *testing.T, emb rag.Embedder, gen Generator, answers store.AnswerLog) (*Pipeline, *prometheus.Registry) {
	t.Helper()
	c, err := chunker.New(120, 20)
	if err != nil {
		t.Fatalf("chunker.New() error = %v", err)
	}
	reg := prometheus.NewRegistry()
	p, err := New(Deps{
		Chunker:   c,
		Embedder:  emb,
		Index:     rag.NewMemoryIndex(),
		Generator: gen,
		Answers:   answers,
	}, Config{TopK: 3, Registerer: reg})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, reg
}

const turbineDoc = `Turbine T-7 reported elevated vibration on the main bearing during the March inspection.

The maintenance crew replaced the bearing and vibration returned to nominal levels.

Substation S-2 transformer oil temperature stayed within limits all quarter.`

func TestIngestThenAsk(t *testing.T) {
	t.Parallel()

	gen := &recordingGenerator{reply: "The bearing was replaced [1]."}
	p, reg := newTestPipeline(t, &bagEmbedder{}, gen, nil)
	ctx := context.Background()

	report, err := p.Ingest(ctx, rag.Document{
		ID:       "maint-2024-03",
		Source:   "reports/maintenance.txt",
		Text:     turbineDoc,
		Metadata: rag.Metadata{Category: "equipment_health", Domain: "energy"},
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if report.Chunks < 2 || report.Upserted != report.Chunks {
		t.Fatalf("report = %+v, want every chunk upserted", report)
	}

	ans, err := p.Ask(ctx, rag.Query{Text: "what happened to the turbine bearing vibration?", Profile: "energy"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if ans.Text != gen.reply {
		t.Errorf("Answer.Text = %q, want generator reply verbatim", ans.Text)
	}
	if ans.NoContext || len(ans.Sources) == 0 {
		t.Fatalf("answer = %+v, want cited sources", ans)
	}
	for i, s := range ans.Sources {
		if s.Ref != i+1 {
			t.Errorf("Sources[%d].Ref = %d, want %d", i, s.Ref, i+1)
		}
		if s.DocumentID != "maint-2024-03" || s.Source != "reports/maintenance.txt" {
			t.Errorf("Sources[%d] = %+v", i, s)
		}
		if !strings.Contains(gen.lastPrompt(), s.Text) {
			t.Errorf("cited passage %d missing from the prompt sent to the model", s.Ref)
		}
	}
	if !strings.Contains(ans.Sources[0].Text, "bearing") {
		t.Errorf("top source = %q, want the bearing passage", ans.Sources[0].Text)
	}
	if got := metricValue(t, reg, "ragkit_pipeline_ingest_chunks_total", "upserted"); got != float64(report.Chunks) {
		t.Errorf("ingest_chunks_total{upserted} = %v, want %d", got, report.Chunks)
	}
	if got := histogramCount(t, reg, "ragkit_pipeline_ask_duration_seconds", "ok"); got != 1 {
		t.Errorf("ask_duration_seconds{ok} count = %d, want 1", got)
	}
}

func TestAsk_EmptyIndexUsesNoContextBranch(t *testing.T) {
	t.Parallel()

	gen := &recordingGenerator{reply: "I don't know."}
	p, _ := newTestPipeline(t, &bagEmbedder{}, gen, nil)

	ans, err := p.Ask(context.Background(), rag.Query{Text: "anything?"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if !ans.NoContext || len(ans.Sources) != 0 {
		t.Errorf("answer = %+v, want NoContext and no sources", ans)
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls)
	}
	if !strings.Contains(gen.lastPrompt(), "No relevant context") {
		t.Errorf("prompt does not carry the no-context line:\n%s", gen.lastPrompt())
	}
}

func TestIngest_ReplacesStaleChunks(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, &bagEmbedder{}, &recordingGenerator{}, nil)
	ctx := context.Background()

	long, err := p.Ingest(ctx, rag.Document{ID: "doc", Text: turbineDoc})
	if err != nil {
		t.Fatalf("Ingest(long) error = %v", err)
	}
	short, err := p.Ingest(ctx, rag.Document{ID: "doc", Text: "Turbine T-7 is healthy."})
	if err != nil {
		t.Fatalf("Ingest(short) error = %v", err)
	}
	if long.Chunks <= short.Chunks {
		t.Fatalf("chunks long=%d short=%d, want the re-ingest to shrink", long.Chunks, short.Chunks)
	}
	st, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Records != short.Chunks || st.Documents != 1 {
		t.Errorf("Stats() = %+v, want %d record(s) of one document", st, short.Chunks)
	}
}

func TestIngest_PartialFailure(t *testing.T) {
	t.Parallel()

	p, reg := newTestPipeline(t, &bagEmbedder{failWord: "Substation"}, &recordingGenerator{}, nil)
	ctx := context.Background()

	report, err := p.Ingest(ctx, rag.Document{ID: "doc", Text: turbineDoc})
	var ie *IngestError
	if !errors.As(err, &ie) {
		t.Fatalf("Ingest() error = %v, want *IngestError", err)
	}
	if !errors.Is(err, rag.ErrRetrievalUnavailable) {
		t.Errorf("Ingest() error does not wrap ErrRetrievalUnavailable: %v", err)
	}
	if report == nil || len(report.FailedChunks) == 0 {
		t.Fatalf("report = %+v, want failed chunks", report)
	}
	if report.Upserted != report.Chunks-len(report.FailedChunks) {
		t.Errorf("Upserted = %d, want %d", report.Upserted, report.Chunks-len(report.FailedChunks))
	}
	st, _ := p.Stats(ctx)
	if st.Records != report.Upserted {
		t.Errorf("index holds %d records, want %d", st.Records, report.Upserted)
	}
	if got := metricValue(t, reg, "ragkit_pipeline_ingest_chunks_total", "failed"); got != float64(len(report.FailedChunks)) {
		t.Errorf("ingest_chunks_total{failed} = %v", got)
	}
}

func TestRetryChunks_CompletesPartialIngest(t *testing.T) {
	t.Parallel()

	emb := &bagEmbedder{failWord: "Substation"}
	p, _ := newTestPipeline(t, emb, &recordingGenerator{}, nil)
	ctx := context.Background()
	doc := rag.Document{ID: "doc", Text: turbineDoc}

	first, err := p.Ingest(ctx, doc)
	if first == nil || len(first.FailedChunks) == 0 {
		t.Fatalf("Ingest() = %+v, %v, want a partial failure", first, err)
	}

	// Still failing: the indices come back unchanged.
	again, err := p.RetryChunks(ctx, doc, first.FailedChunks)
	var ie *IngestError
	if !errors.As(err, &ie) {
		t.Fatalf("RetryChunks() error = %v, want *IngestError", err)
	}
	if !slices.Equal(again.FailedChunks, first.FailedChunks) || again.Upserted != 0 {
		t.Errorf("retry report = %+v, want failed %v", again, first.FailedChunks)
	}

	emb.failWord = ""
	report, err := p.RetryChunks(ctx, doc, first.FailedChunks)
	if err != nil {
		t.Fatalf("RetryChunks() error = %v", err)
	}
	if report.Upserted != len(first.FailedChunks) || len(report.FailedChunks) != 0 {
		t.Errorf("retry report = %+v", report)
	}
	st, _ := p.Stats(ctx)
	if st.Records != first.Chunks || st.Documents != 1 {
		t.Errorf("Stats() = %+v, want all %d chunks of one document", st, first.Chunks)
	}

	// Retrying an indexed chunk overwrites it in place.
	if _, err := p.RetryChunks(ctx, doc, []int{0, 0}); err != nil {
		t.Fatalf("RetryChunks(0) error = %v", err)
	}
	if st, _ := p.Stats(ctx); st.Records != first.Chunks {
		t.Errorf("records after re-retry = %d, want %d", st.Records, first.Chunks)
	}
}

func TestRetryChunks_Validation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, &bagEmbedder{}, &recordingGenerator{}, nil)
	doc := rag.Document{ID: "doc", Text: turbineDoc}
	for name, indices := range map[string][]int{
		"none":         nil,
		"negative":     {-1},
		"out of range": {99},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := p.RetryChunks(context.Background(), doc, indices); !errors.Is(err, rag.ErrMalformedInput) {
				t.Errorf("RetryChunks(%v) error = %v, want ErrMalformedInput", indices, err)
			}
		})
	}
}

func TestIngest_Validation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, &bagEmbedder{}, &recordingGenerator{}, nil)
	tests := []struct {
		name string
		doc  rag.Document
	}{
		{"empty id", rag.Document{Text: "body"}},
		{"blank text", rag.Document{ID: "x", Text: " \r\n\t "}},
		{"bad tag", rag.Document{ID: "x", Text: "body", Metadata: rag.Metadata{Tags: []string{"a,b"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := p.Ingest(context.Background(), tc.doc); !errors.Is(err, rag.ErrMalformedInput) {
				t.Errorf("Ingest() error = %v, want ErrMalformedInput", err)
			}
		})
	}
}

func TestIngestAll_CollectsFailures(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, &bagEmbedder{failWord: "Substation"}, &recordingGenerator{}, nil)
	docs := []rag.Document{
		{ID: "ok", Text: "Turbine T-7 is healthy."},
		{ID: "empty", Text: ""},
		{ID: "partial", Text: turbineDoc},
	}
	out := p.IngestAll(context.Background(), docs)

	if out.Reports[0] == nil || out.Reports[0].Upserted != 1 {
		t.Errorf("Reports[0] = %+v, want one upserted chunk", out.Reports[0])
	}
	if len(out.Skipped) != 1 || out.Skipped[0] != "empty" {
		t.Errorf("Skipped = %v, want [empty]", out.Skipped)
	}
	if _, ok := out.Errors[2]; !ok || len(out.Errors) != 1 {
		t.Errorf("Errors = %v, want only index 2", out.Errors)
	}
	if !out.Failed() {
		t.Error("Failed() = false, want true")
	}
}

func TestAsk_StageErrors(t *testing.T) {
	t.Parallel()

	gen := &recordingGenerator{err: &rag.GenerationError{Kind: rag.KindRateLimited, Err: errors.New("429")}}
	p, _ := newTestPipeline(t, &bagEmbedder{}, gen, nil)
	ctx := context.Background()

	_, err := p.Ask(ctx, rag.Query{Text: "q"})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageGenerate {
		t.Fatalf("Ask() error = %v, want generate StageError", err)
	}
	if !errors.Is(err, rag.ErrGeneration) {
		t.Errorf("Ask() error does not match ErrGeneration")
	}

	_, err = p.Ask(ctx, rag.Query{Text: "q", Profile: "no-such-profile"})
	if !errors.As(err, &se) || se.Stage != StageAssemble {
		t.Fatalf("Ask() error = %v, want assemble StageError", err)
	}

	if _, err := p.Ask(ctx, rag.Query{Text: "   "}); !errors.Is(err, rag.ErrMalformedInput) {
		t.Errorf("Ask(blank) error = %v, want ErrMalformedInput", err)
	}
}

// failingRetriever always reports the index unreachable.
type failingRetriever struct{}

func (failingRetriever) Retrieve(context.Context, string, int, rag.Filter) ([]rag.Result, error) {
	return nil, fmt.Errorf("rag: vector search failed: %w", rag.ErrRetrievalUnavailable)
}

func TestAsk_RetrieveStageError(t *testing.T) {
	t.Parallel()

	gen := &recordingGenerator{reply: "unused"}
	p, err := New(Deps{
		Embedder:  &bagEmbedder{},
		Index:     rag.NewMemoryIndex(),
		Retriever: failingRetriever{},
		Generator: gen,
	}, Config{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = p.Ask(context.Background(), rag.Query{Text: "q"})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageRetrieve || !errors.Is(err, rag.ErrRetrievalUnavailable) {
		t.Fatalf("Ask() error = %v, want retrieve StageError wrapping ErrRetrievalUnavailable", err)
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d time(s) after retrieval failed", gen.calls)
	}
}

func TestAsk_AppendsAnswerLog(t *testing.T) {
	t.Parallel()

	log, err := store.OpenAnswerLog(filepath.Join(t.TempDir(), "answers.db"))
	if err != nil {
		t.Fatalf("OpenAnswerLog() error = %v", err)
	}
	defer log.Close()

	p, _ := newTestPipeline(t, &bagEmbedder{}, &recordingGenerator{reply: "42"}, log)
	if _, err := p.Ask(context.Background(), rag.Query{Text: "meaning of life?"}); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	entries, err := log.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Question != "meaning of life?" || entries[0].Answer.Text != "42" {
		t.Errorf("Recent() = %+v", entries)
	}
}

func TestAsk_SessionHistory(t *testing.T) {
	t.Parallel()

	convos, err := store.OpenConversations(filepath.Join(t.TempDir(), "conversations.db"))
	if err != nil {
		t.Fatalf("OpenConversations() error = %v", err)
	}
	defer convos.Close()

	gen := &recordingGenerator{reply: "Turbine T-7 had the vibration issue."}
	p, err := New(Deps{
		Embedder:      &bagEmbedder{},
		Index:         rag.NewMemoryIndex(),
		Generator:     gen,
		Conversations: convos,
	}, Config{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if _, err := p.Ingest(ctx, rag.Document{ID: "maint", Text: turbineDoc}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	if _, err := p.Ask(ctx, rag.Query{Text: "which turbine vibrated?", Session: "ops"}); err != nil {
		t.Fatalf("first Ask() error = %v", err)
	}
	if n := len(gen.last); n != 2 {
		t.Fatalf("first turn sent %d messages, want system and user only", n)
	}

	gen.reply = "The bearing was replaced."
	if _, err := p.Ask(ctx, rag.Query{Text: "what was done about it?", Session: "ops"}); err != nil {
		t.Fatalf("second Ask() error = %v", err)
	}
	if n := len(gen.last); n != 4 {
		t.Fatalf("second turn sent %d messages, want the first turn as history", n)
	}
	if gen.last[1].Role != schema.User || gen.last[1].Content != "which turbine vibrated?" {
		t.Errorf("history question = %+v", gen.last[1])
	}
	if gen.last[2].Role != schema.Assistant || gen.last[2].Content != "Turbine T-7 had the vibration issue." {
		t.Errorf("history answer = %+v", gen.last[2])
	}

	// Another session and session-less questions see no history.
	if _, err := p.Ask(ctx, rag.Query{Text: "which turbine vibrated?", Session: "audit"}); err != nil {
		t.Fatal(err)
	}
	if n := len(gen.last); n != 2 {
		t.Errorf("other session sent %d messages, want 2", n)
	}
	if _, err := p.Ask(ctx, rag.Query{Text: "which turbine vibrated?"}); err != nil {
		t.Fatal(err)
	}
	if n := len(gen.last); n != 2 {
		t.Errorf("session-less question sent %d messages, want 2", n)
	}
	msgs, err := convos.Recent(ctx, "ops", 10)
	if err != nil || len(msgs) != 4 {
		t.Errorf("ops session holds %d messages (%v), want 4", len(msgs), err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(t, &bagEmbedder{}, &recordingGenerator{}, nil)
	ctx := context.Background()
	if _, err := p.Ingest(ctx, rag.Document{ID: "gone", Text: turbineDoc}); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if err := p.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if st, _ := p.Stats(ctx); st.Records != 0 {
		t.Errorf("Stats().Records = %d after delete, want 0", st.Records)
	}
	if err := p.Delete(ctx, ""); !errors.Is(err, rag.ErrMalformedInput) {
		t.Errorf("Delete(\"\") error = %v, want ErrMalformedInput", err)
	}
}

func TestNew_RequiresComponents(t *testing.T) {
	t.Parallel()

	if _, err := New(Deps{}, Config{}); !errors.Is(err, rag.ErrConfiguration) {
		t.Errorf("New(empty) error = %v, want ErrConfiguration", err)
	}
}

func TestAsk_WithoutGenerator(t *testing.T) {
	t.Parallel()

	p, err := New(Deps{Embedder: &bagEmbedder{}, Index: rag.NewMemoryIndex()}, Config{Registerer: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, err = p.Ask(context.Background(), rag.Query{Text: "anything"})
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageGenerate || !errors.Is(err, rag.ErrConfiguration) {
		t.Errorf("Ask() error = %v, want a generate-stage configuration error", err)
	}
}

// findMetric returns the series of name whose outcome label matches.
func findMetric(t *testing.T, reg *prometheus.Registry, name, outcome string) *dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return m
				}
			}
		}
	}
	return nil
}

func metricValue(t *testing.T, reg *prometheus.Registry, name, outcome string) float64 {
	t.Helper()
	return findMetric(t, reg, name, outcome).GetCounter().GetValue()
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name, outcome string) uint64 {
	t.Helper()
	return findMetric(t, reg, name, outcome).GetHistogram().GetSampleCount()
}
