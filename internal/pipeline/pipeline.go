// Package pipeline wires the chunker, embedder, vector index, prompt
// assembler and generator into the two user-facing flows: ingesting
// documents and answering questions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragkit-go/internal/chunker"
	"github.com/54b3r/ragkit-go/internal/embedder"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/prompt"
	"github.com/54b3r/ragkit-go/internal/rag"
	"github.com/54b3r/ragkit-go/internal/store"
)

// DefaultHistoryTurns is the number of earlier turns offered per question.
const DefaultHistoryTurns = 4

// Generator produces an answer from assembled messages.
type Generator interface {
	Generate(ctx context.Context, messages []*schema.Message) (string, error)
}

// Deps are the components a Pipeline orchestrates. Retriever is optional and
// defaults to a rag.DefaultRetriever over Embedder and Index. Answers and
// Conversations are optional. Generator may be nil for ingest-only use; Ask
// then fails at the generate stage.
type Deps struct {
	Chunker   *chunker.Chunker
	Embedder  rag.Embedder
	Index     rag.VectorIndex
	Retriever rag.Retriever
	Assembler *prompt.Assembler
	Generator Generator
	Answers   store.AnswerLog

	Conversations store.ConversationStore
}

// Config tunes a Pipeline.
type Config struct {
	// TopK is the default number of passages retrieved per question.
	TopK int
	// MinScore drops retrieved passages below this similarity. Zero keeps all.
	MinScore float32
	// IngestConcurrency bounds parallel documents in IngestAll. Defaults to 1.
	IngestConcurrency int
	// HistoryTurns is how many earlier question/answer pairs of a session
	// are offered to the assembler. Defaults to DefaultHistoryTurns.
	HistoryTurns int
	// Registerer receives the pipeline metrics. Nil means the default registry.
	Registerer prometheus.Registerer
}

// IngestReport summarises one ingested document.
type IngestReport struct {
	DocumentID   string `json:"documentId"`
	Chunks       int    `json:"chunks"`
	Upserted     int    `json:"upserted"`
	FailedChunks []int  `json:"failedChunks,omitempty"`
}

// BatchReport summarises IngestAll. Reports and Errors are keyed by the
// document's position in the input.
type BatchReport struct {
	Reports []*IngestReport
	Errors  map[int]error
	Skipped []string
}

// Failed reports whether any document returned an error.
func (b BatchReport) Failed() bool { return len(b.Errors) > 0 }

type pipelineMetrics struct {
	// ingestChunks counts chunks by outcome: "upserted", "failed".
	ingestChunks *prometheus.CounterVec
	// askDuration records end-to-end Ask latency by outcome.
	askDuration *prometheus.HistogramVec
	// retrieved records the number of passages retrieved per question.
	retrieved prometheus.Histogram
}

func newPipelineMetrics(reg prometheus.Registerer) *pipelineMetrics {
	factory := promauto.With(reg)
	return &pipelineMetrics{
		ingestChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "pipeline",
			Name:      "ingest_chunks_total",
			Help:      "Chunks processed during ingestion, partitioned by outcome.",
		}, []string{"outcome"}),
		askDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragkit",
			Subsystem: "pipeline",
			Name:      "ask_duration_seconds",
			Help:      "End-to-end question answering latency, partitioned by outcome.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		retrieved: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragkit",
			Subsystem: "pipeline",
			Name:      "retrieved_passages",
			Help:      "Passages returned by retrieval per question.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		}),
	}
}

// Pipeline is the orchestrator. It is safe for concurrent use.
type Pipeline struct {
	chunker   *chunker.Chunker
	embedder  rag.Embedder
	index     rag.VectorIndex
	retriever rag.Retriever
	assembler *prompt.Assembler
	generator Generator
	answers   store.AnswerLog
	convos    store.ConversationStore
	cfg       Config
	metrics   *pipelineMetrics
}

// New validates deps and returns a Pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Embedder == nil:
		return nil, rag.Configf("pipeline: embedder must not be nil")
	case deps.Index == nil:
		return nil, rag.Configf("pipeline: index must not be nil")
	}
	if deps.Chunker == nil {
		c, err := chunker.New(chunker.DefaultSize, chunker.DefaultOverlap)
		if err != nil {
			return nil, err
		}
		deps.Chunker = c
	}
	if deps.Assembler == nil {
		deps.Assembler = prompt.New(0, nil)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = rag.DefaultTopK
	}
	if cfg.IngestConcurrency <= 0 {
		cfg.IngestConcurrency = 1
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if deps.Retriever == nil {
		r, err := rag.NewRetriever(deps.Embedder, deps.Index, cfg.TopK, rag.WithMinScore(cfg.MinScore))
		if err != nil {
			return nil, err
		}
		deps.Retriever = r
	}
	return &Pipeline{
		chunker:   deps.Chunker,
		embedder:  deps.Embedder,
		index:     deps.Index,
		retriever: deps.Retriever,
		assembler: deps.Assembler,
		generator: deps.Generator,
		answers:   deps.Answers,
		convos:    deps.Conversations,
		cfg:       cfg,
		metrics:   newPipelineMetrics(cfg.Registerer),
	}, nil
}

// Index returns the vector index the pipeline writes to.
func (p *Pipeline) Index() rag.VectorIndex { return p.index }

// Profiles returns the instruction profile registry.
func (p *Pipeline) Profiles() *prompt.Profiles { return p.assembler.Profiles() }

// Ingest chunks, embeds and indexes doc, replacing any previous version. When
// some chunks fail to embed, the rest are still indexed and an *IngestError
// lists the failed chunk indices alongside the report. A document whose
// chunks all fail leaves the index untouched.
func (p *Pipeline) Ingest(ctx context.Context, doc rag.Document) (*IngestReport, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).With(slog.String("doc_id", doc.ID))

	chunks := p.chunker.All(doc)
	report := &IngestReport{DocumentID: doc.ID, Chunks: len(chunks)}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := p.embedder.EmbedMany(ctx, texts)
	var batchErr *embedder.BatchError
	switch {
	case err == nil:
	case errors.As(err, &batchErr):
		report.FailedChunks = batchErr.Failed
	default:
		return nil, fmt.Errorf("pipeline: embed %s: %w", doc.ID, err)
	}

	failed := make(map[int]bool, len(report.FailedChunks))
	for _, i := range report.FailedChunks {
		failed[i] = true
	}
	records := make([]rag.Record, 0, len(chunks)-len(failed))
	for i, c := range chunks {
		if !failed[i] {
			records = append(records, rag.NewRecord(c, vectors[i]))
		}
	}

	if len(records) > 0 {
		if err := p.index.ReplaceDocument(ctx, doc.ID, records); err != nil {
			return nil, fmt.Errorf("pipeline: index %s: %w", doc.ID, err)
		}
	}
	report.Upserted = len(records)
	p.metrics.ingestChunks.WithLabelValues("upserted").Add(float64(report.Upserted))

	if batchErr != nil {
		p.metrics.ingestChunks.WithLabelValues("failed").Add(float64(len(report.FailedChunks)))
		log.Warn("pipeline: ingest incomplete",
			slog.Int("chunks", report.Chunks),
			slog.Int("upserted", report.Upserted),
			slog.Any("failed", report.FailedChunks),
		)
		return report, &IngestError{DocumentID: doc.ID, Failed: report.FailedChunks, Err: batchErr.Err}
	}
	log.Info("pipeline: ingested",
		slog.String("source", doc.Source),
		slog.Int("chunks", report.Chunks),
	)
	return report, nil
}

// RetryChunks re-embeds only the listed chunk indices of doc and upserts them
// next to the chunks already indexed. doc must be the same text and metadata
// as the original ingest, so chunking yields the same IDs. Nothing is deleted.
// Indices that fail again are reported through an *IngestError.
func (p *Pipeline) RetryChunks(ctx context.Context, doc rag.Document, indices []int) (*IngestReport, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, rag.Malformedf("pipeline: no chunk indices to retry for %s", doc.ID)
	}
	log := logging.FromContext(ctx).With(slog.String("doc_id", doc.ID))

	chunks := p.chunker.All(doc)
	wanted := slices.Clone(indices)
	slices.Sort(wanted)
	wanted = slices.Compact(wanted)
	for _, i := range wanted {
		if i < 0 || i >= len(chunks) {
			return nil, rag.Malformedf("pipeline: chunk %d out of range for %s (%d chunks)", i, doc.ID, len(chunks))
		}
	}

	report := &IngestReport{DocumentID: doc.ID, Chunks: len(chunks)}
	texts := make([]string, len(wanted))
	for j, i := range wanted {
		texts[j] = chunks[i].Text
	}
	vectors, err := p.embedder.EmbedMany(ctx, texts)
	var batchErr *embedder.BatchError
	switch {
	case err == nil:
	case errors.As(err, &batchErr):
		for _, j := range batchErr.Failed {
			report.FailedChunks = append(report.FailedChunks, wanted[j])
		}
	default:
		return nil, fmt.Errorf("pipeline: embed %s: %w", doc.ID, err)
	}

	failed := make(map[int]bool, len(report.FailedChunks))
	for _, i := range report.FailedChunks {
		failed[i] = true
	}
	records := make([]rag.Record, 0, len(wanted)-len(failed))
	for j, i := range wanted {
		if !failed[i] {
			records = append(records, rag.NewRecord(chunks[i], vectors[j]))
		}
	}
	if len(records) > 0 {
		if err := p.index.Upsert(ctx, records); err != nil {
			return nil, fmt.Errorf("pipeline: index %s: %w", doc.ID, err)
		}
	}
	report.Upserted = len(records)
	p.metrics.ingestChunks.WithLabelValues("upserted").Add(float64(report.Upserted))

	if batchErr != nil {
		p.metrics.ingestChunks.WithLabelValues("failed").Add(float64(len(report.FailedChunks)))
		log.Warn("pipeline: retry incomplete",
			slog.Int("retried", len(wanted)),
			slog.Int("upserted", report.Upserted),
			slog.Any("failed", report.FailedChunks),
		)
		return report, &IngestError{DocumentID: doc.ID, Failed: report.FailedChunks, Err: batchErr.Err}
	}
	log.Info("pipeline: retried chunks", slog.Any("chunks", wanted))
	return report, nil
}

// IngestAll ingests docs with up to IngestConcurrency in flight. Failures
// are collected per document and never abort the batch. Malformed documents
// are skipped with a warning.
func (p *Pipeline) IngestAll(ctx context.Context, docs []rag.Document) BatchReport {
	out := BatchReport{
		Reports: make([]*IngestReport, len(docs)),
		Errors:  make(map[int]error),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.IngestConcurrency)
	for i, doc := range docs {
		g.Go(func() error {
			report, err := p.Ingest(gctx, doc)
			mu.Lock()
			defer mu.Unlock()
			out.Reports[i] = report
			if err == nil {
				return nil
			}
			if errors.Is(err, rag.ErrMalformedInput) && report == nil {
				logging.FromContext(ctx).Warn("pipeline: skipping document",
					slog.String("doc_id", doc.ID),
					slog.String("source", doc.Source),
					slog.String("error", err.Error()),
				)
				out.Skipped = append(out.Skipped, doc.ID)
				return nil
			}
			out.Errors[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Ask retrieves passages for q, assembles a prompt and generates an answer.
// An empty index still yields an answer through the no-context branch.
// Stage failures are returned as *StageError.
func (p *Pipeline) Ask(ctx context.Context, q rag.Query) (*rag.Answer, error) {
	start := time.Now()
	answer, err := p.ask(ctx, q)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var se *StageError
		if errors.As(err, &se) {
			outcome = string(se.Stage) + "_error"
		}
	}
	elapsed := time.Since(start)
	p.metrics.askDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if err != nil {
		return nil, err
	}

	if p.answers != nil {
		if err := p.answers.Append(ctx, q.Text, *answer, elapsed); err != nil {
			logging.FromContext(ctx).Warn("pipeline: answer log append failed", slog.String("error", err.Error()))
		}
	}
	if p.convos != nil && q.Session != "" {
		if err := p.convos.AppendTurn(ctx, q.Session, q.Text, answer.Text); err != nil {
			logging.FromContext(ctx).Warn("pipeline: conversation append failed",
				slog.String("session", q.Session),
				slog.String("error", err.Error()),
			)
		}
	}
	return answer, nil
}

func (p *Pipeline) ask(ctx context.Context, q rag.Query) (*rag.Answer, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, rag.Malformedf("pipeline: question must not be empty")
	}
	log := logging.FromContext(ctx)

	results, err := p.retriever.Retrieve(ctx, q.Text, q.TopK, q.Filter)
	if err != nil {
		return nil, &StageError{Stage: StageRetrieve, Err: err}
	}
	p.metrics.retrieved.Observe(float64(len(results)))

	history, err := p.history(ctx, q.Session)
	if err != nil {
		return nil, &StageError{Stage: StageAssemble, Err: err}
	}
	pr, err := p.assembler.Assemble(ctx, q.Text, results, q.Profile, history...)
	if err != nil {
		return nil, &StageError{Stage: StageAssemble, Err: err}
	}
	if len(pr.Dropped) > 0 {
		log.Info("pipeline: passages dropped by context budget",
			slog.Any("dropped", pr.Dropped),
			slog.Int("budget", p.assembler.Budget()),
		)
	}

	if p.generator == nil {
		return nil, &StageError{Stage: StageGenerate, Err: rag.Configf("pipeline: no generator configured")}
	}
	text, err := p.generator.Generate(ctx, pr.Messages)
	if err != nil {
		return nil, &StageError{Stage: StageGenerate, Err: err}
	}

	return &rag.Answer{
		Text:      text,
		Sources:   pr.Sources,
		NoContext: pr.NoContext,
		Profile:   pr.Profile,
	}, nil
}

// history loads the recent turns of session as chat messages.
func (p *Pipeline) history(ctx context.Context, session string) ([]*schema.Message, error) {
	if p.convos == nil || session == "" {
		return nil, nil
	}
	msgs, err := p.convos.Recent(ctx, session, 2*p.cfg.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load session %s: %w", session, err)
	}
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == store.RoleAssistant {
			out = append(out, schema.AssistantMessage(m.Content, nil))
		} else {
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out, nil
}

// Delete removes every record of docID.
func (p *Pipeline) Delete(ctx context.Context, docID string) error {
	if strings.TrimSpace(docID) == "" {
		return rag.Malformedf("pipeline: document id must not be empty")
	}
	if err := p.index.Delete(ctx, docID); err != nil {
		return fmt.Errorf("pipeline: delete %s: %w", docID, err)
	}
	logging.FromContext(ctx).Info("pipeline: deleted", slog.String("doc_id", docID))
	return nil
}

// Stats passes through to the index.
func (p *Pipeline) Stats(ctx context.Context) (rag.IndexStats, error) {
	return p.index.Stats(ctx)
}

// validateDocument rejects documents that cannot produce a chunk.
func validateDocument(doc rag.Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return rag.Malformedf("pipeline: document id must not be empty")
	}
	if chunker.Normalize(doc.Text) == "" {
		return rag.Malformedf("pipeline: document %s has no text", doc.ID)
	}
	if err := doc.Metadata.Validate(); err != nil {
		return fmt.Errorf("pipeline: document %s: %w", doc.ID, err)
	}
	return nil
}
