package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragkit-go/internal/pipeline"
	"github.com/54b3r/ragkit-go/internal/prompt"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// AskTimeout bounds a whole ask request, retrieval and generation included.
	AskTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency checks run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on ask and
	// ingest (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server metrics. Nil means the default registry.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Nil means the default gatherer.
	MetricsGatherer prometheus.Gatherer
}

// Service is the pipeline surface the handlers call. *pipeline.Pipeline
// satisfies it; tests inject a fake.
type Service interface {
	Ask(ctx context.Context, q rag.Query) (*rag.Answer, error)
	Ingest(ctx context.Context, doc rag.Document) (*pipeline.IngestReport, error)
	RetryChunks(ctx context.Context, doc rag.Document, indices []int) (*pipeline.IngestReport, error)
	Delete(ctx context.Context, docID string) error
	Stats(ctx context.Context) (rag.IndexStats, error)
	Profiles() *prompt.Profiles
}

// Server is the HTTP server that exposes the RAG pipeline.
type Server struct {
	// svc answers and ingests.
	svc Service
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// handler is the full middleware chain, exposed to tests via Handler.
	handler http.Handler
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency checks for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors owned by this server.
	metrics *serverMetrics
}

// askRequest is the JSON body for POST /api/ask.
type askRequest struct {
	// Question is the natural language question.
	Question string `json:"question"`
	// Filter scopes retrieval, e.g. {"category": "equipment_health"}.
	Filter rag.Filter `json:"filter"`
	// TopK overrides the configured number of passages.
	TopK int `json:"topK,omitempty"`
	// Profile selects the instruction profile.
	Profile string `json:"profile,omitempty"`
	// Session groups turns of one conversation; earlier turns become history.
	Session string `json:"session,omitempty"`
}

// ingestRequest is the JSON body for POST /api/ingest.
type ingestRequest struct {
	// ID identifies the document. Derived from Source or Text when empty.
	ID string `json:"id,omitempty"`
	// Source is a display label such as a file name or URL.
	Source string `json:"source,omitempty"`
	// Text is the document body.
	Text string `json:"text"`
	// Metadata is attached to every chunk.
	Metadata rag.Metadata `json:"metadata"`
	// RetryChunks re-embeds only these chunk indices of an already ingested
	// document. ID, Text and Metadata must match the original request.
	RetryChunks []int `json:"retryChunks,omitempty"`
}

// ingestResponse is the JSON body returned by POST /api/ingest. Error is set
// when some chunks failed and the rest were indexed.
type ingestResponse struct {
	*pipeline.IngestReport
	Error string `json:"error,omitempty"`
}

// profileResponse describes one instruction profile for GET /api/profiles.
type profileResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	// Error is the human-readable failure.
	Error string `json:"error"`
	// Kind classifies generation failures (auth, rate_limited, ...).
	Kind string `json:"kind,omitempty"`
	// Stage names the ask stage that failed (retrieve, assemble, generate).
	Stage string `json:"stage,omitempty"`
}
