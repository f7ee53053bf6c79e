// Package server implements the HTTP API that exposes the RAG pipeline.
// The server is started by the `ragkit serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ragkit-go/internal/ingestion"
	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/pipeline"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// Request body limits.
const (
	maxAskBody    = 64 << 10
	maxIngestBody = 16 << 20
)

// New constructs a Server from the provided pipeline service and config.
func New(svc Service, cfg *Config) (*Server, error) {
	if svc == nil {
		return nil, rag.Configf("server: service must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.AskTimeout == 0 {
		cfg.AskTimeout = 2 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		// Must outlive the slowest ask, which includes generation retries.
		cfg.WriteTimeout = cfg.AskTimeout + 10*time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		svc:     svc,
		cfg:     cfg,
		log:     cfg.Logger,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: RAGKIT_API_KEY is not set, API authentication is disabled")
	}

	auth := newAPIKeyAuth(cfg.APIKey, s.metrics.rejectedTotal)
	limiter := newClientLimiter(cfg.RateLimit, cfg.RateBurst, s.metrics.rejectedTotal)

	protected := func(h http.HandlerFunc) http.Handler {
		return auth.wrap(h)
	}
	limited := func(h http.HandlerFunc) http.Handler {
		return auth.wrap(limiter.wrap(h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/ask", limited(s.handleAsk))
	mux.Handle("POST /api/ingest", limited(s.handleIngest))
	mux.Handle("DELETE /api/documents/{id}", protected(s.handleDelete))
	mux.Handle("GET /api/stats", protected(s.handleStats))
	mux.Handle("GET /api/profiles", protected(s.handleProfiles))
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	s.handler = requestLogger(s.log, s.metrics.instrument(mux))
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server: listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.log.Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleAsk handles POST /api/ask and returns the Answer as JSON.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeBody(w, r, maxAskBody, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r, rag.Malformedf("question is required"))
		return
	}
	if req.TopK < 0 {
		writeError(w, r, rag.Malformedf("topK must not be negative"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AskTimeout)
	defer cancel()

	start := time.Now()
	answer, err := s.svc.Ask(ctx, rag.Query{
		Text:    req.Question,
		Filter:  req.Filter,
		TopK:    req.TopK,
		Profile: req.Profile,
		Session: req.Session,
	})
	outcome := "ok"
	if err != nil {
		outcome = askOutcome(err)
	}
	s.metrics.askRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.askDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, answer)
}

// askOutcome labels a failed ask for metrics.
func askOutcome(err error) string {
	if kind := rag.GenerationKindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return string(se.Stage) + "_error"
	}
	return "error"
}

// handleIngest handles POST /api/ingest. A partially embedded document is
// reported with 200 and the failed chunk indices, which a follow-up request
// may list in retryChunks.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(w, r, maxIngestBody, &req); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := ingestion.LoadText(req.ID, req.Source, req.Text, req.Metadata)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var report *pipeline.IngestReport
	if len(req.RetryChunks) > 0 {
		report, err = s.svc.RetryChunks(r.Context(), doc, req.RetryChunks)
	} else {
		report, err = s.svc.Ingest(r.Context(), doc)
	}
	var ie *pipeline.IngestError
	switch {
	case err == nil:
		s.metrics.ingestDocumentsTotal.WithLabelValues("ok").Inc()
		writeJSON(w, r, http.StatusOK, ingestResponse{IngestReport: report})
	case report != nil && errors.As(err, &ie) && report.Upserted > 0:
		s.metrics.ingestDocumentsTotal.WithLabelValues("partial").Inc()
		writeJSON(w, r, http.StatusOK, ingestResponse{IngestReport: report, Error: err.Error()})
	default:
		s.metrics.ingestDocumentsTotal.WithLabelValues("error").Inc()
		writeError(w, r, err)
	}
}

// handleDelete handles DELETE /api/documents/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStats handles GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// handleProfiles handles GET /api/profiles.
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	list := s.svc.Profiles().List()
	out := make([]profileResponse, 0, len(list))
	for _, p := range list {
		out = append(out, profileResponse{Name: p.Name, Description: p.Description})
	}
	writeJSON(w, r, http.StatusOK, out)
}

// decodeBody reads a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return rag.Malformedf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return rag.Malformedf("invalid request body: %v", err)
	}
	return nil
}
