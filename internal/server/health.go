package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ragkit-go/internal/logging"
)

// pingTimeout bounds each dependency check during a readiness check.
const pingTimeout = 5 * time.Second

// Pinger reports whether one dependency is reachable. Implementations must
// be safe to call from multiple goroutines.
type Pinger interface {
	// Ping returns nil when the dependency answered within ctx.
	Ping(ctx context.Context) error

	// Name is the label used in readiness responses and the dependency_up
	// metric (e.g. "sqlite", "qdrant", "ollama").
	Name() string
}

// readyCheck is the result of probing one dependency.
type readyCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

// readyResponse is the JSON body returned by GET /api/ready.
type readyResponse struct {
	// Ready is true only when every check succeeded.
	Ready bool `json:"ready"`
	// Checks are in Pinger registration order.
	Checks []readyCheck `json:"checks"`
}

// handleHealth handles GET /api/health. It only reports that the process is
// serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles GET /api/ready. All pingers are checked concurrently,
// each under pingTimeout, so one slow dependency cannot hide another. The
// status is 200 when every check passed and 503 otherwise.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := s.runChecks(r.Context())

	resp := readyResponse{Ready: true, Checks: checks}
	for _, c := range checks {
		resp.Ready = resp.Ready && c.OK
	}
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// runChecks runs every pinger and records the outcome in the dependency_up gauge.
func (s *Server) runChecks(ctx context.Context) []readyCheck {
	log := logging.FromContext(ctx)
	checks := make([]readyCheck, len(s.pingers))

	var g errgroup.Group
	for i, p := range s.pingers {
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()

			start := time.Now()
			err := p.Ping(pingCtx)
			check := readyCheck{Name: p.Name(), OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}

			up := 1.0
			if err != nil {
				up = 0
				check.Error = err.Error()
				log.Warn("readiness check failed",
					slog.String("dependency", p.Name()),
					slog.Any("error", err),
				)
			}
			s.metrics.dependencyUp.WithLabelValues(p.Name()).Set(up)
			checks[i] = check
			return nil
		})
	}
	_ = g.Wait()
	return checks
}
