package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values shared across registrations.
const (
	// labelHandler is the "handler" label value used to partition metrics by
	// the route pattern rather than the raw URL path.
	labelHandler = "handler"

	// unmatchedHandler labels requests no route matched, keeping the label
	// set bounded.
	unmatchedHandler = "unmatched"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// askRequestsTotal counts completed /api/ask requests, partitioned by
	// outcome: "ok", a generation failure kind, or "<stage>_error".
	askRequestsTotal *prometheus.CounterVec

	// askDurationSeconds records the wall-clock duration of each /api/ask
	// request.
	askDurationSeconds *prometheus.HistogramVec

	// ingestDocumentsTotal counts documents received on /api/ingest by
	// outcome: "ok", "partial" or "error".
	ingestDocumentsTotal *prometheus.CounterVec

	// inFlight is the number of requests currently being served.
	inFlight prometheus.Gauge

	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, route pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec

	// rejectedTotal counts requests turned away before reaching a handler,
	// by reason: missing_token, invalid_token or rate_limited.
	rejectedTotal *prometheus.CounterVec

	// dependencyUp is 1 when the last readiness check of a dependency
	// succeeded and 0 otherwise.
	dependencyUp *prometheus.GaugeVec
}

// newServerMetrics registers all server metrics against reg.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		askRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "ask",
			Name:      "requests_total",
			Help:      "Total number of /api/ask requests completed, partitioned by outcome.",
		}, []string{"outcome"}),

		askDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragkit",
			Subsystem: "ask",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of /api/ask requests.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),

		ingestDocumentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Documents received on /api/ingest, partitioned by outcome.",
		}, []string{"outcome"}),

		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ragkit",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of HTTP requests currently being served.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ragkit",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),

		rejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "http",
			Name:      "rejected_requests_total",
			Help:      "Requests rejected by authentication or rate limiting, partitioned by reason.",
		}, []string{"reason"}),

		dependencyUp: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ragkit",
			Subsystem: "ready",
			Name:      "dependency_up",
			Help:      "Result of the last readiness check per dependency (1 = reachable).",
		}, []string{"dependency"}),
	}
}

// instrument wraps the mux. It must sit directly around the mux so the
// route pattern the mux records on the request is visible afterwards.
func (m *serverMetrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		handler := r.Pattern
		if handler == "" {
			handler = unmatchedHandler
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, handler, strconv.Itoa(sw.code())).Inc()
		m.httpDurationSeconds.WithLabelValues(r.Method, handler).Observe(time.Since(start).Seconds())
	})
}
