package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/rag"
	"github.com/54b3r/ragkit-go/internal/retry"
)

// Defaults for Options.
const (
	DefaultBatchSize   = 64
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second
)

// Options configures a Resilient embedder. Zero values select defaults.
type Options struct {
	// Retry bounds the attempts per batch.
	Retry retry.Policy
	// Timeout is the deadline for one backend call.
	Timeout time.Duration
	// RequestsPerSecond limits backend calls. 0 disables limiting.
	RequestsPerSecond float64
	// Burst is the limiter bucket size. Defaults to 1.
	Burst int
	// BatchSize is the maximum number of texts per backend call.
	BatchSize int
	// Concurrency is the maximum number of batches in flight.
	Concurrency int
	// Dimension, when set, is the vector length every response must have.
	Dimension int
	// Registerer receives the embedder metrics. nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// BatchError reports the inputs of EmbedMany that have no vector. The
// vectors returned alongside it are valid at every other index.
type BatchError struct {
	// Failed lists the failed input indices in ascending order.
	Failed []int
	// Err is the cause of the first failed batch.
	Err error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("embedder: %d input(s) failed: %v", len(e.Failed), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// embedderMetrics holds the counters owned by a Resilient embedder.
type embedderMetrics struct {
	// requestsTotal counts backend calls by outcome: "ok", "error".
	requestsTotal *prometheus.CounterVec
	// retriesTotal counts attempts after the first.
	retriesTotal prometheus.Counter
	// durationSeconds records backend call latency.
	durationSeconds prometheus.Histogram
}

func newEmbedderMetrics(reg prometheus.Registerer) *embedderMetrics {
	factory := promauto.With(reg)
	return &embedderMetrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "embedder",
			Name:      "requests_total",
			Help:      "Embedding backend calls, partitioned by outcome.",
		}, []string{"outcome"}),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "embedder",
			Name:      "retries_total",
			Help:      "Embedding backend calls made after a failed attempt.",
		}),
		durationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragkit",
			Subsystem: "embedder",
			Name:      "duration_seconds",
			Help:      "Latency of embedding backend calls.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Resilient implements rag.Embedder on top of a Client. It is safe for
// concurrent use.
type Resilient struct {
	client  Client
	opts    Options
	limiter *rate.Limiter
	metrics *embedderMetrics
}

// NewResilient wraps client with rate limiting, per-call timeouts, bounded
// retries and batching.
func NewResilient(client Client, opts Options) (*Resilient, error) {
	if client == nil {
		return nil, rag.Configf("embedder: client must not be nil")
	}
	if strings.TrimSpace(client.Model()) == "" {
		return nil, rag.Configf("embedder: model name must not be empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Resilient{
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.Burst),
		metrics: newEmbedderMetrics(opts.Registerer),
	}, nil
}

// Model returns the backend model tagged on every vector.
func (r *Resilient) Model() string { return r.client.Model() }

// Embed converts a single text.
func (r *Resilient) Embed(ctx context.Context, text string) (rag.Vector, error) {
	vecs, err := r.EmbedMany(ctx, []string{text})
	if err != nil {
		var be *BatchError
		if errors.As(err, &be) {
			return rag.Vector{}, be.Err
		}
		return rag.Vector{}, err
	}
	return vecs[0], nil
}

// EmbedMany converts texts in batches. The result is parallel to texts.
// A batch that exhausts its retries yields a *BatchError wrapping
// rag.ErrRetrievalUnavailable; the other batches' vectors are still
// returned. Configuration failures, such as rejected credentials, abort
// the whole call.
func (r *Resilient) EmbedMany(ctx context.Context, texts []string) ([]rag.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, rag.Malformedf("embedder: text %d is empty", i)
		}
	}

	out := make([]rag.Vector, len(texts))
	var (
		mu       sync.Mutex
		failed   []int
		firstErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for start := 0; start < len(texts); start += r.opts.BatchSize {
		end := min(start+r.opts.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := r.embedBatch(gctx, texts[start:end])
			if err != nil {
				if errors.Is(err, rag.ErrConfiguration) {
					return err
				}
				mu.Lock()
				for i := start; i < end; i++ {
					failed = append(failed, i)
				}
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return nil
			}
			for i, v := range vecs {
				out[start+i] = v
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		slices.Sort(failed)
		return out, &BatchError{Failed: failed, Err: firstErr}
	}
	return out, nil
}

// embedBatch runs one backend call under the retry policy.
func (r *Resilient) embedBatch(ctx context.Context, texts []string) ([]rag.Vector, error) {
	log := logging.FromContext(ctx)
	var vecs []rag.Vector

	attempts, err := retry.Do(ctx, r.opts.Retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			r.metrics.retriesTotal.Inc()
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()

		start := time.Now()
		raw, err := r.client.EmbedBatch(callCtx, texts)
		r.metrics.durationSeconds.Observe(time.Since(start).Seconds())
		if err == nil {
			vecs, err = r.toVectors(raw, len(texts))
		}
		if err != nil {
			r.metrics.requestsTotal.WithLabelValues("error").Inc()
			return err
		}
		r.metrics.requestsTotal.WithLabelValues("ok").Inc()
		return nil
	}, func(err error) bool {
		return classify(ctx, err) == classTransient
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("embedder: call failed, retrying",
			slog.String("model", r.client.Model()),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	if err == nil {
		return vecs, nil
	}

	switch classify(ctx, err) {
	case classConfig:
		if errors.Is(err, rag.ErrConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("embedder: %w: %w", rag.ErrConfiguration, err)
	case classBadRequest:
		return nil, fmt.Errorf("embedder: %w: %w", rag.ErrMalformedInput, err)
	case classCanceled:
		return nil, fmt.Errorf("embedder: %w", err)
	}
	return nil, fmt.Errorf("embedder: %w after %d attempt(s): %w", rag.ErrRetrievalUnavailable, attempts, err)
}

// toVectors validates a backend response and tags each vector with the
// model. Empty, all-zero or wrongly sized vectors are rejected.
func (r *Resilient) toVectors(raw [][]float32, n int) ([]rag.Vector, error) {
	if len(raw) != n {
		return nil, fmt.Errorf("embedder: expected %d embeddings, got %d", n, len(raw))
	}
	model := r.client.Model()
	dim := r.opts.Dimension
	out := make([]rag.Vector, n)
	for i, values := range raw {
		if len(values) == 0 || isZero(values) {
			return nil, fmt.Errorf("embedder: embedding %d is empty", i)
		}
		if dim > 0 && len(values) != dim {
			return nil, rag.Configf("embedder: %s returned dimension %d, want %d", model, len(values), dim)
		}
		out[i] = rag.Vector{Values: values, Model: model}
	}
	return out, nil
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
