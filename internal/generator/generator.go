// Package generator sends an assembled prompt to a hosted chat model and
// returns the response verbatim. Failures are classified into
// *rag.GenerationError; rate limits and timeouts are retried with the shared
// backoff policy.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/rag"
	"github.com/54b3r/ragkit-go/internal/retry"
)

// DefaultTimeout bounds a single model call.
const DefaultTimeout = 60 * time.Second

// Options configures a Generator.
type Options struct {
	// Retry bounds attempts on rate-limited and timed-out calls.
	Retry retry.Policy
	// Timeout bounds each attempt. Zero means DefaultTimeout.
	Timeout time.Duration
	// Registerer receives the generator metrics. Nil means the default registry.
	Registerer prometheus.Registerer
	// Handlers observe every model call, e.g. the Langfuse tracer.
	Handlers []callbacks.Handler
}

// generatorMetrics holds the collectors owned by a Generator.
type generatorMetrics struct {
	// requestsTotal counts model calls by outcome: "ok" or a failure kind.
	requestsTotal *prometheus.CounterVec
	// durationSeconds records model call latency.
	durationSeconds prometheus.Histogram
}

func newGeneratorMetrics(reg prometheus.Registerer) *generatorMetrics {
	factory := promauto.With(reg)
	return &generatorMetrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ragkit",
			Subsystem: "generator",
			Name:      "requests_total",
			Help:      "Chat model calls, partitioned by outcome.",
		}, []string{"outcome"}),
		durationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ragkit",
			Subsystem: "generator",
			Name:      "duration_seconds",
			Help:      "Latency of chat model calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
	}
}

// Generator wraps a chat model with per-attempt timeouts, classification and
// bounded retries. It is safe for concurrent use if the model is.
type Generator struct {
	model   model.BaseChatModel
	name    string
	opts    Options
	metrics *generatorMetrics
}

// New constructs a Generator. name labels the model in logs.
func New(m model.BaseChatModel, name string, opts Options) (*Generator, error) {
	if m == nil {
		return nil, rag.Configf("generator: chat model must not be nil")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	return &Generator{
		model:   m,
		name:    name,
		opts:    opts,
		metrics: newGeneratorMetrics(opts.Registerer),
	}, nil
}

// Model returns the label the generator was constructed with.
func (g *Generator) Model() string { return g.name }

// ChatModel returns the wrapped model, e.g. for a readiness check.
func (g *Generator) ChatModel() model.BaseChatModel { return g.model }

// Generate sends messages to the model and returns the response text
// untouched. Every failure is a *rag.GenerationError unless ctx itself was
// cancelled.
func (g *Generator) Generate(ctx context.Context, messages []*schema.Message) (string, error) {
	if len(messages) == 0 {
		return "", rag.Malformedf("generator: no messages to send")
	}
	log := logging.FromContext(ctx)

	var text string
	attempts, err := retry.Do(ctx, g.opts.Retry, func(ctx context.Context, attempt int) error {
		out, err := g.call(ctx, messages)
		if err != nil {
			return err
		}
		text = out
		return nil
	}, func(err error) bool {
		var ge *rag.GenerationError
		return errors.As(err, &ge) && ge.Retryable()
	}, func(attempt int, err error, wait time.Duration) {
		log.Warn("generator: attempt failed, retrying",
			slog.String("model", g.name),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("generator: %w", ctx.Err())
		}
		log.Error("generator: failed",
			slog.String("model", g.name),
			slog.Int("attempts", attempts),
			slog.String("kind", string(rag.GenerationKindOf(err))),
		)
		return "", err
	}
	return text, nil
}

// call makes one bounded model call and classifies its failure.
func (g *Generator) call(ctx context.Context, messages []*schema.Message) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	if len(g.opts.Handlers) > 0 {
		callCtx = callbacks.InitCallbacks(callCtx, &callbacks.RunInfo{
			Name:      g.name,
			Type:      "Generator",
			Component: components.ComponentOfChatModel,
		}, g.opts.Handlers...)
	}

	start := time.Now()
	resp, err := g.model.Generate(callCtx, messages)
	g.metrics.durationSeconds.Observe(time.Since(start).Seconds())

	if err == nil && resp == nil {
		err = errors.New("model returned no message")
	}
	if err != nil {
		kind := KindOf(err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			kind = rag.KindTimeout
		}
		g.metrics.requestsTotal.WithLabelValues(string(kind)).Inc()
		return "", &rag.GenerationError{Kind: kind, Err: err}
	}

	finish := ""
	if resp.ResponseMeta != nil {
		finish = resp.ResponseMeta.FinishReason
	}
	switch finish {
	case "content_filter", "SAFETY", "safety":
		g.metrics.requestsTotal.WithLabelValues(string(rag.KindContentRejected)).Inc()
		return "", &rag.GenerationError{
			Kind: rag.KindContentRejected,
			Err:  fmt.Errorf("model stopped with finish_reason %q", finish),
		}
	case "length", "MAX_TOKENS":
		logging.FromContext(ctx).Warn("generator: response hit the token limit",
			slog.String("model", g.name),
			slog.Int("chars", len(resp.Content)),
		)
	}
	g.metrics.requestsTotal.WithLabelValues("ok").Inc()
	return resp.Content, nil
}

// KindOf classifies a provider error by status code and message. Providers
// wrap HTTP failures in plain strings, so classification is textual.
func KindOf(err error) rag.GenerationKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return rag.KindTimeout
	}
	msg := strings.ToLower(err.Error())
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}
	switch {
	case has("content_filter", "content policy", "content management policy", "safety", "blocked"):
		return rag.KindContentRejected
	case has("401", "403", "unauthorized", "unauthenticated", "invalid api key", "incorrect api key",
		"api key not valid", "permission denied", "permission_denied", "forbidden"):
		return rag.KindAuth
	case has("429", "rate limit", "ratelimit", "resource_exhausted", "quota", "too many requests"):
		return rag.KindRateLimited
	case has("timeout", "timed out", "deadline exceeded", "504", "503", "unavailable", "connection reset"):
		return rag.KindTimeout
	}
	return rag.KindUnknown
}
