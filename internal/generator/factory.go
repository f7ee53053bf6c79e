package generator

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragkit-go/internal/provider"
	"github.com/54b3r/ragkit-go/internal/retry"
)

// OptionsFromEnv reads GENERATION_TIMEOUT and GENERATION_MAX_ATTEMPTS.
func OptionsFromEnv(reg prometheus.Registerer) Options {
	opts := Options{Retry: retry.Default, Timeout: DefaultTimeout, Registerer: reg}
	if v := os.Getenv("GENERATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			opts.Timeout = d
		}
	}
	if v := os.Getenv("GENERATION_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Retry.MaxAttempts = n
		}
	}
	return opts
}

// NewFromEnv builds the chat model from provider.FromEnv and wraps it.
// handlers observe every call, e.g. the Langfuse tracer.
func NewFromEnv(ctx context.Context, reg prometheus.Registerer, handlers ...callbacks.Handler) (*Generator, *provider.Config, error) {
	m, cfg, err := provider.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, err
	}
	opts := OptionsFromEnv(reg)
	opts.Handlers = handlers
	g, err := New(m, string(cfg.Backend)+"/"+cfg.ModelName(), opts)
	if err != nil {
		return nil, nil, err
	}
	return g, cfg, nil
}
