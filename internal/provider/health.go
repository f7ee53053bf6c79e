package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HealthChecker checks a backend without generating tokens.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// httpChecker issues a GET against a cheap listing endpoint of the backend.
type httpChecker struct {
	client  *http.Client
	url     string
	headers map[string]string
}

// NewHealthCheck returns a zero-token checker for the configured backend, or
// nil when the backend exposes no listing endpoint (Ark). Callers fall back
// to a generate check on nil.
func NewHealthCheck(cfg *Config, client *http.Client) HealthChecker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	switch cfg.Backend {
	case BackendOllama:
		return &httpChecker{
			client: client,
			url:    strings.TrimRight(cfg.Ollama.Host, "/") + "/api/tags",
		}
	case BackendOpenAI:
		base := cfg.OpenAI.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		return &httpChecker{
			client:  client,
			url:     strings.TrimRight(base, "/") + "/models",
			headers: map[string]string{"Authorization": "Bearer " + cfg.OpenAI.APIKey},
		}
	case BackendAzure:
		az := cfg.AzureOpenAI
		return &httpChecker{
			client:  client,
			url:     strings.TrimRight(az.Endpoint, "/") + "/openai/models?api-version=" + url.QueryEscape(az.APIVersion),
			headers: map[string]string{"api-key": az.APIKey},
		}
	case BackendGemini:
		return &httpChecker{
			client:  client,
			url:     "https://generativelanguage.googleapis.com/v1beta/models?pageSize=1",
			headers: map[string]string{"x-goog-api-key": cfg.Gemini.APIKey},
		}
	}
	return nil
}

// HealthCheck returns nil on a 2xx response.
func (h *httpChecker) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("provider: build health request: %w", err)
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider: health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}
