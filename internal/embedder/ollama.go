package embedder

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// OllamaConfig holds the settings for constructing an OllamaClient.
type OllamaConfig struct {
	// Host is the server base URL, e.g. "http://localhost:11434".
	Host string
	// Model is the embedding model, e.g. "nomic-embed-text".
	Model      string
	HTTPClient *http.Client
}

// OllamaClient calls a local Ollama server's /api/embed endpoint. No key is
// needed.
type OllamaClient struct {
	model    string
	endpoint string
	hc       *http.Client
}

// NewOllamaClient constructs an OllamaClient from the given config.
func NewOllamaClient(cfg *OllamaConfig) *OllamaClient {
	return &OllamaClient{
		model:    cfg.Model,
		endpoint: strings.TrimSuffix(cfg.Host, "/") + "/api/embed",
		hc:       defaultHTTPClient(cfg.HTTPClient),
	}
}

// Model returns the embedding model name.
func (c *OllamaClient) Model() string { return c.model }

type ollamaRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

func (r *ollamaResponse) errorText() string { return r.Error }

// EmbedBatch embeds texts in one request.
func (c *OllamaClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp ollamaResponse
	if err := postJSON(ctx, c.hc, "ollama", c.endpoint, nil, ollamaRequest{Model: c.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}
