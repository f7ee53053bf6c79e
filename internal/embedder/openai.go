// Package embedder provides implementations of the rag.Embedder interface for
// converting text into dense vector embeddings. Backend clients (OpenAI,
// Azure OpenAI, Ollama, Gemini) make a single batch call each; Resilient adds
// rate limiting, timeouts, retries and batching on top.
package embedder

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// OpenAIConfig holds the settings for constructing an OpenAIClient.
type OpenAIConfig struct {
	// BaseURL is "https://api.openai.com/v1" for OpenAI or
	// "https://<resource>.openai.azure.com/openai" for Azure.
	BaseURL string
	APIKey  string
	// Model is the embedding model, or the deployment name on Azure.
	Model string
	// Dimensions requests a shortened vector. 0 keeps the model default.
	Dimensions int
	// Azure switches to the api-key header and deployment-scoped URLs.
	Azure bool
	// APIVersion is sent as the api-version query parameter on Azure.
	APIVersion string
	// HTTPClient overrides the default client. Tests point it at httptest.
	HTTPClient *http.Client
}

// OpenAIClient calls the OpenAI or Azure OpenAI embeddings API. It is safe
// for concurrent use.
type OpenAIClient struct {
	cfg      OpenAIConfig
	endpoint string
	header   http.Header
	hc       *http.Client
}

// NewOpenAIClient constructs an OpenAIClient from the given config.
func NewOpenAIClient(cfg *OpenAIConfig) *OpenAIClient {
	c := &OpenAIClient{cfg: *cfg, header: http.Header{}, hc: defaultHTTPClient(cfg.HTTPClient)}
	if cfg.Azure {
		c.endpoint = fmt.Sprintf("%s/deployments/%s/embeddings?api-version=%s",
			cfg.BaseURL, url.PathEscape(cfg.Model), url.QueryEscape(cfg.APIVersion))
		c.header.Set("api-key", cfg.APIKey)
	} else {
		c.endpoint = cfg.BaseURL + "/embeddings"
		c.header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return c
}

// Model returns the embedding model name.
func (c *OpenAIClient) Model() string { return c.cfg.Model }

type openaiRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type openaiResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *openaiResponse) errorText() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// EmbedBatch embeds texts in one request. Results are placed by the index
// the API reports, not by arrival order.
func (c *OpenAIClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openaiResponse
	in := openaiRequest{Input: texts, Model: c.cfg.Model, Dimensions: c.cfg.Dimensions}
	if err := postJSON(ctx, c.hc, "openai", c.endpoint, c.header, in, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embedder: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("openai embedder: bad or duplicate result index %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
