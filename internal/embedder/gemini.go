package embedder

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient embeds text with the Gemini API through the genai SDK.
type GeminiClient struct {
	client     *genai.Client
	model      string
	dimensions int
}

// GeminiConfig holds the settings for constructing a GeminiClient.
type GeminiConfig struct {
	// APIKey is the Gemini API key.
	APIKey string
	// Model is the embedding model name (e.g. "gemini-embedding-001").
	Model string
	// Dimensions requests a reduced output size (0 = model default).
	Dimensions int
}

// NewGeminiClient creates the genai client. No network call is made.
func NewGeminiClient(ctx context.Context, cfg *GeminiConfig) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: create client: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model, dimensions: cfg.Dimensions}, nil
}

// Model returns the embedding model name.
func (e *GeminiClient) Model() string { return e.model }

// EmbedBatch embeds all texts in one EmbedContent call, one content per text.
func (e *GeminiClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	var cfg *genai.EmbedContentConfig
	if e.dimensions > 0 {
		dim := int32(e.dimensions)
		cfg = &genai.EmbedContentConfig{OutputDimensionality: &dim}
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		return nil, classifyGeminiError(err)
	}
	if result == nil || len(result.Embeddings) != len(texts) {
		got := 0
		if result != nil {
			got = len(result.Embeddings)
		}
		return nil, fmt.Errorf("gemini embedder: expected %d embeddings, got %d", len(texts), got)
	}

	out := make([][]float32, len(texts))
	for i, emb := range result.Embeddings {
		if emb == nil {
			return nil, fmt.Errorf("gemini embedder: embedding %d missing", i)
		}
		out[i] = emb.Values
	}
	return out, nil
}

// classifyGeminiError maps SDK errors onto StatusError by inspecting the
// message, which carries the HTTP code and the RPC status name.
func classifyGeminiError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "UNAUTHENTICATED") ||
		strings.Contains(msg, "API key not valid"):
		return &StatusError{Backend: "gemini", Code: 401, Message: msg}
	case strings.Contains(msg, "403") || strings.Contains(msg, "PERMISSION_DENIED"):
		return &StatusError{Backend: "gemini", Code: 403, Message: msg}
	case strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "quota"):
		return &StatusError{Backend: "gemini", Code: 429, Message: msg}
	case strings.Contains(msg, "INVALID_ARGUMENT"):
		return &StatusError{Backend: "gemini", Code: 400, Message: msg}
	}
	return fmt.Errorf("gemini embedder: %w", err)
}
