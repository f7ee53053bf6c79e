package embedder

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragkit-go/internal/rag"
	"github.com/54b3r/ragkit-go/internal/retry"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"
	defaultGeminiModel = "gemini-embedding-001"

	// defaultOllamaDimensions is the output dimension of nomic-embed-text.
	// Other Ollama models may differ; override with EMBEDDING_DIMENSIONS.
	defaultOllamaDimensions = 768
	// defaultOpenAIDimensions is the output dimension of text-embedding-3-small.
	defaultOpenAIDimensions = 1536
	// defaultGeminiDimensions is the reduced size requested from Gemini.
	defaultGeminiDimensions = 768
)

// Backend resolves the effective embedding backend: EMBEDDING_PROVIDER,
// then MODEL_PROVIDER, then "ollama".
func Backend() string {
	if b := getEnv("EMBEDDING_PROVIDER"); b != "" {
		return b
	}
	return getEnvOrDefault("MODEL_PROVIDER", "ollama")
}

// DefaultDimensions returns the correct default embedding vector size for the
// given backend name. Callers that need to pre-configure a vector store (e.g.
// Qdrant collection creation) should use this rather than hardcoding a value.
// EMBEDDING_DIMENSIONS always takes precedence when set.
func DefaultDimensions(backend string) int {
	if v := getEnvInt("EMBEDDING_DIMENSIONS", 0); v > 0 {
		return v
	}
	switch backend {
	case "ollama":
		return defaultOllamaDimensions
	case "gemini":
		return defaultGeminiDimensions
	default:
		return defaultOpenAIDimensions
	}
}

// NewClientFromEnv constructs the backend Client using cascading defaults
// that inherit from the chat provider configuration when embedding-specific
// overrides are not set.
//
// Resolution order:
//
//  1. EMBEDDING_PROVIDER, inheriting MODEL_PROVIDER (default: ollama)
//  2. Per-backend credentials are inherited from the chat provider's env vars
//  3. EMBEDDING_MODEL overrides the default model for the resolved backend
//  4. EMBEDDING_API_KEY overrides the inherited API key
//  5. EMBEDDING_ENDPOINT overrides the inherited endpoint
//  6. EMBEDDING_DIMENSIONS overrides the default dimensions
func NewClientFromEnv(ctx context.Context) (Client, error) {
	backend := Backend()

	switch backend {
	case "ollama":
		host := getEnv("EMBEDDING_ENDPOINT")
		if host == "" {
			host = getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434")
		}
		return NewOllamaClient(&OllamaConfig{
			Host:  host,
			Model: getEnvOrDefault("EMBEDDING_MODEL", defaultOllamaModel),
		}), nil

	case "openai":
		apiKey := firstEnv("EMBEDDING_API_KEY", "OPENAI_API_KEY")
		if apiKey == "" {
			return nil, rag.Configf("embedder: openai requires OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		return NewOpenAIClient(&OpenAIConfig{
			BaseURL:    getEnvOrDefault("EMBEDDING_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:     apiKey,
			Model:      getEnvOrDefault("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions: getEnvInt("EMBEDDING_DIMENSIONS", defaultOpenAIDimensions),
		}), nil

	case "azure":
		apiKey := firstEnv("EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY")
		if apiKey == "" {
			return nil, rag.Configf("embedder: azure requires AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		endpoint := firstEnv("EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT")
		if endpoint == "" {
			return nil, rag.Configf("embedder: azure requires AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
		return NewOpenAIClient(&OpenAIConfig{
			BaseURL:    endpoint + "/openai",
			APIKey:     apiKey,
			Model:      getEnvOrDefault("EMBEDDING_MODEL", defaultOpenAIModel),
			Dimensions: getEnvInt("EMBEDDING_DIMENSIONS", defaultOpenAIDimensions),
			Azure:      true,
			APIVersion: getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2025-04-01-preview"),
		}), nil

	case "gemini":
		apiKey := firstEnv("EMBEDDING_API_KEY", "GOOGLE_API_KEY")
		if apiKey == "" {
			return nil, rag.Configf("embedder: gemini requires GOOGLE_API_KEY or EMBEDDING_API_KEY")
		}
		return NewGeminiClient(ctx, &GeminiConfig{
			APIKey:     apiKey,
			Model:      getEnvOrDefault("EMBEDDING_MODEL", defaultGeminiModel),
			Dimensions: DefaultDimensions("gemini"),
		})

	default:
		return nil, rag.Configf("embedder: unknown backend %q, valid values: ollama, openai, azure, gemini", backend)
	}
}

// OptionsFromEnv reads the resilience settings.
//
//	EMBEDDING_TIMEOUT       per-call deadline (default 30s)
//	EMBEDDING_MAX_ATTEMPTS  attempts per batch (default 3)
//	EMBEDDING_BATCH_SIZE    texts per call (default 64)
//	EMBEDDING_CONCURRENCY   batches in flight (default 4)
//	EMBEDDING_RPS           calls per second, 0 = unlimited
func OptionsFromEnv(reg prometheus.Registerer) Options {
	policy := retry.Default
	policy.MaxAttempts = getEnvInt("EMBEDDING_MAX_ATTEMPTS", retry.Default.MaxAttempts)
	rps, _ := strconv.ParseFloat(getEnv("EMBEDDING_RPS"), 64)
	return Options{
		Retry:             policy,
		Timeout:           getEnvDuration("EMBEDDING_TIMEOUT", DefaultTimeout),
		RequestsPerSecond: rps,
		Burst:             max(1, int(rps)),
		BatchSize:         getEnvInt("EMBEDDING_BATCH_SIZE", DefaultBatchSize),
		Concurrency:       getEnvInt("EMBEDDING_CONCURRENCY", DefaultConcurrency),
		Dimension:         getEnvInt("EMBEDDING_DIMENSIONS", 0),
		Registerer:        reg,
	}
}

// NewFromEnv builds the configured backend wrapped in a Resilient embedder.
func NewFromEnv(ctx context.Context, reg prometheus.Registerer) (*Resilient, error) {
	client, err := NewClientFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	return NewResilient(client, OptionsFromEnv(reg))
}

// getEnv returns the value of the named environment variable, or empty string.
func getEnv(key string) string {
	return os.Getenv(key)
}

// firstEnv returns the first non-empty variable among keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration parses a Go duration, falling back on error.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
