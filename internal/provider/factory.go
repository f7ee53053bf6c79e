package provider

import (
	"context"
	"os"
	"strconv"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// FromEnv resolves a Config from environment variables. MODEL_PROVIDER
// selects the backend; each provider reads its own native credential env
// vars, and GENERATION_API_KEY, when set, overrides the selected backend's
// key.
//
// Environment variables:
//
//	MODEL_PROVIDER = ollama | openai | azure | gemini | ark (default: ollama)
//
//	Ollama: OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL (default: llama3)
//	OpenAI: OPENAI_API_KEY, OPENAI_MODEL (default: gpt-4o-mini), OPENAI_BASE_URL
//	Azure:  AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	        AZURE_OPENAI_API_VERSION (default: 2024-02-01)
//	Gemini: GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-2.0-flash)
//	Ark:    ARK_API_KEY, ARK_MODEL, ARK_BASE_URL
//
//	Shared: MODEL_MAX_TOKENS (default: 1024), MODEL_TEMPERATURE (default: 0.2)
func FromEnv() *Config {
	cfg := &Config{
		Backend: Backend(getEnvOrDefault("MODEL_PROVIDER", string(BackendOllama))),
		Ollama: ProviderOllama{
			Host:  getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434"),
			Model: getEnvOrDefault("OLLAMA_MODEL", "llama3"),
		},
		OpenAI: ProviderOpenAI{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		},
		AzureOpenAI: ProviderAzureOpenAI{
			APIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
			Deployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		},
		Gemini: ProviderGemini{
			APIKey: os.Getenv("GOOGLE_API_KEY"),
			Model:  getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		},
		Ark: ProviderArk{
			APIKey:  os.Getenv("ARK_API_KEY"),
			Model:   os.Getenv("ARK_MODEL"),
			BaseURL: os.Getenv("ARK_BASE_URL"),
		},
		Tuning: SharedTuning{
			MaxTokens:   getEnvInt("MODEL_MAX_TOKENS", 1024),
			Temperature: getEnvFloat32("MODEL_TEMPERATURE", 0.2),
		},
	}
	if key := os.Getenv("GENERATION_API_KEY"); key != "" {
		cfg.SetAPIKey(key)
	}
	return cfg
}

// SetAPIKey overrides the credential of the selected backend. Ollama takes
// no key and is left unchanged.
func (c *Config) SetAPIKey(key string) {
	switch c.Backend {
	case BackendOpenAI:
		c.OpenAI.APIKey = key
	case BackendAzure:
		c.AzureOpenAI.APIKey = key
	case BackendGemini:
		c.Gemini.APIKey = key
	case BackendArk:
		c.Ark.APIKey = key
	}
}

// NewFromEnv constructs a chat model from FromEnv.
func NewFromEnv(ctx context.Context) (model.BaseChatModel, *Config, error) {
	cfg := FromEnv()
	m, err := New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return m, cfg, nil
}

// New constructs a chat model from an explicit Config, delegating to the
// appropriate backend factory function. It validates the config first so
// callers get a clear error at startup rather than on the first request.
func New(ctx context.Context, cfg *Config) (model.BaseChatModel, error) {
	if cfg == nil {
		return nil, rag.Configf("provider: config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendOllama:
		return newOllama(ctx, cfg)
	case BackendOpenAI:
		return newOpenAI(ctx, cfg)
	case BackendAzure:
		return newAzure(ctx, cfg)
	case BackendGemini:
		return newGemini(ctx, cfg)
	case BackendArk:
		return newArk(ctx, cfg)
	default:
		return nil, rag.Configf("provider: unknown backend %q", cfg.Backend)
	}
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

// getEnvFloat32 returns the float32 value of the named environment variable,
// or fallback if the variable is unset, empty, or not parseable.
func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
