// Package config provides layered configuration for ragkit.
// Precedence: defaults → .env file → YAML file → env vars. Environment
// variables always win, so anything exported in the shell overrides both
// files.
//
// YAML file search order:
//  1. --config CLI flag (explicit path)
//  2. RAGKIT_CONFIG environment variable
//  3. ~/.ragkit/config.yaml
//  4. ./ragkit.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Model configures the chat model used for answer generation.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Index configures the vector index backend.
	Index IndexConfig `yaml:"index"`

	// RAG holds chunking, retrieval and prompt settings.
	RAG RAGConfig `yaml:"rag"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// AnswerLog configures persistence of answered questions.
	AnswerLog AnswerLogConfig `yaml:"answer_log"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds chat model settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, gemini, ark.
	Provider string `yaml:"provider"`

	// APIKey overrides the selected backend's key. Prefer env var GENERATION_API_KEY.
	APIKey string `yaml:"api_key"`

	// MaxTokens is the maximum number of tokens in the response.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls response randomness (0.0-1.0).
	Temperature float32 `yaml:"temperature"`

	// Timeout bounds each generation attempt (Go duration, e.g. "60s").
	Timeout string `yaml:"timeout"`

	// MaxAttempts bounds retries of rate-limited or timed-out calls.
	MaxAttempts int `yaml:"max_attempts"`

	Ollama OllamaConfig `yaml:"ollama"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Azure  AzureConfig  `yaml:"azure"`
	Gemini GeminiConfig `yaml:"gemini"`
	Ark    ArkConfig    `yaml:"ark"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	// Host is the Ollama API endpoint.
	Host string `yaml:"host"`
	// Model is the Ollama model name.
	Model string `yaml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the OpenAI model name.
	Model string `yaml:"model"`
	// BaseURL overrides the API endpoint.
	BaseURL string `yaml:"base_url"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the Azure OpenAI resource endpoint.
	Endpoint string `yaml:"endpoint"`
	// Deployment is the Azure OpenAI deployment name.
	Deployment string `yaml:"deployment"`
	// APIVersion is the Azure OpenAI API version.
	APIVersion string `yaml:"api_version"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the Gemini model name.
	Model string `yaml:"model"`
}

// ArkConfig holds Volcengine Ark provider settings.
type ArkConfig struct {
	// APIKey is the Ark API key. Prefer env var ARK_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the Ark endpoint or model ID.
	Model string `yaml:"model"`
	// BaseURL overrides the runtime endpoint.
	BaseURL string `yaml:"base_url"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure, gemini).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
	// Timeout bounds each embedding call (Go duration).
	Timeout string `yaml:"timeout"`
	// MaxAttempts bounds retries per batch.
	MaxAttempts int `yaml:"max_attempts"`
	// BatchSize is the number of texts per backend call.
	BatchSize int `yaml:"batch_size"`
	// Concurrency bounds parallel batches.
	Concurrency int `yaml:"concurrency"`
	// RPS caps backend calls per second. Zero means unlimited.
	RPS float64 `yaml:"rps"`
}

// IndexConfig holds vector index settings.
type IndexConfig struct {
	// Backend selects the index: sqlite (default), qdrant, memory.
	Backend string `yaml:"backend"`
	// Path is the directory holding the SQLite index.
	Path string `yaml:"path"`
	// Qdrant holds Qdrant connection settings.
	Qdrant QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`
	// Port is the Qdrant gRPC port.
	Port int `yaml:"port"`
	// Collection is the Qdrant collection name.
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	// TLS enables TLS for the Qdrant connection.
	TLS bool `yaml:"tls"`
}

// RAGConfig holds chunking, retrieval and prompt settings.
type RAGConfig struct {
	ChunkSize          int     `yaml:"chunk_size"`
	ChunkOverlap       int     `yaml:"chunk_overlap"`
	TopK               int     `yaml:"top_k"`
	MinScore           float32 `yaml:"min_score"`
	ContextTokenBudget int     `yaml:"context_token_budget"`
	PromptProfilesFile string  `yaml:"prompt_profiles_file"`
	IngestConcurrency  int     `yaml:"ingest_concurrency"`
	HistoryTurns       int     `yaml:"history_turns"`
	ConversationPath   string  `yaml:"conversation_path"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var RAGKIT_API_KEY.
	APIKey string `yaml:"api_key"`
	// RateLimitRPS is the per-IP request rate on ask and ingest.
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	// RateLimitBurst is the per-IP burst size.
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// AnswerLogConfig holds answer log settings.
type AnswerLogConfig struct {
	// Path is the SQLite database path. Empty disables the log.
	Path string `yaml:"path"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	// PublicKey is the Langfuse public key. Prefer env var LANGFUSE_PUBLIC_KEY.
	PublicKey string `yaml:"public_key"`
	// SecretKey is the Langfuse secret key. Prefer env var LANGFUSE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
	// Host is the Langfuse API host.
	Host string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"GENERATION_API_KEY", func(c *Config) string { return c.Model.APIKey }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"GENERATION_TIMEOUT", func(c *Config) string { return c.Model.Timeout }},
	{"GENERATION_MAX_ATTEMPTS", func(c *Config) string { return intStr(c.Model.MaxAttempts) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"OPENAI_BASE_URL", func(c *Config) string { return c.Model.OpenAI.BaseURL }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"ARK_API_KEY", func(c *Config) string { return c.Model.Ark.APIKey }},
	{"ARK_MODEL", func(c *Config) string { return c.Model.Ark.Model }},
	{"ARK_BASE_URL", func(c *Config) string { return c.Model.Ark.BaseURL }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_TIMEOUT", func(c *Config) string { return c.Embedding.Timeout }},
	{"EMBEDDING_MAX_ATTEMPTS", func(c *Config) string { return intStr(c.Embedding.MaxAttempts) }},
	{"EMBEDDING_BATCH_SIZE", func(c *Config) string { return intStr(c.Embedding.BatchSize) }},
	{"EMBEDDING_CONCURRENCY", func(c *Config) string { return intStr(c.Embedding.Concurrency) }},
	{"EMBEDDING_RPS", func(c *Config) string { return float64Str(c.Embedding.RPS) }},
	{"VECTOR_STORE", func(c *Config) string { return c.Index.Backend }},
	{"VECTOR_STORE_PATH", func(c *Config) string { return c.Index.Path }},
	{"QDRANT_HOST", func(c *Config) string { return c.Index.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.Index.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.Index.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.Index.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.Index.Qdrant.TLS) }},
	{"CHUNK_SIZE", func(c *Config) string { return intStr(c.RAG.ChunkSize) }},
	{"CHUNK_OVERLAP", func(c *Config) string { return intStr(c.RAG.ChunkOverlap) }},
	{"TOP_K", func(c *Config) string { return intStr(c.RAG.TopK) }},
	{"MIN_SCORE", func(c *Config) string { return float32Str(c.RAG.MinScore) }},
	{"CONTEXT_TOKEN_BUDGET", func(c *Config) string { return intStr(c.RAG.ContextTokenBudget) }},
	{"PROMPT_PROFILES_FILE", func(c *Config) string { return c.RAG.PromptProfilesFile }},
	{"INGEST_CONCURRENCY", func(c *Config) string { return intStr(c.RAG.IngestConcurrency) }},
	{"HISTORY_TURNS", func(c *Config) string { return intStr(c.RAG.HistoryTurns) }},
	{"CONVERSATION_PATH", func(c *Config) string { return c.RAG.ConversationPath }},
	{"RAGKIT_HOST", func(c *Config) string { return c.Server.Host }},
	{"RAGKIT_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"RAGKIT_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"RAGKIT_RATE_LIMIT_RPS", func(c *Config) string { return float64Str(c.Server.RateLimitRPS) }},
	{"RAGKIT_RATE_LIMIT_BURST", func(c *Config) string { return intStr(c.Server.RateLimitBurst) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"ANSWER_LOG_PATH", func(c *Config) string { return c.AnswerLog.Path }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load applies a .env file from the working directory, then reads a YAML
// config file and applies non-empty values as environment variables.
// Existing env vars are never overwritten by either file (env always wins).
// Returns the YAML path that was loaded, or empty string if none was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	if err := loadDotEnv(".env", log); err != nil {
		return "", err
	}

	path := resolveConfigPath(explicitPath)
	if path == "" {
		if explicitPath != "" {
			return "", rag.Configf("config: file %s not found", explicitPath)
		}
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", rag.Configf("config: failed to read %s: %v", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", rag.Configf("config: failed to parse %s: %v", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// loadDotEnv applies path if it exists. godotenv never overrides variables
// that are already set.
func loadDotEnv(path string, log *slog.Logger) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return rag.Configf("config: failed to load %s: %v", path, err)
	}
	log.Debug("config: loaded .env file", slog.String("path", path))
	return nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("RAGKIT_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".ragkit", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("ragkit.yaml"); err == nil {
		return "ragkit.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	return float64Str(float64(v))
}

// float64Str converts a float64 to string, returning "" for zero values.
func float64Str(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
