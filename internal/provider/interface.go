// Package provider selects and constructs the eino chat model used for answer
// generation. Supported backends: Ollama, OpenAI, Azure OpenAI, Google
// Gemini and Volcengine Ark.
package provider

import (
	"strings"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
	// BackendArk selects the Volcengine Ark model runtime.
	BackendArk Backend = "ark"
)

// ProviderOllama holds Ollama settings.
type ProviderOllama struct {
	// Host is the Ollama base URL (OLLAMA_HOST).
	Host string
	// Model is the chat model name (OLLAMA_MODEL).
	Model string
}

// ProviderOpenAI holds OpenAI settings.
type ProviderOpenAI struct {
	// APIKey is OPENAI_API_KEY.
	APIKey string
	// Model is OPENAI_MODEL.
	Model string
	// BaseURL overrides the API endpoint (OPENAI_BASE_URL), e.g. for a proxy.
	BaseURL string
}

// ProviderAzureOpenAI holds Azure OpenAI settings.
type ProviderAzureOpenAI struct {
	// APIKey is AZURE_OPENAI_API_KEY.
	APIKey string
	// Endpoint is AZURE_OPENAI_ENDPOINT.
	Endpoint string
	// Deployment is AZURE_OPENAI_DEPLOYMENT.
	Deployment string
	// APIVersion is AZURE_OPENAI_API_VERSION.
	APIVersion string
}

// ProviderGemini holds Gemini settings.
type ProviderGemini struct {
	// APIKey is GOOGLE_API_KEY.
	APIKey string
	// Model is GEMINI_MODEL.
	Model string
}

// ProviderArk holds Volcengine Ark settings.
type ProviderArk struct {
	// APIKey is ARK_API_KEY.
	APIKey string
	// Model is the endpoint or model ID (ARK_MODEL).
	Model string
	// BaseURL overrides the runtime endpoint (ARK_BASE_URL).
	BaseURL string
}

// SharedTuning holds generation parameters common to every backend.
type SharedTuning struct {
	// MaxTokens caps the number of tokens the model may generate per response.
	MaxTokens int
	// Temperature controls response randomness (0.0-1.0).
	Temperature float32
}

// Config holds all provider-level configuration resolved from environment
// variables or explicit caller-supplied values. Only the section matching
// Backend is used.
type Config struct {
	// Backend identifies which inference provider to use.
	Backend Backend

	Ollama      ProviderOllama
	OpenAI      ProviderOpenAI
	AzureOpenAI ProviderAzureOpenAI
	Gemini      ProviderGemini
	Ark         ProviderArk

	// Tuning applies to every backend.
	Tuning SharedTuning
}

// Validate reports missing settings for the selected backend as
// rag.ErrConfiguration, naming the environment variable to set.
func (c *Config) Validate() error {
	missing := func(env string) error {
		return rag.Configf("provider: %s is required for %s backend", env, c.Backend)
	}
	switch c.Backend {
	case BackendOllama:
		if c.Ollama.Model == "" {
			return missing("OLLAMA_MODEL")
		}
	case BackendOpenAI:
		if c.OpenAI.APIKey == "" {
			return missing("OPENAI_API_KEY")
		}
		if c.OpenAI.Model == "" {
			return missing("OPENAI_MODEL")
		}
	case BackendAzure:
		if c.AzureOpenAI.APIKey == "" {
			return missing("AZURE_OPENAI_API_KEY")
		}
		if c.AzureOpenAI.Endpoint == "" {
			return missing("AZURE_OPENAI_ENDPOINT")
		}
		if c.AzureOpenAI.Deployment == "" {
			return missing("AZURE_OPENAI_DEPLOYMENT")
		}
	case BackendGemini:
		if c.Gemini.APIKey == "" {
			return missing("GOOGLE_API_KEY")
		}
		if c.Gemini.Model == "" {
			return missing("GEMINI_MODEL")
		}
	case BackendArk:
		if c.Ark.APIKey == "" {
			return missing("ARK_API_KEY")
		}
		if c.Ark.Model == "" {
			return missing("ARK_MODEL")
		}
	default:
		return rag.Configf("provider: unknown backend %q, valid values: ollama, openai, azure, gemini, ark", c.Backend)
	}
	return nil
}

// ModelName returns the model or deployment used by the selected backend.
func (c *Config) ModelName() string {
	switch c.Backend {
	case BackendOllama:
		return c.Ollama.Model
	case BackendOpenAI:
		return c.OpenAI.Model
	case BackendAzure:
		return c.AzureOpenAI.Deployment
	case BackendGemini:
		return c.Gemini.Model
	case BackendArk:
		return c.Ark.Model
	}
	return ""
}

// isAzureReasoningModel reports whether an Azure deployment name denotes an
// o-series or codex reasoning model. These reject temperature and
// max_tokens, so the request omits them.
func isAzureReasoningModel(deployment string) bool {
	d := strings.ToLower(deployment)
	for _, p := range []string{"o1", "o3", "o4", "codex"} {
		if d == p || strings.HasPrefix(d, p+"-") {
			return true
		}
	}
	return false
}
