package embedder

import (
	"fmt"
	"os"
	"strings"

	"github.com/54b3r/ragkit-go/internal/rag"
)

// chatFamilies are model-name fragments of chat models. A match on
// EMBEDDING_MODEL usually means the two model settings were swapped.
var chatFamilies = []string{
	"gpt-4", "gpt-3.5", "gpt-35", "o1", "o3",
	"llama2", "llama3", "llama-2", "llama-3",
	"mistral", "mixtral", "gemma", "phi-", "phi3",
	"claude", "command-r", "deepseek", "qwen",
	"solar", "vicuna", "falcon", "yi-",
	"gemini-1", "gemini-2",
}

// isChatModel reports whether model names a chat model. Anything with
// "embed" in its name is assumed to be an embedding model.
func isChatModel(model string) bool {
	m := strings.ToLower(model)
	if strings.Contains(m, "embed") {
		return false
	}
	for _, f := range chatFamilies {
		if strings.Contains(m, f) {
			return true
		}
	}
	return false
}

// credential is one env setting a backend cannot start without. Each entry
// lists the accepted variables in precedence order.
type credential struct {
	what string
	keys []string
}

var requiredCredentials = map[string][]credential{
	"ollama": nil,
	"openai": {{"OpenAI API key", []string{"EMBEDDING_API_KEY", "OPENAI_API_KEY"}}},
	"azure": {
		{"Azure API key", []string{"EMBEDDING_API_KEY", "AZURE_OPENAI_API_KEY"}},
		{"Azure endpoint", []string{"EMBEDDING_ENDPOINT", "AZURE_OPENAI_ENDPOINT"}},
	},
	"gemini": {{"Gemini API key", []string{"EMBEDDING_API_KEY", "GOOGLE_API_KEY"}}},
}

// Validate checks the embedding backend and its credentials without
// touching the network. Failures wrap rag.ErrConfiguration.
func Validate() error {
	backend := Backend()
	creds, ok := requiredCredentials[backend]
	if !ok {
		return rag.Configf("embedder: unknown backend %q, valid values: ollama, openai, azure, gemini", backend)
	}
	for _, c := range creds {
		if firstEnv(c.keys...) == "" {
			return rag.Configf("embedder: no %s found, set %s", c.what, strings.Join(c.keys, " or "))
		}
	}
	return nil
}

// Warnings returns advice about settings that are valid but probably wrong.
func Warnings() []string {
	var out []string
	if b := Backend(); b != "ollama" && os.Getenv("EMBEDDING_PROVIDER") == "" {
		out = append(out, fmt.Sprintf("EMBEDDING_PROVIDER is not set, using MODEL_PROVIDER %q for embeddings", b))
	}
	if m := os.Getenv("EMBEDDING_MODEL"); m != "" && isChatModel(m) {
		out = append(out, fmt.Sprintf("EMBEDDING_MODEL %q looks like a chat model, use a dedicated embedding model such as nomic-embed-text", m))
	}
	return out
}
