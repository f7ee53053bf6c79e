// Package audit writes one structured log entry per CLI command so operators
// can see which providers, index and pipeline settings a run used. Secrets
// are recorded as "set" or "unset", never by value.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// group is one concern's env keys, logged as a nested slog group.
type group struct {
	name string
	keys []string
}

// groups lists the audited keys by concern, in log order.
var groups = []group{
	{"generation", []string{
		"MODEL_PROVIDER", "GENERATION_API_KEY",
		"OLLAMA_HOST", "OLLAMA_MODEL",
		"OPENAI_API_KEY", "OPENAI_MODEL",
		"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT", "AZURE_OPENAI_DEPLOYMENT",
		"GOOGLE_API_KEY", "GEMINI_MODEL",
		"ARK_API_KEY", "ARK_MODEL",
	}},
	{"embedding", []string{"EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_API_KEY", "EMBEDDING_DIMENSIONS"}},
	{"index", []string{"VECTOR_STORE", "VECTOR_STORE_PATH", "QDRANT_HOST", "QDRANT_PORT", "QDRANT_COLLECTION", "QDRANT_API_KEY"}},
	{"pipeline", []string{"CHUNK_SIZE", "CHUNK_OVERLAP", "TOP_K", "MIN_SCORE", "CONTEXT_TOKEN_BUDGET", "PROMPT_PROFILES_FILE", "ANSWER_LOG_PATH", "HISTORY_TURNS", "CONVERSATION_PATH"}},
	{"server", []string{"RAGKIT_HOST", "RAGKIT_PORT", "RAGKIT_API_KEY"}},
	{"observability", []string{"LOG_LEVEL", "LOG_FORMAT", "LANGFUSE_PUBLIC_KEY", "LANGFUSE_SECRET_KEY"}},
}

// LogCommandStart logs the command name, the config file it resolved and
// the audited environment, one group per concern.
func LogCommandStart(ctx context.Context, log *slog.Logger, command string, configPath string) {
	attrs := make([]slog.Attr, 0, len(groups)+2)
	attrs = append(attrs,
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	)
	for _, g := range groups {
		vals := make([]any, 0, len(g.keys))
		for _, k := range g.keys {
			vals = append(vals, slog.String(k, SanitiseKey(k, os.Getenv(k))))
		}
		attrs = append(attrs, slog.Group(g.name, vals...))
	}
	log.LogAttrs(ctx, slog.LevelInfo, "audit: command start", attrs...)
}

// isSecret reports whether key names a credential.
func isSecret(key string) bool {
	return strings.HasSuffix(key, "_API_KEY") ||
		strings.HasSuffix(key, "_SECRET_KEY") ||
		key == "LANGFUSE_PUBLIC_KEY"
}

// SanitiseKey returns "set" or "unset" for credentials and the value, or
// "unset", for everything else.
func SanitiseKey(key, value string) string {
	if isSecret(key) {
		return presence(value)
	}
	if value == "" {
		return "unset"
	}
	return value
}

// presence returns "set" if the value is non-empty, "unset" otherwise.
func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

// sanitiseConfigPath returns the config path with the home directory
// shortened to "~", or "none".
func sanitiseConfigPath(p string) string {
	if p == "" {
		return "none"
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
