package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/54b3r/ragkit-go/internal/chunker"
	"github.com/54b3r/ragkit-go/internal/embedder"
	"github.com/54b3r/ragkit-go/internal/provider"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// Index backends accepted by VECTOR_STORE.
const (
	IndexSQLite = "sqlite"
	IndexQdrant = "qdrant"
	IndexMemory = "memory"
)

// Defaults for the pipeline settings.
const (
	DefaultTopK               = rag.DefaultTopK
	DefaultContextTokenBudget = 3000
	DefaultIngestConcurrency  = 4
	DefaultHistoryTurns       = 4

	maxChunkSize   = 100_000
	maxTopK        = 100
	maxTokenBudget = 1_000_000
	maxHistory     = 50
)

// Settings are the resolved pipeline settings. They are read once in the
// command layer and passed explicitly to the components they configure.
type Settings struct {
	// IndexBackend is one of IndexSQLite, IndexQdrant, IndexMemory.
	IndexBackend string
	// StorePath is the directory holding the SQLite index.
	StorePath string

	ChunkSize          int
	ChunkOverlap       int
	TopK               int
	MinScore           float32
	ContextTokenBudget int
	IngestConcurrency  int

	// ProfilesFile optionally adds instruction profiles from YAML.
	ProfilesFile string
	// AnswerLogPath is the SQLite answer log. Empty disables the log.
	AnswerLogPath string
	// ConversationPath is the SQLite store of session history.
	ConversationPath string
	// HistoryTurns is how many earlier turns of a session reach the prompt.
	HistoryTurns int

	// parseErrs records values that were set but could not be parsed.
	parseErrs []error
}

// FromEnv resolves Settings from the environment. Unparseable values are
// kept as errors and reported by Validate.
func FromEnv() Settings {
	s := Settings{
		IndexBackend:  strings.ToLower(envOrDefault("VECTOR_STORE", IndexSQLite)),
		StorePath:     os.Getenv("VECTOR_STORE_PATH"),
		ProfilesFile:  os.Getenv("PROMPT_PROFILES_FILE"),
		AnswerLogPath: os.Getenv("ANSWER_LOG_PATH"),
	}
	if s.StorePath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			s.StorePath = filepath.Join(home, ".ragkit", "store")
		}
	}
	s.ChunkSize = s.intEnv("CHUNK_SIZE", chunker.DefaultSize)
	s.ChunkOverlap = s.intEnv("CHUNK_OVERLAP", chunker.DefaultOverlap)
	s.TopK = s.intEnv("TOP_K", DefaultTopK)
	s.ContextTokenBudget = s.intEnv("CONTEXT_TOKEN_BUDGET", DefaultContextTokenBudget)
	s.IngestConcurrency = s.intEnv("INGEST_CONCURRENCY", DefaultIngestConcurrency)
	s.MinScore = s.floatEnv("MIN_SCORE", 0)
	s.HistoryTurns = s.intEnv("HISTORY_TURNS", DefaultHistoryTurns)
	s.ConversationPath = os.Getenv("CONVERSATION_PATH")
	if s.ConversationPath == "" && s.StorePath != "" {
		s.ConversationPath = filepath.Join(s.StorePath, "conversations.db")
	}
	return s
}

// Validate checks the settings and the selected providers' credentials.
// Every failure wraps rag.ErrConfiguration; nothing here touches the network.
func (s Settings) Validate() error {
	return s.validate(true)
}

// ValidateIngest is Validate without the generation provider check, for
// commands that never call the chat model.
func (s Settings) ValidateIngest() error {
	return s.validate(false)
}

func (s Settings) validate(generation bool) error {
	errs := append([]error(nil), s.parseErrs...)

	if generation {
		if err := provider.FromEnv().Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := embedder.Validate(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.validateSizes()...)

	switch s.IndexBackend {
	case IndexSQLite:
		if err := checkWritable(s.StorePath); err != nil {
			errs = append(errs, err)
		}
	case IndexQdrant, IndexMemory:
	default:
		errs = append(errs, rag.Configf("config: unknown VECTOR_STORE %q, valid values: sqlite, qdrant, memory", s.IndexBackend))
	}
	if s.AnswerLogPath != "" {
		if err := checkWritable(filepath.Dir(s.AnswerLogPath)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s Settings) validateSizes() []error {
	var errs []error
	if s.ChunkSize < 1 || s.ChunkSize > maxChunkSize {
		errs = append(errs, rag.Configf("config: CHUNK_SIZE must be between 1 and %d, got %d", maxChunkSize, s.ChunkSize))
	}
	if s.ChunkOverlap < 0 {
		errs = append(errs, rag.Configf("config: CHUNK_OVERLAP must not be negative, got %d", s.ChunkOverlap))
	} else if s.ChunkSize > 0 && s.ChunkOverlap >= s.ChunkSize {
		errs = append(errs, rag.Configf("config: CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", s.ChunkOverlap, s.ChunkSize))
	}
	if s.TopK < 1 || s.TopK > maxTopK {
		errs = append(errs, rag.Configf("config: TOP_K must be between 1 and %d, got %d", maxTopK, s.TopK))
	}
	if s.HistoryTurns < 1 || s.HistoryTurns > maxHistory {
		errs = append(errs, rag.Configf("config: HISTORY_TURNS must be between 1 and %d, got %d", maxHistory, s.HistoryTurns))
	}
	if s.ContextTokenBudget < 1 || s.ContextTokenBudget > maxTokenBudget {
		errs = append(errs, rag.Configf("config: CONTEXT_TOKEN_BUDGET must be between 1 and %d, got %d", maxTokenBudget, s.ContextTokenBudget))
	}
	if s.IngestConcurrency < 1 {
		errs = append(errs, rag.Configf("config: INGEST_CONCURRENCY must be at least 1, got %d", s.IngestConcurrency))
	}
	if s.MinScore < -1 || s.MinScore > 1 {
		errs = append(errs, rag.Configf("config: MIN_SCORE must be between -1 and 1, got %g", s.MinScore))
	}
	return errs
}

// checkWritable creates dir if needed and proves a file can be written there.
func checkWritable(dir string) error {
	if dir == "" {
		return rag.Configf("config: VECTOR_STORE_PATH is empty and no home directory is available")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return rag.Configf("config: store path %s is not writable: %v", dir, err)
	}
	f, err := os.CreateTemp(dir, ".ragkit-write-*")
	if err != nil {
		return rag.Configf("config: store path %s is not writable: %v", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

func (s *Settings) intEnv(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		s.parseErrs = append(s.parseErrs, rag.Configf("config: %s must be an integer, got %q", key, v))
		return fallback
	}
	return i
}

func (s *Settings) floatEnv(key string, fallback float32) float32 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		s.parseErrs = append(s.parseErrs, rag.Configf("config: %s must be a number, got %q", key, v))
		return fallback
	}
	return float32(f)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// String renders the settings for logs and `ragkit stats`.
func (s Settings) String() string {
	return fmt.Sprintf("index=%s store=%s chunk=%d/%d top_k=%d budget=%d",
		s.IndexBackend, s.StorePath, s.ChunkSize, s.ChunkOverlap, s.TopK, s.ContextTokenBudget)
}
