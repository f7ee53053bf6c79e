package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragkit-go/internal/chunker"
	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/embedder"
	"github.com/54b3r/ragkit-go/internal/generator"
	"github.com/54b3r/ragkit-go/internal/pipeline"
	"github.com/54b3r/ragkit-go/internal/prompt"
	"github.com/54b3r/ragkit-go/internal/provider"
	"github.com/54b3r/ragkit-go/internal/rag"
	"github.com/54b3r/ragkit-go/internal/server"
	"github.com/54b3r/ragkit-go/internal/store"
	"github.com/54b3r/ragkit-go/internal/tracing"
)

// app is the wired pipeline plus everything a command may need to close or
// check. Build it with buildApp and always defer close.
type app struct {
	settings  config.Settings
	pipeline  *pipeline.Pipeline
	index     rag.VectorIndex
	generator *generator.Generator
	provider  *provider.Config
	answers   *store.SQLiteAnswerLog
	closers   []func()
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildOptions selects the optional components of buildApp.
type buildOptions struct {
	// generator wires the chat model; ingest-only commands leave it off so
	// no generation credentials are required.
	generator bool
}

// buildApp resolves Settings from the environment, validates them and wires
// every pipeline component. reg receives all component metrics; pass a
// fresh registry per invocation.
func buildApp(ctx context.Context, log *slog.Logger, reg prometheus.Registerer, opts buildOptions) (*app, error) {
	s := config.FromEnv()
	validate := s.ValidateIngest
	if opts.generator {
		validate = s.Validate
	}
	if err := validate(); err != nil {
		return nil, err
	}
	log.Debug("settings resolved", slog.String("settings", s.String()))
	for _, w := range embedder.Warnings() {
		log.Warn("embedder: " + w)
	}

	a := &app{settings: s}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	emb, err := embedder.NewFromEnv(ctx, reg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised", slog.String("backend", embedder.Backend()), slog.String("model", emb.Model()))

	idx, err := openIndex(ctx, s, emb.Model())
	if err != nil {
		return nil, err
	}
	a.index = idx
	a.closers = append(a.closers, func() { _ = idx.Close() })
	log.Info("index ready", slog.String("backend", s.IndexBackend))

	chk, err := chunker.New(s.ChunkSize, s.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	profiles := prompt.NewProfiles()
	if s.ProfilesFile != "" {
		n, err := profiles.LoadFile(s.ProfilesFile)
		if err != nil {
			return nil, err
		}
		log.Info("prompt profiles loaded", slog.String("path", s.ProfilesFile), slog.Int("count", n))
	}

	deps := pipeline.Deps{
		Chunker:   chk,
		Embedder:  emb,
		Index:     idx,
		Assembler: prompt.New(s.ContextTokenBudget, profiles),
	}

	if opts.generator {
		handlers, flush := tracing.Handlers()
		a.closers = append(a.closers, flush)
		if len(handlers) > 0 {
			log.Info("langfuse tracing enabled")
		}
		gen, pcfg, err := generator.NewFromEnv(ctx, reg, handlers...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise model provider: %w", err)
		}
		a.generator, a.provider = gen, pcfg
		deps.Generator = gen
		log.Info("provider initialised", slog.String("provider", string(pcfg.Backend)), slog.String("model", pcfg.ModelName()))

		convos, err := store.OpenConversations(s.ConversationPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = convos.Close() })
		deps.Conversations = convos
	}

	if s.AnswerLogPath != "" {
		answers, err := store.OpenAnswerLog(s.AnswerLogPath)
		if err != nil {
			return nil, err
		}
		a.answers = answers
		a.closers = append(a.closers, func() { _ = answers.Close() })
		deps.Answers = answers
	}

	p, err := pipeline.New(deps, pipeline.Config{
		TopK:              s.TopK,
		MinScore:          s.MinScore,
		IngestConcurrency: s.IngestConcurrency,
		HistoryTurns:      s.HistoryTurns,
		Registerer:        reg,
	})
	if err != nil {
		return nil, err
	}
	a.pipeline = p
	ok = true
	return a, nil
}

// openIndex opens the vector index selected by VECTOR_STORE.
func openIndex(ctx context.Context, s config.Settings, model string) (rag.VectorIndex, error) {
	switch s.IndexBackend {
	case config.IndexQdrant:
		port, _ := strconv.Atoi(getEnvOrDefault("QDRANT_PORT", "6334"))
		idx, err := rag.NewQdrantIndex(ctx, &rag.QdrantConfig{
			Host:       getEnvOrDefault("QDRANT_HOST", "localhost"),
			Port:       port,
			Collection: getEnvOrDefault("QDRANT_COLLECTION", "ragkit"),
			VectorSize: uint64(embedder.DefaultDimensions(embedder.Backend())), //nolint:gosec // dimensions are bounded
			Model:      model,
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open qdrant index: %w", err)
		}
		return idx, nil
	case config.IndexMemory:
		return rag.NewMemoryIndex(), nil
	default:
		path, err := store.IndexPath(s.StorePath)
		if err != nil {
			return nil, err
		}
		idx, err := store.OpenIndex(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open index at %s: %w", path, err)
		}
		return idx, nil
	}
}

// buildPingers returns the readiness checks for serve: the index first, then
// the chat model when one is wired.
func buildPingers(a *app) []server.Pinger {
	var pingers []server.Pinger
	if q, ok := a.index.(*rag.QdrantIndex); ok {
		pingers = append(pingers, server.NewQdrantPinger(q.Client()))
	} else {
		pingers = append(pingers, server.NewIndexPinger(a.settings.IndexBackend, a.index))
	}
	if a.generator != nil {
		hc := provider.NewHealthCheck(a.provider, nil)
		pingers = append(pingers, server.NewLLMPinger(hc, a.generator.ChatModel(), string(a.provider.Backend)))
	}
	return pingers
}

// getEnvOrDefault returns the value of the named env var, or fallback.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
