package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/provider"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// LLMPinger checks the generation backend. It satisfies the Pinger interface
// and is used by GET /api/ready.
type LLMPinger struct {
	// check is the zero-token listing call; nil when the backend has none.
	check provider.HealthChecker
	// model is checked with a one-message generate call when check is nil.
	model model.BaseChatModel
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewLLMPinger constructs an LLMPinger. m is only used when hc is nil.
func NewLLMPinger(hc provider.HealthChecker, m model.BaseChatModel, name string) *LLMPinger {
	return &LLMPinger{check: hc, model: m, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping checks the LLM backend. The health check endpoint is preferred; the
// generate fallback consumes tokens.
func (p *LLMPinger) Ping(ctx context.Context) error {
	if p.check != nil {
		if err := p.check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s health check failed: %w", p.name, err)
		}
		return nil
	}
	if p.model == nil {
		return errors.New("no health check or model configured")
	}

	logging.FromContext(ctx).Warn("pinger: falling back to a generate call, tokens will be consumed",
		slog.String("backend", p.name),
	)
	resp, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")})
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return errors.New("generate returned nil response")
	}
	return nil
}

// QdrantPinger checks a Qdrant instance using its native HealthCheck RPC.
// It satisfies the Pinger interface and is used by GET /api/ready.
type QdrantPinger struct {
	// client is the Qdrant gRPC client to check.
	client *qdrant.Client
}

// NewQdrantPinger constructs a QdrantPinger for the given Qdrant client.
func NewQdrantPinger(client *qdrant.Client) *QdrantPinger {
	return &QdrantPinger{client: client}
}

// Name returns the dependency label used in readiness responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if _, err := p.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// IndexPinger checks a vector index. Indexes with their own Ping method
// (the SQLite index) are pinged directly; others answer a Stats call.
type IndexPinger struct {
	name  string
	index rag.VectorIndex
}

// NewIndexPinger constructs an IndexPinger labelled name.
func NewIndexPinger(name string, idx rag.VectorIndex) *IndexPinger {
	return &IndexPinger{name: name, index: idx}
}

// Name returns the dependency label used in readiness responses.
func (p *IndexPinger) Name() string { return p.name }

// Ping checks the index is reachable.
func (p *IndexPinger) Ping(ctx context.Context) error {
	if pinger, ok := p.index.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	if _, err := p.index.Stats(ctx); err != nil {
		return fmt.Errorf("stats failed: %w", err)
	}
	return nil
}
