package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/54b3r/ragkit-go/internal/logging"
)

// DefaultTopK is the result count used when neither the caller nor the
// configuration supplies one.
const DefaultTopK = 4

// DefaultRetriever implements the Retriever interface by combining an Embedder
// and a VectorIndex. It embeds the query at retrieval time and delegates
// similarity search to the index.
type DefaultRetriever struct {
	// embedder converts query text to a dense vector.
	embedder Embedder

	// index performs the vector similarity search.
	index VectorIndex

	// defaultTopK is the number of results to return when the caller passes 0.
	defaultTopK int

	// minScore drops results scoring below it. Zero keeps everything.
	minScore float32
}

// RetrieverOption customises a DefaultRetriever.
type RetrieverOption func(*DefaultRetriever)

// WithMinScore drops results whose similarity is below s.
func WithMinScore(s float32) RetrieverOption {
	return func(r *DefaultRetriever) { r.minScore = s }
}

// NewRetriever constructs a DefaultRetriever from the given Embedder and VectorIndex.
// defaultTopK sets the fallback result count when Retrieve is called with k=0.
func NewRetriever(embedder Embedder, index VectorIndex, defaultTopK int, opts ...RetrieverOption) (*DefaultRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if index == nil {
		return nil, fmt.Errorf("rag: index must not be nil")
	}
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	r := &DefaultRetriever{
		embedder:    embedder,
		index:       index,
		defaultTopK: defaultTopK,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Retrieve embeds the query and returns the top-k most relevant records.
// An index with no matching records yields an empty result and no error.
func (r *DefaultRetriever) Retrieve(ctx context.Context, text string, k int, filter Filter) ([]Result, error) {
	if k <= 0 {
		k = r.defaultTopK
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}

	results, err := r.index.Query(ctx, vec, k, filter)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}

	if r.minScore != 0 {
		kept := results[:0]
		for _, res := range results {
			if res.Score >= r.minScore {
				kept = append(kept, res)
			}
		}
		results = kept
	}

	logging.FromContext(ctx).Debug("rag: retrieved",
		slog.Int("k", k),
		slog.Int("results", len(results)),
		slog.String("filter", filter.String()),
	)
	return results, nil
}
