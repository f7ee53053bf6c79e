// Package rag defines the core types and interfaces of the retrieval pipeline:
// documents, chunks, embedding vectors, indexed records, and the VectorIndex,
// Embedder and Retriever contracts. Concrete backends (in-memory, Qdrant,
// SQLite in internal/store) satisfy these interfaces so the orchestrator never
// depends on a specific implementation.
package rag

import (
	"context"
)

// Document is a unit of raw input. It is immutable once ingested and only
// ever superseded by re-ingesting under the same ID.
type Document struct {
	// ID is the caller-chosen stable identifier.
	ID string

	// Source is the origin path, URL, or label shown when citing.
	Source string

	// Text is the already-extracted document body.
	Text string

	// Metadata is inherited by every chunk of the document.
	Metadata Metadata
}

// Chunk is a contiguous slice of a document's normalised text.
type Chunk struct {
	// DocumentID is the owning document.
	DocumentID string

	// Index is the zero-based sequence number within the document.
	Index int

	// Text is the chunk body.
	Text string

	// Start and End are rune offsets into the normalised document text.
	Start int
	End   int

	// Source is copied from the owning document.
	Source string

	// Metadata is copied from the owning document.
	Metadata Metadata
}

// Vector is an embedding tagged with the model that produced it.
type Vector struct {
	// Values is the dense embedding.
	Values []float32

	// Model is the embedding model identifier (e.g. "text-embedding-3-small").
	Model string
}

// Dim returns the vector dimension.
func (v Vector) Dim() int { return len(v.Values) }

// Record is a chunk plus its embedding as stored in a VectorIndex.
type Record struct {
	// ID is RecordID(Chunk.DocumentID, Chunk.Index).
	ID string

	// Chunk is the passage this record indexes.
	Chunk Chunk

	// Vector is the chunk embedding.
	Vector Vector
}

// NewRecord builds a Record with its stable identifier.
func NewRecord(c Chunk, v Vector) Record {
	return Record{ID: RecordID(c.DocumentID, c.Index), Chunk: c, Vector: v}
}

// Result is a record scored against a query vector.
type Result struct {
	Record Record

	// Score is the cosine similarity in [-1, 1].
	Score float32
}

// Query is a natural-language question with an optional filter.
type Query struct {
	// Text is the question.
	Text string

	// Filter restricts retrieval; the zero value matches everything.
	Filter Filter

	// TopK overrides the default result count when > 0.
	TopK int

	// Profile selects an instruction profile by name. Empty means default.
	Profile string

	// Session names a conversation. Recent turns of the same session are
	// given to the model as history. Empty means a one-off question.
	Session string
}

// Source is a passage cited in an Answer.
type Source struct {
	// Ref is the 1-based citation number used in the prompt body.
	Ref int `json:"ref"`
	// RecordID identifies the indexed record.
	RecordID string `json:"recordId"`
	// DocumentID is the owning document.
	DocumentID string `json:"documentId"`
	// ChunkIndex is the chunk sequence number.
	ChunkIndex int `json:"chunkIndex"`
	// Source is the document origin.
	Source string `json:"source"`
	// Category is copied from metadata for display.
	Category string `json:"category,omitempty"`
	// Score is the retrieval similarity.
	Score float32 `json:"score"`
	// Text is the passage text as included in the prompt.
	Text string `json:"text"`
}

// Answer is the generator output plus the passages it was conditioned on.
type Answer struct {
	// Text is the model response, untruncated.
	Text string `json:"answer"`
	// Sources are exactly the passages included in the prompt.
	Sources []Source `json:"sources"`
	// NoContext is true when retrieval found nothing to include.
	NoContext bool `json:"noContext"`
	// Profile is the instruction profile used.
	Profile string `json:"profile"`
}

// IndexStats summarises the contents of a VectorIndex.
type IndexStats struct {
	Records   int    `json:"records"`
	Documents int    `json:"documents"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`

	// Categories and Domains are the distinct non-empty labels, sorted.
	Categories []string `json:"categories,omitempty"`
	Domains    []string `json:"domains,omitempty"`
}

// VectorIndex persists records and answers nearest-neighbour queries by
// cosine similarity. Implementations must be safe for concurrent use, must
// serialise writes per document ID, and must never expose a partially
// applied upsert to a concurrent query.
type VectorIndex interface {
	// Upsert inserts or replaces records by ID. All records become visible
	// together.
	Upsert(ctx context.Context, records []Record) error

	// ReplaceDocument removes every record of docID and inserts records as
	// one unit.
	ReplaceDocument(ctx context.Context, docID string, records []Record) error

	// Query returns up to k records matching filter, by descending score.
	Query(ctx context.Context, vector Vector, k int, filter Filter) ([]Result, error)

	// Delete removes every record belonging to docID.
	Delete(ctx context.Context, docID string) error

	// Stats reports record and document counts and the pinned model.
	Stats(ctx context.Context) (IndexStats, error)

	// Close releases resources held by the index.
	Close() error
}

// Embedder maps text to vectors via a hosted model.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a single text.
	Embed(ctx context.Context, text string) (Vector, error)

	// EmbedMany converts texts; the result is parallel to the input.
	EmbedMany(ctx context.Context, texts []string) ([]Vector, error)

	// Model returns the embedding model identifier tagged on every vector.
	Model() string
}

// Retriever fetches the passages most relevant to a question.
type Retriever interface {
	// Retrieve embeds text and queries the index. k <= 0 uses the default.
	Retrieve(ctx context.Context, text string, k int, filter Filter) ([]Result, error)
}
