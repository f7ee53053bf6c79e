package rag

import (
	"context"
	"slices"
	"sync"
)

// MemoryIndex is an in-process VectorIndex. It does not persist and is used
// for tests and --ephemeral runs.
type MemoryIndex struct {
	// docs serialises writers per document ID.
	docs *DocLocks

	// mu guards every field below. Writers apply a whole batch under the
	// write lock so queries never observe half of it.
	mu      sync.RWMutex
	records map[string]Record
	byDoc   map[string]map[string]struct{}
	model   string
	dim     int
}

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		docs:    NewDocLocks(),
		records: make(map[string]Record),
		byDoc:   make(map[string]map[string]struct{}),
	}
}

// Upsert inserts or replaces records by ID.
func (m *MemoryIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	unlock := m.docs.LockAll(DocumentIDs(records))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBatch(records); err != nil {
		return err
	}
	m.apply(records)
	return nil
}

// ReplaceDocument drops all records of docID and inserts records atomically.
func (m *MemoryIndex) ReplaceDocument(ctx context.Context, docID string, records []Record) error {
	for _, r := range records {
		if r.Chunk.DocumentID != docID {
			return Malformedf("rag: record %s belongs to %q, not %q", r.ID, r.Chunk.DocumentID, docID)
		}
	}
	unlock := m.docs.Lock(docID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkBatch(records); err != nil {
		return err
	}
	m.removeDoc(docID)
	m.apply(records)
	return nil
}

// Query scores every matching record against vector.
func (m *MemoryIndex) Query(ctx context.Context, vector Vector, k int, filter Filter) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.records) == 0 {
		return nil, nil
	}
	if err := CheckVector(vector, m.model, m.dim); err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(m.records))
	for _, r := range m.records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !filter.Match(r.Chunk) {
			continue
		}
		results = append(results, Result{Record: r, Score: Cosine(vector.Values, r.Vector.Values)})
	}
	return TopK(results, k), nil
}

// Delete removes every record belonging to docID.
func (m *MemoryIndex) Delete(ctx context.Context, docID string) error {
	unlock := m.docs.Lock(docID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeDoc(docID)
	return nil
}

// Stats reports the index contents.
func (m *MemoryIndex) Stats(ctx context.Context) (IndexStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var cats, domains []string
	for _, r := range m.records {
		if c := r.Chunk.Metadata.Category; c != "" {
			cats = append(cats, c)
		}
		if d := r.Chunk.Metadata.Domain; d != "" {
			domains = append(domains, d)
		}
	}
	return IndexStats{
		Records:    len(m.records),
		Documents:  len(m.byDoc),
		Model:      m.model,
		Dimension:  m.dim,
		Categories: distinct(cats),
		Domains:    distinct(domains),
	}, nil
}

// distinct sorts labels and drops duplicates.
func distinct(labels []string) []string {
	slices.Sort(labels)
	return slices.Compact(labels)
}

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }

// checkBatch validates every vector before anything is written. The model is
// pinned by the first batch ever written, even if the index later empties.
func (m *MemoryIndex) checkBatch(records []Record) error {
	model, dim := m.model, m.dim
	for _, r := range records {
		if err := CheckVector(r.Vector, model, dim); err != nil {
			return err
		}
		if model == "" {
			model, dim = r.Vector.Model, r.Vector.Dim()
		}
	}
	return nil
}

func (m *MemoryIndex) apply(records []Record) {
	for _, r := range records {
		if m.model == "" {
			m.model, m.dim = r.Vector.Model, r.Vector.Dim()
		}
		m.records[r.ID] = r
		ids, ok := m.byDoc[r.Chunk.DocumentID]
		if !ok {
			ids = make(map[string]struct{})
			m.byDoc[r.Chunk.DocumentID] = ids
		}
		ids[r.ID] = struct{}{}
	}
}

func (m *MemoryIndex) removeDoc(docID string) {
	for id := range m.byDoc[docID] {
		delete(m.records, id)
	}
	delete(m.byDoc, docID)
}
