package rag

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/qdrant/go-client/qdrant"
)

// Payload field names written alongside every point.
const (
	payloadDocID   = "doc_id"
	payloadChunk   = "chunk_index"
	payloadContent = "content"
	payloadModel   = "model"
	payloadStart   = "start"
	payloadEnd     = "end"
)

// facetLimit caps the distinct values Stats reads per payload field.
const facetLimit = 10000

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// Model is the embedding model the collection is pinned to.
	Model string

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements VectorIndex backed by a Qdrant collection.
// Points are written with Wait=true so an upsert is visible in full once it
// returns and never partially before.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg *QdrantConfig

	// docs serialises writers per document ID within this process.
	docs *DocLocks

	// mu guards model, which is learned from the collection on first use
	// when cfg.Model is empty.
	mu    sync.Mutex
	model string
}

// NewQdrantIndex connects to Qdrant, ensures the collection and its payload
// indexes exist, and checks the collection's embedding model.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "ragkit"
	}
	if cfg.VectorSize == 0 {
		return nil, Configf("qdrant: vector size must be set for collection %q", cfg.Collection)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg, docs: NewDocLocks(), model: cfg.Model}
	if err := idx.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	if err := idx.checkCollectionModel(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return idx, nil
}

// Client exposes the gRPC client for readiness checks.
func (s *QdrantIndex) Client() *qdrant.Client { return s.client }

// ensureCollection creates the collection and keyword indexes on the fields
// used by filters and deletes.
func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("%w: qdrant: failed to check collection existence: %w", ErrRetrievalUnavailable, err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	keyword := qdrant.FieldType_FieldTypeKeyword
	wait := true
	for _, field := range []string{payloadDocID, KeyCategory, KeyDomain, KeySource, KeyTags} {
		_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: s.cfg.Collection,
			FieldName:      field,
			FieldType:      &keyword,
			Wait:           &wait,
		})
		if err != nil {
			return fmt.Errorf("qdrant: failed to index payload field %q: %w", field, err)
		}
	}
	return nil
}

// checkCollectionModel reads one existing point and compares its model tag
// with the configured one.
func (s *QdrantIndex) checkCollectionModel(ctx context.Context) error {
	limit := uint32(1)
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.cfg.Collection,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to inspect collection %q: %w", s.cfg.Collection, err)
	}
	if len(points) == 0 {
		return nil
	}
	stored := points[0].GetPayload()[payloadModel].GetStringValue()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == "" {
		s.model = stored
		return nil
	}
	if stored != "" && stored != s.model {
		return fmt.Errorf("%w: collection %q holds vectors from %q, configured model is %q",
			ErrModelMismatch, s.cfg.Collection, stored, s.model)
	}
	return nil
}

// pinnedModel returns the model the collection is bound to, pinning it to
// candidate when none is known yet.
func (s *QdrantIndex) pinnedModel(candidate string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == "" {
		s.model = candidate
	}
	return s.model
}

// Upsert stores or updates a batch of records in one request.
func (s *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	unlock := s.docs.LockAll(DocumentIDs(records))
	defer unlock()
	return s.upsert(ctx, records)
}

func (s *QdrantIndex) upsert(ctx context.Context, records []Record) error {
	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		model := s.pinnedModel(r.Vector.Model)
		if err := CheckVector(r.Vector, model, int(s.cfg.VectorSize)); err != nil { //nolint:gosec // dimensions are bounded
			return err
		}

		payload, err := qdrant.TryValueMap(pointPayload(r))
		if err != nil {
			return Malformedf("qdrant: record %s: %v", r.ID, err)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(r.ID),
			Vectors: qdrant.NewVectors(r.Vector.Values...),
			Payload: payload,
		})
	}

	wait := true
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("%w: qdrant: upsert failed: %w", ErrRetrievalUnavailable, err)
	}
	return nil
}

// pointPayload lays out the payload of r. Tags are a keyword list so each
// tag is matched whole.
func pointPayload(r Record) map[string]any {
	payload := map[string]any{
		payloadDocID:   r.Chunk.DocumentID,
		payloadChunk:   int64(r.Chunk.Index),
		payloadContent: r.Chunk.Text,
		payloadModel:   r.Vector.Model,
		payloadStart:   int64(r.Chunk.Start),
		payloadEnd:     int64(r.Chunk.End),
	}
	for k, v := range r.Chunk.Metadata.Flatten(r.Chunk.Source) {
		payload[k] = v
	}
	if len(r.Chunk.Metadata.Tags) > 0 {
		tags := make([]any, len(r.Chunk.Metadata.Tags))
		for i, t := range r.Chunk.Metadata.Tags {
			tags[i] = t
		}
		payload[KeyTags] = tags
	}
	return payload
}

// ReplaceDocument writes records and then removes any other point of docID.
// New points land before stale ones are removed, so a concurrent query never
// sees the document missing entirely. Qdrant has no multi-request
// transaction: between the two requests a query may see the new chunks next
// to stale ones of the old version, and a crash in between leaves those
// stale points until the document is ingested again. Writers in this process
// are serialised by docs; other processes are not.
func (s *QdrantIndex) ReplaceDocument(ctx context.Context, docID string, records []Record) error {
	unlock := s.docs.Lock(docID)
	defer unlock()

	if len(records) > 0 {
		if err := s.upsert(ctx, records); err != nil {
			return err
		}
	}

	keep := make([]*qdrant.PointId, 0, len(records))
	for _, r := range records {
		keep = append(keep, qdrant.NewIDUUID(r.ID))
	}
	filter := &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchKeyword(payloadDocID, docID)}}
	if len(keep) > 0 {
		filter.MustNot = []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_HasId{HasId: &qdrant.HasIdCondition{HasId: keep}},
		}}
	}
	return s.deleteByFilter(ctx, filter)
}

// Query performs a filtered cosine similarity search.
func (s *QdrantIndex) Query(ctx context.Context, vector Vector, k int, filter Filter) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	model := s.model
	s.mu.Unlock()
	if err := CheckVector(vector, model, int(s.cfg.VectorSize)); err != nil { //nolint:gosec // dimensions are bounded
		return nil, err
	}

	limit := uint64(k)
	req := &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vector.Values...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if must := filterConditions(filter); len(must) > 0 {
		req.Filter = &qdrant.Filter{Must: must}
	}

	points, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: qdrant: search failed: %w", ErrRetrievalUnavailable, err)
	}

	results := make([]Result, 0, len(points))
	for _, p := range points {
		rec := recordFromPayload(p.GetId().GetUuid(), p.GetPayload())
		if !filter.Match(rec.Chunk) {
			continue
		}
		results = append(results, Result{Record: rec, Score: p.GetScore()})
	}
	SortResults(results)
	return results, nil
}

// Delete removes every point whose doc_id payload equals docID.
func (s *QdrantIndex) Delete(ctx context.Context, docID string) error {
	unlock := s.docs.Lock(docID)
	defer unlock()
	return s.deleteByFilter(ctx, &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatchKeyword(payloadDocID, docID)}})
}

func (s *QdrantIndex) deleteByFilter(ctx context.Context, filter *qdrant.Filter) error {
	wait := true
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: qdrant: delete failed: %w", ErrRetrievalUnavailable, err)
	}
	return nil
}

// Stats counts points exactly. Documents and the label lists come from
// payload facets and stop at facetLimit distinct values.
func (s *QdrantIndex) Stats(ctx context.Context) (IndexStats, error) {
	exact := true
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.cfg.Collection,
		Exact:          &exact,
	})
	if err != nil {
		return IndexStats{}, fmt.Errorf("qdrant: count failed: %w", err)
	}
	st := IndexStats{Records: int(n), Dimension: int(s.cfg.VectorSize)} //nolint:gosec // counts are bounded

	docs, err := s.facet(ctx, payloadDocID)
	if err != nil {
		return st, err
	}
	st.Documents = len(docs)
	if st.Categories, err = s.facet(ctx, KeyCategory); err != nil {
		return st, err
	}
	if st.Domains, err = s.facet(ctx, KeyDomain); err != nil {
		return st, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.Model = s.model
	return st, nil
}

// facet returns the sorted distinct string values of a keyword-indexed field.
func (s *QdrantIndex) facet(ctx context.Context, key string) ([]string, error) {
	limit := uint64(facetLimit)
	exact := true
	hits, err := s.client.Facet(ctx, &qdrant.FacetCounts{
		CollectionName: s.cfg.Collection,
		Key:            key,
		Limit:          &limit,
		Exact:          &exact,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: facet %s failed: %w", key, err)
	}
	var out []string
	for _, h := range hits {
		if v := h.GetValue().GetStringValue(); v != "" {
			out = append(out, v)
		}
	}
	return distinct(out), nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}

// filterConditions translates a Filter into Qdrant keyword conditions.
func filterConditions(f Filter) []*qdrant.Condition {
	var must []*qdrant.Condition
	add := func(key, value string) {
		if value != "" {
			must = append(must, qdrant.NewMatchKeyword(key, value))
		}
	}
	add(payloadDocID, f.DocumentID)
	add(KeyCategory, f.Category)
	add(KeyDomain, f.Domain)
	add(KeySource, f.Source)
	for k, v := range f.Extra {
		add(k, v)
	}
	// A keyword condition on a list field holds when any element equals it,
	// so one condition per tag requires all of them.
	for _, t := range f.Tags {
		add(KeyTags, t)
	}
	return must
}

// recordFromPayload rebuilds a Record (without its vector values) from a
// point payload.
func recordFromPayload(id string, p map[string]*qdrant.Value) Record {
	flat := make(map[string]string, len(p))
	var c Chunk
	var model string
	for k, v := range p {
		switch k {
		case payloadDocID:
			c.DocumentID = v.GetStringValue()
		case payloadChunk:
			c.Index = int(v.GetIntegerValue())
		case payloadStart:
			c.Start = int(v.GetIntegerValue())
		case payloadEnd:
			c.End = int(v.GetIntegerValue())
		case payloadContent:
			c.Text = v.GetStringValue()
		case payloadModel:
			model = v.GetStringValue()
		default:
			if list := v.GetListValue(); list != nil {
				parts := make([]string, 0, len(list.GetValues()))
				for _, e := range list.GetValues() {
					parts = append(parts, e.GetStringValue())
				}
				flat[k] = strings.Join(parts, ",")
				continue
			}
			flat[k] = v.GetStringValue()
		}
	}
	c.Metadata, c.Source = Unflatten(flat)
	return Record{ID: id, Chunk: c, Vector: Vector{Model: model}}
}
