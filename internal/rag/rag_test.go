package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero norm", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Cosine(tc.a, tc.b)
			if math.Abs(float64(got-tc.want)) > 1e-6 {
				t.Errorf("Cosine = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestRecordID_Stable(t *testing.T) {
	t.Parallel()
	a := RecordID("doc", 3)
	if a != RecordID("doc", 3) {
		t.Fatal("RecordID is not deterministic")
	}
	if a == RecordID("doc", 4) || a == RecordID("doc-3", 0) {
		t.Fatal("RecordID collides across distinct chunks")
	}
	if len(a) != 36 {
		t.Fatalf("RecordID %q is not a UUID", a)
	}
}

func TestMetadata_Validate(t *testing.T) {
	t.Parallel()
	long := make([]byte, maxMetaValueLen+1)
	for i := range long {
		long[i] = 'x'
	}
	tests := []struct {
		name    string
		meta    Metadata
		wantErr bool
	}{
		{"empty", Metadata{}, false},
		{"typical", Metadata{Category: "maintenance", Domain: "energy", Tags: []string{"turbine"}, Extra: map[string]string{"site": "north"}}, false},
		{"oversized category", Metadata{Category: string(long)}, true},
		{"blank tag", Metadata{Tags: []string{" "}}, true},
		{"comma tag", Metadata{Tags: []string{"a,b"}}, true},
		{"reserved extra", Metadata{Extra: map[string]string{"doc_id": "x"}}, true},
		{"reserved extra case", Metadata{Extra: map[string]string{"Category": "x"}}, true},
		{"empty extra key", Metadata{Extra: map[string]string{"": "x"}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.meta.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedInput) {
				t.Errorf("Validate() err = %v, want ErrMalformedInput", err)
			}
		})
	}
}

func TestMetadata_FlattenRoundTrip(t *testing.T) {
	t.Parallel()
	in := Metadata{Category: "c", Domain: "d", Tags: []string{"x", "y"}, Extra: map[string]string{"k": "v"}}
	out, src := Unflatten(in.Flatten("file.txt"))
	if src != "file.txt" || out.Category != "c" || out.Domain != "d" || len(out.Tags) != 2 || out.Extra["k"] != "v" {
		t.Fatalf("round trip mismatch: %+v source=%q", out, src)
	}
}

func TestParseFilter(t *testing.T) {
	t.Parallel()
	f, err := ParseFilter([]string{"category=ops", "doc=abc", "tag=a", "tag=b", "site=north"})
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	if f.Category != "ops" || f.DocumentID != "abc" || len(f.Tags) != 2 || f.Extra["site"] != "north" {
		t.Fatalf("unexpected filter %+v", f)
	}
	if _, err := ParseFilter([]string{"novalue"}); err == nil {
		t.Fatal("expected error for pair without '='")
	}
}

func TestGenerationError(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("generator: %w", &GenerationError{Kind: KindRateLimited, Err: errors.New("429")})
	if !errors.Is(err, ErrGeneration) {
		t.Fatal("GenerationError must match ErrGeneration")
	}
	if GenerationKindOf(err) != KindRateLimited {
		t.Fatalf("kind = %q", GenerationKindOf(err))
	}
	var ge *GenerationError
	if !errors.As(err, &ge) || !ge.Retryable() {
		t.Fatal("rate limited must be retryable")
	}
	if (&GenerationError{Kind: KindContentRejected}).Retryable() {
		t.Fatal("content rejection must not be retryable")
	}
}

// stubEmbedder returns a fixed vector or error.
type stubEmbedder struct {
	vec Vector
	err error
}

func (s *stubEmbedder) Embed(context.Context, string) (Vector, error) { return s.vec, s.err }
func (s *stubEmbedder) EmbedMany(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	for i := range out {
		out[i] = s.vec
	}
	return out, s.err
}
func (s *stubEmbedder) Model() string { return s.vec.Model }

func TestRetriever_EmptyIndex(t *testing.T) {
	t.Parallel()
	r, err := NewRetriever(&stubEmbedder{vec: query(0)}, NewMemoryIndex(), 0)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Retrieve(context.Background(), "anything", 0, Filter{})
	if err != nil {
		t.Fatalf("Retrieve on empty index: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty result, got %d", len(got))
	}
}

func TestRetriever_DefaultKAndMinScore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	idx := NewMemoryIndex()
	var batch []Record
	for i := range 8 {
		batch = append(batch, rec("doc", i, i, Metadata{}))
	}
	if err := idx.Upsert(ctx, batch); err != nil {
		t.Fatal(err)
	}

	r, _ := NewRetriever(&stubEmbedder{vec: query(0)}, idx, 0)
	got, err := r.Retrieve(ctx, "q", 0, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != DefaultTopK {
		t.Fatalf("default k: got %d results, want %d", len(got), DefaultTopK)
	}

	strict, _ := NewRetriever(&stubEmbedder{vec: query(0)}, idx, 8, WithMinScore(0.5))
	got, _ = strict.Retrieve(ctx, "q", 0, Filter{})
	for _, res := range got {
		if res.Score < 0.5 {
			t.Errorf("result below min score: %f", res.Score)
		}
	}
	if len(got) == 0 || len(got) == 8 {
		t.Fatalf("min score should keep some but not all results, got %d", len(got))
	}
}

func TestRetriever_EmbedFailure(t *testing.T) {
	t.Parallel()
	boom := fmt.Errorf("embedder: %w", ErrRetrievalUnavailable)
	r, _ := NewRetriever(&stubEmbedder{err: boom}, NewMemoryIndex(), 4)
	_, err := r.Retrieve(context.Background(), "q", 0, Filter{})
	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Fatalf("err = %v, want ErrRetrievalUnavailable", err)
	}
}

func TestNewRetriever_NilArgs(t *testing.T) {
	t.Parallel()
	if _, err := NewRetriever(nil, NewMemoryIndex(), 1); err == nil {
		t.Error("expected error for nil embedder")
	}
	if _, err := NewRetriever(&stubEmbedder{}, nil, 1); err == nil {
		t.Error("expected error for nil index")
	}
}
