package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/54b3r/ragkit-go/internal/rag"
)

const testModel = "test-embed"

// openTestIndex opens an in-memory SQLiteIndex for use in tests.
func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	s, err := OpenIndex(":memory:")
	if err != nil {
		t.Fatalf("open in-memory index: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// rec builds a record for doc/idx whose vector points along axis.
func rec(doc string, idx int, axis int, meta rag.Metadata) rag.Record {
	v := make([]float32, 4)
	v[axis%4] = 1
	v[(axis+1)%4] = float32(idx) * 0.01
	return rag.NewRecord(rag.Chunk{
		DocumentID: doc,
		Index:      idx,
		Text:       fmt.Sprintf("%s chunk %d", doc, idx),
		Start:      idx * 10,
		End:        idx*10 + 12,
		Source:     doc + ".txt",
		Metadata:   meta,
	}, rag.Vector{Values: v, Model: testModel})
}

func query(axis int) rag.Vector {
	v := make([]float32, 4)
	v[axis%4] = 1
	return rag.Vector{Values: v, Model: testModel}
}

func Test_Index_UpsertIdempotentAndRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	meta := rag.Metadata{
		Category:  "maintenance",
		Domain:    "energy",
		Tags:      []string{"pump", "bearing"},
		Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Extra:     map[string]string{"plant": "north"},
	}
	r := rec("pump-manual", 0, 0, meta)
	for range 2 {
		if err := s.Upsert(ctx, []rag.Record{r}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Records != 1 || st.Documents != 1 || st.Model != testModel || st.Dimension != 4 {
		t.Fatalf("stats = %+v", st)
	}

	got, err := s.Query(ctx, query(0), 5, rag.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	g := got[0].Record
	if g.ID != r.ID || g.Chunk.Text != r.Chunk.Text || g.Chunk.Start != 0 || g.Chunk.End != 12 {
		t.Errorf("record = %+v", g)
	}
	if g.Chunk.Source != "pump-manual.txt" || g.Chunk.Metadata.Category != "maintenance" ||
		g.Chunk.Metadata.Extra["plant"] != "north" || len(g.Chunk.Metadata.Tags) != 2 ||
		!g.Chunk.Metadata.Timestamp.Equal(meta.Timestamp) {
		t.Errorf("metadata did not round-trip: %+v", g.Chunk)
	}
	if g.Vector.Model != testModel || len(g.Vector.Values) != 4 || g.Vector.Values[0] != 1 {
		t.Errorf("vector did not round-trip: %+v", g.Vector)
	}
	if got[0].Score < 0.99 {
		t.Errorf("score = %v, want ~1", got[0].Score)
	}
}

func Test_Index_QueryCountsAndFilters(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	var records []rag.Record
	for i := range 6 {
		cat := "ops"
		if i%2 == 1 {
			cat = "finance"
		}
		meta := rag.Metadata{Category: cat}
		if i == 4 {
			meta.Tags = []string{"urgent"}
		}
		records = append(records, rec(fmt.Sprintf("doc-%d", i), 0, i%3, meta))
	}
	if err := s.Upsert(ctx, records); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(st.Categories, []string{"finance", "ops"}) || len(st.Domains) != 0 {
		t.Errorf("stats labels = %v / %v, want [finance ops] / []", st.Categories, st.Domains)
	}

	tests := []struct {
		name   string
		k      int
		filter rag.Filter
		want   int
	}{
		{"k below N", 3, rag.Filter{}, 3},
		{"k above N", 10, rag.Filter{}, 6},
		{"zero k", 0, rag.Filter{}, 0},
		{"category", 10, rag.Filter{Category: "finance"}, 3},
		{"document", 10, rag.Filter{DocumentID: "doc-2"}, 1},
		{"tag matched in go", 10, rag.Filter{Tags: []string{"urgent"}}, 1},
		{"no match", 10, rag.Filter{Category: "legal"}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.Query(ctx, query(0), tc.k, tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tc.want {
				t.Fatalf("got %d results, want %d", len(got), tc.want)
			}
			for i, r := range got {
				if !tc.filter.Match(r.Record.Chunk) {
					t.Errorf("result %d does not match filter", i)
				}
				if i > 0 && got[i-1].Score < r.Score {
					t.Errorf("results not sorted by descending score")
				}
			}
		})
	}
}

func Test_Index_ReplaceAndDelete(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	v1 := []rag.Record{rec("a", 0, 0, rag.Metadata{}), rec("a", 1, 0, rag.Metadata{}), rec("a", 2, 0, rag.Metadata{})}
	if err := s.ReplaceDocument(ctx, "a", v1); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, []rag.Record{rec("b", 0, 1, rag.Metadata{})}); err != nil {
		t.Fatal(err)
	}

	v2 := []rag.Record{rec("a", 0, 0, rag.Metadata{})}
	if err := s.ReplaceDocument(ctx, "a", v2); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Query(ctx, query(0), 10, rag.Filter{DocumentID: "a"})
	if len(got) != 1 || got[0].Record.Chunk.Index != 0 {
		t.Fatalf("after replace: %d results", len(got))
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Query(ctx, query(0), 10, rag.Filter{DocumentID: "a"})
	if len(got) != 0 {
		t.Fatalf("after delete: %d results for a", len(got))
	}
	st, _ := s.Stats(ctx)
	if st.Records != 1 || st.Documents != 1 {
		t.Errorf("stats after delete = %+v", st)
	}

	err := s.ReplaceDocument(ctx, "a", []rag.Record{rec("b", 1, 0, rag.Metadata{})})
	if !errors.Is(err, rag.ErrMalformedInput) {
		t.Errorf("foreign record err = %v", err)
	}
}

func Test_Index_ModelPinned(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	if got, err := s.Query(ctx, query(0), 3, rag.Filter{}); err != nil || len(got) != 0 {
		t.Fatalf("empty index query = %v, %v", got, err)
	}
	if err := s.Upsert(ctx, []rag.Record{rec("a", 0, 0, rag.Metadata{})}); err != nil {
		t.Fatal(err)
	}

	other := rec("b", 0, 0, rag.Metadata{})
	other.Vector.Model = "other-model"
	if err := s.Upsert(ctx, []rag.Record{other}); !errors.Is(err, rag.ErrModelMismatch) {
		t.Fatalf("foreign model upsert err = %v", err)
	}
	q := query(0)
	q.Values = q.Values[:3]
	if _, err := s.Query(ctx, q, 1, rag.Filter{}); !errors.Is(err, rag.ErrModelMismatch) {
		t.Fatalf("short query err = %v", err)
	}

	// A rejected batch writes nothing.
	st, _ := s.Stats(ctx)
	if st.Records != 1 {
		t.Errorf("records = %d, want 1", st.Records)
	}
}

func Test_Index_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	s, err := OpenIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, []rag.Record{rec("a", 0, 0, rag.Metadata{Category: "ops"})}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	got, err := s.Query(ctx, query(0), 1, rag.Filter{Category: "ops"})
	if err != nil || len(got) != 1 {
		t.Fatalf("after reopen: %v, %v", got, err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func Test_Index_ConcurrentReplaceIsAtomic(t *testing.T) {
	t.Parallel()
	s := openTestIndex(t)
	ctx := context.Background()

	batch := func(n int) []rag.Record {
		out := make([]rag.Record, n)
		for i := range out {
			out[i] = rec("doc", i, 0, rag.Metadata{})
		}
		return out
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			size := 2
			if i%2 == 0 {
				size = 5
			}
			if err := s.ReplaceDocument(ctx, "doc", batch(size)); err != nil {
				t.Errorf("replace: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.Query(ctx, query(0), 10, rag.Filter{})
			if err != nil {
				t.Errorf("query: %v", err)
				return
			}
			if n := len(got); n != 0 && n != 2 && n != 5 {
				t.Errorf("query saw a partial replace: %d records", n)
			}
		}()
	}
	wg.Wait()
}

func Test_EncodeDecodeVector(t *testing.T) {
	t.Parallel()
	in := []float32{0, -1.5, 3.25, 1e-7}
	out, err := decodeVector(encodeVector(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("value %d: %v != %v", i, out[i], in[i])
		}
	}
	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

// openTestLog opens an in-memory SQLiteAnswerLog for use in tests.
func openTestLog(t *testing.T) *SQLiteAnswerLog {
	t.Helper()
	l, err := OpenAnswerLog(":memory:")
	if err != nil {
		t.Fatalf("open in-memory answer log: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func Test_AnswerLog_AppendAndRecent(t *testing.T) {
	t.Parallel()
	l := openTestLog(t)
	ctx := context.Background()

	first := rag.Answer{
		Text:    "Inspect the bearing [1].",
		Profile: "energy",
		Sources: []rag.Source{{Ref: 1, DocumentID: "pump", Source: "pump.txt", Score: 0.9}},
	}
	if err := l.Append(ctx, "what now?", first, 1500*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(ctx, "anything?", rag.Answer{Text: "I do not know.", Profile: "default", NoContext: true}, time.Second); err != nil {
		t.Fatal(err)
	}

	got, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 entries, got %d", len(got))
	}
	if got[0].Question != "what now?" || got[0].Answer.Profile != "energy" || got[0].Latency != 1500*time.Millisecond {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if len(got[0].Answer.Sources) != 1 || got[0].Answer.Sources[0].Source != "pump.txt" {
		t.Errorf("sources did not round-trip: %+v", got[0].Answer.Sources)
	}
	if !got[1].Answer.NoContext {
		t.Error("entry 1 should be marked no-context")
	}
}

func Test_AnswerLog_RecentLimitRespected(t *testing.T) {
	t.Parallel()
	l := openTestLog(t)
	ctx := context.Background()

	for i := range 6 {
		if err := l.Append(ctx, fmt.Sprintf("q%d", i), rag.Answer{Text: "a"}, 0); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.Recent(ctx, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 || got[0].Question != "q2" || got[3].Question != "q5" {
		t.Errorf("recent = %v", got)
	}
}

func openTestConversations(t *testing.T) *SQLiteConversations {
	t.Helper()
	c, err := OpenConversations(":memory:")
	if err != nil {
		t.Fatalf("open in-memory conversations: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func Test_Conversations_AppendAndRecent(t *testing.T) {
	t.Parallel()
	c := openTestConversations(t)
	ctx := context.Background()

	for i := range 3 {
		if err := c.AppendTurn(ctx, "s1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.AppendTurn(ctx, "s2", "other", "reply"); err != nil {
		t.Fatal(err)
	}

	got, err := c.Recent(ctx, "s1", 4)
	if err != nil {
		t.Fatal(err)
	}
	want := []Message{
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
		{Role: RoleAssistant, Content: "a2"},
	}
	if len(got) != len(want) {
		t.Fatalf("recent = %+v, want %d messages", got, len(want))
	}
	for i := range want {
		if got[i].Role != want[i].Role || got[i].Content != want[i].Content {
			t.Errorf("message %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func Test_Conversations_UnknownSessionAndZeroLimit(t *testing.T) {
	t.Parallel()
	c := openTestConversations(t)
	ctx := context.Background()

	if err := c.AppendTurn(ctx, "s1", "q", "a"); err != nil {
		t.Fatal(err)
	}
	if got, err := c.Recent(ctx, "nobody", 10); err != nil || len(got) != 0 {
		t.Errorf("unknown session: %v, %v", got, err)
	}
	if got, err := c.Recent(ctx, "s1", 0); err != nil || len(got) != 0 {
		t.Errorf("zero limit: %v, %v", got, err)
	}
}
