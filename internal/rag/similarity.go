package rag

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"
)

// Cosine returns the cosine similarity of a and b. Mismatched lengths or a
// zero-norm operand yield 0.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// SortResults orders results by descending score, breaking ties by record
// ID so equal scores rank deterministically.
func SortResults(results []Result) {
	slices.SortStableFunc(results, func(a, b Result) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Record.ID, b.Record.ID)
	})
}

// TopK sorts results and truncates to k.
func TopK(results []Result, k int) []Result {
	SortResults(results)
	if k >= 0 && len(results) > k {
		results = results[:k]
	}
	return results
}

// CheckVector validates v against the model and dimension pinned by an
// index. An empty pinned model means the index has not been written yet.
func CheckVector(v Vector, model string, dim int) error {
	if len(v.Values) == 0 {
		return fmt.Errorf("rag: empty vector")
	}
	if v.Model == "" {
		return fmt.Errorf("rag: vector has no model tag")
	}
	if model == "" {
		return nil
	}
	if v.Model != model {
		return fmt.Errorf("%w: index uses %q, vector from %q", ErrModelMismatch, model, v.Model)
	}
	if dim != 0 && len(v.Values) != dim {
		return fmt.Errorf("%w: index dimension %d, vector dimension %d", ErrModelMismatch, dim, len(v.Values))
	}
	return nil
}

// recordNamespace scopes record UUIDs so they never collide with IDs minted
// by other tools sharing a Qdrant collection.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ragkit/records"))

// RecordID derives the stable record identifier for chunk idx of docID.
// The value is a UUIDv5 so it is also a valid Qdrant point ID.
func RecordID(docID string, idx int) string {
	return uuid.NewSHA1(recordNamespace, []byte(fmt.Sprintf("%s-%d", docID, idx))).String()
}
