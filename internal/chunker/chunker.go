// Package chunker splits document text into overlapping passages sized for
// embedding and prompt budgets. Splitting prefers paragraph, line, sentence
// and word boundaries, in that order, and falls back to a hard cut.
// Sizes are measured in runes. Output is deterministic for a given input and
// configuration so re-ingestion produces identical record IDs.
package chunker

import (
	"iter"
	"strings"

	"github.com/54b3r/ragkit-go/internal/rag"
)

const (
	// DefaultSize is the default maximum chunk length in runes.
	DefaultSize = 1000
	// DefaultOverlap is the default number of runes shared by neighbours.
	DefaultOverlap = 100
)

// separators are tried in order. A cut lands just after the separator.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", " "}

// Chunker produces chunks of at most size runes where each chunk after the
// first begins exactly overlap runes before the previous one ends.
type Chunker struct {
	size    int
	overlap int
}

// New validates the parameters and returns a Chunker.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, rag.Configf("chunker: size must be > 0, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, rag.Configf("chunker: overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the maximum chunk length in runes.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the overlap length in runes.
func (c *Chunker) Overlap() int { return c.overlap }

// Normalize is the canonical text form chunk offsets refer to: line
// endings become "\n" and surrounding whitespace is trimmed.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}

// Chunk returns a lazy sequence over doc's chunks. Each range over the
// sequence starts again from the beginning. An empty document yields
// nothing.
func (c *Chunker) Chunk(doc rag.Document) iter.Seq[rag.Chunk] {
	return func(yield func(rag.Chunk) bool) {
		runes := []rune(Normalize(doc.Text))
		n := len(runes)
		start, idx := 0, 0
		for start < n {
			end := n
			if n-start > c.size {
				end = c.cut(runes, start)
			}
			ch := rag.Chunk{
				DocumentID: doc.ID,
				Index:      idx,
				Text:       string(runes[start:end]),
				Start:      start,
				End:        end,
				Source:     doc.Source,
				Metadata:   doc.Metadata,
			}
			if !yield(ch) {
				return
			}
			if end == n {
				return
			}
			start = end - c.overlap
			idx++
		}
	}
}

// All collects the sequence into a slice.
func (c *Chunker) All(doc rag.Document) []rag.Chunk {
	var out []rag.Chunk
	for ch := range c.Chunk(doc) {
		out = append(out, ch)
	}
	return out
}

// cut picks the end offset for a chunk starting at start. The cut must
// leave the next chunk starting after start, so it lies in
// (start+overlap, start+size]. Semantic boundaries are only accepted in the
// back half of the window to avoid runs of tiny chunks.
func (c *Chunker) cut(runes []rune, start int) int {
	hi := start + c.size
	lo := start + max(c.overlap+1, c.size/2)
	window := string(runes[start:hi])

	for _, sep := range separators {
		pos := strings.LastIndex(window, sep)
		if pos < 0 {
			continue
		}
		// Convert the byte position of the separator end to a rune offset.
		end := start + len([]rune(window[:pos+len(sep)]))
		if end >= lo && end <= hi {
			return end
		}
	}
	return hi
}

// Reconstruct concatenates chunks in sequence order, dropping each chunk's
// overlap with its predecessor. For the output of Chunk it equals the
// normalised document text.
func Reconstruct(chunks []rag.Chunk) string {
	var b strings.Builder
	prevEnd := 0
	for i, ch := range chunks {
		r := []rune(ch.Text)
		if i == 0 {
			b.WriteString(ch.Text)
			prevEnd = ch.End
			continue
		}
		skip := prevEnd - ch.Start
		if skip < 0 || skip > len(r) {
			skip = 0
		}
		b.WriteString(string(r[skip:]))
		prevEnd = ch.End
	}
	return b.String()
}
