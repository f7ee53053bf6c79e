// Package budget provides token estimation and context-budget selection for
// prompt assembly. Embedding and generation backends use different
// tokenizers, so this package uses a conservative character heuristic:
// 1 token ≈ 4 characters of English prose.
package budget

import (
	"cmp"
	"slices"

	"github.com/cloudwego/eino/schema"
)

const (
	// charsPerToken is the character-to-token ratio used for estimation.
	charsPerToken = 4

	// messageOverhead is the per-message framing cost most chat APIs charge.
	messageOverhead = 4

	// DefaultContextTokens is the default budget for retrieved passages.
	DefaultContextTokens = 3000
)

// Estimate returns a rough token count for s using the character heuristic.
func Estimate(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		total += messageOverhead
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// Item is one candidate passage for selection.
type Item struct {
	// Tokens is the estimated cost of including the passage.
	Tokens int
	// Score ranks the passage; lower scores are dropped first.
	Score float32
}

// Select returns the indices of items to keep so their total cost fits
// within maxTokens. An item that alone exceeds maxTokens is dropped without
// affecting the others; the rest are dropped lowest-score first (ties drop
// the later item first) until the remainder fits. Kept indices are returned
// in their original order. maxTokens <= 0 keeps nothing.
func Select(items []Item, maxTokens int) (keep, dropped []int) {
	order := make([]int, len(items))
	for i := range items {
		order[i] = i
	}
	// Highest score first; among equals the earlier item ranks higher.
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(items[b].Score, items[a].Score)
	})

	fitting := make([]int, 0, len(order))
	for n := len(order) - 1; n >= 0; n-- {
		i := order[n]
		if maxTokens <= 0 || items[i].Tokens > maxTokens {
			dropped = append(dropped, i)
		}
	}
	total := 0
	for _, i := range order {
		if maxTokens > 0 && items[i].Tokens <= maxTokens {
			fitting = append(fitting, i)
			total += items[i].Tokens
		}
	}

	n := len(fitting)
	for n > 0 && total > maxTokens {
		n--
		total -= items[fitting[n]].Tokens
		dropped = append(dropped, fitting[n])
	}

	keep = slices.Clone(fitting[:n])
	slices.Sort(keep)
	return keep, dropped
}
