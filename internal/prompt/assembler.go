// Package prompt assembles grounded prompts from retrieved passages. Each
// kept passage is numbered so the answer can cite it as [n], and the set of
// cited sources returned with a prompt is exactly the set of passages that
// made it into the context.
package prompt

import (
	"context"
	"fmt"
	"strings"

	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/ragkit-go/internal/budget"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// passageSeparator joins rendered passages in the context block.
const passageSeparator = "\n\n---\n\n"

// historyShare is the fraction of the budget conversation history may use:
// at most budget/historyShare tokens.
const historyShare = 3

// Prompt is the assembled model input plus its provenance.
type Prompt struct {
	// Messages is the formatted chat input.
	Messages []*schema.Message
	// Sources lists the passages included in the context, in citation order.
	Sources []rag.Source
	// Dropped lists the record IDs removed to fit the budget.
	Dropped []string
	// History is the number of conversation messages included.
	History int
	// NoContext is true when no passage was included.
	NoContext bool
	// Profile is the resolved profile name.
	Profile string
	// Tokens is the estimated size of Messages.
	Tokens int
}

// Text renders the messages as plain text for display.
func (p *Prompt) Text() string {
	var b strings.Builder
	for i, m := range p.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", m.Role, m.Content)
	}
	return b.String()
}

// Assembler builds prompts within a token budget for retrieved passages.
type Assembler struct {
	budget   int
	profiles *Profiles
}

// New returns an Assembler. budgetTokens <= 0 selects
// budget.DefaultContextTokens; a nil registry uses the built-in profiles.
func New(budgetTokens int, profiles *Profiles) *Assembler {
	if budgetTokens <= 0 {
		budgetTokens = budget.DefaultContextTokens
	}
	if profiles == nil {
		profiles = NewProfiles()
	}
	return &Assembler{budget: budgetTokens, profiles: profiles}
}

// Budget returns the passage token budget.
func (a *Assembler) Budget() int { return a.budget }

// Profiles returns the profile registry.
func (a *Assembler) Profiles() *Profiles { return a.profiles }

// Assemble renders question and results into a prompt using the named
// profile. Results are expected in retrieval order, best first. When their
// combined size exceeds the budget the lowest-scoring passages are dropped.
// An empty result set produces the profile's no-context prompt.
//
// history holds earlier user and assistant messages of the conversation,
// oldest first. They are placed between the system instruction and the
// question and are charged to the budget: the newest whole turns that fit
// in budget/3 tokens are kept, and passages share what remains.
func (a *Assembler) Assemble(ctx context.Context, question string, results []rag.Result, profileName string, history ...*schema.Message) (*Prompt, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, rag.Malformedf("question must not be empty")
	}
	prof, err := a.profiles.Get(profileName)
	if err != nil {
		return nil, err
	}

	hist, histTokens := fitHistory(history, a.budget/historyShare)

	items := make([]budget.Item, len(results))
	for i, r := range results {
		// Refs are not known until selection; size with the widest one.
		items[i] = budget.Item{
			Tokens: budget.Estimate(renderPassage(len(results), r)) + budget.Estimate(passageSeparator),
			Score:  r.Score,
		}
	}
	keep, dropped := budget.Select(items, a.budget-histTokens)

	p := &Prompt{Profile: prof.Name, History: len(hist)}
	for _, i := range dropped {
		p.Dropped = append(p.Dropped, results[i].Record.ID)
	}

	passages := make([]string, 0, len(keep))
	for n, i := range keep {
		ref := n + 1
		r := results[i]
		passages = append(passages, renderPassage(ref, r))
		p.Sources = append(p.Sources, sourceOf(ref, r))
	}

	contextBlock := strings.Join(passages, passageSeparator)
	if len(passages) == 0 {
		p.NoContext = true
		contextBlock = prof.NoContext
		if contextBlock == "" {
			contextBlock = defaultNoContext
		}
	}

	tpl := einoprompt.FromMessages(schema.FString,
		schema.SystemMessage(prof.System),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage(prof.User),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"context":  contextBlock,
		"question": question,
		"history":  hist,
	})
	if err != nil {
		return nil, rag.Configf("prompt: format profile %q: %v", prof.Name, err)
	}
	p.Messages = msgs
	p.Tokens = budget.EstimateMessages(msgs)
	return p, nil
}

// fitHistory keeps the newest messages whose estimated size fits in
// maxTokens. The kept tail always starts with a user message so no answer
// appears without its question.
func fitHistory(history []*schema.Message, maxTokens int) ([]*schema.Message, int) {
	start, total := len(history), 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := budget.EstimateMessages(history[i : i+1])
		if total+cost > maxTokens {
			break
		}
		start, total = i, total+cost
	}
	for start < len(history) && history[start].Role != schema.User {
		total -= budget.EstimateMessages(history[start : start+1])
		start++
	}
	if start == len(history) {
		return nil, 0
	}
	return history[start:], total
}

// renderPassage formats one passage with its citation number and origin.
func renderPassage(ref int, r rag.Result) string {
	c := r.Record.Chunk
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] %s\nSource: %s", ref, c.Text, displaySource(c))
	if c.Metadata.Category != "" {
		fmt.Fprintf(&b, " (category: %s)", c.Metadata.Category)
	}
	return b.String()
}

func displaySource(c rag.Chunk) string {
	if c.Source != "" {
		return c.Source
	}
	return c.DocumentID
}

func sourceOf(ref int, r rag.Result) rag.Source {
	c := r.Record.Chunk
	return rag.Source{
		Ref:        ref,
		RecordID:   r.Record.ID,
		DocumentID: c.DocumentID,
		ChunkIndex: c.Index,
		Source:     displaySource(c),
		Category:   c.Metadata.Category,
		Score:      r.Score,
		Text:       c.Text,
	}
}
