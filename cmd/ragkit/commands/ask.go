package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/logging"
	"github.com/54b3r/ragkit-go/internal/rag"
)

// NewAskCmd constructs the `ragkit ask` command, which answers one question
// from the indexed documents and prints the cited sources.
func NewAskCmd() *cobra.Command {
	var (
		flags   rag.Filter
		where   []string
		topK    int
		profile string
		session string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from the indexed documents",
		Long: `Retrieve the passages closest to the question, assemble them into a
prompt within CONTEXT_TOKEN_BUDGET and ask the configured chat model.

When nothing relevant is indexed the model is still asked, with an explicit
note that no context was found.

With --session the recent turns of that session are sent as conversation
history and the new turn is stored under CONVERSATION_PATH.

Examples:
  ragkit ask "why did turbine 7 trip last week?"
  ragkit ask --category equipment_health --top-k 8 "which assets need inspection?"
  ragkit ask --where site=north --profile concise --json "summarise open alerts"
  ragkit ask --session ops "and the one before that?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			filter, err := rag.ParseFilter(where)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			mergeFilter(&filter, flags)

			a, err := buildApp(ctx, log, prometheus.NewRegistry(), buildOptions{generator: true})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer a.close()

			answer, err := a.pipeline.Ask(ctx, rag.Query{
				Text:    strings.Join(args, " "),
				Filter:  filter,
				TopK:    topK,
				Profile: profile,
				Session: session,
			})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(answer)
			}
			printAnswer(cmd.OutOrStdout(), answer)
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.Category, "category", "", "Only retrieve passages with this category")
	cmd.Flags().StringVar(&flags.Domain, "domain", "", "Only retrieve passages with this domain")
	cmd.Flags().StringVar(&flags.DocumentID, "doc", "", "Only retrieve passages from this document ID")
	cmd.Flags().StringVar(&flags.Source, "source", "", "Only retrieve passages from this source")
	cmd.Flags().StringArrayVar(&flags.Tags, "tag", nil, "Only retrieve passages carrying this tag (repeatable)")
	cmd.Flags().StringArrayVar(&where, "where", nil, "Extra metadata filter as key=value (repeatable)")
	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Passages to retrieve (default: TOP_K)")
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "Instruction profile (see 'ragkit profiles')")
	cmd.Flags().StringVarP(&session, "session", "s", "", "Conversation session ID; earlier turns become history")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the answer and sources as JSON")

	return cmd
}

// mergeFilter lets the typed flags override the --where pairs.
func mergeFilter(f *rag.Filter, flags rag.Filter) {
	if flags.Category != "" {
		f.Category = flags.Category
	}
	if flags.Domain != "" {
		f.Domain = flags.Domain
	}
	if flags.DocumentID != "" {
		f.DocumentID = flags.DocumentID
	}
	if flags.Source != "" {
		f.Source = flags.Source
	}
	f.Tags = append(f.Tags, flags.Tags...)
}

// printAnswer writes the answer text followed by its numbered sources.
func printAnswer(w io.Writer, a *rag.Answer) {
	fmt.Fprintln(w, strings.TrimSpace(a.Text))
	if a.NoContext {
		fmt.Fprintln(w, "\n(no indexed passages matched this question)")
		return
	}
	fmt.Fprintln(w, "\nSources:")
	for _, s := range a.Sources {
		label := s.Source
		if s.Category != "" {
			label += " [" + s.Category + "]"
		}
		fmt.Fprintf(w, "  [%d] %s #%d (score %.3f)\n", s.Ref, label, s.ChunkIndex, s.Score)
	}
}
