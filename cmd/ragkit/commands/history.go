package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/store"
)

// NewHistoryCmd constructs the `ragkit history` command, which prints the
// most recent entries of the answer log.
func NewHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently answered questions",
		Long: `Print the most recent questions recorded in the answer log.

The log is written by 'ragkit ask' and 'ragkit serve' when ANSWER_LOG_PATH is
set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := os.Getenv("ANSWER_LOG_PATH")
			if path == "" {
				return errors.New("history: ANSWER_LOG_PATH is not set")
			}
			if limit < 1 {
				return errors.New("history: --limit must be at least 1")
			}

			answers, err := store.OpenAnswerLog(path)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}
			defer answers.Close()

			entries, err := answers.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("history: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "no answers recorded")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %s  (%s, %d sources, profile %s)\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					e.Question, e.Latency.Round(time.Millisecond), len(e.Answer.Sources), e.Answer.Profile)
				fmt.Fprintf(out, "  %s\n", firstLine(e.Answer.Text))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of entries to show")

	return cmd
}

// firstLine returns the first non-empty line of s.
func firstLine(s string) string {
	for line := range strings.Lines(s) {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
