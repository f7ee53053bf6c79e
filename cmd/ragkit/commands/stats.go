package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/logging"
)

// NewStatsCmd constructs the `ragkit stats` command.
func NewStatsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show what the index holds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx, logging.FromContext(ctx), prometheus.NewRegistry(), buildOptions{})
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			defer a.close()

			st, err := a.pipeline.Stats(ctx)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(st)
			}
			fmt.Fprintf(out, "backend:    %s\n", a.settings.IndexBackend)
			fmt.Fprintf(out, "documents:  %d\n", st.Documents)
			fmt.Fprintf(out, "records:    %d\n", st.Records)
			fmt.Fprintf(out, "model:      %s\n", orNone(st.Model))
			fmt.Fprintf(out, "dimension:  %d\n", st.Dimension)
			fmt.Fprintf(out, "categories: %s\n", orNone(strings.Join(st.Categories, ", ")))
			fmt.Fprintf(out, "domains:    %s\n", orNone(strings.Join(st.Domains, ", ")))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the stats as JSON")

	return cmd
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
