package commands

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/logging"
)

// NewDeleteCmd constructs the `ragkit delete` command, which removes every
// chunk of the given documents from the index.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [document-id...]",
		Short: "Remove documents from the index",
		Long: `Remove every indexed chunk of each given document ID. Deleting an ID
that is not indexed is not an error.

Examples:
  ragkit delete 3f2a9c0d6e1b4a7f9c2d8e5b1a0f6c3d`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := buildApp(ctx, logging.FromContext(ctx), prometheus.NewRegistry(), buildOptions{})
			if err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			defer a.close()

			for _, id := range args {
				if err := a.pipeline.Delete(ctx, id); err != nil {
					return fmt.Errorf("delete: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
			}
			return nil
		},
	}
}
