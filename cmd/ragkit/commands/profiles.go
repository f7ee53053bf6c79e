package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/prompt"
)

// NewProfilesCmd constructs the `ragkit profiles` command, which lists the
// built-in instruction profiles plus any loaded from PROMPT_PROFILES_FILE.
func NewProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the available instruction profiles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			profiles := prompt.NewProfiles()
			if path := os.Getenv("PROMPT_PROFILES_FILE"); path != "" {
				if _, err := profiles.LoadFile(path); err != nil {
					return fmt.Errorf("profiles: %w", err)
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tDESCRIPTION")
			for _, p := range profiles.List() {
				fmt.Fprintf(tw, "%s\t%s\n", p.Name, p.Description)
			}
			return tw.Flush()
		},
	}
}
