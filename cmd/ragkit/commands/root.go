// Package commands defines all Cobra CLI commands for the ragkit binary.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragkit-go/internal/audit"
	"github.com/54b3r/ragkit-go/internal/config"
	"github.com/54b3r/ragkit-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragkit",
		Short: "ragkit answers questions grounded in your own documents",
		Long: `ragkit is a retrieval-augmented generation toolkit.

Documents are split into overlapping chunks, embedded and stored in a vector
index (SQLite, Qdrant or in-memory). Questions retrieve the closest passages,
which are assembled into a budgeted prompt and answered by a chat model.

Providers are selected via MODEL_PROVIDER and EMBEDDING_PROVIDER or a YAML
config file (~/.ragkit/config.yaml).
See 'ragkit --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			ctx := logging.With(logging.WithLogger(cmd.Context(), log), slog.String("command", cmd.Name()))
			cmd.SetContext(ctx)

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(ctx, log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragkit/config.yaml)")

	root.AddCommand(
		NewIngestCmd(),
		NewAskCmd(),
		NewDeleteCmd(),
		NewStatsCmd(),
		NewProfilesCmd(),
		NewHistoryCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
