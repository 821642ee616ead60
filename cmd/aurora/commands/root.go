// Package commands defines all Cobra CLI commands for the aurora binary.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/aurora-rag/internal/audit"
	"github.com/54b3r/aurora-rag/internal/config"
	"github.com/54b3r/aurora-rag/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aurora",
		Short: "Answer questions about member messages",
		Long: `Aurora answers natural language questions about Aurora member messages.

Every message is embedded once and kept in a nearest-neighbour index. A
question retrieves the closest messages, which are handed to a chat model
as the only context for the answer.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.aurora/config.yaml). A .env file in the working
directory is loaded first; real environment variables always win.
See 'aurora --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			boot := logging.New()

			// Env vars always override YAML and .env values.
			path, err := config.Load(configPath, boot)
			if err != nil {
				return err
			}

			// Rebuild the logger so LOG_LEVEL/LOG_FORMAT from the config apply.
			log := logging.New()
			slog.SetDefault(log)
			cmd.SetContext(logging.WithLogger(cmd.Context(), log))

			audit.LogCommandStart(cmd.Context(), log, cmd.CommandPath(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.aurora/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewAskCmd(),
		NewChatCmd(),
		NewIndexCmd(),
		NewCorpusCmd(),
		NewVersionCmd(),
	)

	return root
}
