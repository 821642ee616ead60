package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/54b3r/aurora-rag/internal/audit"
	"github.com/54b3r/aurora-rag/internal/logging"
	"github.com/54b3r/aurora-rag/internal/tui"
	"github.com/54b3r/aurora-rag/internal/version"
)

// NewChatCmd constructs the `aurora chat` command, an interactive terminal
// UI for asking several questions against one loaded index.
func NewChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Ask questions interactively in a terminal UI",
		Long: `Open an interactive terminal UI for asking questions.

The index is loaded once, then every question reuses it. Press Ctrl+O to
show the member messages behind the latest answer, Esc to quit.

Logs go to stderr; set LOG_LEVEL=error to keep them out of the way.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			deps, err := buildEngine(log, nil)
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			defer deps.Close()

			svc, _, err := buildQueryService(ctx, log, deps.engine)
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}

			idxCtx, done := withEmbedProgress(ctx, cmd.ErrOrStderr(), progressEnabled())
			err = runIndexAction(idxCtx, log, deps.engine, audit.ActionBuild, "cli", deps.engine.Init)
			done()
			if err != nil {
				return fmt.Errorf("chat: index: %w", err)
			}

			st := deps.engine.Status()
			title := fmt.Sprintf("Aurora %s  %d messages  %s", version.Version, st.Entries, st.Model)
			p := tea.NewProgram(tui.New(ctx, svc, title),
				tea.WithAltScreen(),
				tea.WithContext(ctx),
				tea.WithInput(cmd.InOrStdin()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			return nil
		},
	}
}
