package commands

import (
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/54b3r/aurora-rag/internal/audit"
	"github.com/54b3r/aurora-rag/internal/logging"
)

// NewAskCmd constructs the `aurora ask` command, which answers a single
// question from the terminal.
func NewAskCmd() *cobra.Command {
	var stream bool
	var showContext bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about member messages",
		Long: `Ask a natural language question about Aurora member messages.

The index is restored from the configured store, or built from the corpus
on first use, before the question is answered.

Examples:
  aurora ask "When is Layla planning her trip to London?"
  aurora ask --stream "How many cars does Vikram Desai have?"
  aurora ask --show-context "What are Amira's favorite restaurants?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)
			out := cmd.OutOrStdout()

			deps, err := buildEngine(log, nil)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer deps.Close()

			svc, _, err := buildQueryService(ctx, log, deps.engine)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			idxCtx, done := withEmbedProgress(ctx, cmd.ErrOrStderr(), progressEnabled())
			err = runIndexAction(idxCtx, log, deps.engine, audit.ActionBuild, "cli", deps.engine.Init)
			done()
			if err != nil {
				return fmt.Errorf("ask: index: %w", err)
			}

			question := strings.Join(args, " ")

			if showContext {
				_, hits, err := svc.Context(ctx, question)
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
				errOut := cmd.ErrOrStderr()
				for _, h := range hits {
					fmt.Fprintf(errOut, "[%d] %.4f %s\n", h.Position, h.Distance, h.Text)
				}
				fmt.Fprintln(errOut)
			}

			if !stream {
				text, err := svc.Answer(ctx, question)
				if err != nil {
					return fmt.Errorf("ask: %w", err)
				}
				_, err = fmt.Fprintln(out, text)
				return err
			}

			st, err := svc.Stream(ctx, question)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer st.Close()
			for {
				part, err := st.Recv()
				if errors.Is(err, io.EOF) {
					_, err = fmt.Fprintln(out)
					return err
				}
				if err != nil {
					fmt.Fprintln(out)
					return fmt.Errorf("ask: %w", err)
				}
				if _, err := io.WriteString(out, part); err != nil {
					return err
				}
			}
		},
	}

	cmd.Flags().BoolVarP(&stream, "stream", "s", false, "Print the answer as it is generated")
	cmd.Flags().BoolVar(&showContext, "show-context", false, "Print the retrieved messages to stderr before answering")

	return cmd
}
