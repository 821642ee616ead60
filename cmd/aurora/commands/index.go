package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/aurora-rag/internal/audit"
	"github.com/54b3r/aurora-rag/internal/config"
	"github.com/54b3r/aurora-rag/internal/corpus"
	"github.com/54b3r/aurora-rag/internal/logging"
)

// NewIndexCmd constructs the `aurora index` command group for managing the
// persisted retrieval index.
func NewIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build, rebuild, inspect or invalidate the retrieval index",
		Long: `Manage the persisted retrieval index.

The store is selected with AURORA_INDEX_STORE (file, sqlite, qdrant).

Examples:
  aurora index build
  aurora index rebuild
  aurora index status --check
  aurora index invalidate`,
	}

	cmd.AddCommand(
		newIndexBuildCmd(),
		newIndexRebuildCmd(),
		newIndexStatusCmd(),
		newIndexInvalidateCmd(),
	)
	return cmd
}

// newIndexBuildCmd restores the index when it is reusable and builds it
// otherwise, exactly as `aurora serve` does at startup.
func newIndexBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Restore the index if it is current, otherwise build it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			deps, err := buildEngine(log, nil)
			if err != nil {
				return fmt.Errorf("index build: %w", err)
			}
			defer deps.Close()

			ctx, done := withEmbedProgress(ctx, cmd.ErrOrStderr(), progressEnabled())
			err = runIndexAction(ctx, log, deps.engine, audit.ActionBuild, "cli", deps.engine.Init)
			done()
			if err != nil {
				return fmt.Errorf("index build: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), deps.engine.Status())
		},
	}
}

// newIndexRebuildCmd rebuilds from a fresh corpus fetch regardless of what
// the store holds.
func newIndexRebuildCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Fetch the corpus and rebuild the index unconditionally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			log := logging.FromContext(ctx)

			deps, err := buildEngine(log, nil)
			if err != nil {
				return fmt.Errorf("index rebuild: %w", err)
			}
			defer deps.Close()

			ctx, done := withEmbedProgress(ctx, cmd.ErrOrStderr(), progressEnabled())
			err = runIndexAction(ctx, log, deps.engine, audit.ActionRebuild, "cli", deps.engine.Rebuild)
			done()
			if err != nil {
				return fmt.Errorf("index rebuild: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), deps.engine.Status())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Maximum time for the rebuild")
	return cmd
}

// indexStatus is the output of `aurora index status`.
type indexStatus struct {
	Store       string    `json:"store"`
	Present     bool      `json:"present"`
	Entries     int       `json:"entries,omitempty"`
	Dim         int       `json:"dim,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	// Current is set by --check: whether the snapshot matches the live corpus.
	Current *bool `json:"current,omitempty"`
	// Corpus is set by --check: where the compared corpus came from.
	Corpus string `json:"corpus,omitempty"`
}

// newIndexStatusCmd reports the persisted snapshot without needing an
// embedding backend.
func newIndexStatusCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			st, err := buildStore(log)
			if err != nil {
				return fmt.Errorf("index status: %w", err)
			}
			defer func() { _ = st.Close() }()

			snap, err := st.Load(ctx)
			if err != nil {
				return fmt.Errorf("index status: %w", err)
			}
			out := indexStatus{Store: config.String("AURORA_INDEX_STORE", storeFile)}
			if snap != nil {
				out.Present = true
				out.Entries = snap.Len()
				out.Dim = snap.Dim()
				out.Fingerprint = snap.Fingerprint
				out.Model = snap.Model
				out.CreatedAt = snap.CreatedAt
			}

			if check {
				res, err := buildSource().Fetch(ctx)
				if err != nil {
					return fmt.Errorf("index status: %w", err)
				}
				texts, err := res.Texts()
				if err != nil {
					return fmt.Errorf("index status: %w", err)
				}
				current := snap != nil && snap.Fingerprint == corpus.Fingerprint(texts)
				out.Current = &current
				out.Corpus = res.Outcome.String()
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Fetch the corpus and report whether the snapshot is current")
	return cmd
}

// newIndexInvalidateCmd drops the persisted snapshot so the next start
// builds from scratch.
func newIndexInvalidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate",
		Short: "Remove the persisted snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			st, err := buildStore(log)
			if err != nil {
				return fmt.Errorf("index invalidate: %w", err)
			}
			defer func() { _ = st.Close() }()

			start := time.Now()
			err = st.Invalidate(ctx)
			audit.LogIndexEvent(ctx, log, audit.IndexEvent{
				Action:   audit.ActionInvalidate,
				Trigger:  "cli",
				Duration: time.Since(start),
				Err:      err,
			})
			if err != nil {
				return fmt.Errorf("index invalidate: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "index invalidated")
			return err
		},
	}
}
