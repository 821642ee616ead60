package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/aurora-rag/internal/corpus"
)

// NewCorpusCmd constructs the `aurora corpus` command group, the terminal
// counterpart of GET /debug and GET /names.
func NewCorpusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Inspect the message corpus",
	}
	cmd.AddCommand(newCorpusDebugCmd(), newCorpusNamesCmd())
	return cmd
}

func newCorpusDebugCmd() *cobra.Command {
	var sample int

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Print the corpus size, its source and the first records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := buildSource().Fetch(cmd.Context())
			if err != nil {
				return fmt.Errorf("corpus debug: %w", err)
			}
			n := min(max(sample, 0), len(res.Records))
			return printJSON(cmd.OutOrStdout(), struct {
				Count  int             `json:"count"`
				Sample []corpus.Record `json:"sample"`
				Source string          `json:"source"`
				Remote string          `json:"remote_error,omitempty"`
			}{
				Count:  len(res.Records),
				Sample: res.Records[:n],
				Source: res.Outcome.String(),
				Remote: errString(res.RemoteErr),
			})
		},
	}

	cmd.Flags().IntVarP(&sample, "sample", "n", 3, "Number of records to print")
	return cmd
}

func newCorpusNamesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "names",
		Short: "Print the sorted unique author names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := buildSource().Fetch(cmd.Context())
			if err != nil {
				return fmt.Errorf("corpus names: %w", err)
			}
			names := corpus.UniqueNames(res.Records)
			return printJSON(cmd.OutOrStdout(), struct {
				UniqueNames []string `json:"unique_names"`
				Count       int      `json:"count"`
			}{UniqueNames: names, Count: len(names)})
		},
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
