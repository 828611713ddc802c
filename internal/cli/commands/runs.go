package commands

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/tmutil/internal/cli/output"
	"github.com/leapstack-labs/tmutil/internal/state"
)

// NewRunsCommand creates the runs command.
func NewRunsCommand() *cobra.Command {
	var (
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recorded command runs",
		Example: `  # Last 20 runs of any kind
  tmutil runs

  # Failed archive runs as JSON
  tmutil runs --kind archive -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, cleanup, err := NewCommandContext(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			runs, err := cmdCtx.Store.ListRuns(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			r := cmdCtx.Renderer
			if r.EffectiveMode() == output.ModeJSON {
				if runs == nil {
					runs = []*state.Run{}
				}
				return r.JSON(runs)
			}

			rows := make([][]string, len(runs))
			for i, run := range runs {
				took := "-"
				if run.CompletedAt != nil {
					took = run.Duration().Round(time.Millisecond).String()
				}
				rows[i] = []string{
					run.StartedAt.Local().Format(time.DateTime),
					run.Kind, run.Name, string(run.Status), took, run.Error,
				}
			}
			r.Header(1, "Runs ("+strconv.Itoa(len(runs))+")")
			r.Table([]string{"Started", "Kind", "Name", "Status", "Took", "Error"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Only show runs of this kind (taz, summarize, validate, archive)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs (0 for all)")
	return cmd
}
