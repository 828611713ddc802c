package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/tmutil/internal/adapter"
	"github.com/leapstack-labs/tmutil/internal/cli/output"
	"github.com/leapstack-labs/tmutil/internal/state"
	"github.com/leapstack-labs/tmutil/internal/summary"
)

// SummarizeOptions holds options for the summarize command.
type SummarizeOptions struct {
	ModelDir  string
	OutputDir string
	Only      []string
}

// NewSummarizeCommand creates the summarize command.
func NewSummarizeCommand() *cobra.Command {
	opts := &SummarizeOptions{}
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize model outputs into CSV tables",
		Long: `Load model output CSVs into DuckDB and write the summaries defined
under summary.summaries in the config file, one CSV per summary.

Counts and sums are expanded by 1/sample_rate when a sample rate is set.`,
		Example: `  # Run every configured summary
  tmutil summarize

  # Run two summaries against another model run
  tmutil summarize --model-dir /models/2035_base/main --only trips_by_mode,vmt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSummarize(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.ModelDir, "model-dir", "", "Model output directory (default: summary.model_dir)")
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "Summary output directory (default: summary.output_dir)")
	cmd.Flags().StringSliceVar(&opts.Only, "only", nil, "Run only the named summaries")
	return cmd
}

func runSummarize(cmd *cobra.Command, opts *SummarizeOptions) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := cmdCtx.Cfg
	if opts.ModelDir != "" {
		cfg.Summary.ModelDir = opts.ModelDir
	}
	if opts.OutputDir != "" {
		cfg.Summary.OutputDir = opts.OutputDir
	}
	if err := cfg.ValidateSummary(); err != nil {
		return err
	}
	defs, err := filterByName(cfg.Summary.Summaries, opts.Only, func(d summary.Definition) string { return d.Name })
	if err != nil {
		return fmt.Errorf("--only: %w", err)
	}

	ctx := cmd.Context()
	db := adapter.NewDuckDBAdapter()
	if err := db.Connect(ctx, cfg.Summary.AdapterConfig()); err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var results []summary.Result
	err = cmdCtx.recordRun(ctx, state.KindSummarize, cfg.Summary.ModelDir, func() error {
		var err error
		results, err = summary.NewRunner(db, cfg.Summary.ModelDir, cfg.Summary.OutputDir, cmdCtx.Logger).Run(ctx, defs)
		return err
	})
	if err != nil {
		return err
	}

	r := cmdCtx.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		return r.JSON(results)
	}
	rows := make([][]string, len(results))
	for i, res := range results {
		rows[i] = []string{res.Name, r.Int(res.Rows), strconv.Itoa(res.Sources), res.Duration.Round(time.Millisecond).String(), res.Path}
	}
	r.Header(1, "Summaries ("+strconv.Itoa(len(results))+")")
	r.Table([]string{"Name", "Rows", "Sources", "Time", "Path"}, rows)
	return nil
}
