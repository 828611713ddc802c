package commands

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/tmutil/internal/census"
	"github.com/leapstack-labs/tmutil/internal/cli/output"
	"github.com/leapstack-labs/tmutil/internal/geo"
	"github.com/leapstack-labs/tmutil/internal/taz"
)

// TAZOptions holds options shared by the taz subcommands.
type TAZOptions struct {
	Year      int
	Counties  []string
	OutputDir string
	Refresh   bool
}

// NewTAZCommand creates the taz command group.
func NewTAZCommand() *cobra.Command {
	opts := &TAZOptions{}
	cmd := &cobra.Command{
		Use:   "taz",
		Short: "Build TAZ land use data from Census and LODES",
		Long: `Fetch ACS, decennial block and LODES workplace data, apportion it to
travel analysis zones, scale to county control totals and write the TAZ data
file with a county summary.

Downloads are cached under work_dir; use --refresh to fetch again.`,
	}
	cmd.PersistentFlags().IntVar(&opts.Year, "year", 0, "ACS year (default: taz.acs_year)")
	cmd.PersistentFlags().StringSliceVar(&opts.Counties, "counties", nil, "Three digit county codes (default: taz.counties)")
	cmd.PersistentFlags().BoolVar(&opts.Refresh, "refresh", false, "Ignore cached downloads")
	cmd.AddCommand(newTAZFetchCommand(opts), newTAZBuildCommand(opts))
	return cmd
}

func newTAZFetchCommand(opts *TAZOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download and cache the pipeline inputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmdCtx, err := NewCommandContextWithoutStore(cmd)
			if err != nil {
				return err
			}
			p, err := newPipeline(cmdCtx, opts, nil)
			if err != nil {
				return err
			}
			in, err := p.Fetch(cmd.Context())
			if err != nil {
				return err
			}

			type input struct {
				Name string `json:"name"`
				Rows int    `json:"rows"`
			}
			var inputs []input
			levels := make([]geo.Level, 0, len(in.ACS))
			for l := range in.ACS {
				levels = append(levels, l)
			}
			sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
			for _, l := range levels {
				inputs = append(inputs, input{Name: "ACS " + l.String(), Rows: in.ACS[l].Len()})
			}
			inputs = append(inputs, input{Name: "decennial blocks", Rows: in.Blocks.Len()})
			if in.Jobs != nil {
				inputs = append(inputs, input{Name: "LODES WAC", Rows: in.Jobs.Len()})
			}

			r := cmdCtx.Renderer
			if r.EffectiveMode() == output.ModeJSON {
				return r.JSON(inputs)
			}
			rows := make([][]string, len(inputs))
			for i, it := range inputs {
				rows[i] = []string{it.Name, r.Int(int64(it.Rows))}
			}
			r.Header(1, "Inputs")
			r.Table([]string{"Input", "Rows"}, rows)
			return nil
		},
	}
}

func newTAZBuildCommand(opts *TAZOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build and write the TAZ data file",
		Example: `  # Build with the configured year and counties
  tmutil taz build

  # Rebuild for 2019 ACS from fresh downloads
  tmutil taz build --year 2019 --refresh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTAZBuild(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "Output directory (default: taz.output_dir)")
	return cmd
}

func runTAZBuild(cmd *cobra.Command, opts *TAZOptions) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	p, err := newPipeline(cmdCtx, opts, cmdCtx.Store)
	if err != nil {
		return err
	}
	res, err := p.Run(cmd.Context())
	if err != nil {
		return err
	}

	cfg := p.Config()
	r := cmdCtx.Renderer
	factors := make([]taz.Factor, 0, len(res.Factors))
	for _, f := range res.Factors {
		if f.Controlled || f.ZeroBase {
			factors = append(factors, f)
		}
	}

	if r.EffectiveMode() == output.ModeJSON {
		type factorView struct {
			County     string  `json:"county"`
			Field      string  `json:"field"`
			Base       float64 `json:"base"`
			Target     float64 `json:"target"`
			Final      float64 `json:"final"`
			Factor     float64 `json:"factor"`
			ZeroBase   bool    `json:"zero_base"`
			Controlled bool    `json:"controlled"`
		}
		views := make([]factorView, len(factors))
		for i, f := range factors {
			views[i] = factorView{f.County, f.Field, f.Base, f.Target, res.Final.Get(f.County, f.Field), f.Factor, f.ZeroBase, f.Controlled}
		}
		return r.JSON(map[string]any{
			"taz_data":       filepath.Join(cfg.OutputDir, cfg.TAZDataFile),
			"county_summary": filepath.Join(cfg.OutputDir, cfg.CountySummaryFile),
			"zones":          res.TAZ.Len(),
			"factors":        views,
		})
	}

	r.Success(fmt.Sprintf("Wrote %s zones to %s", r.Int(int64(res.TAZ.Len())), filepath.Join(cfg.OutputDir, cfg.TAZDataFile)))
	rows := make([][]string, len(factors))
	for i, f := range factors {
		note := ""
		if f.ZeroBase {
			note = "zero base"
		}
		rows[i] = []string{
			f.County, f.Field,
			r.Float(f.Base, 0), r.Float(f.Target, 0), r.Float(res.Final.Get(f.County, f.Field), 0),
			strconv.FormatFloat(f.Factor, 'f', 4, 64), note,
		}
	}
	r.Header(2, "County controls")
	r.Table([]string{"County", "Field", "Base", "Target", "Final", "Factor", "Note"}, rows)

	for _, f := range res.ZeroBase() {
		r.Warning(fmt.Sprintf("county %s %s has no base to scale toward target %.0f", f.County, f.Field, f.Target))
	}
	for _, rr := range res.Reconcile {
		if !rr.Converged {
			r.Warning(fmt.Sprintf("%s did not converge in %d iterations (max error %.3g)", rr.Group, rr.Iterations, rr.MaxError))
		}
		if len(rr.Skipped) > 0 {
			r.Warning(fmt.Sprintf("%s has no member targets in counties %s", rr.Group, strings.Join(rr.Skipped, ", ")))
		}
		if len(rr.Rescaled) > 0 {
			r.Warning(fmt.Sprintf("%s member controls were rescaled to the total in counties %s", rr.Group, strings.Join(rr.Rescaled, ", ")))
		}
	}
	if n := len(res.Summary.UnmatchedBlocks); n > 0 {
		r.Warning(fmt.Sprintf("%d blocks with data are not in the crosswalk", n))
	}
	if n := len(res.MissingAttributes); n > 0 {
		r.Warning(fmt.Sprintf("%d zones have no attributes row", n))
	}
	return nil
}

func newPipeline(cmdCtx *CommandContext, opts *TAZOptions, runs taz.RunRecorder) (*taz.Pipeline, error) {
	cfg := cmdCtx.Cfg
	tc := cfg.TAZ
	if opts.Year > 0 {
		tc.ACSYear = opts.Year
	}
	if len(opts.Counties) > 0 {
		tc.Counties = opts.Counties
	}
	if opts.OutputDir != "" {
		tc.OutputDir = opts.OutputDir
	}
	if err := tc.WithDefaults().Validate(); err != nil {
		return nil, err
	}

	client := census.NewClient(cfg.Census.ClientConfig(cmdCtx.Logger))
	cache := census.NewCache(filepath.Join(cfg.WorkDir, "census"), opts.Refresh || cfg.Census.Refresh, cmdCtx.Logger)
	return taz.New(tc, client, cache, runs, cmdCtx.Logger), nil
}
