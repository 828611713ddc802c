package commands

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/leapstack-labs/tmutil/internal/adapter"
	"github.com/leapstack-labs/tmutil/internal/cli/output"
	"github.com/leapstack-labs/tmutil/internal/state"
	"github.com/leapstack-labs/tmutil/internal/validate"
)

// ValidateOptions holds options for the validate command.
type ValidateOptions struct {
	OutputDir string
	Only      []string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand() *cobra.Command {
	opts := &ValidateOptions{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Compare model summaries against observed data",
		Long: `Join each configured model summary to its observed counterpart on the
key columns and report count, totals, RMSE, %RMSE, Pearson r and R².

A joined CSV with model, observed, diff and pct_diff columns is written per
comparison. The command exits non-zero when any comparison exceeds its
max_pct_rmse threshold.`,
		Example: `  # Run every configured comparison
  tmutil validate

  # Run one comparison and print metrics as JSON
  tmutil validate --only screenlines -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.OutputDir, "output-dir", "", "Directory for joined CSVs (default: validate.output_dir)")
	cmd.Flags().StringSliceVar(&opts.Only, "only", nil, "Run only the named comparisons")
	return cmd
}

// metricsView is the JSON form of a report. NaN metrics become null.
type metricsView struct {
	Name            string   `json:"name"`
	Path            string   `json:"path"`
	Count           int      `json:"count"`
	TotalModel      float64  `json:"total_model"`
	TotalObserved   float64  `json:"total_observed"`
	RMSE            *float64 `json:"rmse"`
	PctRMSE         *float64 `json:"pct_rmse"`
	Correlation     *float64 `json:"r"`
	RSquared        *float64 `json:"r_squared"`
	MissingModel    int      `json:"missing_model"`
	MissingObserved int      `json:"missing_observed"`
	MaxPctRMSE      float64  `json:"max_pct_rmse,omitempty"`
	Passed          bool     `json:"passed"`
}

func finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func runValidate(cmd *cobra.Command, opts *ValidateOptions) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	cfg := cmdCtx.Cfg
	if opts.OutputDir != "" {
		cfg.Compare.OutputDir = opts.OutputDir
	}
	if err := cfg.ValidateComparisons(); err != nil {
		return err
	}
	comparisons, err := filterByName(cfg.Compare.Comparisons, opts.Only, func(c validate.Comparison) string { return c.Name })
	if err != nil {
		return fmt.Errorf("--only: %w", err)
	}
	if err := os.MkdirAll(cfg.Compare.OutputDir, 0o750); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	ctx := cmd.Context()
	db := adapter.NewDuckDBAdapter()
	if err := db.Connect(ctx, adapter.Config{}); err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	v := validate.New(db, cmdCtx.Logger)
	var views []metricsView
	var failures []error
	err = cmdCtx.recordRun(ctx, state.KindValidate, strconv.Itoa(len(comparisons))+" comparisons", func() error {
		for _, c := range comparisons {
			report, err := v.Compare(ctx, c)
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.Compare.OutputDir, c.Name+".csv")
			if err := writeReport(path, report); err != nil {
				return err
			}
			checkErr := report.Check()
			if checkErr != nil {
				failures = append(failures, checkErr)
			}
			m := report.Metrics
			views = append(views, metricsView{
				Name:            c.Name,
				Path:            path,
				Count:           m.Count,
				TotalModel:      m.TotalModel,
				TotalObserved:   m.TotalObserved,
				RMSE:            finite(m.RMSE),
				PctRMSE:         finite(m.PctRMSE),
				Correlation:     finite(m.Correlation),
				RSquared:        finite(m.RSquared),
				MissingModel:    m.MissingModel,
				MissingObserved: m.MissingObserved,
				MaxPctRMSE:      c.MaxPctRMSE,
				Passed:          checkErr == nil,
			})
		}
		return errors.Join(failures...)
	})
	if err != nil && len(failures) == 0 {
		return err
	}

	r := cmdCtx.Renderer
	if r.EffectiveMode() == output.ModeJSON {
		if jerr := r.JSON(views); jerr != nil {
			return jerr
		}
		return err
	}

	rows := make([][]string, len(views))
	for i, mv := range views {
		status := "pass"
		if !mv.Passed {
			status = "FAIL"
		}
		rows[i] = []string{
			mv.Name,
			r.Int(int64(mv.Count)),
			r.Float(mv.TotalModel, 0),
			r.Float(mv.TotalObserved, 0),
			formatMetric(r, mv.RMSE, 2),
			formatMetric(r, mv.PctRMSE, 1),
			formatMetric(r, mv.Correlation, 3),
			formatMetric(r, mv.RSquared, 3),
			status,
		}
	}
	r.Header(1, "Validation ("+strconv.Itoa(len(views))+" comparisons)")
	r.Table([]string{"Name", "Count", "Model", "Observed", "RMSE", "%RMSE", "r", "R²", "Status"}, rows)
	for _, mv := range views {
		if mv.MissingModel > 0 || mv.MissingObserved > 0 {
			r.Warning(fmt.Sprintf("%s: %d keys missing from model, %d from observed", mv.Name, mv.MissingModel, mv.MissingObserved))
		}
	}
	return err
}

func formatMetric(r *output.Renderer, v *float64, prec int) string {
	if v == nil {
		return "n/a"
	}
	return r.Float(*v, prec)
}

func writeReport(path string, report *validate.Report) (err error) {
	f, err := os.Create(path) //nolint:gosec // path built from configured output dir
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return report.WriteCSV(f)
}
