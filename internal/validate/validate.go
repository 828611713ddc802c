// Package validate compares model summaries against observed data and
// reports goodness-of-fit statistics.
package validate

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/leapstack-labs/tmutil/internal/adapter"
	"github.com/leapstack-labs/tmutil/internal/summary"
	"github.com/leapstack-labs/tmutil/internal/table"
)

// ErrThresholdExceeded is returned by Check when %RMSE is above the limit.
var ErrThresholdExceeded = errors.New("validation threshold exceeded")

// Comparison pairs a model summary with observed counts.
type Comparison struct {
	Name string `koanf:"name"`
	// Model and Observed are CSV files sharing the Keys columns.
	Model    string   `koanf:"model"`
	Observed string   `koanf:"observed"`
	Keys     []string `koanf:"keys"`
	// ModelColumn and ObservedColumn default to "value" and "observed".
	ModelColumn    string `koanf:"model_column"`
	ObservedColumn string `koanf:"observed_column"`
	// MaxPctRMSE fails the comparison when exceeded; zero disables it.
	MaxPctRMSE float64 `koanf:"max_pct_rmse"`
}

func (c Comparison) withDefaults() Comparison {
	if c.ModelColumn == "" {
		c.ModelColumn = "value"
	}
	if c.ObservedColumn == "" {
		c.ObservedColumn = "observed"
	}
	return c
}

// Validate checks the comparison settings.
func (c Comparison) Validate() error {
	c = c.withDefaults()
	var errs []error
	if !summary.ValidIdentifier(c.Name) {
		errs = append(errs, fmt.Errorf("comparison name %q must be an identifier", c.Name))
	}
	if c.Model == "" || c.Observed == "" {
		errs = append(errs, fmt.Errorf("comparison %s: model and observed files are required", c.Name))
	}
	if len(c.Keys) == 0 {
		errs = append(errs, fmt.Errorf("comparison %s: at least one key column is required", c.Name))
	}
	for _, col := range append(append([]string(nil), c.Keys...), c.ModelColumn, c.ObservedColumn) {
		if !summary.ValidIdentifier(col) {
			errs = append(errs, fmt.Errorf("comparison %s: invalid column %q", c.Name, col))
		}
	}
	if c.MaxPctRMSE < 0 {
		errs = append(errs, fmt.Errorf("comparison %s: max_pct_rmse must not be negative", c.Name))
	}
	return errors.Join(errs...)
}

// Row is one joined key.
type Row struct {
	Keys     []string
	Model    float64
	Observed float64
}

// Diff is model minus observed.
func (r Row) Diff() float64 { return r.Model - r.Observed }

// PctDiff is the difference relative to observed; ok is false when observed
// is zero.
func (r Row) PctDiff() (float64, bool) {
	if r.Observed == 0 {
		return 0, false
	}
	return r.Diff() / r.Observed * 100, true
}

// Metrics summarizes the fit of a comparison.
type Metrics struct {
	Count         int
	TotalModel    float64
	TotalObserved float64
	RMSE          float64
	// PctRMSE is RMSE relative to the mean observed value.
	PctRMSE float64
	// Correlation is Pearson's r.
	Correlation float64
	// RSquared is the coefficient of determination of model against observed.
	RSquared float64
	// MissingModel and MissingObserved count keys present on one side only.
	MissingModel    int
	MissingObserved int
}

// Report is the result of one comparison.
type Report struct {
	Comparison Comparison
	Rows       []Row
	Metrics    Metrics
}

// Check returns ErrThresholdExceeded when the comparison has a threshold and
// the fit is worse.
func (r *Report) Check() error {
	limit := r.Comparison.MaxPctRMSE
	if limit > 0 && (r.Metrics.PctRMSE > limit || math.IsNaN(r.Metrics.PctRMSE)) {
		return fmt.Errorf("%w: %s %%RMSE %.2f > %.2f", ErrThresholdExceeded, r.Comparison.Name, r.Metrics.PctRMSE, limit)
	}
	return nil
}

// Compute calculates metrics over joined rows.
func Compute(rows []Row) Metrics {
	m := Metrics{Count: len(rows)}
	if len(rows) == 0 {
		return m
	}

	model := make([]float64, len(rows))
	observed := make([]float64, len(rows))
	var sq float64
	for i, r := range rows {
		model[i] = r.Model
		observed[i] = r.Observed
		m.TotalModel += r.Model
		m.TotalObserved += r.Observed
		sq += r.Diff() * r.Diff()
	}
	m.RMSE = math.Sqrt(sq / float64(len(rows)))
	if mean := stat.Mean(observed, nil); mean != 0 {
		m.PctRMSE = m.RMSE / mean * 100
	}
	if len(rows) > 1 {
		m.Correlation = stat.Correlation(model, observed, nil)
		m.RSquared = stat.RSquaredFrom(model, observed, nil)
	}
	return m
}

// Validator runs comparisons with the analytical database.
type Validator struct {
	db     adapter.Adapter
	logger *slog.Logger
}

// New creates a validator.
func New(db adapter.Adapter, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Validator{db: db, logger: logger}
}

// Compare joins the model and observed files on the key columns and computes
// the metrics. Keys missing on one side count as zero on that side.
func (v *Validator) Compare(ctx context.Context, c Comparison) (*Report, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c = c.withDefaults()

	modelTable, obsTable := "model_"+c.Name, "observed_"+c.Name
	if _, err := v.db.LoadCSV(ctx, modelTable, []string{c.Model}); err != nil {
		return nil, fmt.Errorf("comparison %s model: %w", c.Name, err)
	}
	if _, err := v.db.LoadCSV(ctx, obsTable, []string{c.Observed}); err != nil {
		return nil, fmt.Errorf("comparison %s observed: %w", c.Name, err)
	}

	query := joinSQL(modelTable, obsTable, c)
	v.logger.Debug("comparison query", slog.String("name", c.Name), slog.String("sql", query))

	rows, err := v.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("comparison %s: %w", c.Name, err)
	}
	defer func() { _ = rows.Close() }()

	report := &Report{Comparison: c}
	var missingModel, missingObserved int
	for rows.Next() {
		keys := make([]sql.NullString, len(c.Keys))
		var model, observed sql.NullFloat64
		dest := make([]any, 0, len(keys)+2)
		for i := range keys {
			dest = append(dest, &keys[i])
		}
		dest = append(dest, &model, &observed)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("comparison %s: failed to scan row: %w", c.Name, err)
		}

		row := Row{Keys: make([]string, len(keys)), Model: model.Float64, Observed: observed.Float64}
		for i, k := range keys {
			row.Keys[i] = k.String
		}
		if !model.Valid {
			missingModel++
		}
		if !observed.Valid {
			missingObserved++
		}
		report.Rows = append(report.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("comparison %s: %w", c.Name, err)
	}

	report.Metrics = Compute(report.Rows)
	report.Metrics.MissingModel = missingModel
	report.Metrics.MissingObserved = missingObserved
	v.logger.Info("comparison complete",
		slog.String("name", c.Name),
		slog.Int("rows", report.Metrics.Count),
		slog.Float64("pct_rmse", report.Metrics.PctRMSE))
	return report, nil
}

func joinSQL(modelTable, obsTable string, c Comparison) string {
	keys := make([]string, len(c.Keys))
	on := make([]string, len(c.Keys))
	for i, k := range c.Keys {
		q := adapter.QuoteIdent(k)
		keys[i] = fmt.Sprintf("COALESCE(CAST(m.%s AS VARCHAR), CAST(o.%s AS VARCHAR)) AS %s", q, q, q)
		on[i] = fmt.Sprintf("CAST(m.%s AS VARCHAR) = CAST(o.%s AS VARCHAR)", q, q)
	}
	order := make([]string, len(c.Keys))
	for i := range c.Keys {
		order[i] = fmt.Sprint(i + 1)
	}
	return fmt.Sprintf(
		"SELECT %s, CAST(m.%s AS DOUBLE), CAST(o.%s AS DOUBLE) FROM %s m FULL OUTER JOIN %s o ON %s ORDER BY %s",
		strings.Join(keys, ", "),
		adapter.QuoteIdent(c.ModelColumn),
		adapter.QuoteIdent(c.ObservedColumn),
		adapter.QuoteIdent(modelTable),
		adapter.QuoteIdent(obsTable),
		strings.Join(on, " AND "),
		strings.Join(order, ", "),
	)
}

// WriteCSV writes the joined rows with diff and pct_diff columns. pct_diff
// is empty where observed is zero.
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append(append([]string(nil), r.Comparison.Keys...), "model", "observed", "diff", "pct_diff")
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range r.Rows {
		rec := append(append([]string(nil), row.Keys...),
			table.FormatNumber(row.Model),
			table.FormatNumber(row.Observed),
			table.FormatNumber(row.Diff()),
			"",
		)
		if pct, ok := row.PctDiff(); ok {
			rec[len(rec)-1] = table.FormatNumber(pct)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
