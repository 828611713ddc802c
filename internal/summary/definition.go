// Package summary aggregates travel model output files (trip, tour and
// person tables) into CSV summaries using DuckDB.
package summary

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/leapstack-labs/tmutil/internal/adapter"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Definition describes one summary table.
type Definition struct {
	// Name is the output file stem and must be an identifier.
	Name string `koanf:"name"`
	// Source is a glob relative to the model output directory, e.g.
	// "indivTripData_*.csv". Matching files are stacked by column name.
	Source string `koanf:"source"`
	// GroupBy lists the output key columns.
	GroupBy []string `koanf:"group_by"`
	// Filter is an optional SQL boolean expression over source columns.
	Filter string `koanf:"filter"`
	// Aggregate is "count" or "sum:<column>".
	Aggregate string `koanf:"aggregate"`
	// SampleRate expands sampled records by 1/SampleRate. Zero means 1.
	SampleRate float64 `koanf:"sample_rate"`
	// ValueColumn names the aggregate column; defaults to "value".
	ValueColumn string `koanf:"value_column"`
}

// ValidIdentifier reports whether name can be used unquoted as a column or
// table name.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

// Validate checks the definition and returns every problem found.
func (d Definition) Validate() error {
	var errs []error
	if !ValidIdentifier(d.Name) {
		errs = append(errs, fmt.Errorf("summary name %q must be an identifier", d.Name))
	}
	if d.Source == "" {
		errs = append(errs, fmt.Errorf("summary %s: source is required", d.Name))
	}
	for _, g := range d.GroupBy {
		if !ValidIdentifier(g) {
			errs = append(errs, fmt.Errorf("summary %s: invalid group_by column %q", d.Name, g))
		}
	}
	if _, _, err := d.aggregate(); err != nil {
		errs = append(errs, fmt.Errorf("summary %s: %w", d.Name, err))
	}
	if d.SampleRate < 0 || d.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("summary %s: sample_rate must be in (0, 1]", d.Name))
	}
	if d.ValueColumn != "" && !ValidIdentifier(d.ValueColumn) {
		errs = append(errs, fmt.Errorf("summary %s: invalid value_column %q", d.Name, d.ValueColumn))
	}
	if strings.Contains(d.Filter, ";") {
		errs = append(errs, fmt.Errorf("summary %s: filter must be a single expression", d.Name))
	}
	return errors.Join(errs...)
}

func (d Definition) aggregate() (fn string, col string, err error) {
	agg := strings.TrimSpace(d.Aggregate)
	switch {
	case agg == "" || agg == "count":
		return "count", "", nil
	case strings.HasPrefix(agg, "sum:"):
		col = strings.TrimPrefix(agg, "sum:")
		if !ValidIdentifier(col) {
			return "", "", fmt.Errorf("invalid sum column %q", col)
		}
		return "sum", col, nil
	}
	return "", "", fmt.Errorf("unknown aggregate %q (want count or sum:<column>)", d.Aggregate)
}

func (d Definition) valueColumn() string {
	if d.ValueColumn != "" {
		return d.ValueColumn
	}
	return "value"
}

func (d Definition) expansion() float64 {
	if d.SampleRate <= 0 {
		return 1
	}
	return 1 / d.SampleRate
}

// SQL builds the aggregate query over the named source table.
func (d Definition) SQL(source string) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	fn, col, _ := d.aggregate()

	agg := "COUNT(*)"
	if fn == "sum" {
		agg = fmt.Sprintf("SUM(%s)", adapter.QuoteIdent(col))
	}
	value := fmt.Sprintf("%s * %g AS %s", agg, d.expansion(), adapter.QuoteIdent(d.valueColumn()))

	keys := make([]string, len(d.GroupBy))
	for i, g := range d.GroupBy {
		keys[i] = adapter.QuoteIdent(g)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(", ")
	}
	b.WriteString(value)
	b.WriteString(" FROM ")
	b.WriteString(adapter.QuoteIdent(source))
	if f := strings.TrimSpace(d.Filter); f != "" {
		b.WriteString(" WHERE ")
		b.WriteString(f)
	}
	if len(keys) > 0 {
		list := strings.Join(keys, ", ")
		b.WriteString(" GROUP BY ")
		b.WriteString(list)
		b.WriteString(" ORDER BY ")
		b.WriteString(list)
	}
	return b.String(), nil
}
