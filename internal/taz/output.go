package taz

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/leapstack-labs/tmutil/internal/table"
)

// ReadAttributes reads the TAZ attribute file (DISTRICT, SD, COUNTY, acreage,
// parking costs, ...). Only numeric columns can be carried; columns lists the
// ones to read, or all of them when empty.
func ReadAttributes(r io.Reader, columns []string) (*table.Table, error) {
	t, err := table.ReadCSV(r, table.ReadOptions{KeyColumn: "TAZ", Columns: columns})
	if err != nil {
		return nil, fmt.Errorf("failed to read taz attributes: %w", err)
	}
	return t, nil
}

// JoinAttributes adds attribute columns and COUNTY_FIPS to the TAZ data. It
// returns TAZs that have data but no attribute row.
func JoinAttributes(data, attrs *table.Table, tazCounty map[string]string) []string {
	var missing []string
	if attrs != nil {
		for _, c := range attrs.Columns() {
			data.AddColumn(c)
		}
		for _, taz := range data.SortedKeys() {
			if !attrs.HasRow(taz) {
				missing = append(missing, taz)
				continue
			}
			for c, v := range attrs.Row(taz) {
				data.Set(taz, c, v)
			}
		}
	}

	data.AddColumn("COUNTY_FIPS")
	for _, taz := range data.Keys() {
		if fips, err := strconv.ParseFloat(tazCounty[taz], 64); err == nil {
			data.Set(taz, "COUNTY_FIPS", fips)
		}
	}
	return missing
}

// OutputColumns returns the wanted columns that exist in t, in order.
func OutputColumns(t *table.Table, wanted []string) []string {
	if len(wanted) == 0 {
		wanted = DefaultOutputColumns
	}
	out := make([]string, 0, len(wanted))
	for _, c := range wanted {
		if t.HasColumn(c) {
			out = append(out, c)
		}
	}
	return out
}

// WriteTAZData writes taz_data.csv. COUNTY_FIPS keeps its five digits.
func WriteTAZData(w io.Writer, t *table.Table, columns []string) error {
	return t.WriteCSVFunc(w, OutputColumns(t, columns), func(column string, v float64) (string, bool) {
		if column != "COUNTY_FIPS" || v <= 0 {
			return "", false
		}
		return fmt.Sprintf("%05d", int64(v)), true
	})
}

// WriteCountySummary writes one row per county field with the base, the
// target, the final value after redistribution and the factor used.
func WriteCountySummary(w io.Writer, factors []Factor, final *table.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"county", "field", "base", "target", "final", "factor", "controlled", "zero_base"}); err != nil {
		return err
	}
	for _, f := range factors {
		rec := []string{
			f.County,
			f.Field,
			table.FormatNumber(f.Base),
			table.FormatNumber(f.Target),
			table.FormatNumber(final.Get(f.County, f.Field)),
			table.FormatNumber(f.Factor),
			strconv.FormatBool(f.Controlled),
			strconv.FormatBool(f.ZeroBase),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
