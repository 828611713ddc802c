package table

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// ReadOptions controls how ReadCSV interprets a file.
type ReadOptions struct {
	// KeyColumn is the header name holding the row key.
	KeyColumn string
	// Columns restricts the numeric columns read. Empty means every column
	// other than the key.
	Columns []string
	// Rename maps header names to table column names.
	Rename map[string]string
	// PadKey left-pads keys with zeros to this width (GEOIDs lose their leading
	// zero when round-tripped through spreadsheets).
	PadKey int
}

// ReadCSV reads a headered CSV into a table. Empty numeric cells read as zero;
// any other value that does not parse is an error reporting the line number.
func ReadCSV(r io.Reader, opts ReadOptions) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty csv")
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	keyIdx := -1
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[h] = i
		if h == opts.KeyColumn {
			keyIdx = i
		}
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("key column %q not found in header", opts.KeyColumn)
	}

	wanted := opts.Columns
	if len(wanted) == 0 {
		for _, h := range header {
			if h != opts.KeyColumn {
				wanted = append(wanted, h)
			}
		}
	}

	type source struct {
		idx  int
		name string
	}
	sources := make([]source, 0, len(wanted))
	for _, c := range wanted {
		i, ok := pos[c]
		if !ok {
			return nil, fmt.Errorf("column %q not found in header", c)
		}
		name := c
		if renamed, ok := opts.Rename[c]; ok {
			name = renamed
		}
		sources = append(sources, source{idx: i, name: name})
	}

	key := opts.KeyColumn
	if renamed, ok := opts.Rename[key]; ok {
		key = renamed
	}
	t := New(key)
	for _, s := range sources {
		t.AddColumn(s.name)
	}

	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if keyIdx >= len(rec) {
			return nil, fmt.Errorf("line %d: missing key column", line)
		}
		k := strings.TrimSpace(rec[keyIdx])
		if k == "" {
			continue
		}
		if opts.PadKey > 0 && len(k) < opts.PadKey {
			k = strings.Repeat("0", opts.PadKey-len(k)) + k
		}
		t.EnsureRow(k)
		for _, s := range sources {
			if s.idx >= len(rec) {
				continue
			}
			v, err := ParseNumber(rec[s.idx])
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, header[s.idx], err)
			}
			t.Add(k, s.name, v)
		}
	}

	return t, nil
}

// ParseNumber parses a numeric cell. Blank and NA-style cells are zero.
func ParseNumber(s string) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null":
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, nil
	}
	return v, nil
}

// WriteCSV writes the table with the key column first and rows in sorted key
// order. Whole numbers are written without a decimal point.
func (t *Table) WriteCSV(w io.Writer) error {
	return t.WriteCSVColumns(w, t.columns)
}

// WriteCSVColumns writes only the listed columns, in that order.
func (t *Table) WriteCSVColumns(w io.Writer, columns []string) error {
	return t.WriteCSVFunc(w, columns, nil)
}

// Formatter renders one cell. Returning false falls back to FormatNumber.
type Formatter func(column string, v float64) (string, bool)

// WriteCSVFunc is WriteCSVColumns with a per-cell formatter, which may be nil.
func (t *Table) WriteCSVFunc(w io.Writer, columns []string, format Formatter) error {
	cw := csv.NewWriter(w)
	header := append([]string{t.Key}, columns...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	rec := make([]string, len(header))
	for _, k := range t.SortedKeys() {
		rec[0] = k
		for i, c := range columns {
			v := t.Get(k, c)
			if format != nil {
				if out, ok := format(c, v); ok {
					rec[i+1] = out
					continue
				}
			}
			rec[i+1] = FormatNumber(v)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("failed to write row %s: %w", k, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// FormatNumber renders a value the way the pipeline's CSV outputs expect.
func FormatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}
