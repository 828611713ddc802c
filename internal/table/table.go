// Package table provides keyed numeric tables used throughout the TAZ pipeline.
//
// A Table is a small in-memory frame: every row is identified by a string key
// (a GEOID, a TAZ number, a county FIPS code) and carries one float64 per column.
// It covers the handful of dataframe operations the pipeline needs: reading and
// writing CSV, summing columns, grouping rows under a parent key and scaling.
package table

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
)

// Table holds float64 columns keyed by a string row identifier.
type Table struct {
	// Key is the name of the key column when the table is written out.
	Key string

	columns []string
	index   map[string]int
	rows    map[string][]float64
	order   []string
}

// New creates an empty table with the given key column name and columns.
func New(key string, columns ...string) *Table {
	t := &Table{
		Key:   key,
		index: make(map[string]int, len(columns)),
		rows:  make(map[string][]float64),
	}
	for _, c := range columns {
		t.AddColumn(c)
	}
	return t
}

// AddColumn appends a column if it does not exist yet. Existing rows get zero.
func (t *Table) AddColumn(name string) {
	if _, ok := t.index[name]; ok {
		return
	}
	t.index[name] = len(t.columns)
	t.columns = append(t.columns, name)
	for k, vals := range t.rows {
		t.rows[k] = append(vals, 0)
	}
}

// Columns returns the column names in insertion order.
func (t *Table) Columns() []string {
	return slices.Clone(t.columns)
}

// HasColumn reports whether the column exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.order)
}

// Keys returns the row keys in insertion order.
func (t *Table) Keys() []string {
	return slices.Clone(t.order)
}

// SortedKeys returns the row keys sorted. Keys that are all digits sort numerically.
func (t *Table) SortedKeys() []string {
	keys := t.Keys()
	sort.Slice(keys, func(i, j int) bool {
		return lessKey(keys[i], keys[j])
	})
	return keys
}

func lessKey(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

// HasRow reports whether a row with the key exists.
func (t *Table) HasRow(key string) bool {
	_, ok := t.rows[key]
	return ok
}

// EnsureRow creates a zero row for key if it is missing.
func (t *Table) EnsureRow(key string) {
	if _, ok := t.rows[key]; ok {
		return
	}
	t.rows[key] = make([]float64, len(t.columns))
	t.order = append(t.order, key)
}

// Get returns the value at key/column. Missing rows or columns read as zero.
func (t *Table) Get(key, column string) float64 {
	i, ok := t.index[column]
	if !ok {
		return 0
	}
	row, ok := t.rows[key]
	if !ok {
		return 0
	}
	return row[i]
}

// Set stores a value, creating the row and column as needed.
func (t *Table) Set(key, column string, v float64) {
	t.AddColumn(column)
	t.EnsureRow(key)
	t.rows[key][t.index[column]] = v
}

// Add increments a value, creating the row and column as needed.
func (t *Table) Add(key, column string, v float64) {
	t.AddColumn(column)
	t.EnsureRow(key)
	t.rows[key][t.index[column]] += v
}

// Row returns a copy of the values of a row as a column->value map.
func (t *Table) Row(key string) map[string]float64 {
	out := make(map[string]float64, len(t.columns))
	row, ok := t.rows[key]
	if !ok {
		return out
	}
	for i, c := range t.columns {
		out[c] = row[i]
	}
	return out
}

// Column returns the values of a column keyed by row. Unknown columns yield nil.
func (t *Table) Column(column string) map[string]float64 {
	i, ok := t.index[column]
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(t.order))
	for _, k := range t.order {
		out[k] = t.rows[k][i]
	}
	return out
}

// Sum returns the sum of a column over all rows.
func (t *Table) Sum(column string) float64 {
	i, ok := t.index[column]
	if !ok {
		return 0
	}
	var total float64
	for _, k := range t.order {
		total += t.rows[k][i]
	}
	return total
}

// Scale multiplies a column of a single row by factor.
func (t *Table) Scale(key, column string, factor float64) {
	i, ok := t.index[column]
	if !ok {
		return
	}
	if row, ok := t.rows[key]; ok {
		row[i] *= factor
	}
}

// GroupBy sums every column into parent rows. The parent key of each row is
// computed by fn; rows for which fn returns "" are dropped.
func (t *Table) GroupBy(key string, fn func(string) string) *Table {
	out := New(key, t.columns...)
	for _, k := range t.order {
		parent := fn(k)
		if parent == "" {
			continue
		}
		out.EnsureRow(parent)
		dst := out.rows[parent]
		for i, v := range t.rows[k] {
			dst[i] += v
		}
	}
	return out
}

// Select returns a new table restricted to the given columns.
func (t *Table) Select(columns ...string) (*Table, error) {
	for _, c := range columns {
		if !t.HasColumn(c) {
			return nil, fmt.Errorf("unknown column %q", c)
		}
	}
	out := New(t.Key, columns...)
	for _, k := range t.order {
		out.EnsureRow(k)
		for _, c := range columns {
			out.rows[k][out.index[c]] = t.Get(k, c)
		}
	}
	return out, nil
}

// Merge copies every value of other into t, adding rows and columns as needed.
// Values present in both are overwritten by other.
func (t *Table) Merge(other *Table) {
	for _, c := range other.columns {
		t.AddColumn(c)
	}
	for _, k := range other.order {
		for i, c := range other.columns {
			t.Set(k, c, other.rows[k][i])
		}
	}
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := New(t.Key, t.columns...)
	for _, k := range t.order {
		out.rows[k] = slices.Clone(t.rows[k])
		out.order = append(out.order, k)
	}
	return out
}
