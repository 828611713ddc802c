package taz

import (
	"fmt"
	"math"
	"sort"

	"github.com/leapstack-labs/tmutil/internal/table"
)

// factorIndex looks up factors by county and field.
type factorIndex map[string]map[string]Factor

func indexFactors(factors []Factor) factorIndex {
	idx := make(factorIndex)
	for _, f := range factors {
		if idx[f.County] == nil {
			idx[f.County] = make(map[string]Factor)
		}
		idx[f.County][f.Field] = f
	}
	return idx
}

// ApplyFactors multiplies every TAZ value by its county factor. Zero-base
// factors leave the values unchanged.
func ApplyFactors(t *table.Table, tazCounty map[string]string, factors []Factor) {
	idx := indexFactors(factors)
	for _, taz := range t.Keys() {
		byField, ok := idx[tazCounty[taz]]
		if !ok {
			continue
		}
		for field, f := range byField {
			if f.ZeroBase || f.Factor == 1 {
				continue
			}
			t.Scale(taz, field, f.Factor)
		}
	}
}

// ReconcileOptions bounds the iterative proportional fit.
type ReconcileOptions struct {
	MaxIterations int     `koanf:"max_iterations"`
	Tolerance     float64 `koanf:"tolerance"`
}

func (o ReconcileOptions) withDefaults() ReconcileOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 100
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 1e-6
	}
	return o
}

// ReconcileResult describes the fit of one group across all counties.
type ReconcileResult struct {
	Group      string
	Iterations int
	MaxError   float64
	Converged  bool
	// Skipped lists counties where the members have no target to fit.
	Skipped []string
	// Rescaled lists counties whose controlled member targets did not add up
	// to the county total and were scaled to match it.
	Rescaled []string
}

// Reconcile fits the members of a group so that in every TAZ they add up to
// the group total and in every county each member adds up to its county
// target. Member targets are rescaled to the county sum of the total field
// before fitting.
func Reconcile(t *table.Table, tazCounty map[string]string, g Group, factors []Factor, opts ReconcileOptions) ReconcileResult {
	opts = opts.withDefaults()
	idx := indexFactors(factors)
	res := ReconcileResult{Group: g.Name, Converged: true}

	for _, county := range countiesOf(tazCounty) {
		tazs := tazsIn(t, tazCounty, county)
		if len(tazs) == 0 {
			continue
		}

		rows := make([]float64, len(tazs))
		var rowSum float64
		for i, taz := range tazs {
			rows[i] = t.Get(taz, g.Total)
			rowSum += rows[i]
		}

		cols := make([]float64, len(g.Members))
		var colSum float64
		controlled := false
		for j, m := range g.Members {
			f, ok := idx[county][m]
			v := f.Target
			if !ok {
				v = sumOver(t, tazs, m)
			}
			controlled = controlled || f.Controlled
			cols[j] = v
			colSum += v
		}
		if rowSum == 0 {
			for _, taz := range tazs {
				for _, m := range g.Members {
					t.Set(taz, m, 0)
				}
			}
			continue
		}
		if colSum == 0 {
			res.Skipped = append(res.Skipped, county)
			continue
		}
		if controlled && math.Abs(colSum-rowSum) > opts.Tolerance*math.Max(1, rowSum) {
			res.Rescaled = append(res.Rescaled, county)
		}
		for j := range cols {
			cols[j] *= rowSum / colSum
		}

		m := make([][]float64, len(tazs))
		for i, taz := range tazs {
			m[i] = make([]float64, len(g.Members))
			for j, member := range g.Members {
				m[i][j] = t.Get(taz, member)
			}
		}
		seed(m, rows, cols, rowSum)

		iters, maxErr := fit(m, rows, cols, opts)
		res.Iterations = max(res.Iterations, iters)
		res.MaxError = math.Max(res.MaxError, maxErr)
		if maxErr >= opts.Tolerance {
			res.Converged = false
		}

		for i, taz := range tazs {
			for j, member := range g.Members {
				t.Set(taz, member, m[i][j])
			}
		}
	}
	return res
}

// seed fills rows and columns that have a positive target but no mass with
// the independence estimate so proportional fitting can reach them.
func seed(m [][]float64, rows, cols []float64, total float64) {
	for i := range m {
		if rows[i] > 0 && sumRow(m[i]) == 0 {
			for j := range cols {
				m[i][j] = rows[i] * cols[j] / total
			}
		}
	}
	for j := range cols {
		if cols[j] > 0 && sumCol(m, j) == 0 {
			for i := range m {
				m[i][j] = rows[i] * cols[j] / total
			}
		}
	}
}

func fit(m [][]float64, rows, cols []float64, opts ReconcileOptions) (int, float64) {
	var maxErr float64
	for iter := 1; iter <= opts.MaxIterations; iter++ {
		for i := range m {
			if s := sumRow(m[i]); s > 0 {
				f := rows[i] / s
				for j := range m[i] {
					m[i][j] *= f
				}
			}
		}
		for j := range cols {
			if s := sumCol(m, j); s > 0 {
				f := cols[j] / s
				for i := range m {
					m[i][j] *= f
				}
			}
		}

		maxErr = 0
		for i := range m {
			maxErr = math.Max(maxErr, math.Abs(sumRow(m[i])-rows[i]))
		}
		for j := range cols {
			maxErr = math.Max(maxErr, math.Abs(sumCol(m, j)-cols[j]))
		}
		if maxErr < opts.Tolerance {
			return iter, maxErr
		}
	}
	return opts.MaxIterations, maxErr
}

func sumRow(row []float64) float64 {
	var s float64
	for _, v := range row {
		s += v
	}
	return s
}

func sumCol(m [][]float64, j int) float64 {
	var s float64
	for i := range m {
		s += m[i][j]
	}
	return s
}

func sumOver(t *table.Table, keys []string, col string) float64 {
	var s float64
	for _, k := range keys {
		s += t.Get(k, col)
	}
	return s
}

func countiesOf(tazCounty map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range tazCounty {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

func tazsIn(t *table.Table, tazCounty map[string]string, county string) []string {
	var out []string
	for _, taz := range t.SortedKeys() {
		if tazCounty[taz] == county {
			out = append(out, taz)
		}
	}
	return out
}

// Integerize rounds fields to whole numbers. Stand-alone fields and group
// totals are rounded per county so their integer sum equals the rounded county
// sum. The members of each group are then rounded as a TAZ by member matrix
// per county: every TAZ row adds up to its integer total and every member
// column adds up to its county sum, rounded so the columns match the county
// total.
func Integerize(t *table.Table, tazCounty map[string]string, fields []string, groups []Group) error {
	var active []Group
	members := make(map[string]bool)
	for _, g := range groups {
		if len(g.Members) == 0 || !hasColumns(t, append([]string{g.Total}, g.Members...)) {
			continue
		}
		active = append(active, g)
		for _, m := range g.Members {
			members[m] = true
		}
	}

	for _, county := range countiesOf(tazCounty) {
		tazs := tazsIn(t, tazCounty, county)
		for _, field := range fields {
			if members[field] || !t.HasColumn(field) {
				continue
			}
			vals := make([]float64, len(tazs))
			for i, taz := range tazs {
				vals[i] = t.Get(taz, field)
			}
			rounded, err := BucketRound(vals, int64(math.Round(sumRow(vals))))
			if err != nil {
				return fmt.Errorf("county %s field %s: %w", county, field, err)
			}
			for i, taz := range tazs {
				t.Set(taz, field, rounded[i])
			}
		}
		for _, g := range active {
			if err := roundGroup(t, tazs, g); err != nil {
				return fmt.Errorf("county %s group %s: %w", county, g.Name, err)
			}
		}
	}
	return nil
}

// roundGroup integerizes the member matrix of one county. Rows are bucket
// rounded to their TAZ total first, then units move between members within a
// row until every column hits its target.
func roundGroup(t *table.Table, tazs []string, g Group) error {
	if len(tazs) == 0 {
		return nil
	}
	x := make([][]float64, len(tazs))
	totals := make([]int64, len(tazs))
	cols := make([]float64, len(g.Members))
	var total int64
	for i, taz := range tazs {
		totals[i] = int64(math.Round(math.Max(t.Get(taz, g.Total), 0)))
		total += totals[i]
		x[i] = make([]float64, len(g.Members))
		for j, m := range g.Members {
			v := math.Max(t.Get(taz, m), 0)
			x[i][j] = v
			cols[j] += v
		}
	}

	targets, err := BucketRound(cols, total)
	if err != nil {
		return err
	}
	a := make([][]float64, len(tazs))
	for i := range x {
		if a[i], err = BucketRound(x[i], totals[i]); err != nil {
			return fmt.Errorf("taz %s: %w", tazs[i], err)
		}
	}
	balanceColumns(a, x, targets)

	for i, taz := range tazs {
		for j, m := range g.Members {
			t.Set(taz, m, a[i][j])
		}
	}
	return nil
}

// balanceColumns moves single units inside rows from columns above their
// target to columns below it, so row sums never change. Each move uses the
// row where it brings the integers closest to the unrounded values x. The
// column targets must add up to the sum of a.
func balanceColumns(a, x [][]float64, targets []float64) {
	surplus := make([]float64, len(targets))
	for j := range targets {
		surplus[j] = sumCol(a, j) - targets[j]
	}
	for {
		from, to := -1, -1
		for j, s := range surplus {
			if s > 0 && from < 0 {
				from = j
			}
			if s < 0 && to < 0 {
				to = j
			}
		}
		if from < 0 || to < 0 {
			return
		}

		best, bestGain := -1, math.Inf(-1)
		for i := range a {
			if a[i][from] < 1 {
				continue
			}
			gain := (a[i][from] - x[i][from]) + (x[i][to] - a[i][to])
			if gain > bestGain {
				best, bestGain = i, gain
			}
		}
		if best < 0 {
			return
		}
		a[best][from]--
		a[best][to]++
		surplus[from]--
		surplus[to]++
	}
}

// BucketRound rounds non-negative values to integers whose sum is exactly
// target, moving units to or from the values with the largest fractional
// remainders. Ties go to the earlier value.
func BucketRound(vals []float64, target int64) ([]float64, error) {
	if target < 0 {
		return nil, fmt.Errorf("negative target %d", target)
	}
	out := make([]float64, len(vals))
	if len(vals) == 0 {
		if target != 0 {
			return nil, fmt.Errorf("cannot distribute %d over no values", target)
		}
		return out, nil
	}

	type rem struct {
		i    int
		frac float64
	}
	rems := make([]rem, len(vals))
	var floorSum int64
	for i, v := range vals {
		if v < 0 {
			v = 0
		}
		f := math.Floor(v)
		out[i] = f
		floorSum += int64(f)
		rems[i] = rem{i: i, frac: v - f}
	}

	diff := target - floorSum
	if diff > 0 {
		sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
		for k := int64(0); k < diff; k++ {
			out[rems[k%int64(len(rems))].i]++
		}
		return out, nil
	}

	// floorSum > target >= 0, so some value is always positive
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac < rems[b].frac })
	for k := 0; diff < 0; k++ {
		i := rems[k%len(rems)].i
		if out[i] > 0 {
			out[i]--
			diff++
		}
	}
	return out, nil
}

// Derive computes fields that are functions of other fields.
func Derive(t *table.Table) {
	t.AddColumn(GQPOP)
	t.AddColumn(SHPOP62P)
	for _, taz := range t.Keys() {
		pop := t.Get(taz, TOTPOP)
		t.Set(taz, GQPOP, math.Max(pop-t.Get(taz, HHPOP), 0))
		share := 0.0
		if pop > 0 {
			share = t.Get(taz, POP62P) / pop
		}
		t.Set(taz, SHPOP62P, share)
	}
}
