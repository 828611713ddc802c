package taz

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/tmutil/internal/census"
	"github.com/leapstack-labs/tmutil/internal/geo"
	"github.com/leapstack-labs/tmutil/internal/state"
	"github.com/leapstack-labs/tmutil/internal/table"
	"github.com/leapstack-labs/tmutil/internal/testutil"
)

const (
	blockA1 = "060014001001000"
	blockA2 = "060014001001001"
	blockB1 = "060130001001000"
	bgA     = "060014001001"
	bgB     = "060130001001"
)

func testRecipes() []Recipe {
	return []Recipe{
		{Field: TOTHH, Variables: []string{"HH"}, LevelName: "block_group", Weight: WeightHouseholds},
		{Field: TOTPOP, Variables: []string{"POP"}, LevelName: "block_group"},
		{Field: HHINCQ1, Variables: []string{"Q1"}, LevelName: "bg", Weight: WeightHouseholds},
		{Field: HHINCQ2, Variables: []string{"Q2"}, LevelName: "bg", Weight: WeightHouseholds},
	}
}

func testSectors() map[string][]string {
	return map[string][]string{
		RETEMPN: {"CNS07"},
		OTHEMPN: {"CNS01"},
	}
}

func testGroups() []Group {
	return []Group{
		{Name: "income", Total: TOTHH, Members: []string{HHINCQ1, HHINCQ2}},
		{Name: "employment", Total: TOTEMP, Members: []string{OTHEMPN, RETEMPN}},
	}
}

func testACS() *table.Table {
	acs := table.New("GEOID", "HH", "POP", "Q1", "Q2")
	for key, row := range map[string][]float64{
		bgA: {200, 500, 120, 80},
		bgB: {50, 130, 10, 40},
	} {
		for i, c := range acs.Columns() {
			acs.Set(key, c, row[i])
		}
	}
	return acs
}

func testBlocks() *table.Table {
	blocks := table.New("GEOID", WeightPopulation, WeightHouseholds, WeightHousingUnits)
	for key, row := range map[string][]float64{
		blockA1: {300, 120, 130},
		blockA2: {200, 80, 90},
		blockB1: {130, 50, 55},
	} {
		for i, c := range blocks.Columns() {
			blocks.Set(key, c, row[i])
		}
	}
	return blocks
}

func testJobs() *table.Table {
	jobs := table.New("GEOID", census.WACColumns...)
	jobs.Set(blockA1, "C000", 60)
	jobs.Set(blockA1, "CNS07", 40)
	jobs.Set(blockA1, "CNS01", 20)
	jobs.Set(blockA2, "C000", 40)
	jobs.Set(blockA2, "CNS07", 10)
	jobs.Set(blockA2, "CNS01", 30)
	return jobs
}

func testCrosswalk() *geo.Crosswalk {
	xw := geo.NewCrosswalk()
	xw.Add(blockA1, "1", 1)
	xw.Add(blockA2, "1", 0.5)
	xw.Add(blockA2, "2", 0.5)
	xw.Add(blockB1, "3", 1)
	return xw
}

const testControlsCSV = `county,field,target
001,TOTHH,300
001,TOTEMP,150
013,TOTHH,60
013,TOTEMP,40
`

func testControls(t *testing.T) *Controls {
	t.Helper()
	c, err := ReadControls(strings.NewReader(testControlsCSV), "06")
	require.NoError(t, err)
	return c
}

func testConfig() Config {
	return Config{
		Recipes: testRecipes(),
		Sectors: testSectors(),
		Groups:  testGroups(),
	}
}

func testInputs() Inputs {
	return Inputs{
		ACS:    map[geo.Level]*table.Table{geo.BlockGroup: testACS()},
		Blocks: testBlocks(),
		Jobs:   testJobs(),
	}
}

func TestRecipe_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		recipe  Recipe
		want    geo.Level
		weight  string
		wantErr string
	}{
		{name: "block group defaults to population", recipe: Recipe{Field: "X", Variables: []string{"A"}, LevelName: "block_group"}, want: geo.BlockGroup, weight: WeightPopulation},
		{name: "tract", recipe: Recipe{Field: "X", Variables: []string{"A"}, LevelName: "tract", Weight: WeightHouseholds}, want: geo.Tract, weight: WeightHouseholds},
		{name: "no field", recipe: Recipe{Variables: []string{"A"}}, wantErr: "field is required"},
		{name: "no variables", recipe: Recipe{Field: "X"}, wantErr: "at least one variable"},
		{name: "county level", recipe: Recipe{Field: "X", Variables: []string{"A"}, LevelName: "county"}, wantErr: "block group or tract"},
		{name: "unknown weight", recipe: Recipe{Field: "X", Variables: []string{"A"}, LevelName: "tract", Weight: "jobs"}, wantErr: "unknown weight"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.recipe
			err := r.Resolve()
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Level)
			assert.Equal(t, tt.weight, r.Weight)
		})
	}
}

func TestDefaultRecipes(t *testing.T) {
	seen := make(map[string]bool)
	for _, r := range DefaultRecipes() {
		require.NoError(t, r.Resolve(), r.Field)
		assert.False(t, seen[r.Field], "duplicate recipe %s", r.Field)
		seen[r.Field] = true
	}
	for _, g := range DefaultGroups() {
		if g.Name == "employment" {
			continue
		}
		assert.True(t, seen[g.Total], g.Total)
		for _, m := range g.Members {
			assert.True(t, seen[m], m)
		}
	}
	for _, m := range DefaultGroups()[2].Members {
		assert.Contains(t, DefaultSectors(), m)
	}
}

func TestDistribute(t *testing.T) {
	parents := table.New("GEOID", "v")
	parents.Set("060010001001", "v", 100)
	parents.Set("060010001002", "v", 9)
	parents.Set("060010001003", "v", 5)

	blocks := table.New("GEOID", "w")
	blocks.Set("060010001001000", "w", 3)
	blocks.Set("060010001001001", "w", 1)
	// zero-weight parent: spread evenly
	blocks.Set("060010001002000", "w", 0)
	blocks.Set("060010001002001", "w", 0)
	blocks.Set("060010001002002", "w", 0)

	out, unallocated := Distribute(parents, geo.BlockGroup, blocks, "w", []string{"v"})
	assert.InDelta(t, 75, out.Get("060010001001000", "v"), 1e-9)
	assert.InDelta(t, 25, out.Get("060010001001001", "v"), 1e-9)
	assert.InDelta(t, 3, out.Get("060010001002001", "v"), 1e-9)
	assert.Equal(t, []string{"060010001003"}, unallocated)
	assert.InDelta(t, 109, out.Sum("v"), 1e-9)
}

func TestSummarize(t *testing.T) {
	recipes := testRecipes()
	for i := range recipes {
		require.NoError(t, recipes[i].Resolve())
	}

	sum, err := Summarize(testInputs(), recipes, testSectors(), testCrosswalk())
	require.NoError(t, err)

	assert.InDelta(t, 160, sum.TAZ.Get("1", TOTHH), 1e-9)
	assert.InDelta(t, 40, sum.TAZ.Get("2", TOTHH), 1e-9)
	assert.InDelta(t, 50, sum.TAZ.Get("3", TOTHH), 1e-9)
	assert.InDelta(t, 80, sum.TAZ.Get("1", TOTEMP), 1e-9)
	assert.InDelta(t, 45, sum.TAZ.Get("1", RETEMPN), 1e-9)
	assert.InDelta(t, 15, sum.TAZ.Get("2", OTHEMPN), 1e-9)
	assert.Empty(t, sum.UnmatchedBlocks)

	_, err = Summarize(Inputs{ACS: map[geo.Level]*table.Table{}, Blocks: testBlocks()}, recipes, nil, testCrosswalk())
	assert.ErrorContains(t, err, "no block group data")
}

func TestReadControls(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		county  string
		field   string
		want    float64
		wantErr string
	}{
		{name: "long", input: testControlsCSV, county: "06001", field: TOTEMP, want: 150},
		{name: "wide", input: "\ufeffCOUNTY,TOTHH,TOTEMP\n06075,\"1,200\",900\n", county: "06075", field: TOTHH, want: 1200},
		{name: "short county code", input: "county,TOTPOP\n1,10\n", county: "06001", field: TOTPOP, want: 10},
		{name: "no county column", input: "name,TOTHH\nx,1\n", wantErr: "no county column"},
		{name: "negative target", input: "county,TOTHH\n001,-1\n", wantErr: "negative target"},
		{name: "bad county", input: "county,TOTHH\nalameda,1\n", wantErr: "invalid county code"},
		{name: "empty", input: "", wantErr: "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ReadControls(strings.NewReader(tt.input), "06")
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			got, ok := c.Target(tt.county, tt.field)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestScaleFactor(t *testing.T) {
	tests := []struct {
		name     string
		base     float64
		target   float64
		factor   float64
		zeroBase bool
	}{
		{name: "scale up", base: 100, target: 150, factor: 1.5},
		{name: "scale down", base: 200, target: 50, factor: 0.25},
		{name: "zero target", base: 10, target: 0, factor: 0},
		{name: "zero base is a no-op", base: 0, target: 40, factor: 1, zeroBase: true},
		{name: "zero base and target", base: 0, target: 0, factor: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := ScaleFactor("06001", TOTEMP, tt.base, tt.target, true)
			assert.Equal(t, tt.factor, f.Factor)
			assert.Equal(t, tt.zeroBase, f.ZeroBase)
		})
	}
}

func TestBuildTargets_Required(t *testing.T) {
	base := table.New("COUNTY_FIPS", TOTHH, TOTPOP)
	base.Set("06001", TOTHH, 10)
	base.Set("06001", TOTPOP, 20)

	factors, err := BuildTargets(base, testControls(t), []string{TOTHH, TOTPOP}, nil)
	require.NoError(t, err)
	require.Len(t, factors, 2)
	assert.True(t, factors[0].Controlled)
	assert.Equal(t, 30.0, factors[0].Factor)
	assert.False(t, factors[1].Controlled)
	assert.Equal(t, 1.0, factors[1].Factor)

	_, err = BuildTargets(base, testControls(t), []string{TOTHH, TOTPOP}, []string{TOTPOP})
	assert.ErrorIs(t, err, ErrMissingControl)
}

func TestApplyFactors_ZeroBase(t *testing.T) {
	data := table.New("TAZ", TOTEMP)
	data.Set("1", TOTEMP, 0)
	data.Set("2", TOTEMP, 5)
	tazCounty := map[string]string{"1": "06001", "2": "06013"}

	ApplyFactors(data, tazCounty, []Factor{
		ScaleFactor("06001", TOTEMP, 0, 40, true),
		ScaleFactor("06013", TOTEMP, 5, 10, true),
	})
	assert.Equal(t, 0.0, data.Get("1", TOTEMP))
	assert.Equal(t, 10.0, data.Get("2", TOTEMP))
}

func TestReconcile(t *testing.T) {
	data := table.New("TAZ", TOTHH, HHINCQ1, HHINCQ2)
	set := func(taz string, total, q1, q2 float64) {
		data.Set(taz, TOTHH, total)
		data.Set(taz, HHINCQ1, q1)
		data.Set(taz, HHINCQ2, q2)
	}
	set("1", 100, 10, 10)
	set("2", 50, 30, 10)
	// empty row with a positive total is seeded from the column targets
	set("3", 50, 0, 0)
	tazCounty := map[string]string{"1": "06001", "2": "06001", "3": "06001"}

	factors := []Factor{
		ScaleFactor("06001", HHINCQ1, 40, 120, true),
		ScaleFactor("06001", HHINCQ2, 20, 80, true),
	}
	g := Group{Name: "income", Total: TOTHH, Members: []string{HHINCQ1, HHINCQ2}}

	res := Reconcile(data, tazCounty, g, factors, ReconcileOptions{MaxIterations: 500, Tolerance: 1e-8})
	assert.True(t, res.Converged)
	assert.Empty(t, res.Skipped)
	assert.Empty(t, res.Rescaled)

	for _, taz := range []string{"1", "2", "3"} {
		assert.InDelta(t, data.Get(taz, TOTHH), data.Get(taz, HHINCQ1)+data.Get(taz, HHINCQ2), 1e-6, taz)
	}
	assert.InDelta(t, 120, data.Sum(HHINCQ1), 1e-6)
	assert.InDelta(t, 80, data.Sum(HHINCQ2), 1e-6)
	assert.Greater(t, data.Get("3", HHINCQ1), 0.0)
}

func TestReconcile_ReportsRescaledControls(t *testing.T) {
	data := table.New("TAZ", TOTHH, HHINCQ1, HHINCQ2)
	data.Set("1", TOTHH, 60)
	data.Set("1", HHINCQ1, 30)
	data.Set("1", HHINCQ2, 30)
	data.Set("2", TOTHH, 40)
	data.Set("2", HHINCQ1, 20)
	data.Set("2", HHINCQ2, 20)
	tazCounty := map[string]string{"1": "06001", "2": "06001"}

	// controls add up to 120 households but the county has 100
	factors := []Factor{
		ScaleFactor("06001", HHINCQ1, 50, 70, true),
		ScaleFactor("06001", HHINCQ2, 50, 50, true),
	}
	g := Group{Name: "income", Total: TOTHH, Members: []string{HHINCQ1, HHINCQ2}}

	res := Reconcile(data, tazCounty, g, factors, ReconcileOptions{MaxIterations: 500, Tolerance: 1e-8})
	assert.Equal(t, []string{"06001"}, res.Rescaled)
	assert.InDelta(t, 70.0*100/120, data.Sum(HHINCQ1), 1e-6)
	assert.InDelta(t, 50.0*100/120, data.Sum(HHINCQ2), 1e-6)
}

func TestIntegerize_KeepsCountyAndZoneTotals(t *testing.T) {
	g := Group{Name: "income", Total: TOTHH, Members: []string{HHINCQ1, HHINCQ2, HHINCQ3}}

	tests := []struct {
		name string
		fill func(data *table.Table, tazCounty map[string]string)
	}{
		{
			name: "even split in every zone",
			fill: func(data *table.Table, tazCounty map[string]string) {
				for i := 1; i <= 10; i++ {
					taz := strconv.Itoa(i)
					tazCounty[taz] = "06001"
					data.Set(taz, TOTHH, 1)
					data.Set(taz, HHINCQ1, 0.5)
					data.Set(taz, HHINCQ2, 0.5)
					data.Set(taz, HHINCQ3, 0)
				}
			},
		},
		{
			name: "fractional zones in two counties",
			fill: func(data *table.Table, tazCounty map[string]string) {
				for i := 1; i <= 40; i++ {
					taz := strconv.Itoa(i)
					tazCounty[taz] = "06001"
					if i > 25 {
						tazCounty[taz] = "06013"
					}
					total := 1 + 0.37*float64(i)
					p1 := 0.2 + 0.05*float64(i%7)
					p2 := 0.1 + 0.04*float64(i%5)
					data.Set(taz, TOTHH, total)
					data.Set(taz, TOTPOP, 2.5*total)
					data.Set(taz, HHINCQ1, total*p1)
					data.Set(taz, HHINCQ2, total*p2)
					data.Set(taz, HHINCQ3, total*(1-p1-p2))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := table.New("TAZ")
			tazCounty := make(map[string]string)
			tt.fill(data, tazCounty)
			before := CountyBase(data, tazCounty)

			fields := []string{TOTHH, TOTPOP, HHINCQ1, HHINCQ2, HHINCQ3}
			require.NoError(t, Integerize(data, tazCounty, fields, []Group{g}))
			after := CountyBase(data, tazCounty)

			for _, county := range before.SortedKeys() {
				for _, f := range []string{TOTHH, TOTPOP} {
					if before.HasColumn(f) {
						assert.Equal(t, math.Round(before.Get(county, f)), after.Get(county, f), "county %s %s", county, f)
					}
				}

				cols := make([]float64, len(g.Members))
				for j, m := range g.Members {
					cols[j] = before.Get(county, m)
				}
				want, err := BucketRound(cols, int64(after.Get(county, TOTHH)))
				require.NoError(t, err)
				for j, m := range g.Members {
					assert.Equal(t, want[j], after.Get(county, m), "county %s %s", county, m)
					assert.Less(t, math.Abs(after.Get(county, m)-cols[j]), 1.0, "county %s %s", county, m)
				}
			}

			for _, taz := range data.Keys() {
				var members float64
				for _, m := range g.Members {
					v := data.Get(taz, m)
					assert.Equal(t, math.Trunc(v), v, "integer %s in taz %s", m, taz)
					assert.GreaterOrEqual(t, v, 0.0)
					members += v
				}
				assert.Equal(t, data.Get(taz, TOTHH), members, "taz %s", taz)
			}
		})
	}

	t.Run("split halves land on the county targets", func(t *testing.T) {
		data := table.New("TAZ")
		tazCounty := make(map[string]string)
		tests[0].fill(data, tazCounty)
		require.NoError(t, Integerize(data, tazCounty, []string{TOTHH, HHINCQ1, HHINCQ2, HHINCQ3}, []Group{g}))
		assert.Equal(t, 5.0, data.Sum(HHINCQ1))
		assert.Equal(t, 5.0, data.Sum(HHINCQ2))
		assert.Equal(t, 10.0, data.Sum(TOTHH))
	})
}

func TestIntegerize_GroupWithoutTotalIsRoundedAlone(t *testing.T) {
	data := table.New("TAZ")
	data.Set("1", HHINCQ1, 2.7)
	data.Set("2", HHINCQ1, 1.4)
	tazCounty := map[string]string{"1": "06001", "2": "06001"}

	g := Group{Name: "income", Total: TOTHH, Members: []string{HHINCQ1}}
	require.NoError(t, Integerize(data, tazCounty, []string{HHINCQ1}, []Group{g}))
	assert.Equal(t, 4.0, data.Sum(HHINCQ1))
	assert.Equal(t, 3.0, data.Get("1", HHINCQ1))
}

func TestBucketRound(t *testing.T) {
	tests := []struct {
		name   string
		vals   []float64
		target int64
		want   []float64
	}{
		{name: "largest remainder wins", vals: []float64{1.2, 2.7, 3.1}, target: 7, want: []float64{1, 3, 3}},
		{name: "ties go to earlier", vals: []float64{0.5, 0.5}, target: 1, want: []float64{1, 0}},
		{name: "target below floors", vals: []float64{2.1, 3.9}, target: 4, want: []float64{1, 3}},
		{name: "all zero", vals: []float64{0, 0, 0}, target: 2, want: []float64{1, 1, 0}},
		{name: "negative clamps to zero", vals: []float64{-0.4, 1.4}, target: 1, want: []float64{0, 1}},
		{name: "empty", vals: nil, target: 0, want: []float64{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BucketRound(tt.vals, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			var sum float64
			for _, v := range got {
				sum += v
			}
			assert.Equal(t, float64(tt.target), sum)
		})
	}

	_, err := BucketRound(nil, 3)
	assert.Error(t, err)
	_, err = BucketRound([]float64{1}, -1)
	assert.Error(t, err)
}

func TestDerive(t *testing.T) {
	data := table.New("TAZ", TOTPOP, HHPOP, POP62P)
	data.Set("1", TOTPOP, 100)
	data.Set("1", HHPOP, 90)
	data.Set("1", POP62P, 25)
	data.Set("2", TOTPOP, 0)
	data.Set("2", HHPOP, 5)

	Derive(data)
	assert.Equal(t, 10.0, data.Get("1", GQPOP))
	assert.Equal(t, 0.25, data.Get("1", SHPOP62P))
	assert.Equal(t, 0.0, data.Get("2", GQPOP))
	assert.Equal(t, 0.0, data.Get("2", SHPOP62P))
}

func TestBuild_MatchesCountyTargets(t *testing.T) {
	res, err := Build(testInputs(), testCrosswalk(), testControls(t), nil, testConfig(), testutil.NewTestLogger(t))
	require.NoError(t, err)

	data := res.TAZ
	assert.Equal(t, map[string]string{"1": "06001", "2": "06001", "3": "06013"}, res.TAZCounty)

	// controlled fields land exactly on the county target
	assert.Equal(t, 300.0, res.Final.Get("06001", TOTHH))
	assert.Equal(t, 150.0, res.Final.Get("06001", TOTEMP))
	assert.Equal(t, 60.0, res.Final.Get("06013", TOTHH))

	// uncontrolled fields keep their base
	assert.Equal(t, 130.0, res.Final.Get("06013", TOTPOP))

	// a county with no jobs to scale keeps zero rather than failing
	require.Len(t, res.ZeroBase(), 1)
	assert.Equal(t, "06013", res.ZeroBase()[0].County)
	assert.Equal(t, 0.0, res.Final.Get("06013", TOTEMP))

	assert.Equal(t, 240.0, data.Get("1", TOTHH))
	assert.Equal(t, 144.0, data.Get("1", HHINCQ1))
	assert.Equal(t, 96.0, data.Get("1", HHINCQ2))
	assert.Equal(t, 12.0, data.Get("3", HHINCQ1))
	assert.Equal(t, 48.0, data.Get("3", HHINCQ2))

	for _, taz := range data.Keys() {
		for _, g := range testGroups() {
			var members float64
			for _, m := range g.Members {
				v := data.Get(taz, m)
				assert.Equal(t, math.Trunc(v), v, "integer %s in taz %s", m, taz)
				members += v
			}
			assert.Equal(t, data.Get(taz, g.Total), members, "group %s in taz %s", g.Name, taz)
		}
	}
	// employment members are reconciled to their rescaled county targets
	assert.Equal(t, 75.0, res.Final.Get("06001", RETEMPN))
	assert.Equal(t, 75.0, res.Final.Get("06001", OTHEMPN))

	assert.Equal(t, 6001.0, data.Get("1", "COUNTY_FIPS"))
	assert.Equal(t, data.Get("3", TOTPOP), data.Get("3", GQPOP))
}

func TestBuild_WarnsOnInconsistentMemberControls(t *testing.T) {
	controls, err := ReadControls(strings.NewReader(testControlsCSV+"001,HHINCQ1,200\n001,HHINCQ2,50\n"), "06")
	require.NoError(t, err)
	logger, logs := testutil.NewCaptureLogger()

	res, err := Build(testInputs(), testCrosswalk(), controls, nil, testConfig(), logger)
	require.NoError(t, err)

	var income ReconcileResult
	for _, rr := range res.Reconcile {
		if rr.Group == "income" {
			income = rr
		}
	}
	assert.Equal(t, []string{"06001"}, income.Rescaled)
	assert.Contains(t, logs.String(), "member controls disagree with the group total")
	assert.Contains(t, logs.String(), "counties=[06001]")

	// members follow the total, not the inconsistent controls
	assert.Equal(t, 300.0, res.Final.Get("06001", HHINCQ1)+res.Final.Get("06001", HHINCQ2))
	assert.Equal(t, 240.0, res.Final.Get("06001", HHINCQ1))
}

func TestBuild_MissingRequiredControl(t *testing.T) {
	cfg := testConfig()
	cfg.Required = []string{TOTPOP}
	_, err := Build(testInputs(), testCrosswalk(), testControls(t), nil, cfg, nil)
	assert.ErrorIs(t, err, ErrMissingControl)
}

func TestJoinAttributesAndWrite(t *testing.T) {
	data := table.New("TAZ", TOTHH, TOTEMP)
	data.Set("1", TOTHH, 10)
	data.Set("2", TOTHH, 20)

	attrs, err := ReadAttributes(strings.NewReader("TAZ,DISTRICT,SD,TOTACRE\n1,1,1,12.5\n"), nil)
	require.NoError(t, err)

	missing := JoinAttributes(data, attrs, map[string]string{"1": "06001", "2": "06001"})
	assert.Equal(t, []string{"2"}, missing)
	assert.Equal(t, 12.5, data.Get("1", "TOTACRE"))

	var buf bytes.Buffer
	require.NoError(t, WriteTAZData(&buf, data, nil))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "TAZ,DISTRICT,SD,COUNTY_FIPS,TOTHH,TOTACRE,TOTEMP", lines[0])
	assert.Equal(t, "1,1,1,06001,10,12.500000,0", lines[1])

	final := table.New("COUNTY_FIPS", TOTHH)
	final.Set("06001", TOTHH, 30)
	buf.Reset()
	require.NoError(t, WriteCountySummary(&buf, []Factor{ScaleFactor("06001", TOTHH, 15, 30, true)}, final))
	assert.Equal(t, "county,field,base,target,final,factor,controlled,zero_base\n06001,TOTHH,15,30,30,2,true,false\n", buf.String())
}

// fakeFetcher serves canned Census and LODES tables.
type fakeFetcher struct {
	mu      sync.Mutex
	queries []census.Query
	fail    error
}

func (f *fakeFetcher) Get(_ context.Context, q census.Query) (*table.Table, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}

	prefix := q.State + q.County
	out := table.New("GEOID", q.Variables...)
	switch q.Level {
	case geo.BlockGroup:
		acs := testACS()
		for _, k := range acs.Keys() {
			if strings.HasPrefix(k, prefix) {
				for _, v := range q.Variables {
					out.Set(k, v, acs.Get(k, v))
				}
			}
		}
	case geo.Block:
		blocks := testBlocks()
		for _, k := range blocks.Keys() {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			for w, v := range DecennialWeightVariables {
				out.Set(k, v, blocks.Get(k, w))
			}
		}
	}
	return out, nil
}

func (f *fakeFetcher) WAC(_ context.Context, _ census.LODESQuery) (*table.Table, error) {
	jobs := testJobs()
	// another county's block must be dropped
	jobs.Set("060750101001000", "C000", 1000)
	return jobs, nil
}

type fakeRecorder struct {
	runs   int
	status state.RunStatus
	errMsg string
}

func (r *fakeRecorder) CreateRun(_ context.Context, kind, name string) (*state.Run, error) {
	r.runs++
	return &state.Run{ID: "run-1", Kind: kind, Name: name, Status: state.RunStatusRunning}, nil
}

func (r *fakeRecorder) CompleteRun(_ context.Context, _ string, status state.RunStatus, errMsg string) error {
	r.status = status
	r.errMsg = errMsg
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func pipelineConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()

	var xw bytes.Buffer
	require.NoError(t, testCrosswalk().WriteCSV(&xw))

	cfg := testConfig()
	cfg.State = "06"
	cfg.StateAbbr = "CA"
	cfg.Counties = []string{"001", "013"}
	cfg.ACSYear = 2022
	cfg.CrosswalkPath = writeFile(t, dir, "crosswalk.csv", xw.String())
	cfg.ControlsPath = writeFile(t, dir, "controls.csv", testControlsCSV)
	cfg.AttributesPath = writeFile(t, dir, "attrs.csv", "TAZ,DISTRICT\n1,1\n2,1\n3,2\n")
	cfg.OutputDir = filepath.Join(dir, "out")
	return cfg
}

func TestPipeline_Run(t *testing.T) {
	cfg := pipelineConfig(t)
	fetcher := &fakeFetcher{}
	recorder := &fakeRecorder{}
	logger := testutil.NewTestLogger(t)

	p := New(cfg, fetcher, census.NewCache(t.TempDir(), false, logger), recorder, logger)
	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, recorder.runs)
	assert.Equal(t, state.RunStatusCompleted, recorder.status)
	assert.Equal(t, 150.0, res.Final.Get("06001", TOTEMP))
	assert.Equal(t, 2.0, res.TAZ.Get("3", "DISTRICT"))
	assert.False(t, res.Summary.Blocks.HasRow("060750101001000"))

	out, err := os.ReadFile(filepath.Join(cfg.OutputDir, "taz_data.csv"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), "TAZ,DISTRICT,COUNTY_FIPS,TOTHH,TOTPOP,"))

	summary, err := os.ReadFile(filepath.Join(cfg.OutputDir, "county_summary.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "06013,TOTEMP,0,40,0,1,true,true")

}

func TestPipeline_RunRecordsFailure(t *testing.T) {
	cfg := pipelineConfig(t)
	fetcher := &fakeFetcher{fail: errors.New("census unavailable")}
	recorder := &fakeRecorder{}

	p := New(cfg, fetcher, census.NewCache(t.TempDir(), false, nil), recorder, nil)
	_, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "census unavailable")
	assert.Equal(t, state.RunStatusFailed, recorder.status)
	assert.Contains(t, recorder.errMsg, "census unavailable")
}

func TestPipeline_FetchUsesCache(t *testing.T) {
	cfg := pipelineConfig(t)
	fetcher := &fakeFetcher{}
	cache := census.NewCache(t.TempDir(), false, nil)

	p := New(cfg, fetcher, cache, nil, nil)
	_, err := p.Fetch(context.Background())
	require.NoError(t, err)
	first := len(fetcher.queries)
	assert.Equal(t, 4, first, "one acs and one block request per county")
	assert.Equal(t, geo.Level(0), cfg.Recipes[0].Level, "caller recipes are left untouched")
	for _, q := range fetcher.queries {
		if q.Dataset == "acs/acs5" {
			assert.Equal(t, geo.BlockGroup, q.Level, "recipes are resolved by New")
		}
	}

	in, err := p.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, len(fetcher.queries))
	assert.Equal(t, 120.0, in.Blocks.Get(blockA1, WeightHouseholds))
}

func TestPipeline_FetchCacheKeyedByRequest(t *testing.T) {
	ctx := context.Background()
	cache := census.NewCache(t.TempDir(), false, nil)
	cfg := pipelineConfig(t)
	fetch := func(cfg Config) (*fakeFetcher, Inputs) {
		t.Helper()
		f := &fakeFetcher{}
		in, err := New(cfg, f, cache, nil, nil).Fetch(ctx)
		require.NoError(t, err)
		return f, in
	}

	cfg.Counties = []string{"001"}
	f, in := fetch(cfg)
	assert.Len(t, f.queries, 2)
	assert.False(t, in.Blocks.HasRow(blockB1))

	cfg.Counties = []string{"001", "013"}
	f, in = fetch(cfg)
	assert.Len(t, f.queries, 4, "adding a county misses the cache")
	assert.True(t, in.ACS[geo.BlockGroup].HasRow(bgB))
	assert.True(t, in.Blocks.HasRow(blockB1))

	cfg.Counties = []string{"013", "001"}
	f, _ = fetch(cfg)
	assert.Empty(t, f.queries, "county order does not matter")

	cfg.Recipes = append(testRecipes(), Recipe{Field: EMPRES, Variables: []string{"EMP"}, LevelName: "bg"})
	f, _ = fetch(cfg)
	assert.Len(t, f.queries, 2, "new variables refetch acs only")
	for _, q := range f.queries {
		assert.Equal(t, geo.BlockGroup, q.Level)
	}
}

func TestConfig_Validate(t *testing.T) {
	err := Config{Counties: []string{"1"}}.WithDefaults().Validate()
	require.Error(t, err)
	for _, want := range []string{"taz.state", "three digit", "taz.acs_year", "taz.crosswalk", "taz.output_dir"} {
		assert.Contains(t, err.Error(), want)
	}
}
