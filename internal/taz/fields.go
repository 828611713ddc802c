// Package taz builds TAZ-level demographic and employment data from Census and
// LODES inputs and reconciles it to county control totals.
//
// The pipeline runs in five phases: fetch, per-geography summarize, county
// target build, target redistribution and output. Fetching is the only phase
// that talks to the network; the rest is table arithmetic.
package taz

import (
	"fmt"
	"sort"

	"github.com/leapstack-labs/tmutil/internal/geo"
)

// TAZ data fields.
const (
	TOTHH    = "TOTHH"
	HHPOP    = "HHPOP"
	TOTPOP   = "TOTPOP"
	GQPOP    = "GQPOP"
	EMPRES   = "EMPRES"
	SFDU     = "SFDU"
	MFDU     = "MFDU"
	HHINCQ1  = "HHINCQ1"
	HHINCQ2  = "HHINCQ2"
	HHINCQ3  = "HHINCQ3"
	HHINCQ4  = "HHINCQ4"
	POP62P   = "POP62P"
	SHPOP62P = "SHPOP62P"
	AGE0004  = "AGE0004"
	AGE0519  = "AGE0519"
	AGE2044  = "AGE2044"
	AGE4564  = "AGE4564"
	AGE65P   = "AGE65P"
	TOTEMP   = "TOTEMP"
	RETEMPN  = "RETEMPN"
	FPSEMPN  = "FPSEMPN"
	HEREMPN  = "HEREMPN"
	AGREMPN  = "AGREMPN"
	MWTEMPN  = "MWTEMPN"
	OTHEMPN  = "OTHEMPN"
)

// Block weight columns from the decennial redistricting file.
const (
	WeightPopulation   = "population"
	WeightHouseholds   = "households"
	WeightHousingUnits = "housing_units"
)

// DecennialWeightVariables maps block weights to decennial PL variables.
var DecennialWeightVariables = map[string]string{
	WeightPopulation:   "P1_001N",
	WeightHousingUnits: "H1_001N",
	WeightHouseholds:   "H1_002N",
}

// DefaultOutputColumns is the column order of taz_data.csv when none is
// configured. Columns missing from the result are skipped.
var DefaultOutputColumns = []string{
	"DISTRICT", "SD", "COUNTY", "COUNTY_FIPS",
	TOTHH, HHPOP, TOTPOP, EMPRES, SFDU, MFDU,
	HHINCQ1, HHINCQ2, HHINCQ3, HHINCQ4,
	"TOTACRE", "RESACRE", "CIACRE",
	SHPOP62P, TOTEMP,
	AGE0004, AGE0519, AGE2044, AGE4564, AGE65P,
	RETEMPN, FPSEMPN, HEREMPN, AGREMPN, MWTEMPN, OTHEMPN,
	"PRKCST", "OPRKCST", "AREATYPE", "HSENROLL", "COLLFTE", "COLLPTE",
	"TERMINAL", "TOPOLOGY", GQPOP,
}

// Recipe defines a TAZ field as the sum of Census variables published at one
// geography level, distributed to blocks by a block weight.
type Recipe struct {
	Field     string    `koanf:"field"`
	Variables []string  `koanf:"variables"`
	Level     geo.Level `koanf:"-"`
	LevelName string    `koanf:"level"`
	Weight    string    `koanf:"weight"`
}

// Resolve parses LevelName into Level and applies defaults.
func (r *Recipe) Resolve() error {
	if r.Field == "" {
		return fmt.Errorf("recipe field is required")
	}
	if len(r.Variables) == 0 {
		return fmt.Errorf("recipe %s: at least one variable is required", r.Field)
	}
	if r.LevelName != "" {
		l, err := geo.ParseLevel(r.LevelName)
		if err != nil {
			return fmt.Errorf("recipe %s: %w", r.Field, err)
		}
		r.Level = l
	}
	if r.Level != geo.BlockGroup && r.Level != geo.Tract {
		return fmt.Errorf("recipe %s: level must be block group or tract, got %s", r.Field, r.Level)
	}
	if r.Weight == "" {
		r.Weight = WeightPopulation
	}
	if _, ok := DecennialWeightVariables[r.Weight]; !ok {
		return fmt.Errorf("recipe %s: unknown weight %q", r.Field, r.Weight)
	}
	return nil
}

func seq(prefix string, from, to int) []string {
	out := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("%s_%03dE", prefix, i))
	}
	return out
}

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// DefaultRecipes returns the ACS 5-year recipes for the TM1 fields. Income
// quartile bins follow the B19001 brackets closest to the model's quartile
// breaks.
func DefaultRecipes() []Recipe {
	bg := func(field, weight string, vars ...[]string) Recipe {
		return Recipe{Field: field, Variables: concat(vars...), Level: geo.BlockGroup, Weight: weight}
	}
	return []Recipe{
		bg(TOTHH, WeightHouseholds, []string{"B11001_001E"}),
		bg(HHPOP, WeightHouseholds, []string{"B25008_001E"}),
		bg(TOTPOP, WeightPopulation, []string{"B01003_001E"}),
		bg(EMPRES, WeightPopulation, []string{"B23025_004E", "B23025_006E"}),
		bg(SFDU, WeightHousingUnits, seq("B25024", 2, 3), seq("B25024", 10, 11)),
		bg(MFDU, WeightHousingUnits, seq("B25024", 4, 9)),
		bg(HHINCQ1, WeightHouseholds, seq("B19001", 2, 9)),
		bg(HHINCQ2, WeightHouseholds, seq("B19001", 10, 13)),
		bg(HHINCQ3, WeightHouseholds, seq("B19001", 14, 15)),
		bg(HHINCQ4, WeightHouseholds, seq("B19001", 16, 17)),
		bg(AGE0004, WeightPopulation, []string{"B01001_003E", "B01001_027E"}),
		bg(AGE0519, WeightPopulation, seq("B01001", 4, 7), seq("B01001", 28, 31)),
		bg(AGE2044, WeightPopulation, seq("B01001", 8, 14), seq("B01001", 32, 38)),
		bg(AGE4564, WeightPopulation, seq("B01001", 15, 19), seq("B01001", 39, 43)),
		bg(AGE65P, WeightPopulation, seq("B01001", 20, 25), seq("B01001", 44, 49)),
		bg(POP62P, WeightPopulation, seq("B01001", 19, 25), seq("B01001", 43, 49)),
	}
}

// DefaultSectors maps TM1 employment sectors to LODES NAICS sector columns.
func DefaultSectors() map[string][]string {
	return map[string][]string{
		AGREMPN: {"CNS01", "CNS02"},
		MWTEMPN: {"CNS03", "CNS05", "CNS06", "CNS08"},
		RETEMPN: {"CNS07"},
		FPSEMPN: {"CNS09", "CNS10", "CNS11", "CNS12", "CNS13", "CNS14"},
		HEREMPN: {"CNS15", "CNS16", "CNS17", "CNS18", "CNS20"},
		OTHEMPN: {"CNS04", "CNS19"},
	}
}

// Group is a set of member fields that must add up to a total field in every
// TAZ.
type Group struct {
	Name    string   `koanf:"name"`
	Total   string   `koanf:"total"`
	Members []string `koanf:"members"`
}

// DefaultGroups returns the income, age and employment reconciliation groups.
func DefaultGroups() []Group {
	return []Group{
		{Name: "income", Total: TOTHH, Members: []string{HHINCQ1, HHINCQ2, HHINCQ3, HHINCQ4}},
		{Name: "age", Total: TOTPOP, Members: []string{AGE0004, AGE0519, AGE2044, AGE4564, AGE65P}},
		{Name: "employment", Total: TOTEMP, Members: []string{RETEMPN, FPSEMPN, HEREMPN, AGREMPN, MWTEMPN, OTHEMPN}},
	}
}

// sectorNames returns the sector map keys in a stable order.
func sectorNames(sectors map[string][]string) []string {
	names := make([]string, 0, len(sectors))
	for k := range sectors {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
