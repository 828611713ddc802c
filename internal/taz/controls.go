package taz

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/leapstack-labs/tmutil/internal/table"
)

// ErrMissingControl is returned when a field that must be controlled has no
// target for one of the counties.
var ErrMissingControl = errors.New("missing county control")

// Controls holds independently sourced county control totals.
type Controls struct {
	targets map[string]map[string]float64
	fields  []string
}

// NewControls creates an empty control set.
func NewControls() *Controls {
	return &Controls{targets: make(map[string]map[string]float64)}
}

// Set records the target for a county field.
func (c *Controls) Set(county, field string, target float64) {
	if c.targets[county] == nil {
		c.targets[county] = make(map[string]float64)
	}
	if !containsString(c.fields, field) {
		c.fields = append(c.fields, field)
	}
	c.targets[county][field] = target
}

// Target returns the control for a county field.
func (c *Controls) Target(county, field string) (float64, bool) {
	v, ok := c.targets[county][field]
	return v, ok
}

// Fields returns the controlled field names in the order first seen.
func (c *Controls) Fields() []string {
	return append([]string(nil), c.fields...)
}

// Counties returns the counties with at least one control, sorted.
func (c *Controls) Counties() []string {
	out := make([]string, 0, len(c.targets))
	for county := range c.targets {
		out = append(out, county)
	}
	sort.Strings(out)
	return out
}

// ReadControls parses a county controls CSV. Two layouts are accepted: long
// (county, field, target) and wide (county followed by one column per field).
// Three digit county codes are prefixed with state.
func ReadControls(r io.Reader, state string) (*Controls, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("controls file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read controls header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	countyIdx := -1
	fieldIdx, targetIdx := -1, -1
	for i, h := range header {
		switch strings.ToLower(h) {
		case "county", "county_fips", "fips", "geoid":
			countyIdx = i
		case "field", "variable":
			fieldIdx = i
		case "target", "control", "value":
			targetIdx = i
		}
	}
	if countyIdx < 0 {
		return nil, fmt.Errorf("controls file has no county column")
	}
	long := fieldIdx >= 0 && targetIdx >= 0

	c := NewControls()
	line := 1
	for {
		rec, err := cr.Read()
		line++
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(rec) != len(header) {
			return nil, fmt.Errorf("line %d: expected %d fields, got %d", line, len(header), len(rec))
		}
		county, err := countyKey(rec[countyIdx], state)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		if long {
			v, err := parseTarget(rec[targetIdx])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			c.Set(county, strings.TrimSpace(rec[fieldIdx]), v)
			continue
		}
		for i, h := range header {
			if i == countyIdx || strings.TrimSpace(rec[i]) == "" {
				continue
			}
			v, err := parseTarget(rec[i])
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, h, err)
			}
			c.Set(county, h, v)
		}
	}
	return c, nil
}

func countyKey(raw, state string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("invalid county code %q", raw)
		}
	}
	switch len(s) {
	case 5:
		return s, nil
	case 1, 2, 3:
		if len(state) != 2 {
			return "", fmt.Errorf("county code %q needs a state FIPS prefix", raw)
		}
		return state + strings.Repeat("0", 3-len(s)) + s, nil
	}
	return "", fmt.Errorf("invalid county code %q", raw)
}

func parseTarget(s string) (float64, error) {
	v, err := table.ParseNumber(s)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative target %v", v)
	}
	return v, nil
}

// Factor is the scale factor of one county field.
type Factor struct {
	County string
	Field  string
	Base   float64
	Target float64
	Factor float64
	// ZeroBase marks counties with a positive target but nothing to scale.
	// Their values are left unchanged.
	ZeroBase bool
	// Controlled is false when the target defaulted to the base.
	Controlled bool
}

// CountyBase sums TAZ values into counties.
func CountyBase(tazTable *table.Table, tazCounty map[string]string) *table.Table {
	return tazTable.GroupBy("COUNTY_FIPS", func(taz string) string { return tazCounty[taz] })
}

// BuildTargets computes a factor for every county and field of base. Fields
// without a control keep their base as target. Fields listed in required must
// have a control in every county.
func BuildTargets(base *table.Table, controls *Controls, fields, required []string) ([]Factor, error) {
	if controls == nil {
		controls = NewControls()
	}

	var missing []error
	var out []Factor
	for _, county := range base.SortedKeys() {
		for _, field := range fields {
			b := base.Get(county, field)
			target, ok := controls.Target(county, field)
			if !ok {
				if containsString(required, field) {
					missing = append(missing, fmt.Errorf("%w: county %s field %s", ErrMissingControl, county, field))
					continue
				}
				target = b
			}
			out = append(out, ScaleFactor(county, field, b, target, ok))
		}
	}
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}
	return out, nil
}

// ScaleFactor returns target/base. A zero base cannot be scaled, so the factor
// is 1 and ZeroBase is set when the target asks for a non-zero total.
func ScaleFactor(county, field string, base, target float64, controlled bool) Factor {
	f := Factor{County: county, Field: field, Base: base, Target: target, Factor: 1, Controlled: controlled}
	if base == 0 {
		f.ZeroBase = target != 0
		return f
	}
	f.Factor = target / base
	return f
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
