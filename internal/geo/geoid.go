// Package geo handles Census geography identifiers, block-to-TAZ crosswalks
// and the GeoJSON side of the TAZ pipeline.
package geo

import (
	"fmt"
	"strings"
)

// Level is a Census summary level in the nesting used by the pipeline.
type Level int

// Levels from finest to coarsest.
const (
	Block Level = iota
	BlockGroup
	Tract
	County
	State
)

// geoidLength is the number of GEOID digits at each level.
var geoidLength = map[Level]int{
	Block:      15,
	BlockGroup: 12,
	Tract:      11,
	County:     5,
	State:      2,
}

func (l Level) String() string {
	switch l {
	case Block:
		return "block"
	case BlockGroup:
		return "block group"
	case Tract:
		return "tract"
	case County:
		return "county"
	case State:
		return "state"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel converts a config value such as "block_group" into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(strings.TrimSpace(s))) {
	case "block":
		return Block, nil
	case "block group", "bg", "blockgroup":
		return BlockGroup, nil
	case "tract":
		return Tract, nil
	case "county":
		return County, nil
	case "state":
		return State, nil
	}
	return 0, fmt.Errorf("unknown geography level %q", s)
}

// Len returns the GEOID length for the level.
func (l Level) Len() int {
	return geoidLength[l]
}

// LevelOf infers the level of a GEOID from its length.
func LevelOf(geoid string) (Level, error) {
	if err := checkDigits(geoid); err != nil {
		return 0, err
	}
	for l, n := range geoidLength {
		if len(geoid) == n {
			return l, nil
		}
	}
	return 0, fmt.Errorf("geoid %q has unexpected length %d", geoid, len(geoid))
}

func checkDigits(geoid string) error {
	if geoid == "" {
		return fmt.Errorf("empty geoid")
	}
	for _, r := range geoid {
		if r < '0' || r > '9' {
			return fmt.Errorf("geoid %q contains non-digit %q", geoid, r)
		}
	}
	return nil
}

// ParseBlock validates a block GEOID. Spreadsheet exports drop the leading
// zero of one-digit state codes, so a 14 digit value gets it back; any other
// length is an error.
func ParseBlock(s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) == Block.Len()-1 {
		s = "0" + s
	}
	if err := checkDigits(s); err != nil {
		return "", err
	}
	if len(s) != Block.Len() {
		return "", fmt.Errorf("geoid %q is not a %d digit block", s, Block.Len())
	}
	return s, nil
}

// Parent truncates a GEOID to the given coarser level. It returns "" when the
// GEOID is shorter than the target level.
func Parent(geoid string, to Level) string {
	n := to.Len()
	if len(geoid) < n {
		return ""
	}
	return geoid[:n]
}

// BlockGroupOf returns the block group of a block GEOID.
func BlockGroupOf(block string) string { return Parent(block, BlockGroup) }

// TractOf returns the tract of a block or block group GEOID.
func TractOf(geoid string) string { return Parent(geoid, Tract) }

// CountyOf returns the five-digit county FIPS of any finer GEOID.
func CountyOf(geoid string) string { return Parent(geoid, County) }

// StateOf returns the two-digit state FIPS.
func StateOf(geoid string) string { return Parent(geoid, State) }

// ParentFunc returns a function usable with table.GroupBy.
func ParentFunc(to Level) func(string) string {
	return func(geoid string) string {
		return Parent(geoid, to)
	}
}

// Assemble builds a GEOID from the component columns returned by the Census API.
func Assemble(state, county, tract, blockGroup, block string) string {
	var b strings.Builder
	b.WriteString(pad(state, 2))
	if county == "" {
		return b.String()
	}
	b.WriteString(pad(county, 3))
	if tract == "" {
		return b.String()
	}
	b.WriteString(pad(tract, 6))
	switch {
	case block != "":
		b.WriteString(pad(block, 4))
	case blockGroup != "":
		b.WriteString(blockGroup)
	}
	return b.String()
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat("0", n-len(s)) + s
}
