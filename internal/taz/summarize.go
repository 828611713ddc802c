package taz

import (
	"fmt"
	"sort"

	"github.com/leapstack-labs/tmutil/internal/geo"
	"github.com/leapstack-labs/tmutil/internal/table"
)

// Inputs are the raw tables gathered by the fetch phase.
type Inputs struct {
	// ACS holds Census variables keyed by GEOID, one table per level.
	ACS map[geo.Level]*table.Table
	// Blocks holds block weights (population, households, housing_units).
	Blocks *table.Table
	// Jobs holds LODES WAC columns by block.
	Jobs *table.Table
}

// Summary is the output of the summarize phase.
type Summary struct {
	// Blocks is the block-level data prior to apportionment.
	Blocks *table.Table
	// TAZ is the TAZ-level data prior to scaling.
	TAZ *table.Table
	// Unallocated lists parent geographies that had no blocks to receive
	// their values, keyed by level.
	Unallocated map[geo.Level][]string
	// UnmatchedBlocks are blocks with data that are absent from the crosswalk.
	UnmatchedBlocks []string
}

// ParentFields combines Census variables into recipe fields at the recipe's
// level.
func ParentFields(acs *table.Table, recipes []Recipe) (*table.Table, error) {
	cols := make([]string, 0, len(recipes))
	for _, r := range recipes {
		cols = append(cols, r.Field)
	}
	out := table.New("GEOID", cols...)
	for _, key := range acs.Keys() {
		out.EnsureRow(key)
		for _, r := range recipes {
			var total float64
			for _, v := range r.Variables {
				if !acs.HasColumn(v) {
					return nil, fmt.Errorf("recipe %s: variable %s not in fetched data", r.Field, v)
				}
				total += acs.Get(key, v)
			}
			out.Set(key, r.Field, total)
		}
	}
	return out, nil
}

// Distribute spreads parent-level values onto blocks in proportion to the
// weight column of blocks. Parents whose blocks all have zero weight are
// spread evenly; parents with no blocks at all are returned as unallocated.
func Distribute(parents *table.Table, level geo.Level, blocks *table.Table, weight string, fields []string) (*table.Table, []string) {
	children := make(map[string][]string)
	for _, b := range blocks.Keys() {
		p := geo.Parent(b, level)
		children[p] = append(children[p], b)
	}

	out := table.New("GEOID", fields...)
	var unallocated []string
	for _, p := range parents.Keys() {
		kids := children[p]
		if len(kids) == 0 {
			if hasValue(parents, p, fields) {
				unallocated = append(unallocated, p)
			}
			continue
		}

		var total float64
		for _, b := range kids {
			total += blocks.Get(b, weight)
		}
		for _, b := range kids {
			share := 1 / float64(len(kids))
			if total > 0 {
				share = blocks.Get(b, weight) / total
			}
			if share == 0 {
				continue
			}
			for _, f := range fields {
				if v := parents.Get(p, f); v != 0 {
					out.Add(b, f, v*share)
				}
			}
		}
	}
	return out, unallocated
}

func hasValue(t *table.Table, key string, fields []string) bool {
	for _, f := range fields {
		if t.Get(key, f) != 0 {
			return true
		}
	}
	return false
}

// SectorJobs maps LODES sector columns onto TAZ employment fields and adds
// TOTEMP from total jobs.
func SectorJobs(jobs *table.Table, sectors map[string][]string) *table.Table {
	names := sectorNames(sectors)
	out := table.New("GEOID", append([]string{TOTEMP}, names...)...)
	for _, b := range jobs.Keys() {
		out.EnsureRow(b)
		out.Set(b, TOTEMP, jobs.Get(b, "C000"))
		for _, name := range names {
			var v float64
			for _, col := range sectors[name] {
				v += jobs.Get(b, col)
			}
			out.Set(b, name, v)
		}
	}
	return out
}

// Summarize moves every input onto blocks and then onto TAZs.
func Summarize(in Inputs, recipes []Recipe, sectors map[string][]string, xw *geo.Crosswalk) (*Summary, error) {
	if in.Blocks == nil {
		return nil, fmt.Errorf("block weights are required")
	}

	type bucket struct {
		level  geo.Level
		weight string
	}
	grouped := make(map[bucket][]Recipe)
	var order []bucket
	for _, r := range recipes {
		b := bucket{level: r.Level, weight: r.Weight}
		if _, ok := grouped[b]; !ok {
			order = append(order, b)
		}
		grouped[b] = append(grouped[b], r)
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].level != order[j].level {
			return order[i].level < order[j].level
		}
		return order[i].weight < order[j].weight
	})

	blocks := table.New("GEOID")
	res := &Summary{Unallocated: make(map[geo.Level][]string)}
	for _, b := range order {
		acs, ok := in.ACS[b.level]
		if !ok {
			return nil, fmt.Errorf("no %s data fetched", b.level)
		}
		parents, err := ParentFields(acs, grouped[b])
		if err != nil {
			return nil, err
		}
		dist, unallocated := Distribute(parents, b.level, in.Blocks, b.weight, parents.Columns())
		blocks.Merge(dist)
		res.Unallocated[b.level] = appendUnique(res.Unallocated[b.level], unallocated...)
	}

	if in.Jobs != nil {
		jobs := SectorJobs(in.Jobs, sectors)
		for _, c := range jobs.Columns() {
			blocks.AddColumn(c)
		}
		for _, k := range jobs.Keys() {
			for _, c := range jobs.Columns() {
				blocks.Add(k, c, jobs.Get(k, c))
			}
		}
	}

	tazTable, unmatched := xw.Apportion(blocks)
	res.Blocks = blocks
	res.TAZ = tazTable
	res.UnmatchedBlocks = unmatched
	return res, nil
}

func appendUnique(dst []string, vals ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, v := range dst {
		seen[v] = true
	}
	for _, v := range vals {
		if !seen[v] {
			seen[v] = true
			dst = append(dst, v)
		}
	}
	return dst
}
