package geo

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/leapstack-labs/tmutil/internal/table"
)

// shareTolerance is how far a block's shares may drift from 1 before they are
// renormalized.
const shareTolerance = 1e-6

// Allocation assigns a fraction of a block to a TAZ.
type Allocation struct {
	TAZ   string
	Share float64
}

// Crosswalk maps Census blocks to TAZs. A block may be split across zones; the
// shares of each block sum to one.
type Crosswalk struct {
	blocks map[string][]Allocation
	order  []string
}

// NewCrosswalk creates an empty crosswalk.
func NewCrosswalk() *Crosswalk {
	return &Crosswalk{blocks: make(map[string][]Allocation)}
}

// CrosswalkOptions names the crosswalk CSV columns. Empty names are detected
// from common header spellings.
type CrosswalkOptions struct {
	BlockColumn string
	TAZColumn   string
	ShareColumn string
}

var (
	blockColumnCandidates = []string{"GEOID20", "GEOID10", "GEOID", "blockgeoid", "block"}
	tazColumnCandidates   = []string{"TAZ", "TAZ1454", "taz", "zone"}
	shareColumnCandidates = []string{"share", "weight", "pct"}
)

// Add assigns share of block to taz. Repeated pairs accumulate.
func (c *Crosswalk) Add(block, taz string, share float64) {
	allocs, ok := c.blocks[block]
	if !ok {
		c.order = append(c.order, block)
	}
	for i := range allocs {
		if allocs[i].TAZ == taz {
			allocs[i].Share += share
			return
		}
	}
	c.blocks[block] = append(allocs, Allocation{TAZ: taz, Share: share})
}

// Allocations returns the zones a block is assigned to.
func (c *Crosswalk) Allocations(block string) []Allocation {
	return c.blocks[block]
}

// Blocks returns the blocks in the crosswalk in insertion order.
func (c *Crosswalk) Blocks() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of blocks.
func (c *Crosswalk) Len() int {
	return len(c.order)
}

// TAZs returns the distinct zones in the crosswalk.
func (c *Crosswalk) TAZs() []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range c.order {
		for _, a := range c.blocks[b] {
			if !seen[a.TAZ] {
				seen[a.TAZ] = true
				out = append(out, a.TAZ)
			}
		}
	}
	return out
}

// Normalize rescales the shares of every block to sum to one and returns the
// blocks that needed it. Blocks whose shares sum to zero get equal shares.
func (c *Crosswalk) Normalize() []string {
	var fixed []string
	for _, b := range c.order {
		allocs := c.blocks[b]
		var total float64
		for _, a := range allocs {
			total += a.Share
		}
		if math.Abs(total-1) <= shareTolerance {
			continue
		}
		fixed = append(fixed, b)
		for i := range allocs {
			if total == 0 {
				allocs[i].Share = 1 / float64(len(allocs))
			} else {
				allocs[i].Share /= total
			}
		}
	}
	return fixed
}

// TAZCounty assigns every TAZ to the county holding the largest share of its
// blocks. Ties resolve to the lowest FIPS code.
func (c *Crosswalk) TAZCounty() map[string]string {
	weights := make(map[string]map[string]float64)
	for _, b := range c.order {
		county := CountyOf(b)
		for _, a := range c.blocks[b] {
			if weights[a.TAZ] == nil {
				weights[a.TAZ] = make(map[string]float64)
			}
			weights[a.TAZ][county] += a.Share
		}
	}

	out := make(map[string]string, len(weights))
	for taz, byCounty := range weights {
		counties := make([]string, 0, len(byCounty))
		for county := range byCounty {
			counties = append(counties, county)
		}
		sort.Strings(counties)
		best := counties[0]
		for _, county := range counties[1:] {
			if byCounty[county] > byCounty[best] {
				best = county
			}
		}
		out[taz] = best
	}
	return out
}

// Apportion moves a block-keyed table onto TAZs using the crosswalk shares.
// Blocks missing from the crosswalk are returned so callers can report how
// much was dropped.
func (c *Crosswalk) Apportion(blocks *table.Table) (*table.Table, []string) {
	cols := blocks.Columns()
	out := table.New("TAZ", cols...)
	for _, taz := range c.TAZs() {
		out.EnsureRow(taz)
	}

	var unmatched []string
	for _, b := range blocks.Keys() {
		allocs, ok := c.blocks[b]
		if !ok {
			unmatched = append(unmatched, b)
			continue
		}
		row := blocks.Row(b)
		for _, a := range allocs {
			for _, col := range cols {
				if v := row[col]; v != 0 {
					out.Add(a.TAZ, col, v*a.Share)
				}
			}
		}
	}
	return out, unmatched
}

// ReadCrosswalk parses a block/TAZ correspondence CSV. Without a share column
// each row assigns the whole block.
func ReadCrosswalk(r io.Reader, opts CrosswalkOptions) (*Crosswalk, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty crosswalk")
		}
		return nil, fmt.Errorf("failed to read crosswalk header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	blockIdx, err := findColumn(header, opts.BlockColumn, blockColumnCandidates)
	if err != nil {
		return nil, fmt.Errorf("block column: %w", err)
	}
	tazIdx, err := findColumn(header, opts.TAZColumn, tazColumnCandidates)
	if err != nil {
		return nil, fmt.Errorf("taz column: %w", err)
	}
	shareIdx, err := findColumn(header, opts.ShareColumn, shareColumnCandidates)
	if err != nil {
		if opts.ShareColumn != "" {
			return nil, fmt.Errorf("share column: %w", err)
		}
		shareIdx = -1
	}

	xw := NewCrosswalk()
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
		if blockIdx >= len(rec) || tazIdx >= len(rec) {
			return nil, fmt.Errorf("line %d: short record", line)
		}

		block, err := ParseBlock(rec[blockIdx])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid block geoid: %w", line, err)
		}
		taz := strings.TrimSpace(rec[tazIdx])
		if taz == "" {
			return nil, fmt.Errorf("line %d: empty taz", line)
		}
		// TAZ numbers are often written as floats by GIS exports.
		if f, err := strconv.ParseFloat(taz, 64); err == nil && f == math.Trunc(f) {
			taz = strconv.FormatInt(int64(f), 10)
		}

		share := 1.0
		if shareIdx >= 0 && shareIdx < len(rec) {
			share, err = table.ParseNumber(rec[shareIdx])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			if share < 0 {
				return nil, fmt.Errorf("line %d: negative share %v", line, share)
			}
		}
		xw.Add(block, taz, share)
	}

	if xw.Len() == 0 {
		return nil, fmt.Errorf("crosswalk has no rows")
	}
	return xw, nil
}

func findColumn(header []string, explicit string, candidates []string) (int, error) {
	if explicit != "" {
		candidates = []string{explicit}
	}
	for _, c := range candidates {
		for i, h := range header {
			if strings.EqualFold(h, c) {
				return i, nil
			}
		}
	}
	return -1, fmt.Errorf("none of %v found in header", candidates)
}

// WriteCSV writes the crosswalk as block,TAZ,share rows.
func (c *Crosswalk) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"GEOID", "TAZ", "share"}); err != nil {
		return err
	}
	blocks := c.Blocks()
	sort.Strings(blocks)
	for _, b := range blocks {
		for _, a := range c.blocks[b] {
			if err := cw.Write([]string{b, a.TAZ, strconv.FormatFloat(a.Share, 'f', -1, 64)}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
