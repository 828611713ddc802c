package census

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/leapstack-labs/tmutil/internal/table"
)

// LODES workplace area characteristic columns: total jobs and the twenty
// two-digit NAICS sector counts.
var WACColumns = []string{
	"C000",
	"CNS01", "CNS02", "CNS03", "CNS04", "CNS05",
	"CNS06", "CNS07", "CNS08", "CNS09", "CNS10",
	"CNS11", "CNS12", "CNS13", "CNS14", "CNS15",
	"CNS16", "CNS17", "CNS18", "CNS19", "CNS20",
}

// LODESQuery identifies one WAC file.
type LODESQuery struct {
	// Version is the LODES release directory, e.g. "LODES8".
	Version string
	// State is the lowercase postal abbreviation used in LODES file names.
	State string
	// Segment is the workforce segment, S000 for all workers.
	Segment string
	// JobType is JT00 for all jobs, JT01 for primary jobs, ...
	JobType string
	Year    int
}

func (q LODESQuery) withDefaults() LODESQuery {
	if q.Version == "" {
		q.Version = "LODES8"
	}
	if q.Segment == "" {
		q.Segment = "S000"
	}
	if q.JobType == "" {
		q.JobType = "JT00"
	}
	q.State = strings.ToLower(q.State)
	return q
}

// WAC downloads a gzipped workplace area characteristics file and returns jobs
// by block GEOID.
func (c *Client) WAC(ctx context.Context, q LODESQuery) (*table.Table, error) {
	q = q.withDefaults()
	if len(q.State) != 2 || q.Year <= 0 {
		return nil, fmt.Errorf("invalid lodes query: state %q year %d", q.State, q.Year)
	}

	name := fmt.Sprintf("%s_wac_%s_%s_%d.csv.gz", q.State, q.Segment, q.JobType, q.Year)
	rawURL := fmt.Sprintf("%s/%s/%s/wac/%s", c.lodesURL, q.Version, q.State, name)

	body, err := c.fetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", name, err)
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer func() { _ = zr.Close() }()

	t, err := table.ReadCSV(zr, table.ReadOptions{
		KeyColumn: "w_geocode",
		Columns:   WACColumns,
		Rename:    map[string]string{"w_geocode": "GEOID"},
		PadKey:    15,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}

	c.logger.Debug("lodes wac downloaded", slog.String("file", name), slog.Int("blocks", t.Len()))
	return t, nil
}
