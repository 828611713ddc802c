package census

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/tmutil/internal/table"
)

var cacheNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Cache stores fetched tables as CSV files so reruns skip the network.
type Cache struct {
	dir     string
	refresh bool
	logger  *slog.Logger
}

// NewCache creates a cache rooted at dir. With refresh set, existing files are
// ignored and overwritten.
func NewCache(dir string, refresh bool, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{dir: dir, refresh: refresh, logger: logger}
}

// Path returns the file used for a cache entry.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.dir, name+".csv")
}

// Table returns the cached table called name, calling fetch and storing its
// result when there is no usable cache entry.
func (c *Cache) Table(ctx context.Context, name string, fetch func(context.Context) (*table.Table, error)) (*table.Table, error) {
	if !cacheNamePattern.MatchString(name) {
		return nil, fmt.Errorf("invalid cache name %q", name)
	}
	path := c.Path(name)

	if !c.refresh {
		if f, err := os.Open(path); err == nil {
			defer func() { _ = f.Close() }()
			t, err := table.ReadCSV(f, table.ReadOptions{KeyColumn: "GEOID"})
			if err == nil {
				c.logger.Debug("cache hit", slog.String("name", name), slog.Int("rows", t.Len()))
				return t, nil
			}
			c.logger.Warn("ignoring unreadable cache file", slog.String("path", path), slog.Any("error", err))
		}
	}

	t, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.store(path, t); err != nil {
		return nil, err
	}
	c.logger.Debug("cache stored", slog.String("name", name), slog.Int("rows", t.Len()))
	return t, nil
}

func (c *Cache) store(path string, t *table.Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := t.WriteCSV(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move cache file into place: %w", err)
	}
	return nil
}

// FetchCounties calls fetch once per county with at most limit requests in
// flight and merges the results in county order.
func FetchCounties(ctx context.Context, counties []string, limit int, fetch func(context.Context, string) (*table.Table, error)) (*table.Table, error) {
	results := make([]*table.Table, len(counties))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, county := range counties {
		g.Go(func() error {
			t, err := fetch(gctx, county)
			if err != nil {
				return fmt.Errorf("county %s: %w", county, err)
			}
			results[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := table.New("GEOID")
	for _, t := range results {
		out.Merge(t)
	}
	return out, nil
}
