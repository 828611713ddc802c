package summary

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/leapstack-labs/tmutil/internal/adapter"
)

// Result reports one written summary.
type Result struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Rows     int64         `json:"rows"`
	Sources  int           `json:"sources"`
	Duration time.Duration `json:"duration_ns"`
}

// Runner loads model outputs into the adapter and writes summaries.
type Runner struct {
	db        adapter.Adapter
	modelDir  string
	outputDir string
	logger    *slog.Logger

	// loaded maps a source glob to its table name
	loaded map[string]string
}

// NewRunner creates a runner reading from modelDir and writing to outputDir.
func NewRunner(db adapter.Adapter, modelDir, outputDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		db:        db,
		modelDir:  modelDir,
		outputDir: outputDir,
		logger:    logger,
		loaded:    make(map[string]string),
	}
}

// Run writes every definition. All definitions are validated before any file
// is loaded.
func (r *Runner) Run(ctx context.Context, defs []Definition) ([]Result, error) {
	seen := make(map[string]bool, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate summary name %q", d.Name)
		}
		seen[d.Name] = true
	}
	if err := os.MkdirAll(r.outputDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	results := make([]Result, 0, len(defs))
	for _, d := range defs {
		res, err := r.runOne(ctx, d)
		if err != nil {
			return results, fmt.Errorf("summary %s: %w", d.Name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, d Definition) (Result, error) {
	start := time.Now()
	source, files, err := r.load(ctx, d.Source)
	if err != nil {
		return Result{}, err
	}

	query, err := d.SQL(source)
	if err != nil {
		return Result{}, err
	}
	r.logger.Debug("summary query", slog.String("name", d.Name), slog.String("sql", query))

	path := filepath.Join(r.outputDir, d.Name+".csv")
	if err := r.db.CopyCSV(ctx, query, path); err != nil {
		return Result{}, err
	}

	rows, err := r.count(ctx, query)
	if err != nil {
		return Result{}, err
	}

	res := Result{Name: d.Name, Path: path, Rows: rows, Sources: files, Duration: time.Since(start)}
	r.logger.Info("summary written", slog.String("name", d.Name), slog.Int64("rows", rows), slog.String("path", path))
	return res, nil
}

// load reads the files matching glob into a table, once per glob.
func (r *Runner) load(ctx context.Context, glob string) (string, int, error) {
	pattern := glob
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(r.modelDir, pattern)
	}
	files, err := filepath.Glob(pattern)
	if err != nil {
		return "", 0, fmt.Errorf("invalid source pattern %q: %w", glob, err)
	}
	if len(files) == 0 {
		return "", 0, fmt.Errorf("no files match %s", pattern)
	}
	sort.Strings(files)

	if name, ok := r.loaded[glob]; ok {
		return name, len(files), nil
	}

	name := fmt.Sprintf("src_%d", len(r.loaded)+1)
	n, err := r.db.LoadCSV(ctx, name, files)
	if err != nil {
		return "", 0, err
	}
	r.loaded[glob] = name
	r.logger.Debug("loaded source", slog.String("pattern", glob), slog.Int("files", len(files)), slog.Int64("rows", n))
	return name, len(files), nil
}

func (r *Runner) count(ctx context.Context, query string) (int64, error) {
	rows, err := r.db.Query(ctx, "SELECT COUNT(*) FROM ("+query+")")
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count summary rows: %w", err)
		}
	}
	return n, rows.Err()
}
