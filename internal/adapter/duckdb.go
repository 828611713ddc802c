package adapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

// ErrNotConnected is returned by operations on an adapter before Connect.
var ErrNotConnected = errors.New("duckdb: not connected")

// DuckDBAdapter implements the Adapter interface for DuckDB.
type DuckDBAdapter struct {
	db     *sql.DB
	config Config
}

// NewDuckDBAdapter creates a new DuckDB adapter instance.
func NewDuckDBAdapter() *DuckDBAdapter {
	return &DuckDBAdapter{}
}

// Connect establishes a connection to DuckDB.
func (a *DuckDBAdapter) Connect(ctx context.Context, cfg Config) error {
	path := cfg.Path
	if path == ":memory:" {
		path = ""
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping duckdb: %w", err)
	}

	var settings []string
	if cfg.Threads > 0 {
		settings = append(settings, fmt.Sprintf("SET threads = %d", cfg.Threads))
	}
	if cfg.MemoryLimit != "" {
		settings = append(settings, "SET memory_limit = "+QuoteString(cfg.MemoryLimit))
	}
	for _, s := range settings {
		if _, err := db.ExecContext(ctx, s); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply %q: %w", s, err)
		}
	}

	a.db = db
	a.config = cfg
	return nil
}

// Close closes the DuckDB connection.
func (a *DuckDBAdapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Exec executes a SQL statement that doesn't return rows.
func (a *DuckDBAdapter) Exec(ctx context.Context, sqlStr string, args ...any) error {
	if a.db == nil {
		return ErrNotConnected
	}
	if _, err := a.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("duckdb exec: %w", err)
	}
	return nil
}

// Query executes a SQL statement that returns rows.
func (a *DuckDBAdapter) Query(ctx context.Context, sqlStr string, args ...any) (*sql.Rows, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}

	//nolint:rowserrcheck // rows.Err() must be checked by caller after iteration completes
	rows, err := a.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("duckdb query: %w", err)
	}
	return rows, nil
}

// Columns returns the columns of a table in the main schema.
func (a *DuckDBAdapter) Columns(ctx context.Context, table string) ([]Column, error) {
	if a.db == nil {
		return nil, ErrNotConnected
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = 'main' AND table_name = ?
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var columns []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.Type, &nullable, &col.Position); err != nil {
			return nil, fmt.Errorf("failed to scan column metadata: %w", err)
		}
		col.Nullable = nullable == "YES"
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating column metadata: %w", err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}
	return columns, nil
}

// LoadCSV loads CSV files into a table with DuckDB's schema inference. Files
// are combined by column name, so column order may differ between them.
func (a *DuckDBAdapter) LoadCSV(ctx context.Context, table string, paths []string) (int64, error) {
	if a.db == nil {
		return 0, ErrNotConnected
	}
	if len(paths) == 0 {
		return 0, fmt.Errorf("no files to load into %s", table)
	}

	quoted := make([]string, len(paths))
	for i, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return 0, fmt.Errorf("failed to get absolute path: %w", err)
		}
		quoted[i] = QuoteString(filepath.ToSlash(abs))
	}

	query := fmt.Sprintf(
		"CREATE OR REPLACE TABLE %s AS SELECT * FROM read_csv_auto([%s], header=true, union_by_name=true)",
		QuoteIdent(table),
		strings.Join(quoted, ", "),
	)
	if err := a.Exec(ctx, query); err != nil {
		return 0, fmt.Errorf("failed to load CSV: %w", err)
	}

	var n int64
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QuoteIdent(table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	return n, nil
}

// CopyCSV writes the result of query to path.
func (a *DuckDBAdapter) CopyCSV(ctx context.Context, query string, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	stmt := fmt.Sprintf("COPY (%s) TO %s (HEADER, DELIMITER ',')", query, QuoteString(filepath.ToSlash(abs)))
	if err := a.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

var _ Adapter = (*DuckDBAdapter)(nil)
