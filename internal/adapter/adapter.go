// Package adapter wraps the analytical database that model output files are
// loaded into for summaries and validation.
package adapter

import (
	"context"
	"database/sql"
	"strings"
)

// Config holds the configuration for opening a database.
type Config struct {
	// Path is the database file. Use ":memory:" or "" for an in-memory database.
	Path string

	// Threads limits worker threads; zero keeps the engine default.
	Threads int

	// MemoryLimit is passed through as the engine memory limit, e.g. "4GB".
	MemoryLimit string
}

// Column represents a column in a loaded table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Position int
}

// Adapter is the set of operations the runners need from the database.
type Adapter interface {
	// Connect opens the database.
	Connect(ctx context.Context, cfg Config) error

	// Close releases the connection.
	Close() error

	// Exec executes a statement that returns no rows.
	Exec(ctx context.Context, sql string, args ...any) error

	// Query executes a statement that returns rows. Callers close the rows.
	Query(ctx context.Context, sql string, args ...any) (*sql.Rows, error)

	// Columns describes a table in the main schema.
	Columns(ctx context.Context, table string) ([]Column, error)

	// LoadCSV creates or replaces table from one or more CSV files with the
	// same layout and returns the number of rows loaded.
	LoadCSV(ctx context.Context, table string, paths []string) (int64, error)

	// CopyCSV writes the result of query to a headered CSV file.
	CopyCSV(ctx context.Context, query string, path string) error
}

// QuoteIdent quotes an identifier for use in SQL.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString quotes a string literal for use in SQL.
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
