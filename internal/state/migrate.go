package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// newMigrator returns a goose provider over the embedded schema.
func newMigrator(db *sql.DB) (*goose.Provider, error) {
	schema, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to load state schema: %w", err)
	}
	return p, nil
}

// Migrate applies pending state schema migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	p, err := newMigrator(s.db)
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate state database: %w", err)
	}
	for _, r := range results {
		s.logger.Debug("applied state migration", "version", r.Source.Version, "took", r.Duration)
	}
	return nil
}

// MigrationVersion reports the schema version recorded in the state database.
func (s *SQLiteStore) MigrationVersion(ctx context.Context) (int64, error) {
	if err := s.ensureOpen(); err != nil {
		return 0, err
	}
	p, err := newMigrator(s.db)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}
