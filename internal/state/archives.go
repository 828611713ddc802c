package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveArchive records an archive. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) SaveArchive(ctx context.Context, a *Archive) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if a.Name == "" {
		return fmt.Errorf("archive name is required")
	}
	if a.ID == "" {
		a.ID = generateID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archives (id, name, source_dir, path, files, bytes, sha256, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.SourceDir, a.Path, a.Files, a.Bytes, a.SHA256, toMillis(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save archive %s: %w", a.Name, err)
	}
	return nil
}

// GetArchiveByName retrieves an archive by its unique name.
func (s *SQLiteStore) GetArchiveByName(ctx context.Context, name string) (*Archive, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, source_dir, path, files, bytes, sha256, created_at FROM archives WHERE name = ?`, name)
	a, err := scanArchive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archive: %w", err)
	}
	return a, nil
}

// ListArchives returns all archives, newest first.
func (s *SQLiteStore) ListArchives(ctx context.Context) ([]*Archive, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, source_dir, path, files, bytes, sha256, created_at FROM archives ORDER BY created_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArchive(row scanner) (*Archive, error) {
	var (
		a         Archive
		createdAt int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.SourceDir, &a.Path, &a.Files, &a.Bytes, &a.SHA256, &createdAt); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(createdAt)
	return &a, nil
}
