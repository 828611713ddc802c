package adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *DuckDBAdapter {
	t.Helper()
	a := NewDuckDBAdapter()
	require.NoError(t, a.Connect(context.Background(), Config{Path: ":memory:", Threads: 1}))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestDuckDBAdapter_ConnectFileBased(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "summaries.duckdb")

	a := NewDuckDBAdapter()
	require.NoError(t, a.Connect(context.Background(), Config{Path: dbPath, MemoryLimit: "256MB"}))
	defer func() { _ = a.Close() }()

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "database file should be created")
}

func TestDuckDBAdapter_NotConnected(t *testing.T) {
	a := NewDuckDBAdapter()
	ctx := context.Background()

	assert.ErrorIs(t, a.Exec(ctx, "SELECT 1"), ErrNotConnected)
	_, err := a.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = a.Columns(ctx, "t")
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = a.LoadCSV(ctx, "t", []string{"x.csv"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, a.Close())
}

func TestDuckDBAdapter_LoadCSV(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "indivTripData_1.csv")
	second := filepath.Join(dir, "indivTripData_2.csv")
	require.NoError(t, os.WriteFile(first, []byte("hh_id,trip_mode,orig_taz\n1,1,10\n2,3,11\n"), 0o600))
	// same columns in a different order
	require.NoError(t, os.WriteFile(second, []byte("orig_taz,hh_id,trip_mode\n12,3,1\n"), 0o600))

	a := newTestAdapter(t)
	ctx := context.Background()

	n, err := a.LoadCSV(ctx, "trips", []string{first, second})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	cols, err := a.Columns(ctx, "trips")
	require.NoError(t, err)
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	assert.ElementsMatch(t, []string{"hh_id", "trip_mode", "orig_taz"}, names)

	rows, err := a.Query(ctx, `SELECT SUM(orig_taz) FROM trips WHERE trip_mode = ?`, 1)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	require.True(t, rows.Next())
	var sum float64
	require.NoError(t, rows.Scan(&sum))
	assert.Equal(t, 22.0, sum)
	require.NoError(t, rows.Err())

	_, err = a.LoadCSV(ctx, "none", nil)
	assert.Error(t, err)

	_, err = a.Columns(ctx, "missing")
	assert.ErrorContains(t, err, "not found")
}

func TestDuckDBAdapter_CopyCSV(t *testing.T) {
	a := newTestAdapter(t)
	ctx := context.Background()
	require.NoError(t, a.Exec(ctx, `CREATE TABLE t AS SELECT * FROM (VALUES (1, 'a'), (2, 'b')) v(id, name)`))

	out := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, a.CopyCSV(ctx, `SELECT id, name FROM t ORDER BY id`, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,a\n2,b\n", string(data))
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"trip ""mode"""`, QuoteIdent(`trip "mode"`))
	assert.Equal(t, `'it''s'`, QuoteString("it's"))
}
