// Package db tests for connection setup and migrations.
package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpen_CreatesSchema verifies migrations create every table.
func TestOpen_CreatesSchema(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")

	database, err := Open(ctx, dir)
	require.NoError(t, err)
	defer database.Close()

	_, err = os.Stat(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), database.Path())

	for _, table := range []string{"cached_entities", "entity_index", "queued_operations", "conflict_log"} {
		var name string
		err := database.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, "table %s", table)
		assert.Equal(t, table, name)
	}
}

// TestOpen_Reopen verifies migrations are idempotent across restarts.
func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := Open(ctx, dir)
	require.NoError(t, err)
	_, err = first.ExecContext(ctx,
		`INSERT INTO queued_operations (queue_id, kind, entity_type, entity_id, payload, created_at)
		 VALUES ('q1', 'create', 'clip_vote', 'c1', '{}', 1)`)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(ctx, dir)
	require.NoError(t, err)
	defer second.Close()

	var count int
	require.NoError(t, second.QueryRowContext(ctx, "SELECT COUNT(*) FROM queued_operations").Scan(&count))
	assert.Equal(t, 1, count)
}

// TestOpenPath_Memory verifies in-memory databases enforce constraints.
func TestOpenPath_Memory(t *testing.T) {
	ctx := context.Background()
	database, err := OpenPath(ctx, ":memory:")
	require.NoError(t, err)
	defer database.Close()

	var fk int
	require.NoError(t, database.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	_, err = database.ExecContext(ctx,
		`INSERT INTO cached_entities (type, id, payload, fetched_at, expires_at) VALUES ('clip', 'a', '{}', 10, 5)`)
	assert.Error(t, err, "expires_at must be after fetched_at")
}
