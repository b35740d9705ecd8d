package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), "tuning.db"),
		Profile: ProfileStandard,
		Name:    "tuning",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestNew_CreatesDirectoryAndConnects(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.QuickCheck(context.Background()))
	assert.Equal(t, "tuning", db.Name())
	assert.Equal(t, ProfileStandard, db.Profile())
}

func TestMigrate_CreatesTuningTables(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate())

	for _, table := range []string{
		"tuning_sessions",
		"strategy_queue",
		"hyperparameter_tuning_results",
		"execution_log",
	} {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())
}

func TestHealthCheck(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate())

	assert.NoError(t, db.HealthCheck(context.Background()))
}

func TestWALCheckpointAndStats(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate())

	_, err := db.Exec(
		"INSERT INTO tuning_sessions (session_id, mode, total_strategies) VALUES (?, ?, ?)",
		"session_test", "sampling", 10,
	)
	require.NoError(t, err)

	require.NoError(t, db.WALCheckpoint(""))

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Greater(t, stats.PageCount, int64(0))
	assert.Greater(t, stats.PageSize, int64(0))
}

func TestBuildConnectionString_Profiles(t *testing.T) {
	ledger := buildConnectionString("/tmp/x.db", ProfileLedger)
	assert.Contains(t, ledger, "journal_mode(WAL)")
	assert.Contains(t, ledger, "synchronous(FULL)")

	cache := buildConnectionString("/tmp/x.db", ProfileCache)
	assert.Contains(t, cache, "synchronous(OFF)")

	standard := buildConnectionString("/tmp/x.db", ProfileStandard)
	assert.Contains(t, standard, "synchronous(NORMAL)")
	assert.Contains(t, standard, "foreign_keys(1)")
}
