package session

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiehlin/factortuner/internal/database"
	"github.com/chiehlin/factortuner/internal/modules/paramspace"
)

func newTestRepo(t *testing.T) (*Repository, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(database.Schema())
	require.NoError(t, err)

	return NewRepository(db, zerolog.New(nil).Level(zerolog.Disabled)), db
}

func testConfigs(n int) []paramspace.StrategyConfig {
	configs := make([]paramspace.StrategyConfig, 0, n)
	for i := 0; i < n; i++ {
		configs = append(configs, paramspace.StrategyConfig{
			StrategyID:         "exhaustive_" + string(rune('a'+i)),
			Factors:            []string{paramspace.FactorSharpe},
			WindowSize:         20 + i,
			RebalanceFrequency: 7,
			DataPeriod:         60,
			SelectionCount:     5,
			WeightMethod:       paramspace.WeightEqual,
		})
	}
	return configs
}

func TestCreateSession_AndGet(t *testing.T) {
	repo, _ := newTestRepo(t)

	snapshot := map[string]interface{}{"mode": "sampling", "sample_size": 50}
	id, err := repo.CreateSession("sampling", 50, snapshot, "smoke run")
	require.NoError(t, err)
	assert.Contains(t, id, "session_")

	s, err := repo.Session(id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "sampling", s.Mode)
	assert.Equal(t, 50, s.TotalStrategies)
	assert.Equal(t, SessionCreated, s.Status)
	assert.Equal(t, "smoke run", s.Notes)

	var decoded map[string]interface{}
	require.NoError(t, repo.DecodeConfig(s, &decoded))
	assert.Equal(t, "sampling", decoded["mode"])
}

func TestSession_MissingReturnsNil(t *testing.T) {
	repo, _ := newTestRepo(t)

	s, err := repo.Session("session_never_created")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestLatestSession(t *testing.T) {
	repo, _ := newTestRepo(t)

	latest, err := repo.LatestSession()
	require.NoError(t, err)
	assert.Empty(t, latest)

	_, err = repo.CreateSession("exhaustive", 10, nil, "")
	require.NoError(t, err)
	second, err := repo.CreateSession("sampling", 5, nil, "")
	require.NoError(t, err)

	latest, err = repo.LatestSession()
	require.NoError(t, err)
	assert.Equal(t, second, latest)
}

func TestListSessions(t *testing.T) {
	repo, _ := newTestRepo(t)

	for i := 0; i < 3; i++ {
		_, err := repo.CreateSession("exhaustive", 10, nil, "")
		require.NoError(t, err)
	}

	sessions, err := repo.ListSessions(2)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	all, err := repo.ListSessions(0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEnqueue_AndPendingItems(t *testing.T) {
	repo, _ := newTestRepo(t)

	id, err := repo.CreateSession("exhaustive", 3, nil, "")
	require.NoError(t, err)

	configs := testConfigs(3)
	require.NoError(t, repo.Enqueue(id, configs))

	items, err := repo.PendingItems(id, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// Priority follows insertion order
	for i, item := range items {
		assert.Equal(t, i, item.Priority)
		assert.Equal(t, configs[i].StrategyID, item.StrategyID)
		assert.Equal(t, configs[i].WindowSize, item.Config.WindowSize)
		assert.Equal(t, ItemPending, item.Status)
	}

	limited, err := repo.PendingItems(id, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEnqueue_DuplicateStrategyReplaces(t *testing.T) {
	repo, _ := newTestRepo(t)

	id, err := repo.CreateSession("exhaustive", 2, nil, "")
	require.NoError(t, err)

	configs := testConfigs(1)
	require.NoError(t, repo.Enqueue(id, configs))

	// Re-enqueueing the same strategy replaces the row, never duplicates
	configs[0].WindowSize = 99
	require.NoError(t, repo.Enqueue(id, configs))

	items, err := repo.PendingItems(id, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 99, items[0].Config.WindowSize)
}

func TestSaveResult_Upserts(t *testing.T) {
	repo, _ := newTestRepo(t)

	id, err := repo.CreateSession("sampling", 1, nil, "")
	require.NoError(t, err)

	rec := ResultRecord{
		SessionID:          id,
		StrategyID:         "sampling_000001",
		Factors:            []string{paramspace.FactorSharpe, paramspace.FactorDrawdown},
		WindowSize:         60,
		RebalanceFrequency: 7,
		DataPeriod:         90,
		SelectionCount:     5,
		WeightMethod:       paramspace.WeightEqual,
		TotalReturn:        0.31,
		AnnualReturn:       0.18,
		SharpeRatio:        1.2,
		MaxDrawdown:        -0.12,
		WinRate:            0.56,
		TradeCount:         42,
		StartDate:          "2024-01-01",
		EndDate:            "2024-12-31",
	}
	require.NoError(t, repo.SaveResult(rec))

	// Retry overwrites the previous row
	rec.SharpeRatio = 1.5
	require.NoError(t, repo.SaveResult(rec))

	status, err := repo.SessionStatus(id, true)
	require.NoError(t, err)
	require.Len(t, status.TopResults, 1)
	assert.InDelta(t, 1.5, status.TopResults[0].SharpeRatio, 1e-9)
}

func TestSessionStatus_ProgressAndBreakdown(t *testing.T) {
	repo, db := newTestRepo(t)

	id, err := repo.CreateSession("exhaustive", 4, nil, "")
	require.NoError(t, err)
	require.NoError(t, repo.Enqueue(id, testConfigs(4)))

	_, err = db.Exec(`
		UPDATE strategy_queue SET status = 'completed', execution_time_seconds = 2.0
		WHERE session_id = ? AND priority < 2
	`, id)
	require.NoError(t, err)
	_, err = db.Exec(`
		UPDATE strategy_queue SET status = 'failed'
		WHERE session_id = ? AND priority = 2
	`, id)
	require.NoError(t, err)

	status, err := repo.SessionStatus(id, false)
	require.NoError(t, err)
	require.NotNil(t, status)

	assert.Empty(t, status.TopResults)
	assert.InDelta(t, 75.0, status.ProgressPercent, 1e-9)
	assert.Equal(t, 2, status.StatusBreakdown[ItemCompleted].Count)
	assert.InDelta(t, 2.0, status.StatusBreakdown[ItemCompleted].AvgTime, 1e-9)
	assert.Equal(t, 1, status.StatusBreakdown[ItemFailed].Count)
	assert.Equal(t, 1, status.StatusBreakdown[ItemPending].Count)
}

func TestCleanSession_FailedOnly(t *testing.T) {
	repo, db := newTestRepo(t)

	id, err := repo.CreateSession("exhaustive", 3, nil, "")
	require.NoError(t, err)
	require.NoError(t, repo.Enqueue(id, testConfigs(3)))

	_, err = db.Exec(
		"UPDATE strategy_queue SET status = 'failed' WHERE session_id = ? AND priority = 0",
		id,
	)
	require.NoError(t, err)

	require.NoError(t, repo.CleanSession(id, true))

	var remaining int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM strategy_queue WHERE session_id = ?", id,
	).Scan(&remaining))
	assert.Equal(t, 2, remaining)

	// Session row survives a failed-only clean
	s, err := repo.Session(id)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestCleanSession_Full(t *testing.T) {
	repo, db := newTestRepo(t)

	id, err := repo.CreateSession("exhaustive", 2, nil, "")
	require.NoError(t, err)
	require.NoError(t, repo.Enqueue(id, testConfigs(2)))
	require.NoError(t, repo.LogExecution(id, "", "INFO", "batch started", nil))

	require.NoError(t, repo.CleanSession(id, false))

	s, err := repo.Session(id)
	require.NoError(t, err)
	assert.Nil(t, s)

	for _, table := range []string{"strategy_queue", "execution_log", "hyperparameter_tuning_results"} {
		var count int
		require.NoError(t, db.QueryRow(
			"SELECT COUNT(*) FROM "+table+" WHERE session_id = ?", id,
		).Scan(&count))
		assert.Zero(t, count, table)
	}
}

func TestCleanBefore(t *testing.T) {
	repo, db := newTestRepo(t)

	oldID, err := repo.CreateSession("exhaustive", 1, nil, "")
	require.NoError(t, err)
	freshID, err := repo.CreateSession("exhaustive", 1, nil, "")
	require.NoError(t, err)

	_, err = db.Exec(`
		UPDATE tuning_sessions
		SET status = 'completed', created_at = datetime('now', '-60 days')
		WHERE session_id = ?
	`, oldID)
	require.NoError(t, err)
	_, err = db.Exec(
		"UPDATE tuning_sessions SET status = 'completed' WHERE session_id = ?",
		freshID,
	)
	require.NoError(t, err)

	cleaned, err := repo.CleanBefore(time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	s, err := repo.Session(oldID)
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = repo.Session(freshID)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestCleanBefore_SkipsUnfinished(t *testing.T) {
	repo, db := newTestRepo(t)

	id, err := repo.CreateSession("exhaustive", 1, nil, "")
	require.NoError(t, err)
	_, err = db.Exec(`
		UPDATE tuning_sessions
		SET status = 'running', created_at = datetime('now', '-60 days')
		WHERE session_id = ?
	`, id)
	require.NoError(t, err)

	cleaned, err := repo.CleanBefore(time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Zero(t, cleaned)
}

func TestLogExecution(t *testing.T) {
	repo, db := newTestRepo(t)

	id, err := repo.CreateSession("sampling", 1, nil, "")
	require.NoError(t, err)

	require.NoError(t, repo.LogExecution(id, "sampling_000001", "ERROR", "backtest crashed",
		map[string]interface{}{"exit_code": 1}))

	var level, message string
	var details sql.NullString
	require.NoError(t, db.QueryRow(`
		SELECT log_level, message, details FROM execution_log
		WHERE session_id = ? AND strategy_id = ?
	`, id, "sampling_000001").Scan(&level, &message, &details))

	assert.Equal(t, "ERROR", level)
	assert.Equal(t, "backtest crashed", message)
	assert.Contains(t, details.String, "exit_code")
}
