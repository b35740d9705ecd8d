package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiehlin/factortuner/internal/database"
	"github.com/chiehlin/factortuner/internal/events"
	"github.com/chiehlin/factortuner/internal/modules/paramspace"
	"github.com/chiehlin/factortuner/internal/modules/pipeline"
	"github.com/chiehlin/factortuner/internal/modules/progress"
	"github.com/chiehlin/factortuner/internal/modules/session"
)

type testHarness struct {
	db     *sql.DB
	repo   *session.Repository
	pm     *progress.Manager
	events *events.Manager
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(database.Schema())
	require.NoError(t, err)

	nop := zerolog.New(nil).Level(zerolog.Disabled)
	return &testHarness{
		db:     db,
		repo:   session.NewRepository(db, nop),
		pm:     progress.NewManager(db, nop),
		events: events.NewManager(events.NewBus(nop), nop),
	}
}

func (h *testHarness) newEngine(t *testing.T, runner pipeline.Runner) *Engine {
	t.Helper()
	return NewEngine(h.repo, h.pm, runner, h.events, zerolog.New(nil).Level(zerolog.Disabled))
}

func (h *testHarness) seedSession(t *testing.T, n int) string {
	t.Helper()

	id, err := h.repo.CreateSession("exhaustive", n, nil, "")
	require.NoError(t, err)

	configs := make([]paramspace.StrategyConfig, 0, n)
	for i := 0; i < n; i++ {
		configs = append(configs, paramspace.StrategyConfig{
			StrategyID:         fmt.Sprintf("exhaustive_%08d", i+1),
			Factors:            []string{paramspace.FactorSharpe},
			WindowSize:         20,
			RebalanceFrequency: 7,
			DataPeriod:         60,
			SelectionCount:     3,
			WeightMethod:       paramspace.WeightEqual,
		})
	}
	require.NoError(t, h.repo.Enqueue(id, configs))
	return id
}

func okRunner(sharpe float64) pipeline.Runner {
	return pipeline.RunnerFunc(func(ctx context.Context, cfg paramspace.StrategyConfig) (pipeline.Metrics, error) {
		return pipeline.Metrics{
			TotalReturn: 0.2, AnnualReturn: 0.1, SharpeRatio: sharpe,
			MaxDrawdown: -0.05, WinRate: 0.6, TradeCount: 4,
			StartDate: "2024-01-01", EndDate: "2024-06-30",
		}, nil
	})
}

func TestRun_DrainsQueue(t *testing.T) {
	h := newHarness(t)
	id := h.seedSession(t, 5)
	eng := h.newEngine(t, okRunner(1.5))

	summary, err := eng.Run(context.Background(), RunOptions{SessionID: id, Parallelism: 2})
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 5, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.InDelta(t, 1.0, summary.SuccessRate, 1e-9)
	assert.False(t, summary.Stopped)

	s, err := h.repo.Session(id)
	require.NoError(t, err)
	assert.Equal(t, session.SessionCompleted, s.Status)
	assert.Equal(t, 5, s.CompletedStrategies)

	status, err := h.repo.SessionStatus(id, true)
	require.NoError(t, err)
	assert.Equal(t, 5, status.StatusBreakdown[session.ItemCompleted].Count)
	assert.Len(t, status.TopResults, 5)
}

func TestRun_IsolatesTaskFailures(t *testing.T) {
	h := newHarness(t)
	id := h.seedSession(t, 5)

	var calls atomic.Int64
	runner := pipeline.RunnerFunc(func(ctx context.Context, cfg paramspace.StrategyConfig) (pipeline.Metrics, error) {
		if calls.Add(1) == 3 {
			return pipeline.Metrics{}, errors.New("ranking blew up")
		}
		return pipeline.Metrics{SharpeRatio: 1.0}, nil
	})

	eng := h.newEngine(t, runner)
	summary, err := eng.Run(context.Background(), RunOptions{SessionID: id, Parallelism: 1})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)

	// One success is enough for a completed session
	s, err := h.repo.Session(id)
	require.NoError(t, err)
	assert.Equal(t, session.SessionCompleted, s.Status)

	var msg string
	require.NoError(t, h.db.QueryRow(
		"SELECT error_message FROM strategy_queue WHERE session_id = ? AND status = 'failed'", id,
	).Scan(&msg))
	assert.Contains(t, msg, "execution error: ranking blew up")
}

func TestRun_ClassifiesDataShortage(t *testing.T) {
	h := newHarness(t)
	id := h.seedSession(t, 1)

	runner := pipeline.RunnerFunc(func(ctx context.Context, cfg paramspace.StrategyConfig) (pipeline.Metrics, error) {
		return pipeline.Metrics{}, fmt.Errorf("need 300 days: %w", pipeline.ErrInsufficientData)
	})

	eng := h.newEngine(t, runner)
	_, err := eng.Run(context.Background(), RunOptions{SessionID: id})
	require.NoError(t, err)

	var msg string
	require.NoError(t, h.db.QueryRow(
		"SELECT error_message FROM strategy_queue WHERE session_id = ?", id,
	).Scan(&msg))
	assert.Contains(t, msg, "insufficient data:")
}

func TestRun_AllFailuresFailTheSession(t *testing.T) {
	h := newHarness(t)
	id := h.seedSession(t, 3)

	runner := pipeline.RunnerFunc(func(ctx context.Context, cfg paramspace.StrategyConfig) (pipeline.Metrics, error) {
		return pipeline.Metrics{}, errors.New("boom")
	})

	eng := h.newEngine(t, runner)
	summary, err := eng.Run(context.Background(), RunOptions{SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Failed)

	s, err := h.repo.Session(id)
	require.NoError(t, err)
	assert.Equal(t, session.SessionFailed, s.Status)
}

func TestRun_StopPausesSession(t *testing.T) {
	h := newHarness(t)
	id := h.seedSession(t, 6)

	started := make(chan struct{}, 6)
	release := make(chan struct{})
	runner := pipeline.RunnerFunc(func(ctx context.Context, cfg paramspace.StrategyConfig) (pipeline.Metrics, error) {
		started <- struct{}{}
		<-release
		return pipeline.Metrics{SharpeRatio: 1.0}, nil
	})

	eng := h.newEngine(t, runner)

	done := make(chan *ExecutionSummary, 1)
	go func() {
		summary, err := eng.Run(context.Background(), RunOptions{SessionID: id, Parallelism: 2})
		require.NoError(t, err)
		done <- summary
	}()

	// Wait for the first batch to be in flight, then stop and let the
	// in-flight workers finish.
	<-started
	<-started
	eng.Stop()
	close(release)

	summary := <-done
	assert.True(t, summary.Stopped)
	assert.Equal(t, 2, summary.Succeeded, "in-flight batch finishes")

	s, err := h.repo.Session(id)
	require.NoError(t, err)
	assert.Equal(t, session.SessionPaused, s.Status)

	pending, err := h.repo.PendingItems(id, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestRun_ResumeRetriesFailed(t *testing.T) {
	h := newHarness(t)
	id := h.seedSession(t, 3)

	failing := pipeline.RunnerFunc(func(ctx context.Context, cfg paramspace.StrategyConfig) (pipeline.Metrics, error) {
		return pipeline.Metrics{}, errors.New("flaky dependency")
	})
	_, err := h.newEngine(t, failing).Run(context.Background(), RunOptions{SessionID: id})
	require.NoError(t, err)

	summary, err := h.newEngine(t, okRunner(1.0)).Run(context.Background(),
		RunOptions{SessionID: id, Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Succeeded)

	items, err := h.db.Query(
		"SELECT retry_count, status FROM strategy_queue WHERE session_id = ?", id,
	)
	require.NoError(t, err)
	defer items.Close()
	for items.Next() {
		var retries int
		var status string
		require.NoError(t, items.Scan(&retries, &status))
		assert.Equal(t, 1, retries)
		assert.Equal(t, session.ItemCompleted, status)
	}
	require.NoError(t, items.Err())

	s, err := h.repo.Session(id)
	require.NoError(t, err)
	assert.Equal(t, session.SessionCompleted, s.Status)
}

func TestRun_ResumeOnDrainedSessionIsNoOp(t *testing.T) {
	h := newHarness(t)
	id := h.seedSession(t, 2)

	_, err := h.newEngine(t, okRunner(1.0)).Run(context.Background(), RunOptions{SessionID: id})
	require.NoError(t, err)

	before, err := h.repo.SessionStatus(id, true)
	require.NoError(t, err)

	summary, err := h.newEngine(t, okRunner(9.9)).Run(context.Background(),
		RunOptions{SessionID: id, Resume: true})
	require.NoError(t, err)
	assert.Zero(t, summary.Total)

	// No result row was touched by the no-op resume
	after, err := h.repo.SessionStatus(id, true)
	require.NoError(t, err)
	assert.Equal(t, before.TopResults, after.TopResults)
	assert.Equal(t, session.SessionCompleted, after.Session.Status)
}

func TestRun_TaskTimeout(t *testing.T) {
	h := newHarness(t)
	id := h.seedSession(t, 1)

	runner := pipeline.RunnerFunc(func(ctx context.Context, cfg paramspace.StrategyConfig) (pipeline.Metrics, error) {
		select {
		case <-ctx.Done():
			return pipeline.Metrics{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return pipeline.Metrics{SharpeRatio: 1.0}, nil
		}
	})

	eng := h.newEngine(t, runner)
	summary, err := eng.Run(context.Background(),
		RunOptions{SessionID: id, TaskTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	var msg string
	require.NoError(t, h.db.QueryRow(
		"SELECT error_message FROM strategy_queue WHERE session_id = ?", id,
	).Scan(&msg))
	assert.Contains(t, msg, "timeout:")
}

func TestRun_UnknownSession(t *testing.T) {
	h := newHarness(t)
	eng := h.newEngine(t, okRunner(1.0))

	_, err := eng.Run(context.Background(), RunOptions{SessionID: "session_nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRun_RejectsConcurrentRuns(t *testing.T) {
	h := newHarness(t)
	id := h.seedSession(t, 2)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	runner := pipeline.RunnerFunc(func(ctx context.Context, cfg paramspace.StrategyConfig) (pipeline.Metrics, error) {
		started <- struct{}{}
		<-release
		return pipeline.Metrics{}, nil
	})

	eng := h.newEngine(t, runner)
	go func() {
		_, _ = eng.Run(context.Background(), RunOptions{SessionID: id, Parallelism: 1})
	}()
	<-started

	assert.True(t, eng.IsRunning())
	_, err := eng.Run(context.Background(), RunOptions{SessionID: id})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	close(release)
}
