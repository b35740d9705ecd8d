// Package progress owns every status transition for tuning sessions and
// their queued strategies. Nothing else in the codebase writes status
// columns; callers go through the Manager so illegal transitions fail
// loudly instead of silently corrupting counters.
package progress

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chiehlin/factortuner/internal/modules/session"
)

// ErrIllegalTransition marks every rejected status change
var ErrIllegalTransition = errors.New("illegal status transition")

// TransitionError reports a rejected status change with full context
type TransitionError struct {
	Item string // session id or queue item description
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition for %s: %s -> %s", e.Item, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// Legal session edges. A settled session may re-enter running so a
// resumed execution can retry its failed items.
var sessionEdges = map[string][]string{
	session.SessionRunning: {
		session.SessionCreated, session.SessionPaused,
		session.SessionCompleted, session.SessionFailed,
	},
	session.SessionCompleted: {session.SessionRunning},
	session.SessionFailed:    {session.SessionRunning},
	session.SessionPaused:    {session.SessionRunning},
}

// Stats is the cached progress snapshot for one session
type Stats struct {
	SessionID        string   `json:"session_id"`
	Total            int      `json:"total"`
	Pending          int      `json:"pending"`
	Running          int      `json:"running"`
	Completed        int      `json:"completed"`
	Failed           int      `json:"failed"`
	ProgressPercent  float64  `json:"progress_percent"`
	SuccessRate      float64  `json:"success_rate"`
	AvgExecutionSecs float64  `json:"avg_execution_seconds"`
	// EstimatedRemainingSecs is nil until at least one strategy has
	// completed, because there is no runtime sample to extrapolate from.
	EstimatedRemainingSecs *float64 `json:"estimated_remaining_seconds,omitempty"`
}

type cachedStats struct {
	stats   *Stats
	expires time.Time
}

// Manager is the single authority for status transitions
type Manager struct {
	db  *sql.DB
	log zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedStats
	ttl   time.Duration
}

// NewManager creates a progress manager with the default 5s stats cache
func NewManager(db *sql.DB, log zerolog.Logger) *Manager {
	return &Manager{
		db:    db,
		log:   log.With().Str("component", "progress").Logger(),
		cache: make(map[string]cachedStats),
		ttl:   5 * time.Second,
	}
}

// MarkRunning transitions a pending queue item to running
func (m *Manager) MarkRunning(queueID int64) error {
	return m.transitionItem(queueID, session.ItemPending, session.ItemRunning,
		"status = ?, started_at = CURRENT_TIMESTAMP", nil)
}

// MarkCompleted transitions a running queue item to completed and bumps
// the session's completed counter in the same transaction.
func (m *Manager) MarkCompleted(queueID int64, executionSecs float64) error {
	return m.transitionItem(queueID, session.ItemRunning, session.ItemCompleted,
		"status = ?, completed_at = CURRENT_TIMESTAMP, execution_time_seconds = ?, error_message = NULL",
		[]interface{}{executionSecs})
}

// MarkFailed transitions a running queue item to failed with the error
// message and bumps the session's failed counter.
func (m *Manager) MarkFailed(queueID int64, errorMessage string) error {
	return m.transitionItem(queueID, session.ItemRunning, session.ItemFailed,
		"status = ?, completed_at = CURRENT_TIMESTAMP, error_message = ?",
		[]interface{}{errorMessage})
}

func (m *Manager) transitionItem(queueID int64, from, to, setClause string, extra []interface{}) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current, sessionID string
	err = tx.QueryRow(
		"SELECT status, session_id FROM strategy_queue WHERE id = ?", queueID,
	).Scan(&current, &sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("queue item %d not found", queueID)
	}
	if err != nil {
		return fmt.Errorf("failed to read queue item %d: %w", queueID, err)
	}

	if current != from {
		return &TransitionError{
			Item: fmt.Sprintf("queue item %d", queueID),
			From: current,
			To:   to,
		}
	}

	args := append([]interface{}{to}, extra...)
	args = append(args, queueID, from)
	res, err := tx.Exec(
		"UPDATE strategy_queue SET "+setClause+" WHERE id = ? AND status = ?",
		args...,
	)
	if err != nil {
		return fmt.Errorf("failed to update queue item %d: %w", queueID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition result: %w", err)
	}
	if affected != 1 {
		// Status changed between the read and the guarded update.
		return &TransitionError{
			Item: fmt.Sprintf("queue item %d", queueID),
			From: from,
			To:   to,
		}
	}

	var counter string
	switch to {
	case session.ItemCompleted:
		counter = "completed_strategies"
	case session.ItemFailed:
		counter = "failed_strategies"
	}
	if counter != "" {
		if _, err := tx.Exec(
			"UPDATE tuning_sessions SET "+counter+" = "+counter+" + 1 WHERE session_id = ?",
			sessionID,
		); err != nil {
			return fmt.Errorf("failed to update session counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	m.invalidate(sessionID)
	return nil
}

// TransitionSession moves a session to a new status if the edge is legal
func (m *Manager) TransitionSession(sessionID, to string) error {
	allowed, ok := sessionEdges[to]
	if !ok {
		return &TransitionError{Item: "session " + sessionID, From: "?", To: to}
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin session transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(
		"SELECT status FROM tuning_sessions WHERE session_id = ?", sessionID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}

	legal := false
	for _, from := range allowed {
		if current == from {
			legal = true
			break
		}
	}
	if !legal {
		return &TransitionError{Item: "session " + sessionID, From: current, To: to}
	}

	set := "status = ?"
	switch to {
	case session.SessionRunning:
		set += ", started_at = COALESCE(started_at, CURRENT_TIMESTAMP)"
	case session.SessionCompleted, session.SessionFailed:
		set += ", completed_at = CURRENT_TIMESTAMP"
	}

	res, err := tx.Exec(
		"UPDATE tuning_sessions SET "+set+" WHERE session_id = ? AND status = ?",
		to, sessionID, current,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %s: %w", sessionID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session transition result: %w", err)
	}
	if affected != 1 {
		return &TransitionError{Item: "session " + sessionID, From: current, To: to}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session transition: %w", err)
	}

	m.log.Info().
		Str("session_id", sessionID).
		Str("from", current).
		Str("to", to).
		Msg("Session status changed")

	m.invalidate(sessionID)
	return nil
}

// ResetFailed returns every failed item in the session to pending so it
// can be retried. Timing and error fields are cleared and retry_count
// incremented; the session's failed counter is rolled back to match.
func (m *Manager) ResetFailed(sessionID string) (int, error) {
	return m.resetItems(sessionID, session.ItemFailed)
}

// ResetStale returns items stuck in running (a crashed run never
// finished them) to pending. Only explicit recovery calls this.
func (m *Manager) ResetStale(sessionID string) (int, error) {
	return m.resetItems(sessionID, session.ItemRunning)
}

func (m *Manager) resetItems(sessionID, from string) (int, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE strategy_queue
		SET status = 'pending',
		    started_at = NULL,
		    completed_at = NULL,
		    execution_time_seconds = NULL,
		    error_message = NULL,
		    retry_count = retry_count + 1
		WHERE session_id = ? AND status = ?
	`, sessionID, from)
	if err != nil {
		return 0, fmt.Errorf("failed to reset %s items: %w", from, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset items: %w", err)
	}

	if from == session.ItemFailed && affected > 0 {
		if _, err := tx.Exec(`
			UPDATE tuning_sessions
			SET failed_strategies = MAX(0, failed_strategies - ?)
			WHERE session_id = ?
		`, affected, sessionID); err != nil {
			return 0, fmt.Errorf("failed to roll back failed counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reset: %w", err)
	}

	if affected > 0 {
		m.log.Info().
			Str("session_id", sessionID).
			Str("from", from).
			Int64("count", affected).
			Msg("Queue items reset to pending")
	}

	m.invalidate(sessionID)
	return int(affected), nil
}

// Stats returns the progress snapshot for a session, served from a
// short-lived cache. Every transition invalidates the session's entry.
func (m *Manager) Stats(sessionID string) (*Stats, error) {
	m.mu.Lock()
	if cached, ok := m.cache[sessionID]; ok && time.Now().Before(cached.expires) {
		m.mu.Unlock()
		return cached.stats, nil
	}
	m.mu.Unlock()

	stats, err := m.computeStats(sessionID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[sessionID] = cachedStats{stats: stats, expires: time.Now().Add(m.ttl)}
	m.mu.Unlock()

	return stats, nil
}

func (m *Manager) computeStats(sessionID string) (*Stats, error) {
	rows, err := m.db.Query(`
		SELECT status, COUNT(*), COALESCE(AVG(execution_time_seconds), 0)
		FROM strategy_queue
		WHERE session_id = ?
		GROUP BY status
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{SessionID: sessionID}
	var avgCompleted float64
	for rows.Next() {
		var status string
		var count int
		var avg float64
		if err := rows.Scan(&status, &count, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.Total += count
		switch status {
		case session.ItemPending:
			stats.Pending = count
		case session.ItemRunning:
			stats.Running = count
		case session.ItemCompleted:
			stats.Completed = count
			avgCompleted = avg
		case session.ItemFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.Total > 0 {
		stats.ProgressPercent = float64(stats.Completed+stats.Failed) / float64(stats.Total) * 100
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	stats.AvgExecutionSecs = avgCompleted

	if stats.Completed > 0 {
		remaining := float64(stats.Pending+stats.Running) * avgCompleted
		stats.EstimatedRemainingSecs = &remaining
	}

	return stats, nil
}

func (m *Manager) invalidate(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
}
