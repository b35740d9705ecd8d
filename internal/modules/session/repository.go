package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/chiehlin/factortuner/internal/modules/paramspace"
)

// sessionColumns is the column list for tuning_sessions.
// Order must match scanSession.
const sessionColumns = `session_id, mode, total_strategies, completed_strategies, failed_strategies, status, created_at, started_at, completed_at, config_data, notes`

// queueColumns is the column list for strategy_queue.
// Order must match scanQueueItem.
const queueColumns = `id, session_id, strategy_id, strategy_config, status, priority, retry_count, created_at, started_at, completed_at, execution_time_seconds, error_message`

// Repository handles session, queue, result, and log persistence
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new session repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "session").Logger(),
	}
}

// CreateSession inserts a new tuning session and returns its ID.
// The config snapshot is serialized with msgpack and stored opaquely so
// a finished session can always report the space it was generated from.
func (r *Repository) CreateSession(mode string, totalStrategies int, configSnapshot interface{}, notes string) (string, error) {
	sessionID := fmt.Sprintf("session_%s_%04d",
		time.Now().Format("20060102_150405"),
		rand.Intn(9000)+1000,
	)

	var configData []byte
	if configSnapshot != nil {
		var err error
		configData, err = msgpack.Marshal(configSnapshot)
		if err != nil {
			return "", fmt.Errorf("failed to encode session config snapshot: %w", err)
		}
	}

	_, err := r.db.Exec(`
		INSERT INTO tuning_sessions (session_id, mode, total_strategies, config_data, notes)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, mode, totalStrategies, configData, nullString(notes))
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}

	r.log.Info().
		Str("session_id", sessionID).
		Str("mode", mode).
		Int("total_strategies", totalStrategies).
		Msg("Session created")

	return sessionID, nil
}

// Session retrieves a session by ID, or nil if it does not exist
func (r *Repository) Session(sessionID string) (*Session, error) {
	row := r.db.QueryRow(
		"SELECT "+sessionColumns+" FROM tuning_sessions WHERE session_id = ?",
		sessionID,
	)

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &s, nil
}

// DecodeConfig decodes a session's stored config snapshot into v
func (r *Repository) DecodeConfig(s *Session, v interface{}) error {
	if len(s.ConfigData) == 0 {
		return nil
	}
	if err := msgpack.Unmarshal(s.ConfigData, v); err != nil {
		return fmt.Errorf("failed to decode session config snapshot: %w", err)
	}
	return nil
}

// LatestSession returns the most recently created session ID, or empty
func (r *Repository) LatestSession() (string, error) {
	var sessionID string
	err := r.db.QueryRow(
		"SELECT session_id FROM tuning_sessions ORDER BY created_at DESC, rowid DESC LIMIT 1",
	).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest session: %w", err)
	}
	return sessionID, nil
}

// ListSessions returns sessions, newest first
func (r *Repository) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(
		"SELECT "+sessionColumns+" FROM tuning_sessions ORDER BY created_at DESC, rowid DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSessionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// Enqueue adds generated strategy configs to the session's queue.
// Priority follows insertion order so the queue drains first-generated
// first. Re-enqueueing a strategy replaces its row rather than
// duplicating it. The whole batch is one transaction.
func (r *Repository) Enqueue(sessionID string, configs []paramspace.StrategyConfig) error {
	if len(configs) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO strategy_queue (session_id, strategy_id, strategy_config, priority)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare enqueue statement: %w", err)
	}
	defer stmt.Close()

	for i, cfg := range configs {
		configJSON, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode strategy config %s: %w", cfg.StrategyID, err)
		}
		if _, err := stmt.Exec(sessionID, cfg.StrategyID, string(configJSON), i); err != nil {
			return fmt.Errorf("failed to enqueue strategy %s: %w", cfg.StrategyID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit enqueue transaction: %w", err)
	}

	r.log.Info().
		Str("session_id", sessionID).
		Int("count", len(configs)).
		Msg("Strategies enqueued")

	return nil
}

// PendingItems returns queued items awaiting execution, priority order.
// limit <= 0 returns all pending items.
func (r *Repository) PendingItems(sessionID string, limit int) ([]QueueItem, error) {
	query := "SELECT " + queueColumns + ` FROM strategy_queue
		WHERE session_id = ? AND status = 'pending'
		ORDER BY priority ASC, id ASC`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.Query(query+" LIMIT ?", sessionID, limit)
	} else {
		rows, err = r.db.Query(query, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending items: %w", err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}

// Item retrieves a single queue item by its row ID
func (r *Repository) Item(queueID int64) (*QueueItem, error) {
	rows, err := r.db.Query(
		"SELECT "+queueColumns+" FROM strategy_queue WHERE id = ?",
		queueID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}

	item, err := scanQueueItem(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue item: %w", err)
	}
	return &item, nil
}

// SaveResult upserts the flattened backtest result for one strategy.
// Retried strategies overwrite their previous row.
func (r *Repository) SaveResult(rec ResultRecord) error {
	factorsJSON, err := json.Marshal(rec.Factors)
	if err != nil {
		return fmt.Errorf("failed to encode factors: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO hyperparameter_tuning_results
		(session_id, strategy_id, factors, window_size, rebalance_frequency,
		 data_period, selection_count, weight_method, total_return,
		 annual_return, sharpe_ratio, max_drawdown, win_rate, trade_count,
		 start_date, end_date, raw_result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.SessionID, rec.StrategyID, string(factorsJSON),
		rec.WindowSize, rec.RebalanceFrequency, rec.DataPeriod,
		rec.SelectionCount, rec.WeightMethod,
		rec.TotalReturn, rec.AnnualReturn, rec.SharpeRatio,
		rec.MaxDrawdown, rec.WinRate, rec.TradeCount,
		rec.StartDate, rec.EndDate, nullString(rec.RawResult),
	)
	if err != nil {
		return fmt.Errorf("failed to save result for %s: %w", rec.StrategyID, err)
	}

	return nil
}

// SessionStatus assembles the session view with queue breakdown; when
// detailed it also includes the current top performers.
func (r *Repository) SessionStatus(sessionID string, detailed bool) (*SessionStatus, error) {
	s, err := r.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}

	breakdown, err := r.statusBreakdown(sessionID)
	if err != nil {
		return nil, err
	}

	var topResults []TopResult
	if detailed {
		topResults, err = r.topResults(sessionID, 5)
		if err != nil {
			return nil, err
		}
	}

	var progress float64
	if s.TotalStrategies > 0 {
		done := breakdown[ItemCompleted].Count + breakdown[ItemFailed].Count
		progress = float64(done) / float64(s.TotalStrategies) * 100
	}

	return &SessionStatus{
		Session:         *s,
		ProgressPercent: progress,
		StatusBreakdown: breakdown,
		TopResults:      topResults,
	}, nil
}

// statusBreakdown counts queue items per status with average runtimes
func (r *Repository) statusBreakdown(sessionID string) (map[string]StatusCount, error) {
	rows, err := r.db.Query(`
		SELECT status, COUNT(*), COALESCE(AVG(execution_time_seconds), 0)
		FROM strategy_queue
		WHERE session_id = ?
		GROUP BY status
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get status breakdown: %w", err)
	}
	defer rows.Close()

	breakdown := make(map[string]StatusCount)
	for rows.Next() {
		var status string
		var sc StatusCount
		if err := rows.Scan(&status, &sc.Count, &sc.AvgTime); err != nil {
			return nil, fmt.Errorf("failed to scan status breakdown: %w", err)
		}
		breakdown[status] = sc
	}

	return breakdown, rows.Err()
}

// topResults returns the session's best strategies by sharpe ratio
func (r *Repository) topResults(sessionID string, limit int) ([]TopResult, error) {
	rows, err := r.db.Query(`
		SELECT strategy_id, COALESCE(sharpe_ratio, 0), COALESCE(annual_return, 0)
		FROM hyperparameter_tuning_results
		WHERE session_id = ?
		ORDER BY sharpe_ratio DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top results: %w", err)
	}
	defer rows.Close()

	var results []TopResult
	for rows.Next() {
		var tr TopResult
		if err := rows.Scan(&tr.StrategyID, &tr.SharpeRatio, &tr.AnnualReturn); err != nil {
			return nil, fmt.Errorf("failed to scan top result: %w", err)
		}
		results = append(results, tr)
	}

	return results, rows.Err()
}

// CleanSession deletes session data. With failedOnly only failed queue
// rows (and their logs) go; otherwise the whole session is removed.
func (r *Repository) CleanSession(sessionID string, failedOnly bool) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin clean transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if failedOnly {
		if _, err := tx.Exec(`
			DELETE FROM execution_log
			WHERE session_id = ? AND strategy_id IN (
				SELECT strategy_id FROM strategy_queue
				WHERE session_id = ? AND status = 'failed'
			)
		`, sessionID, sessionID); err != nil {
			return fmt.Errorf("failed to clean failed logs: %w", err)
		}
		if _, err := tx.Exec(
			"DELETE FROM strategy_queue WHERE session_id = ? AND status = 'failed'",
			sessionID,
		); err != nil {
			return fmt.Errorf("failed to clean failed queue items: %w", err)
		}
	} else {
		for _, stmt := range []string{
			"DELETE FROM hyperparameter_tuning_results WHERE session_id = ?",
			"DELETE FROM strategy_queue WHERE session_id = ?",
			"DELETE FROM execution_log WHERE session_id = ?",
			"DELETE FROM tuning_sessions WHERE session_id = ?",
		} {
			if _, err := tx.Exec(stmt, sessionID); err != nil {
				return fmt.Errorf("failed to clean session: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clean transaction: %w", err)
	}

	r.log.Info().
		Str("session_id", sessionID).
		Bool("failed_only", failedOnly).
		Msg("Session data cleaned")

	return nil
}

// CleanBefore removes finished sessions older than the cutoff.
// Returns the number of sessions removed.
func (r *Repository) CleanBefore(cutoff time.Time) (int, error) {
	rows, err := r.db.Query(`
		SELECT session_id FROM tuning_sessions
		WHERE created_at < ? AND status IN ('completed', 'failed')
	`, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, fmt.Errorf("failed to find old sessions: %w", err)
	}

	var old []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan old session: %w", err)
		}
		old = append(old, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	cleaned := 0
	for _, id := range old {
		if err := r.CleanSession(id, false); err != nil {
			r.log.Error().Err(err).Str("session_id", id).Msg("Failed to clean old session")
			continue
		}
		cleaned++
	}

	return cleaned, nil
}

// LogExecution appends an entry to the execution audit log
func (r *Repository) LogExecution(sessionID, strategyID, level, message string, details map[string]interface{}) error {
	var detailsJSON interface{}
	if details != nil {
		encoded, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode log details: %w", err)
		}
		detailsJSON = string(encoded)
	}

	_, err := r.db.Exec(`
		INSERT INTO execution_log (session_id, strategy_id, log_level, message, details)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, nullString(strategyID), level, message, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to log execution: %w", err)
	}

	return nil
}

// scanSession scans a session from a single-row query
func scanSession(row *sql.Row) (Session, error) {
	var s Session
	var notes sql.NullString
	err := row.Scan(
		&s.SessionID, &s.Mode, &s.TotalStrategies,
		&s.CompletedStrategies, &s.FailedStrategies, &s.Status,
		&s.CreatedAt, &s.StartedAt, &s.CompletedAt,
		&s.ConfigData, &notes,
	)
	if err != nil {
		return Session{}, err
	}
	s.Notes = notes.String
	return s, nil
}

// scanSessionFromRows scans a session from a multi-row query
func scanSessionFromRows(rows *sql.Rows) (Session, error) {
	var s Session
	var notes sql.NullString
	err := rows.Scan(
		&s.SessionID, &s.Mode, &s.TotalStrategies,
		&s.CompletedStrategies, &s.FailedStrategies, &s.Status,
		&s.CreatedAt, &s.StartedAt, &s.CompletedAt,
		&s.ConfigData, &notes,
	)
	if err != nil {
		return Session{}, err
	}
	s.Notes = notes.String
	return s, nil
}

// scanQueueItem scans a queue item including its embedded config
func scanQueueItem(rows *sql.Rows) (QueueItem, error) {
	var item QueueItem
	var configJSON string
	err := rows.Scan(
		&item.ID, &item.SessionID, &item.StrategyID, &configJSON,
		&item.Status, &item.Priority, &item.RetryCount,
		&item.CreatedAt, &item.StartedAt, &item.CompletedAt,
		&item.ExecutionSecs, &item.ErrorMessage,
	)
	if err != nil {
		return QueueItem{}, err
	}

	if err := json.Unmarshal([]byte(configJSON), &item.Config); err != nil {
		return QueueItem{}, fmt.Errorf("corrupt strategy config for %s: %w", item.StrategyID, err)
	}

	return item, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
