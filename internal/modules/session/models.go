// Package session persists tuning sessions, their strategy queue, and
// collected backtest results.
package session

import (
	"github.com/chiehlin/factortuner/internal/modules/paramspace"
)

// Session statuses
const (
	SessionCreated   = "created"
	SessionRunning   = "running"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Queue item statuses
const (
	ItemPending   = "pending"
	ItemRunning   = "running"
	ItemCompleted = "completed"
	ItemFailed    = "failed"
)

// Session is one tuning run over a generated set of strategies
type Session struct {
	SessionID           string  `json:"session_id"`
	Mode                string  `json:"mode"`
	TotalStrategies     int     `json:"total_strategies"`
	CompletedStrategies int     `json:"completed_strategies"`
	FailedStrategies    int     `json:"failed_strategies"`
	Status              string  `json:"status"`
	CreatedAt           string  `json:"created_at"`
	StartedAt           *string `json:"started_at,omitempty"`
	CompletedAt         *string `json:"completed_at,omitempty"`
	ConfigData          []byte  `json:"-"`
	Notes               string  `json:"notes,omitempty"`
}

// QueueItem is one queued strategy execution
type QueueItem struct {
	ID            int64                     `json:"id"`
	SessionID     string                    `json:"session_id"`
	StrategyID    string                    `json:"strategy_id"`
	Config        paramspace.StrategyConfig `json:"strategy_config"`
	Status        string                    `json:"status"`
	Priority      int                       `json:"priority"`
	RetryCount    int                       `json:"retry_count"`
	CreatedAt     string                    `json:"created_at"`
	StartedAt     *string                   `json:"started_at,omitempty"`
	CompletedAt   *string                   `json:"completed_at,omitempty"`
	ExecutionSecs *float64                  `json:"execution_time_seconds,omitempty"`
	ErrorMessage  *string                   `json:"error_message,omitempty"`
}

// ResultRecord is the flattened backtest outcome for one strategy
type ResultRecord struct {
	SessionID          string   `json:"session_id"`
	StrategyID         string   `json:"strategy_id"`
	Factors            []string `json:"factors"`
	WindowSize         int      `json:"window_size"`
	RebalanceFrequency int      `json:"rebalance_frequency"`
	DataPeriod         int      `json:"data_period"`
	SelectionCount     int      `json:"selection_count"`
	WeightMethod       string   `json:"weight_method"`
	TotalReturn        float64  `json:"total_return"`
	AnnualReturn       float64  `json:"annual_return"`
	SharpeRatio        float64  `json:"sharpe_ratio"`
	MaxDrawdown        float64  `json:"max_drawdown"`
	WinRate            float64  `json:"win_rate"`
	TradeCount         int      `json:"trade_count"`
	StartDate          string   `json:"start_date"`
	EndDate            string   `json:"end_date"`
	RawResult          string   `json:"raw_result,omitempty"`
}

// StatusCount summarizes queue items in one status
type StatusCount struct {
	Count   int     `json:"count"`
	AvgTime float64 `json:"avg_time"`
}

// SessionStatus is the full view of a session including queue breakdown
type SessionStatus struct {
	Session         Session                `json:"session"`
	ProgressPercent float64                `json:"progress_percent"`
	StatusBreakdown map[string]StatusCount `json:"status_breakdown"`
	TopResults      []TopResult            `json:"top_results,omitempty"`
}

// TopResult is a compact best-performer row shown in status views
type TopResult struct {
	StrategyID   string  `json:"strategy_id"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
	AnnualReturn float64 `json:"annual_return"`
}
