// Package pipeline is the evaluation boundary for queued strategies. A
// Runner takes one strategy configuration and produces backtest metrics,
// either in-process against stored pair returns or by invoking an
// external backtest program.
package pipeline

import (
	"context"
	"errors"

	"github.com/chiehlin/factortuner/internal/modules/paramspace"
)

// ErrInsufficientData marks evaluations that failed because the stored
// return history is too short for the requested window and period.
var ErrInsufficientData = errors.New("insufficient return history")

// Metrics is the flattened outcome of one backtest
type Metrics struct {
	FinalBalance float64 `json:"final_balance"`
	TotalReturn  float64 `json:"total_return"`
	AnnualReturn float64 `json:"annual_return"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	WinRate      float64 `json:"win_rate"`
	TradeCount   int     `json:"trade_count"`
	StartDate    string  `json:"start_date"`
	EndDate      string  `json:"end_date"`
}

// RankingDefinition describes one factor-ranking computation
type RankingDefinition struct {
	Factors      []string
	WindowSize   int
	WeightMethod string
}

// RankedPair is one pair with its composite factor score
type RankedPair struct {
	Pair  string
	Score float64
}

// Ranker scores pairs from their trailing return windows
type Ranker interface {
	// ComputeRanking scores each pair from its trailing window of daily
	// returns and returns pairs ordered best-first. Pairs with fewer
	// observations than the window are skipped; an empty result is
	// ErrInsufficientData.
	ComputeRanking(ctx context.Context, def RankingDefinition, windows map[string][]float64) ([]RankedPair, error)
}

// Backtester simulates a strategy over stored history
type Backtester interface {
	RunBacktest(ctx context.Context, cfg paramspace.StrategyConfig) (Metrics, error)
}

// Runner evaluates one strategy configuration end to end
type Runner interface {
	Evaluate(ctx context.Context, cfg paramspace.StrategyConfig) (Metrics, error)
}

// RunnerFunc adapts a plain function to the Runner interface
type RunnerFunc func(ctx context.Context, cfg paramspace.StrategyConfig) (Metrics, error)

// Evaluate implements Runner
func (f RunnerFunc) Evaluate(ctx context.Context, cfg paramspace.StrategyConfig) (Metrics, error) {
	return f(ctx, cfg)
}
