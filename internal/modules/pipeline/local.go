package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/chiehlin/factortuner/internal/modules/paramspace"
)

// initialBalance is the notional starting capital for simulations
const initialBalance = 10000.0

// LocalRunner evaluates strategies in-process against the pair_returns
// table: rank pairs on the trailing window, hold the top N equally
// weighted until the next rebalance, repeat.
type LocalRunner struct {
	db     *sql.DB
	ranker Ranker
	log    zerolog.Logger
}

// NewLocalRunner creates an in-process runner backed by the given DB
func NewLocalRunner(db *sql.DB, ranker Ranker, log zerolog.Logger) *LocalRunner {
	return &LocalRunner{
		db:     db,
		ranker: ranker,
		log:    log.With().Str("component", "local_runner").Logger(),
	}
}

// Evaluate runs the full ranking + backtest for one strategy
func (lr *LocalRunner) Evaluate(ctx context.Context, cfg paramspace.StrategyConfig) (Metrics, error) {
	return lr.RunBacktest(ctx, cfg)
}

// RunBacktest simulates the strategy over the stored history
func (lr *LocalRunner) RunBacktest(ctx context.Context, cfg paramspace.StrategyConfig) (Metrics, error) {
	dates, series, err := lr.loadHistory(cfg.DataPeriod + cfg.WindowSize)
	if err != nil {
		return Metrics{}, err
	}

	warmup := cfg.WindowSize
	if len(dates) < warmup+cfg.RebalanceFrequency {
		return Metrics{}, fmt.Errorf(
			"need %d days of history, have %d: %w",
			warmup+cfg.RebalanceFrequency, len(dates), ErrInsufficientData,
		)
	}

	def := RankingDefinition{
		Factors:      cfg.Factors,
		WindowSize:   cfg.WindowSize,
		WeightMethod: cfg.WeightMethod,
	}

	var (
		holdings     []string
		dailyReturns []float64
		trades       int
	)

	for t := warmup; t < len(dates); t++ {
		if err := ctx.Err(); err != nil {
			return Metrics{}, err
		}

		if (t-warmup)%cfg.RebalanceFrequency == 0 {
			windows := make(map[string][]float64, len(series))
			for pair, returns := range series {
				windows[pair] = returns[t-warmup : t]
			}

			ranked, err := lr.ranker.ComputeRanking(ctx, def, windows)
			if err != nil {
				return Metrics{}, fmt.Errorf("ranking at %s: %w", dates[t], err)
			}

			next := topPairs(ranked, cfg.SelectionCount)
			if !samePairs(holdings, next) {
				trades++
				holdings = next
			}
		}

		dailyReturns = append(dailyReturns, portfolioReturn(series, holdings, t))
	}

	return buildMetrics(dailyReturns, dates[warmup], dates[len(dates)-1], trades), nil
}

// loadHistory reads the most recent maxDays of pair returns, aligned by
// date. Pairs with gaps in the window are dropped so every series has
// one value per date.
func (lr *LocalRunner) loadHistory(maxDays int) ([]string, map[string][]float64, error) {
	rows, err := lr.db.Query(
		"SELECT DISTINCT date FROM pair_returns ORDER BY date DESC LIMIT ?", maxDays,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load return dates: %w", err)
	}
	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan date: %w", err)
		}
		dates = append(dates, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(dates) == 0 {
		return nil, nil, fmt.Errorf("pair_returns is empty: %w", ErrInsufficientData)
	}
	sort.Strings(dates)

	dateIndex := make(map[string]int, len(dates))
	for i, d := range dates {
		dateIndex[d] = i
	}

	rows, err = lr.db.Query(
		"SELECT pair, date, roi FROM pair_returns WHERE date >= ?", dates[0],
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load pair returns: %w", err)
	}
	defer rows.Close()

	series := make(map[string][]float64)
	counts := make(map[string]int)
	for rows.Next() {
		var pair, date string
		var roi float64
		if err := rows.Scan(&pair, &date, &roi); err != nil {
			return nil, nil, fmt.Errorf("failed to scan pair return: %w", err)
		}
		idx, ok := dateIndex[date]
		if !ok {
			continue
		}
		if _, ok := series[pair]; !ok {
			series[pair] = make([]float64, len(dates))
		}
		series[pair][idx] = roi
		counts[pair]++
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for pair, n := range counts {
		if n < len(dates) {
			delete(series, pair)
		}
	}
	if len(series) == 0 {
		return nil, nil, fmt.Errorf("no pair covers the full %d-day window: %w", len(dates), ErrInsufficientData)
	}

	return dates, series, nil
}

func topPairs(ranked []RankedPair, n int) []string {
	if n > len(ranked) {
		n = len(ranked)
	}
	pairs := make([]string, 0, n)
	for _, rp := range ranked[:n] {
		pairs = append(pairs, rp.Pair)
	}
	return pairs
}

func samePairs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func portfolioReturn(series map[string][]float64, holdings []string, t int) float64 {
	if len(holdings) == 0 {
		return 0
	}
	var sum float64
	for _, pair := range holdings {
		sum += series[pair][t]
	}
	return sum / float64(len(holdings))
}

func buildMetrics(dailyReturns []float64, startDate, endDate string, trades int) Metrics {
	curve := equityCurve(dailyReturns)
	total := curve[len(curve)-1] - 1

	days := float64(len(dailyReturns))
	annual := math.Pow(1+total, tradingDaysPerYear/days) - 1

	return Metrics{
		FinalBalance: initialBalance * (1 + total),
		TotalReturn:  total,
		AnnualReturn: annual,
		SharpeRatio:  sharpe(dailyReturns),
		MaxDrawdown:  maxDrawdown(curve),
		WinRate:      winRate(dailyReturns),
		TradeCount:   trades,
		StartDate:    startDate,
		EndDate:      endDate,
	}
}
