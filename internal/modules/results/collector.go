// Package results reads completed tuning results back out of the store:
// top performers, summary statistics, parameter breakdowns, and file
// exports.
package results

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/chiehlin/factortuner/internal/modules/session"
)

// DefaultMetric orders top-performer queries when none is given
const DefaultMetric = "sharpe_ratio"

// metricColumns whitelists the sortable/aggregatable metric columns.
// Every metric is stored higher-is-better (drawdowns are negative, so
// the shallowest one is still the largest value).
var metricColumns = map[string]bool{
	"sharpe_ratio":  true,
	"annual_return": true,
	"total_return":  true,
	"max_drawdown":  true,
	"win_rate":      true,
}

// groupColumns whitelists the parameter columns a breakdown may group by
var groupColumns = map[string]bool{
	"window_size":         true,
	"rebalance_frequency": true,
	"data_period":         true,
	"selection_count":     true,
	"weight_method":       true,
}

// MetricStats summarizes one metric across a session
type MetricStats struct {
	Mean  float64 `json:"mean"`
	Best  float64 `json:"best"`
	Worst float64 `json:"worst"`
}

// SummaryReport is the session-wide result digest
type SummaryReport struct {
	SessionID      string                 `json:"session_id"`
	ResultCount    int                    `json:"result_count"`
	Metrics        map[string]MetricStats `json:"metrics"`
	BestStrategies map[string]string      `json:"best_strategies"`
}

// BreakdownBucket aggregates results sharing one parameter value.
// It is a plain per-value average, not a significance test.
type BreakdownBucket struct {
	Value          string  `json:"value"`
	Count          int     `json:"count"`
	AvgSharpe      float64 `json:"avg_sharpe_ratio"`
	AvgAnnual      float64 `json:"avg_annual_return"`
	AvgTotalReturn float64 `json:"avg_total_return"`
	AvgDrawdown    float64 `json:"avg_max_drawdown"`
	AvgWinRate     float64 `json:"avg_win_rate"`
}

// Collector reads and aggregates stored tuning results
type Collector struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCollector creates a result collector
func NewCollector(db *sql.DB, log zerolog.Logger) *Collector {
	return &Collector{
		db:  db,
		log: log.With().Str("component", "results").Logger(),
	}
}

const resultColumns = `session_id, strategy_id, factors, window_size,
	rebalance_frequency, data_period, selection_count, weight_method,
	COALESCE(total_return, 0), COALESCE(annual_return, 0),
	COALESCE(sharpe_ratio, 0), COALESCE(max_drawdown, 0),
	COALESCE(win_rate, 0), COALESCE(trade_count, 0),
	COALESCE(start_date, ''), COALESCE(end_date, '')`

// TopPerformers returns the session's best strategies by one metric
func (c *Collector) TopPerformers(sessionID, metric string, topN int) ([]session.ResultRecord, error) {
	if metric == "" {
		metric = DefaultMetric
	}
	if !metricColumns[metric] {
		return nil, fmt.Errorf("unsupported metric %q", metric)
	}
	if topN <= 0 {
		topN = 10
	}

	rows, err := c.db.Query(
		"SELECT "+resultColumns+" FROM hyperparameter_tuning_results WHERE session_id = ? ORDER BY "+metric+" DESC LIMIT ?",
		sessionID, topN,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query top performers: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// AllResults returns every stored result for a session
func (c *Collector) AllResults(sessionID string) ([]session.ResultRecord, error) {
	rows, err := c.db.Query(
		"SELECT "+resultColumns+" FROM hyperparameter_tuning_results WHERE session_id = ? ORDER BY sharpe_ratio DESC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	return scanResults(rows)
}

// Summary computes mean/best/worst per metric and names the best
// strategy for each.
func (c *Collector) Summary(sessionID string) (*SummaryReport, error) {
	records, err := c.AllResults(sessionID)
	if err != nil {
		return nil, err
	}

	report := &SummaryReport{
		SessionID:      sessionID,
		ResultCount:    len(records),
		Metrics:        make(map[string]MetricStats),
		BestStrategies: make(map[string]string),
	}
	if len(records) == 0 {
		return report, nil
	}

	metricOf := map[string]func(session.ResultRecord) float64{
		"sharpe_ratio":  func(r session.ResultRecord) float64 { return r.SharpeRatio },
		"annual_return": func(r session.ResultRecord) float64 { return r.AnnualReturn },
		"total_return":  func(r session.ResultRecord) float64 { return r.TotalReturn },
		"max_drawdown":  func(r session.ResultRecord) float64 { return r.MaxDrawdown },
		"win_rate":      func(r session.ResultRecord) float64 { return r.WinRate },
	}

	for metric, get := range metricOf {
		values := make([]float64, len(records))
		bestIdx := 0
		worstIdx := 0
		for i, rec := range records {
			values[i] = get(rec)
			if values[i] > values[bestIdx] {
				bestIdx = i
			}
			if values[i] < values[worstIdx] {
				worstIdx = i
			}
		}
		report.Metrics[metric] = MetricStats{
			Mean:  stat.Mean(values, nil),
			Best:  values[bestIdx],
			Worst: values[worstIdx],
		}
		report.BestStrategies[metric] = records[bestIdx].StrategyID
	}

	return report, nil
}

// ParameterBreakdown groups results by one parameter column and
// averages every metric per value.
func (c *Collector) ParameterBreakdown(sessionID, param string) ([]BreakdownBucket, error) {
	if !groupColumns[param] {
		return nil, fmt.Errorf("unsupported breakdown parameter %q", param)
	}

	rows, err := c.db.Query(`
		SELECT CAST(`+param+` AS TEXT), COUNT(*),
			AVG(COALESCE(sharpe_ratio, 0)),
			AVG(COALESCE(annual_return, 0)),
			AVG(COALESCE(total_return, 0)),
			AVG(COALESCE(max_drawdown, 0)),
			AVG(COALESCE(win_rate, 0))
		FROM hyperparameter_tuning_results
		WHERE session_id = ?
		GROUP BY `+param,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query breakdown: %w", err)
	}
	defer rows.Close()

	var buckets []BreakdownBucket
	for rows.Next() {
		var b BreakdownBucket
		if err := rows.Scan(&b.Value, &b.Count, &b.AvgSharpe, &b.AvgAnnual,
			&b.AvgTotalReturn, &b.AvgDrawdown, &b.AvgWinRate); err != nil {
			return nil, fmt.Errorf("failed to scan breakdown bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(buckets, func(i, j int) bool { return buckets[i].AvgSharpe > buckets[j].AvgSharpe })
	return buckets, nil
}

func scanResults(rows *sql.Rows) ([]session.ResultRecord, error) {
	var records []session.ResultRecord
	for rows.Next() {
		var rec session.ResultRecord
		var factorsJSON sql.NullString
		err := rows.Scan(
			&rec.SessionID, &rec.StrategyID, &factorsJSON,
			&rec.WindowSize, &rec.RebalanceFrequency, &rec.DataPeriod,
			&rec.SelectionCount, &rec.WeightMethod,
			&rec.TotalReturn, &rec.AnnualReturn, &rec.SharpeRatio,
			&rec.MaxDrawdown, &rec.WinRate, &rec.TradeCount,
			&rec.StartDate, &rec.EndDate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if factorsJSON.Valid && factorsJSON.String != "" {
			if err := json.Unmarshal([]byte(factorsJSON.String), &rec.Factors); err != nil {
				return nil, fmt.Errorf("corrupt factors for %s: %w", rec.StrategyID, err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
