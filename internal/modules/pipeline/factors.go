package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/chiehlin/factortuner/internal/modules/paramspace"
)

// tradingDaysPerYear annualizes daily ratios
const tradingDaysPerYear = 252

// FactorRanker scores pairs from trailing daily returns using the
// factor library (sharpe, stability, drawdown, win rate, sortino,
// trend) and one of the composite weighting methods.
type FactorRanker struct {
	log zerolog.Logger
}

// NewFactorRanker creates the in-process ranker
func NewFactorRanker(log zerolog.Logger) *FactorRanker {
	return &FactorRanker{log: log.With().Str("component", "ranker").Logger()}
}

// ComputeRanking scores each pair's trailing window and returns pairs
// ordered best-first.
func (r *FactorRanker) ComputeRanking(ctx context.Context, def RankingDefinition, windows map[string][]float64) ([]RankedPair, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(def.Factors) == 0 {
		return nil, fmt.Errorf("ranking definition has no factors")
	}

	pairs := make([]string, 0, len(windows))
	for pair, series := range windows {
		if len(series) >= def.WindowSize {
			pairs = append(pairs, pair)
		}
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no pair has %d observations: %w", def.WindowSize, ErrInsufficientData)
	}
	sort.Strings(pairs)

	// raw[f][i] is factor f's value for pairs[i]
	raw := make(map[string][]float64, len(def.Factors))
	for _, factor := range def.Factors {
		values := make([]float64, len(pairs))
		for i, pair := range pairs {
			series := windows[pair]
			values[i] = factorValue(factor, series[len(series)-def.WindowSize:])
		}
		raw[factor] = values
	}

	scores, err := composite(def, pairs, raw, windows)
	if err != nil {
		return nil, err
	}

	ranked := make([]RankedPair, len(pairs))
	for i, pair := range pairs {
		ranked[i] = RankedPair{Pair: pair, Score: scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	return ranked, nil
}

// factorValue computes one factor over a window of daily returns.
// Higher is always better.
func factorValue(factor string, window []float64) float64 {
	switch factor {
	case paramspace.FactorSharpe:
		return sharpe(window)
	case paramspace.FactorSortino:
		return sortino(window)
	case paramspace.FactorWinRate:
		return winRate(window)
	case paramspace.FactorDrawdown:
		// Drawdowns are negative; negating the worst one rewards
		// shallow curves.
		return -maxDrawdown(equityCurve(window))
	case paramspace.FactorStability:
		return -stat.StdDev(window, nil)
	case paramspace.FactorTrend:
		return trendScore(equityCurve(window))
	default:
		return 0
	}
}

func sharpe(returns []float64) float64 {
	mean, std := stat.MeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}

func sortino(returns []float64) float64 {
	mean := stat.Mean(returns, nil)
	var downSq float64
	n := 0
	for _, r := range returns {
		if r < 0 {
			downSq += r * r
			n++
		}
	}
	if n == 0 {
		// No losing days: reward with the annualized mean itself.
		return mean * tradingDaysPerYear
	}
	downside := math.Sqrt(downSq / float64(n))
	if downside == 0 {
		return 0
	}
	return mean / downside * math.Sqrt(tradingDaysPerYear)
}

func winRate(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	wins := 0
	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(returns))
}

// equityCurve compounds daily returns into a unit-start equity series
func equityCurve(returns []float64) []float64 {
	curve := make([]float64, len(returns))
	equity := 1.0
	for i, r := range returns {
		equity *= 1 + r
		curve[i] = equity
	}
	return curve
}

// maxDrawdown returns the deepest peak-to-trough loss as a negative
// fraction (0 for a monotone curve).
func maxDrawdown(curve []float64) float64 {
	peak := math.Inf(-1)
	worst := 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := v/peak - 1
			if dd < worst {
				worst = dd
			}
		}
	}
	return worst
}

// trendScore compares a fast EMA of the equity curve against a slow SMA
// baseline. Positive means the curve is accelerating above its average.
func trendScore(curve []float64) float64 {
	if len(curve) < 4 {
		return 0
	}
	fast := len(curve) / 4
	if fast < 2 {
		fast = 2
	}
	slow := len(curve) / 2
	if slow <= fast {
		slow = fast + 1
	}

	ema := talib.Ema(curve, fast)
	sma := talib.Sma(curve, slow)
	f := ema[len(ema)-1]
	s := sma[len(sma)-1]
	if s == 0 || math.IsNaN(f) || math.IsNaN(s) {
		return 0
	}
	return f/s - 1
}

// composite combines per-factor values into one score per pair
func composite(def RankingDefinition, pairs []string, raw map[string][]float64, windows map[string][]float64) ([]float64, error) {
	switch def.WeightMethod {
	case paramspace.WeightEqual, "":
		return weightedZScores(def.Factors, raw, nil), nil
	case paramspace.WeightFactorScore:
		return summedMinMax(def.Factors, raw), nil
	case paramspace.WeightIC:
		return weightedZScores(def.Factors, raw, icWeights(def.Factors, pairs, raw, windows)), nil
	default:
		return nil, fmt.Errorf("unsupported weight method %q", def.WeightMethod)
	}
}

// weightedZScores standardizes each factor across pairs and averages,
// optionally with per-factor weights.
func weightedZScores(factors []string, raw map[string][]float64, weights map[string]float64) []float64 {
	n := len(raw[factors[0]])
	scores := make([]float64, n)
	totalWeight := 0.0

	for _, factor := range factors {
		w := 1.0
		if weights != nil {
			w = weights[factor]
		}
		if w == 0 {
			continue
		}
		totalWeight += w

		values := raw[factor]
		mean, std := stat.MeanStdDev(values, nil)
		for i, v := range values {
			z := 0.0
			if std > 0 {
				z = (v - mean) / std
			}
			scores[i] += w * z
		}
	}

	if totalWeight > 0 {
		for i := range scores {
			scores[i] /= totalWeight
		}
	}
	return scores
}

// summedMinMax rescales each factor to [0,1] across pairs and sums
func summedMinMax(factors []string, raw map[string][]float64) []float64 {
	n := len(raw[factors[0]])
	scores := make([]float64, n)

	for _, factor := range factors {
		values := raw[factor]
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range values {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		span := hi - lo
		for i, v := range values {
			if span > 0 {
				scores[i] += (v - lo) / span
			} else {
				scores[i] += 0.5
			}
		}
	}
	return scores
}

// icWeights weights each factor by the absolute correlation between its
// values and the pairs' most recent daily return. Falls back to equal
// weights when every correlation degenerates.
func icWeights(factors []string, pairs []string, raw map[string][]float64, windows map[string][]float64) map[string]float64 {
	latest := make([]float64, len(pairs))
	for i, pair := range pairs {
		series := windows[pair]
		latest[i] = series[len(series)-1]
	}

	weights := make(map[string]float64, len(factors))
	total := 0.0
	for _, factor := range factors {
		ic := stat.Correlation(raw[factor], latest, nil)
		if math.IsNaN(ic) {
			ic = 0
		}
		weights[factor] = math.Abs(ic)
		total += weights[factor]
	}

	if total == 0 {
		for _, factor := range factors {
			weights[factor] = 1
		}
	}
	return weights
}
