package pipeline

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chiehlin/factortuner/internal/modules/paramspace"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// windows with an obvious ordering: "good" gains steadily, "flat" does
// nothing, "bad" loses steadily.
func testWindows(n int) map[string][]float64 {
	good := make([]float64, n)
	flat := make([]float64, n)
	bad := make([]float64, n)
	for i := 0; i < n; i++ {
		good[i] = 0.01
		flat[i] = 0.0005 * float64(i%2)
		bad[i] = -0.01
	}
	return map[string][]float64{"good": good, "flat": flat, "bad": bad}
}

func TestComputeRanking_OrdersByScore(t *testing.T) {
	ranker := NewFactorRanker(testLogger())

	ranked, err := ranker.ComputeRanking(context.Background(), RankingDefinition{
		Factors:      []string{paramspace.FactorSharpe, paramspace.FactorWinRate},
		WindowSize:   20,
		WeightMethod: paramspace.WeightEqual,
	}, testWindows(20))
	require.NoError(t, err)
	require.Len(t, ranked, 3)

	assert.Equal(t, "good", ranked[0].Pair)
	assert.Equal(t, "bad", ranked[2].Pair)
	assert.Greater(t, ranked[0].Score, ranked[2].Score)
}

func TestComputeRanking_AllWeightMethods(t *testing.T) {
	ranker := NewFactorRanker(testLogger())
	def := RankingDefinition{
		Factors:    []string{paramspace.FactorSharpe, paramspace.FactorDrawdown, paramspace.FactorTrend},
		WindowSize: 20,
	}

	for _, method := range []string{paramspace.WeightEqual, paramspace.WeightIC, paramspace.WeightFactorScore} {
		def.WeightMethod = method
		ranked, err := ranker.ComputeRanking(context.Background(), def, testWindows(20))
		require.NoError(t, err, method)
		assert.Equal(t, "good", ranked[0].Pair, method)
	}
}

func TestComputeRanking_UnknownWeightMethodFails(t *testing.T) {
	ranker := NewFactorRanker(testLogger())

	_, err := ranker.ComputeRanking(context.Background(), RankingDefinition{
		Factors:      []string{paramspace.FactorSharpe},
		WindowSize:   20,
		WeightMethod: "MV",
	}, testWindows(20))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported weight method")
}

func TestComputeRanking_ShortWindowsAreInsufficient(t *testing.T) {
	ranker := NewFactorRanker(testLogger())

	_, err := ranker.ComputeRanking(context.Background(), RankingDefinition{
		Factors:      []string{paramspace.FactorSharpe},
		WindowSize:   60,
		WeightMethod: paramspace.WeightEqual,
	}, testWindows(20))
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestFactorValues(t *testing.T) {
	gains := []float64{0.01, 0.02, 0.01, 0.03, 0.01}
	losses := []float64{-0.01, -0.02, -0.01, -0.03, -0.01}

	assert.Greater(t, sharpe(gains), 0.0)
	assert.Less(t, sharpe(losses), 0.0)

	assert.Equal(t, 1.0, winRate(gains))
	assert.Equal(t, 0.0, winRate(losses))

	assert.Greater(t, sortino(gains), 0.0)
	assert.Less(t, sortino(losses), 0.0)
}

func TestMaxDrawdown(t *testing.T) {
	// Peak 1.2, trough 0.9: drawdown = 0.9/1.2 - 1 = -0.25
	curve := []float64{1.0, 1.2, 0.9, 1.1}
	assert.InDelta(t, -0.25, maxDrawdown(curve), 1e-9)

	monotone := []float64{1.0, 1.1, 1.2}
	assert.Zero(t, maxDrawdown(monotone))
}

func TestEquityCurve(t *testing.T) {
	curve := equityCurve([]float64{0.1, -0.5})
	require.Len(t, curve, 2)
	assert.InDelta(t, 1.1, curve[0], 1e-9)
	assert.InDelta(t, 0.55, curve[1], 1e-9)
}
