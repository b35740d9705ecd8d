// Package paramspace defines the tunable parameter space for factor
// strategies and generates candidate configurations from it.
package paramspace

import (
	"fmt"
	"sort"
	"strings"
)

// Parameter spec kinds
const (
	KindFixed  = "fixed"
	KindChoice = "choice"
	KindRange  = "range"
)

// Factor codes understood by the ranking pipeline
const (
	FactorSharpe    = "SR" // annualized sharpe ratio
	FactorDrawdown  = "DD" // max drawdown
	FactorTrend     = "TR" // trend slope
	FactorStability = "ST" // inverse std dev
	FactorWinRate   = "WR" // win rate
	FactorSortino   = "SO" // sortino ratio
)

// Weighting methods for combining factor scores
const (
	WeightEqual       = "EQ"
	WeightIC          = "IC"
	WeightFactorScore = "FS"
)

// requiredParams are the parameter names every space must define
var requiredParams = []string{
	"factors", "window_size", "rebalance_frequency",
	"data_period", "selection_count", "weight_method",
}

// ParameterSpec describes one tunable dimension of the space
type ParameterSpec struct {
	Name     string
	Kind     string        // fixed, choice, range
	Choices  []interface{} // choice kind
	MinValue float64       // range kind
	MaxValue float64
	Step     float64
	IntStep  bool        // range values are integers
	Value    interface{} // fixed kind
}

// Validate checks the spec for internal consistency
func (s ParameterSpec) Validate() error {
	switch s.Kind {
	case KindFixed:
		if s.Value == nil {
			return fmt.Errorf("parameter %s: fixed kind requires a value", s.Name)
		}
	case KindChoice:
		if len(s.Choices) == 0 {
			return fmt.Errorf("parameter %s: choice kind requires a non-empty choices list", s.Name)
		}
	case KindRange:
		if s.MinValue >= s.MaxValue {
			return fmt.Errorf("parameter %s: min_value must be less than max_value", s.Name)
		}
		if s.Step <= 0 {
			return fmt.Errorf("parameter %s: step must be positive", s.Name)
		}
	default:
		return fmt.Errorf("parameter %s: unsupported kind %q", s.Name, s.Kind)
	}
	return nil
}

// StrategyConfig is one fully-specified candidate strategy
type StrategyConfig struct {
	StrategyID         string   `json:"strategy_id"`
	Factors            []string `json:"factors"`
	WindowSize         int      `json:"window_size"`
	RebalanceFrequency int      `json:"rebalance_frequency"`
	DataPeriod         int      `json:"data_period"`
	SelectionCount     int      `json:"selection_count"`
	WeightMethod       string   `json:"weight_method"`
}

// StrategyName derives the canonical human-readable strategy name,
// e.g. "SR_ST_W20_7D_D60_S5_EQ".
func (c StrategyConfig) StrategyName() string {
	return fmt.Sprintf("%s_W%d_%dD_D%d_S%d_%s",
		strings.Join(c.Factors, "_"),
		c.WindowSize,
		c.RebalanceFrequency,
		c.DataPeriod,
		c.SelectionCount,
		c.WeightMethod,
	)
}

// Key returns a canonical identity string ignoring StrategyID.
// Two configs with the same Key are the same point in parameter space.
func (c StrategyConfig) Key() string {
	factors := append([]string(nil), c.Factors...)
	sort.Strings(factors)
	return fmt.Sprintf("f=%s|w=%d|r=%d|d=%d|s=%d|m=%s",
		strings.Join(factors, ","),
		c.WindowSize,
		c.RebalanceFrequency,
		c.DataPeriod,
		c.SelectionCount,
		c.WeightMethod,
	)
}

// Validate checks a candidate config for legality
func (c StrategyConfig) Validate() error {
	var problems []string

	if len(c.Factors) == 0 {
		problems = append(problems, "factors must be a non-empty list")
	}
	if c.WindowSize <= 0 {
		problems = append(problems, "window_size must be a positive integer")
	}
	if c.RebalanceFrequency <= 0 {
		problems = append(problems, "rebalance_frequency must be a positive integer")
	}
	if c.DataPeriod <= 0 {
		problems = append(problems, "data_period must be a positive integer")
	}
	if c.SelectionCount < 0 {
		problems = append(problems, "selection_count must be non-negative")
	}
	if c.WeightMethod == "" {
		problems = append(problems, "weight_method is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid strategy config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// newStrategyConfig assembles a StrategyConfig from a generic parameter map
func newStrategyConfig(strategyID string, params map[string]interface{}) (StrategyConfig, error) {
	factors, err := asStringSlice(params["factors"])
	if err != nil {
		return StrategyConfig{}, fmt.Errorf("factors: %w", err)
	}

	windowSize, err := asInt(params["window_size"])
	if err != nil {
		return StrategyConfig{}, fmt.Errorf("window_size: %w", err)
	}
	rebalance, err := asInt(params["rebalance_frequency"])
	if err != nil {
		return StrategyConfig{}, fmt.Errorf("rebalance_frequency: %w", err)
	}
	dataPeriod, err := asInt(params["data_period"])
	if err != nil {
		return StrategyConfig{}, fmt.Errorf("data_period: %w", err)
	}
	selection, err := asInt(params["selection_count"])
	if err != nil {
		return StrategyConfig{}, fmt.Errorf("selection_count: %w", err)
	}
	weightMethod, err := asString(params["weight_method"])
	if err != nil {
		return StrategyConfig{}, fmt.Errorf("weight_method: %w", err)
	}

	return StrategyConfig{
		StrategyID:         strategyID,
		Factors:            factors,
		WindowSize:         windowSize,
		RebalanceFrequency: rebalance,
		DataPeriod:         dataPeriod,
		SelectionCount:     selection,
		WeightMethod:       weightMethod,
	}, nil
}

func asInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		return int(x), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

func asString(v interface{}) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", v)
	}
	return s, nil
}

func asStringSlice(v interface{}) ([]string, error) {
	switch x := v.(type) {
	case []string:
		return x, nil
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list, got %T", v)
	}
}
