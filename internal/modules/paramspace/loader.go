package paramspace

import (
	"fmt"
	"math"
	"sort"

	"github.com/spf13/viper"
)

// rawParameter mirrors one entry of the YAML "parameters" map
type rawParameter struct {
	Type     string        `mapstructure:"type"`
	Choices  []interface{} `mapstructure:"choices"`
	MinValue float64       `mapstructure:"min_value"`
	MaxValue float64       `mapstructure:"max_value"`
	Step     float64       `mapstructure:"step"`
	Value    interface{}   `mapstructure:"value"`
}

// LoadSpecs reads parameter specs from a YAML config file.
// An empty path returns the built-in default space.
func LoadSpecs(path string) ([]ParameterSpec, error) {
	if path == "" {
		return DefaultSpecs(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read tuning config %s: %w", path, err)
	}

	raw := make(map[string]rawParameter)
	if err := v.UnmarshalKey("parameters", &raw); err != nil {
		return nil, fmt.Errorf("failed to parse parameters section: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("tuning config %s has no parameters section", path)
	}

	// Viper map order is undefined; sort names so the exhaustive
	// enumeration order is stable across runs.
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]ParameterSpec, 0, len(raw))
	for _, name := range names {
		spec, err := toSpec(name, raw[name])
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}

	return specs, nil
}

// toSpec converts a raw YAML parameter into a validated ParameterSpec
func toSpec(name string, raw rawParameter) (ParameterSpec, error) {
	spec := ParameterSpec{
		Name: name,
		Kind: raw.Type,
	}

	switch raw.Type {
	case KindFixed:
		spec.Value = raw.Value
	case KindChoice:
		choices, err := normalizeChoices(name, raw.Choices)
		if err != nil {
			return ParameterSpec{}, err
		}
		spec.Choices = choices
	case KindRange:
		spec.MinValue = raw.MinValue
		spec.MaxValue = raw.MaxValue
		spec.Step = raw.Step
		if spec.Step == 0 {
			spec.Step = 1
		}
		spec.IntStep = spec.Step == math.Trunc(spec.Step)
	default:
		return ParameterSpec{}, fmt.Errorf("parameter %s: unsupported type %q", name, raw.Type)
	}

	if err := spec.Validate(); err != nil {
		return ParameterSpec{}, err
	}
	return spec, nil
}

// normalizeChoices converts YAML scalar and list choices into the shapes
// config assembly expects: ints stay ints, nested lists become []string.
func normalizeChoices(name string, choices []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(choices))
	for _, choice := range choices {
		switch c := choice.(type) {
		case []interface{}:
			strs, err := asStringSlice(c)
			if err != nil {
				return nil, fmt.Errorf("parameter %s: %w", name, err)
			}
			out = append(out, strs)
		case float64:
			if c == math.Trunc(c) {
				out = append(out, int(c))
			} else {
				out = append(out, c)
			}
		default:
			out = append(out, c)
		}
	}
	return out, nil
}

// DefaultSpecs returns the built-in parameter space used when no YAML
// config is provided.
func DefaultSpecs() []ParameterSpec {
	return []ParameterSpec{
		{
			Name: "factors",
			Kind: KindChoice,
			Choices: []interface{}{
				[]string{FactorSharpe},
				[]string{FactorStability},
				[]string{FactorDrawdown},
				[]string{FactorWinRate},
				[]string{FactorSortino},
				[]string{FactorTrend},
				[]string{FactorSharpe, FactorStability},
				[]string{FactorSharpe, FactorDrawdown},
				[]string{FactorStability, FactorDrawdown},
				[]string{FactorSharpe, FactorStability, FactorDrawdown},
			},
		},
		{
			Name:    "window_size",
			Kind:    KindChoice,
			Choices: []interface{}{5, 10, 20, 30, 60, 90, 120, 150, 180, 210, 240, 270, 300},
		},
		{
			Name:    "rebalance_frequency",
			Kind:    KindChoice,
			Choices: []interface{}{1, 2, 7, 14, 30},
		},
		{
			Name:    "data_period",
			Kind:    KindChoice,
			Choices: []interface{}{10, 15, 20, 30, 45, 60, 90, 120, 150, 180, 210, 240, 270, 300},
		},
		{
			Name:     "selection_count",
			Kind:     KindRange,
			MinValue: 0,
			MaxValue: 15,
			Step:     1,
			IntStep:  true,
		},
		{
			Name:    "weight_method",
			Kind:    KindChoice,
			Choices: []interface{}{WeightEqual, WeightIC, WeightFactorScore},
		},
	}
}
