package paramspace

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/samplemv"
)

// Sampling methods accepted by SmartSample
const (
	MethodRandom         = "random"
	MethodLatinHypercube = "latin_hypercube"
	MethodGrid           = "grid"
	MethodSobol          = "sobol"
)

// Generation modes
const (
	ModeExhaustive = "exhaustive"
	ModeSampling   = "sampling"
)

// Generator enumerates and samples the strategy parameter space
type Generator struct {
	specs []ParameterSpec
	log   zerolog.Logger
}

// NewGenerator creates a generator over the given parameter specs.
// All required parameters must be present and every spec must be valid.
func NewGenerator(specs []ParameterSpec, log zerolog.Logger) (*Generator, error) {
	present := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		present[spec.Name] = true
	}

	for _, name := range requiredParams {
		if !present[name] {
			return nil, fmt.Errorf("missing required parameter spec: %s", name)
		}
	}

	return &Generator{
		specs: specs,
		log:   log.With().Str("component", "generator").Logger(),
	}, nil
}

// Values enumerates all possible values of a single parameter
func (g *Generator) Values(spec ParameterSpec) []interface{} {
	switch spec.Kind {
	case KindFixed:
		return []interface{}{spec.Value}
	case KindChoice:
		return spec.Choices
	case KindRange:
		var values []interface{}
		// Small epsilon so max itself is always included despite float steps
		for current := spec.MinValue; current <= spec.MaxValue+1e-9; current += spec.Step {
			if spec.IntStep {
				values = append(values, int(math.Round(current)))
			} else {
				values = append(values, current)
			}
		}
		return values
	}
	return nil
}

// SpaceSize returns the total number of combinations in the space
func (g *Generator) SpaceSize() int {
	total := 1
	for _, spec := range g.specs {
		total *= len(g.Values(spec))
	}
	return total
}

// ParameterInfo summarizes a single dimension of the space
type ParameterInfo struct {
	Kind         string        `json:"type"`
	ValueCount   int           `json:"value_count"`
	SampleValues []interface{} `json:"sample_values"`
}

// SpaceInfo describes the whole parameter space
type SpaceInfo struct {
	ParameterCount    int                      `json:"parameter_count"`
	Parameters        map[string]ParameterInfo `json:"parameters"`
	TotalCombinations int                      `json:"total_combinations"`
}

// Info returns a summary of the parameter space
func (g *Generator) Info() SpaceInfo {
	info := SpaceInfo{
		ParameterCount:    len(g.specs),
		Parameters:        make(map[string]ParameterInfo, len(g.specs)),
		TotalCombinations: 1,
	}

	for _, spec := range g.specs {
		values := g.Values(spec)
		sample := values
		if len(sample) > 5 {
			sample = sample[:5]
		}
		info.Parameters[spec.Name] = ParameterInfo{
			Kind:         spec.Kind,
			ValueCount:   len(values),
			SampleValues: sample,
		}
		info.TotalCombinations *= len(values)
	}

	return info
}

// ExhaustiveIterator walks the full cartesian product lazily.
// The last parameter varies fastest; iteration order is deterministic,
// so a stored offset is enough to resume an interrupted enumeration.
type ExhaustiveIterator struct {
	gen     *Generator
	values  [][]interface{}
	index   int // next combination ordinal (0-based)
	total   int
	invalid error
}

// Exhaustive returns an iterator over every combination, starting at the
// given 0-based offset (0 = from the beginning).
func (g *Generator) Exhaustive(startIndex int) *ExhaustiveIterator {
	values := make([][]interface{}, len(g.specs))
	total := 1
	for i, spec := range g.specs {
		values[i] = g.Values(spec)
		total *= len(values[i])
	}

	if startIndex < 0 {
		startIndex = 0
	}

	g.log.Info().
		Int("total_combinations", total).
		Int("start_index", startIndex).
		Msg("Starting exhaustive enumeration")

	return &ExhaustiveIterator{
		gen:    g,
		values: values,
		index:  startIndex,
		total:  total,
	}
}

// Total returns the number of combinations in the full product
func (it *ExhaustiveIterator) Total() int { return it.total }

// Next returns the next strategy config, or false when exhausted
func (it *ExhaustiveIterator) Next() (StrategyConfig, bool) {
	if it.index >= it.total {
		return StrategyConfig{}, false
	}

	// Decode the ordinal into per-dimension indices (mixed radix,
	// last dimension fastest).
	params := make(map[string]interface{}, len(it.gen.specs))
	remainder := it.index
	for i := len(it.values) - 1; i >= 0; i-- {
		size := len(it.values[i])
		params[it.gen.specs[i].Name] = it.values[i][remainder%size]
		remainder /= size
	}

	it.index++

	cfg, err := newStrategyConfig(fmt.Sprintf("exhaustive_%08d", it.index), params)
	if err != nil {
		// A malformed spec slipped past validation; stop the iteration.
		it.invalid = err
		it.index = it.total
		return StrategyConfig{}, false
	}

	return cfg, true
}

// Err reports an assembly error that terminated the iteration early
func (it *ExhaustiveIterator) Err() error { return it.invalid }

// RandomSample draws n unique configurations uniformly at random.
// The same seed always produces the same sample. The draw gives up
// after 10*n attempts, so a space smaller than n yields fewer configs.
func (g *Generator) RandomSample(n int, seed int64) ([]StrategyConfig, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", n)
	}

	rng := rand.New(rand.NewSource(seed))

	values := make([][]interface{}, len(g.specs))
	for i, spec := range g.specs {
		values[i] = g.Values(spec)
	}

	var configs []StrategyConfig
	seen := make(map[string]bool)

	maxAttempts := n * 10
	for attempts := 0; len(configs) < n && attempts < maxAttempts; attempts++ {
		params := make(map[string]interface{}, len(g.specs))
		for i, spec := range g.specs {
			params[spec.Name] = values[i][rng.Intn(len(values[i]))]
		}

		cfg, err := newStrategyConfig(fmt.Sprintf("sampling_%06d", len(configs)+1), params)
		if err != nil {
			return nil, err
		}

		key := cfg.Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		configs = append(configs, cfg)
	}

	g.log.Info().
		Int("requested", n).
		Int("generated", len(configs)).
		Msg("Random sampling complete")

	return configs, nil
}

// SmartSample draws n configurations with a structured sampling method.
// Unknown methods are an error; no silent fallback to random sampling.
func (g *Generator) SmartSample(n int, method string, seed int64) ([]StrategyConfig, error) {
	if n <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", n)
	}

	switch method {
	case MethodLatinHypercube:
		return g.latinHypercubeSample(n, seed)
	case MethodGrid:
		return g.gridSample(n)
	case MethodSobol:
		return g.sobolSample(n, seed)
	default:
		return nil, fmt.Errorf("unsupported sampling method: %s", method)
	}
}

// Generate is the main entry point combining all modes.
// In exhaustive mode size > 0 caps the enumeration; in sampling mode
// size is required and method selects the sampler.
func (g *Generator) Generate(mode string, size int, method string, seed int64) ([]StrategyConfig, error) {
	switch mode {
	case ModeExhaustive:
		var configs []StrategyConfig
		it := g.Exhaustive(0)
		for {
			cfg, ok := it.Next()
			if !ok {
				break
			}
			configs = append(configs, cfg)
			if size > 0 && len(configs) >= size {
				break
			}
		}
		if err := it.Err(); err != nil {
			return nil, err
		}
		return configs, nil

	case ModeSampling:
		if size <= 0 {
			return nil, fmt.Errorf("sampling mode requires a positive size")
		}
		if method == MethodRandom || method == "" {
			return g.RandomSample(size, seed)
		}
		return g.SmartSample(size, method, seed)

	default:
		return nil, fmt.Errorf("unsupported generation mode: %s", mode)
	}
}

// splitSpecs separates range parameters (sampled in the unit cube) from
// fixed/choice parameters (drawn uniformly).
func (g *Generator) splitSpecs() (numeric []ParameterSpec, categorical []ParameterSpec) {
	for _, spec := range g.specs {
		if spec.Kind == KindRange {
			numeric = append(numeric, spec)
		} else {
			categorical = append(categorical, spec)
		}
	}
	return numeric, categorical
}

// snapToStep maps a unit-cube coordinate onto the spec's range and snaps
// it to the nearest step.
func snapToStep(spec ParameterSpec, u float64) interface{} {
	value := spec.MinValue + u*(spec.MaxValue-spec.MinValue)
	value = spec.MinValue + math.Round((value-spec.MinValue)/spec.Step)*spec.Step
	if value > spec.MaxValue {
		value = spec.MaxValue
	}
	if value < spec.MinValue {
		value = spec.MinValue
	}
	if spec.IntStep {
		return int(math.Round(value))
	}
	return value
}

// latinHypercubeSample stratifies range parameters with LHS and draws
// choice parameters uniformly.
func (g *Generator) latinHypercubeSample(n int, seed int64) ([]StrategyConfig, error) {
	numeric, categorical := g.splitSpecs()

	// A space with no range dimensions has nothing to stratify.
	if len(numeric) == 0 {
		return g.RandomSample(n, seed)
	}

	src := exprand.NewSource(uint64(seed))
	bounds := make([]r1.Interval, len(numeric))
	for i := range bounds {
		bounds[i] = r1.Interval{Min: 0, Max: 1}
	}

	sampler := samplemv.LatinHypercube{
		Q:   distmv.NewUniform(bounds, src),
		Src: src,
	}
	batch := mat.NewDense(n, len(numeric), nil)
	sampler.Sample(batch)

	rng := rand.New(rand.NewSource(seed))

	configs := make([]StrategyConfig, 0, n)
	for i := 0; i < n; i++ {
		params := make(map[string]interface{}, len(g.specs))
		for j, spec := range numeric {
			params[spec.Name] = snapToStep(spec, batch.At(i, j))
		}
		for _, spec := range categorical {
			values := g.Values(spec)
			params[spec.Name] = values[rng.Intn(len(values))]
		}

		cfg, err := newStrategyConfig(fmt.Sprintf("lhs_%06d", i+1), params)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, nil
}

// gridSample lays a coarse regular grid over the space.
// Each dimension gets max(2, floor(n^(1/d))) points, uniformly picked
// from its value list; the product is truncated to n configs.
func (g *Generator) gridSample(n int) ([]StrategyConfig, error) {
	numParams := len(g.specs)
	pointsPerParam := int(math.Pow(float64(n), 1/float64(numParams)))
	if pointsPerParam < 2 {
		pointsPerParam = 2
	}

	sampled := make([][]interface{}, numParams)
	for i, spec := range g.specs {
		values := g.Values(spec)
		if len(values) <= pointsPerParam {
			sampled[i] = values
			continue
		}
		// Uniform index selection across the value list
		picked := make([]interface{}, 0, pointsPerParam)
		for p := 0; p < pointsPerParam; p++ {
			idx := int(float64(p) * float64(len(values)-1) / float64(pointsPerParam-1))
			picked = append(picked, values[idx])
		}
		sampled[i] = picked
	}

	total := 1
	for _, values := range sampled {
		total *= len(values)
	}

	configs := make([]StrategyConfig, 0, n)
	for ordinal := 0; ordinal < total && len(configs) < n; ordinal++ {
		params := make(map[string]interface{}, numParams)
		remainder := ordinal
		for i := numParams - 1; i >= 0; i-- {
			size := len(sampled[i])
			params[g.specs[i].Name] = sampled[i][remainder%size]
			remainder /= size
		}

		cfg, err := newStrategyConfig(fmt.Sprintf("grid_%06d", len(configs)+1), params)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, nil
}

// sobolSample covers range parameters with a Sobol low-discrepancy
// sequence and draws choice parameters uniformly.
func (g *Generator) sobolSample(n int, seed int64) ([]StrategyConfig, error) {
	numeric, categorical := g.splitSpecs()

	if len(numeric) == 0 {
		return g.RandomSample(n, seed)
	}

	seq, err := newSobolSequence(len(numeric))
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))

	configs := make([]StrategyConfig, 0, n)
	for i := 0; i < n; i++ {
		point := seq.Next()

		params := make(map[string]interface{}, len(g.specs))
		for j, spec := range numeric {
			params[spec.Name] = snapToStep(spec, point[j])
		}
		for _, spec := range categorical {
			values := g.Values(spec)
			params[spec.Name] = values[rng.Intn(len(values))]
		}

		cfg, err := newStrategyConfig(fmt.Sprintf("sobol_%06d", i+1), params)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, nil
}
