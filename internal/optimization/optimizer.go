// Package optimization searches strategy parameters by backtesting every
// candidate and ranking the reports.
package optimization

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/backtester"
	"github.com/atlas-desktop/trading-engine/internal/strategy"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// OptimizationMethod represents the search algorithm
type OptimizationMethod string

const (
	MethodGridSearch   OptimizationMethod = "grid"
	MethodRandomSearch OptimizationMethod = "random"
)

// Target metrics
const (
	TargetFitness = "fitness"
	TargetSharpe  = "sharpe"
	TargetReturn  = "return"
	TargetCalmar  = "calmar"
)

// OptimizerConfig configures the optimizer
type OptimizerConfig struct {
	Method          OptimizationMethod
	TargetMetric    string
	MaxIterations   int // Candidates drawn by random search
	GridResolution  int // Steps per continuous parameter
	ParallelWorkers int
	Timeout         time.Duration
	Seed            int64
}

// DefaultOptimizerConfig returns a grid search ranked by Fitness
func DefaultOptimizerConfig() *OptimizerConfig {
	return &OptimizerConfig{
		Method:          MethodGridSearch,
		TargetMetric:    TargetFitness,
		MaxIterations:   100,
		GridResolution:  10,
		ParallelWorkers: 8,
		Timeout:         10 * time.Minute,
		Seed:            1,
	}
}

// ParamType represents parameter type
type ParamType string

const (
	ParamTypeContinuous ParamType = "continuous"
	ParamTypeInteger    ParamType = "integer"
	ParamTypeDiscrete   ParamType = "discrete"
)

// Parameter is one dimension of the search space
type Parameter struct {
	Name     string    `json:"name"`
	Type     ParamType `json:"type"`
	Min      float64   `json:"min"`
	Max      float64   `json:"max"`
	Step     float64   `json:"step,omitempty"`
	Discrete []float64 `json:"discrete,omitempty"`
}

// ParamSet represents a set of parameter values
type ParamSet map[string]float64

// EvaluationResult is one backtested candidate
type EvaluationResult struct {
	Params ParamSet            `json:"params"`
	Score  float64             `json:"score"`
	Report types.MetricsReport `json:"report"`
}

// OptimizationResult ranks every candidate that ran, best first
type OptimizationResult struct {
	Strategy   string             `json:"strategy"`
	Method     OptimizationMethod `json:"method"`
	BestParams ParamSet           `json:"bestParams"`
	BestScore  float64            `json:"bestScore"`
	Results    []EvaluationResult `json:"results"`
	Invalid    int                `json:"invalid"` // Candidates the factory or engine refused
	Duration   time.Duration      `json:"duration"`
}

// Optimizer performs strategy parameter optimization
type Optimizer struct {
	logger   *zap.Logger
	config   *OptimizerConfig
	registry *strategy.Registry
}

// NewOptimizer creates a new optimizer over the strategies in registry
func NewOptimizer(logger *zap.Logger, config *OptimizerConfig, registry *strategy.Registry) *Optimizer {
	if config == nil {
		config = DefaultOptimizerConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		logger:   logger.Named("optimizer"),
		config:   config,
		registry: registry,
	}
}

// Optimize backtests candidates for the named strategy over bars. Every
// candidate gets a fresh strategy and an isolated engine.
func (o *Optimizer) Optimize(
	ctx context.Context,
	name string,
	params []Parameter,
	bars []types.Bar,
	symbol string,
	cfg types.BacktestConfig,
) (*OptimizationResult, error) {
	start := time.Now()
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters to optimize")
	}
	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	var candidates []ParamSet
	switch o.config.Method {
	case MethodGridSearch:
		candidates = o.gridCombinations(params)
	case MethodRandomSearch:
		candidates = o.randomCombinations(params)
	default:
		return nil, fmt.Errorf("unknown optimization method %q", o.config.Method)
	}

	result := &OptimizationResult{Strategy: name, Method: o.config.Method}
	var jobs []backtester.Job
	var jobParams []ParamSet
	for _, p := range candidates {
		s, err := o.registry.Create(name, p)
		if err != nil {
			result.Invalid++
			continue
		}
		jobs = append(jobs, backtester.Job{Strategy: s, Bars: bars, Symbol: symbol, Config: cfg})
		jobParams = append(jobParams, p)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no valid parameter combinations for %s", name)
	}

	o.logger.Info("Starting optimization",
		zap.String("strategy", name),
		zap.String("method", string(o.config.Method)),
		zap.Int("candidates", len(jobs)),
		zap.Int("invalid", result.Invalid))

	reports, errs := backtester.RunBatch(ctx, jobs, o.config.ParallelWorkers, backtester.WithLogger(o.logger))
	for i, report := range reports {
		if errs[i] != nil {
			result.Invalid++
			continue
		}
		result.Results = append(result.Results, EvaluationResult{
			Params: jobParams[i],
			Score:  o.score(report),
			Report: report,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(result.Results) == 0 {
		return nil, fmt.Errorf("every candidate failed: %w", errs[0])
	}

	sort.SliceStable(result.Results, func(i, j int) bool {
		return result.Results[i].Score > result.Results[j].Score
	})
	result.BestParams = result.Results[0].Params
	result.BestScore = result.Results[0].Score
	result.Duration = time.Since(start)

	o.logger.Info("Optimization complete",
		zap.Any("bestParams", result.BestParams),
		zap.Float64("bestScore", result.BestScore),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// score ranks a report under the target metric. A run whose strategy
// faulted ranks below every clean run whatever the target.
func (o *Optimizer) score(r types.MetricsReport) float64 {
	if r.StrategyFaults > 0 {
		return math.Inf(-1)
	}
	var v float64
	switch o.config.TargetMetric {
	case TargetSharpe:
		v = r.SharpeRatio
	case TargetReturn:
		v = r.TotalReturn
	case TargetCalmar:
		v = r.CalmarRatio
	default:
		v = backtester.Fitness(r)
	}
	if math.IsNaN(v) {
		return math.Inf(-1)
	}
	return v
}

// values lists the grid points of one parameter
func (o *Optimizer) values(p Parameter) []float64 {
	switch p.Type {
	case ParamTypeDiscrete:
		return p.Discrete
	case ParamTypeInteger:
		step := p.Step
		if step <= 0 {
			step = 1
		}
		var out []float64
		for v := p.Min; v <= p.Max; v += step {
			out = append(out, math.Round(v))
		}
		return out
	default:
		n := o.config.GridResolution
		if n < 1 {
			n = 1
		}
		out := make([]float64, 0, n+1)
		for i := 0; i <= n; i++ {
			out = append(out, p.Min+(p.Max-p.Min)*float64(i)/float64(n))
		}
		return out
	}
}

// gridCombinations is the cartesian product of every parameter's values
func (o *Optimizer) gridCombinations(params []Parameter) []ParamSet {
	combos := []ParamSet{{}}
	for _, p := range params {
		var next []ParamSet
		for _, base := range combos {
			for _, v := range o.values(p) {
				c := make(ParamSet, len(base)+1)
				for k, bv := range base {
					c[k] = bv
				}
				c[p.Name] = v
				next = append(next, c)
			}
		}
		combos = next
	}
	return combos
}

// randomCombinations draws MaxIterations seeded candidates
func (o *Optimizer) randomCombinations(params []Parameter) []ParamSet {
	rng := rand.New(rand.NewSource(o.config.Seed))
	combos := make([]ParamSet, 0, o.config.MaxIterations)
	for i := 0; i < o.config.MaxIterations; i++ {
		c := make(ParamSet, len(params))
		for _, p := range params {
			switch p.Type {
			case ParamTypeDiscrete:
				if len(p.Discrete) > 0 {
					c[p.Name] = p.Discrete[rng.Intn(len(p.Discrete))]
				}
			case ParamTypeInteger:
				c[p.Name] = math.Round(p.Min + rng.Float64()*(p.Max-p.Min))
			default:
				c[p.Name] = p.Min + rng.Float64()*(p.Max-p.Min)
			}
		}
		combos = append(combos, c)
	}
	return combos
}
