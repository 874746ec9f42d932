package optimization_test

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/data"
	"github.com/atlas-desktop/trading-engine/internal/optimization"
	"github.com/atlas-desktop/trading-engine/internal/strategy"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

func setup() ([]types.Bar, types.BacktestConfig, *strategy.Registry) {
	bars := data.GenerateBars(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 24*time.Hour, 200, 100, 7)
	cfg := types.DefaultBacktestConfig()
	cfg.WarmupBars = 31
	cfg.WindowSize = 60
	return bars, cfg, strategy.NewRegistry(zap.NewNop())
}

func TestGridSearch(t *testing.T) {
	bars, cfg, registry := setup()
	opt := optimization.NewOptimizer(zap.NewNop(), optimization.DefaultOptimizerConfig(), registry)

	params := []optimization.Parameter{
		{Name: "fast", Type: optimization.ParamTypeDiscrete, Discrete: []float64{5, 20}},
		{Name: "slow", Type: optimization.ParamTypeInteger, Min: 10, Max: 30, Step: 20},
	}
	result, err := opt.Optimize(context.Background(), "sma_cross", params, bars, "BTC", cfg)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}

	// fast=20, slow=10 is refused by the factory
	if len(result.Results) != 3 || result.Invalid != 1 {
		t.Fatalf("results = %d, invalid = %d, want 3 and 1", len(result.Results), result.Invalid)
	}
	for i := 1; i < len(result.Results); i++ {
		if result.Results[i].Score > result.Results[i-1].Score {
			t.Errorf("results not ranked: %v > %v", result.Results[i].Score, result.Results[i-1].Score)
		}
	}
	if !reflect.DeepEqual(result.BestParams, result.Results[0].Params) || result.BestScore != result.Results[0].Score {
		t.Errorf("best = %v/%v, want first result", result.BestParams, result.BestScore)
	}
	for _, r := range result.Results {
		if r.Report.BarsProcessed != len(bars) {
			t.Errorf("candidate %v processed %d bars", r.Params, r.Report.BarsProcessed)
		}
	}
}

func TestRandomSearchIsSeeded(t *testing.T) {
	bars, cfg, registry := setup()
	config := optimization.DefaultOptimizerConfig()
	config.Method = optimization.MethodRandomSearch
	config.MaxIterations = 5
	config.TargetMetric = optimization.TargetReturn

	params := []optimization.Parameter{
		{Name: "period", Type: optimization.ParamTypeInteger, Min: 5, Max: 20},
		{Name: "oversold", Type: optimization.ParamTypeContinuous, Min: 20, Max: 35},
	}

	run := func() *optimization.OptimizationResult {
		r, err := optimization.NewOptimizer(zap.NewNop(), config, registry).
			Optimize(context.Background(), "rsi_reversion", params, bars, "BTC", cfg)
		if err != nil {
			t.Fatalf("Optimize: %v", err)
		}
		return r
	}
	a, b := run(), run()
	if len(a.Results)+a.Invalid != 5 {
		t.Errorf("candidates = %d, want 5", len(a.Results)+a.Invalid)
	}
	if !reflect.DeepEqual(a.BestParams, b.BestParams) || a.BestScore != b.BestScore {
		t.Errorf("same seed gave %v/%v and %v/%v", a.BestParams, a.BestScore, b.BestParams, b.BestScore)
	}
	if a.BestScore != a.Results[0].Report.TotalReturn {
		t.Errorf("score %v is not the total return %v", a.BestScore, a.Results[0].Report.TotalReturn)
	}
}

func TestOptimizeRejectsBadInput(t *testing.T) {
	bars, cfg, registry := setup()
	opt := optimization.NewOptimizer(nil, nil, registry)

	if _, err := opt.Optimize(context.Background(), "sma_cross", nil, bars, "BTC", cfg); err == nil {
		t.Error("expected error for empty parameter space")
	}
	params := []optimization.Parameter{{Name: "fast", Type: optimization.ParamTypeDiscrete, Discrete: []float64{5}}}
	if _, err := opt.Optimize(context.Background(), "martingale", params, bars, "BTC", cfg); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestFaultedCandidateRanksLast(t *testing.T) {
	bars, cfg, registry := setup()
	// fault=1 errors on every bar, fault=0 always holds; both end flat
	registry.Register("flaky", func(p map[string]float64) (strategy.Strategy, error) {
		faulty := p["fault"] == 1
		return strategy.Func{ID: "flaky", Fn: func([]types.Bar) (*types.Signal, error) {
			if faulty {
				return nil, errors.New("feed unavailable")
			}
			return nil, nil
		}}, nil
	})
	params := []optimization.Parameter{
		{Name: "fault", Type: optimization.ParamTypeDiscrete, Discrete: []float64{1, 0}},
	}

	for _, target := range []string{
		optimization.TargetFitness, optimization.TargetSharpe,
		optimization.TargetReturn, optimization.TargetCalmar,
	} {
		t.Run(target, func(t *testing.T) {
			config := optimization.DefaultOptimizerConfig()
			config.TargetMetric = target
			result, err := optimization.NewOptimizer(zap.NewNop(), config, registry).
				Optimize(context.Background(), "flaky", params, bars, "BTC", cfg)
			if err != nil {
				t.Fatalf("Optimize: %v", err)
			}
			if len(result.Results) != 2 {
				t.Fatalf("results = %d, want 2", len(result.Results))
			}
			if result.BestParams["fault"] != 0 {
				t.Errorf("best = %v, want the clean candidate", result.BestParams)
			}
			last := result.Results[1]
			if last.Report.StrategyFaults == 0 || !math.IsInf(last.Score, -1) {
				t.Errorf("faulted candidate scored %v with %d faults", last.Score, last.Report.StrategyFaults)
			}
		})
	}
}
