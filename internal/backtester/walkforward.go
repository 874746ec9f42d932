package backtester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/strategy"
	"github.com/atlas-desktop/trading-engine/pkg/types"
)

// WalkForwardConfig configures rolling windows over a bar series
type WalkForwardConfig struct {
	WindowBars int `json:"windowBars" yaml:"window_bars"`
	StepBars   int `json:"stepBars" yaml:"step_bars"`
	Workers    int `json:"workers" yaml:"workers"`
}

// WalkForwardWindow is the result of one window
type WalkForwardWindow struct {
	Start   time.Time           `json:"start" yaml:"start"`
	End     time.Time           `json:"end" yaml:"end"`
	Metrics types.MetricsReport `json:"metrics" yaml:"metrics"`
}

// WalkForwardResult aggregates the windows
type WalkForwardResult struct {
	Windows    []WalkForwardWindow `json:"windows" yaml:"windows"`
	AvgReturn  float64             `json:"avgReturn" yaml:"avg_return"`
	AvgSharpe  float64             `json:"avgSharpe" yaml:"avg_sharpe"`
	Robustness float64             `json:"robustness" yaml:"robustness"` // Share of windows that made money
}

// WalkForward runs the strategy over consecutive, possibly overlapping
// windows of bars in parallel. newStrategy is called once per window so no
// two runs share strategy state.
func WalkForward(
	ctx context.Context,
	newStrategy func() (strategy.Strategy, error),
	bars []types.Bar,
	symbol string,
	cfg types.BacktestConfig,
	wf WalkForwardConfig,
	opts ...Option,
) (WalkForwardResult, error) {
	if wf.WindowBars <= cfg.WarmupBars {
		return WalkForwardResult{}, fmt.Errorf("window of %d bars leaves nothing after %d warmup bars", wf.WindowBars, cfg.WarmupBars)
	}
	if wf.StepBars <= 0 {
		wf.StepBars = wf.WindowBars
	}

	var jobs []Job
	for start := 0; start+wf.WindowBars <= len(bars); start += wf.StepBars {
		s, err := newStrategy()
		if err != nil {
			return WalkForwardResult{}, fmt.Errorf("failed to create strategy: %w", err)
		}
		jobs = append(jobs, Job{
			Strategy: s,
			Bars:     bars[start : start+wf.WindowBars],
			Symbol:   symbol,
			Config:   cfg,
		})
	}
	if len(jobs) == 0 {
		return WalkForwardResult{}, fmt.Errorf("no windows: %d bars shorter than window of %d", len(bars), wf.WindowBars)
	}

	reports, errs := RunBatch(ctx, jobs, wf.Workers, opts...)
	if err := errors.Join(errs...); err != nil {
		return WalkForwardResult{}, err
	}

	result := WalkForwardResult{Windows: make([]WalkForwardWindow, len(jobs))}
	profitable := 0
	for i, job := range jobs {
		result.Windows[i] = WalkForwardWindow{
			Start:   job.Bars[0].Timestamp,
			End:     job.Bars[len(job.Bars)-1].Timestamp,
			Metrics: reports[i],
		}
		result.AvgReturn += reports[i].TotalReturn
		result.AvgSharpe += reports[i].SharpeRatio
		if reports[i].TotalReturn > 0 {
			profitable++
		}
	}
	n := float64(len(jobs))
	result.AvgReturn /= n
	result.AvgSharpe /= n
	result.Robustness = float64(profitable) / n
	return result, nil
}
