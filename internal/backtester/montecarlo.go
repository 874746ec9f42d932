package backtester

import (
	"math"
	"math/rand"
	"sort"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// MonteCarloConfig configures trade-order resampling
type MonteCarloConfig struct {
	Iterations    int     `json:"iterations" yaml:"iterations"`
	Seed          int64   `json:"seed" yaml:"seed"`
	RuinThreshold float64 `json:"ruinThreshold" yaml:"ruin_threshold"` // Fraction of capital lost that counts as ruin
}

// DefaultMonteCarloConfig returns 1000 iterations with a fixed seed
func DefaultMonteCarloConfig() MonteCarloConfig {
	return MonteCarloConfig{Iterations: 1000, Seed: 1, RuinThreshold: 0.5}
}

// MonteCarloResult summarizes the resampled paths. Returns and drawdowns
// are percentages of initial capital.
type MonteCarloResult struct {
	Iterations      int     `json:"iterations" yaml:"iterations"`
	MedianReturn    float64 `json:"medianReturn" yaml:"median_return"`
	P5Return        float64 `json:"p5Return" yaml:"p5_return"`
	P95Return       float64 `json:"p95Return" yaml:"p95_return"`
	MaxDrawdownP95  float64 `json:"maxDrawdownP95" yaml:"max_drawdown_p95"`
	ProbabilityRuin float64 `json:"probabilityRuin" yaml:"probability_ruin"`
}

// MonteCarloSimulator reorders a run's trades to show how much of its
// result came from the sequence the trades happened to arrive in.
type MonteCarloSimulator struct {
	logger *zap.Logger
	config MonteCarloConfig
	rng    *rand.Rand
}

// NewMonteCarloSimulator creates a simulator. The same seed always
// produces the same result.
func NewMonteCarloSimulator(logger *zap.Logger, config MonteCarloConfig) *MonteCarloSimulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Iterations <= 0 {
		config.Iterations = 1000
	}
	if config.RuinThreshold <= 0 {
		config.RuinThreshold = 0.5
	}
	return &MonteCarloSimulator{
		logger: logger.Named("montecarlo"),
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Run shuffles the report's trades Iterations times and replays each order
// against the initial capital.
func (mc *MonteCarloSimulator) Run(report types.MetricsReport) MonteCarloResult {
	if len(report.Trades) == 0 || !report.InitialCapital.IsPositive() {
		return MonteCarloResult{}
	}

	capital := report.InitialCapital.InexactFloat64()
	pnls := make([]float64, len(report.Trades))
	for i, trade := range report.Trades {
		pnls[i] = trade.PnL.InexactFloat64() / capital
	}

	n := mc.config.Iterations
	returns := make([]float64, n)
	drawdowns := make([]float64, n)
	ruined := 0
	path := make([]float64, len(pnls))
	for i := 0; i < n; i++ {
		copy(path, pnls)
		mc.rng.Shuffle(len(path), func(a, b int) { path[a], path[b] = path[b], path[a] })

		ret, dd, ruin := mc.simulatePath(path)
		returns[i] = ret * 100
		drawdowns[i] = dd * 100
		if ruin {
			ruined++
		}
	}
	sort.Float64s(returns)
	sort.Float64s(drawdowns)

	result := MonteCarloResult{
		Iterations:      n,
		MedianReturn:    percentile(returns, 50),
		P5Return:        percentile(returns, 5),
		P95Return:       percentile(returns, 95),
		MaxDrawdownP95:  percentile(drawdowns, 95),
		ProbabilityRuin: float64(ruined) / float64(n),
	}

	mc.logger.Debug("Monte Carlo simulation complete",
		zap.Int("iterations", n),
		zap.Float64("medianReturn", result.MedianReturn),
		zap.Float64("p5Return", result.P5Return),
		zap.Float64("probabilityRuin", result.ProbabilityRuin))
	return result
}

// simulatePath returns total return, max drawdown, and ruin status
func (mc *MonteCarloSimulator) simulatePath(returns []float64) (float64, float64, bool) {
	equity := 1.0
	peak := equity
	maxDD := 0.0
	for _, r := range returns {
		equity += r
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
		if equity <= 1-mc.config.RuinThreshold {
			return equity - 1, maxDD, true
		}
	}
	return equity - 1, maxDD, false
}

// percentile interpolates the pth percentile of sorted values
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
