package backtester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/events"
	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/internal/ledger"
	"github.com/atlas-desktop/trading-engine/internal/risk"
	"github.com/atlas-desktop/trading-engine/internal/sizing"
	"github.com/atlas-desktop/trading-engine/internal/strategy"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// ErrNoBars is returned when a run is given no data.
var ErrNoBars = errors.New("no bars to replay")

type runOptions struct {
	logger *zap.Logger
	bus    *events.EventBus
}

// Option configures a backtest run
type Option func(*runOptions)

// WithLogger sets the run logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *runOptions) { o.logger = logger }
}

// WithEventBus publishes the run's order, fill, position, trade and
// equity events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(o *runOptions) { o.bus = bus }
}

// engine holds the state of one run. Nothing in it is shared with other
// runs, so concurrent runs never interfere.
type engine struct {
	logger    *zap.Logger
	bus       *events.EventBus
	config    types.BacktestConfig
	symbol    string
	strategy  strategy.Strategy
	clock     *execution.ManualClock
	portfolio *ledger.Portfolio
	orders    *execution.OrderManager
	assessor  *risk.Assessor
	sizer     *sizing.PositionSizer
	faults    int
}

// RunBacktest replays bars for one symbol through strat and returns the
// run's metrics. The result depends only on its inputs: the same strategy,
// bars and config always give an identical report.
func RunBacktest(
	ctx context.Context,
	strat strategy.Strategy,
	bars []types.Bar,
	symbol string,
	cfg types.BacktestConfig,
	opts ...Option,
) (types.MetricsReport, error) {
	if err := cfg.Validate(); err != nil {
		return types.MetricsReport{}, fmt.Errorf("invalid backtest config: %w", err)
	}
	if len(bars) == 0 {
		return types.MetricsReport{}, ErrNoBars
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return types.MetricsReport{}, fmt.Errorf("bar %d at %s is not after %s", i, bars[i].Timestamp, bars[i-1].Timestamp)
		}
	}

	e, err := newEngine(strat, symbol, cfg, bars[0].Timestamp, opts)
	if err != nil {
		return types.MetricsReport{}, err
	}

	e.logger.Info("Starting backtest",
		zap.String("strategy", strat.Name()),
		zap.String("symbol", symbol),
		zap.Int("bars", len(bars)),
		zap.Stringer("initialCapital", cfg.InitialCapital))
	start := time.Now()

	for i, bar := range bars {
		select {
		case <-ctx.Done():
			return types.MetricsReport{}, ctx.Err()
		default:
		}
		e.step(bars, i, bar)
	}

	calc := NewMetricsCalculator(cfg.AnnualizationFactor)
	report := calc.Calculate(e.portfolio.Trades(), e.portfolio.EquityCurve(), cfg.InitialCapital)
	report.Strategy = strat.Name()
	report.Symbol = symbol
	report.BarsProcessed = len(bars)
	report.OrdersRejected = e.orders.Stats().Rejected
	report.StrategyFaults = e.faults

	e.logger.Info("Backtest completed",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("trades", report.TotalTrades),
		zap.Float64("totalReturn", report.TotalReturn),
		zap.Int("faults", report.StrategyFaults))
	return report, nil
}

func newEngine(strat strategy.Strategy, symbol string, cfg types.BacktestConfig, t0 time.Time, opts []Option) (*engine, error) {
	o := runOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	logger := o.logger.Named("backtest").With(zap.String("strategy", strat.Name()), zap.String("symbol", symbol))

	slippage, err := execution.NewSlippageModel(cfg.Slippage)
	if err != nil {
		return nil, err
	}

	e := &engine{
		logger:    logger,
		bus:       o.bus,
		config:    cfg,
		symbol:    symbol,
		strategy:  strat,
		clock:     execution.NewManualClock(t0),
		portfolio: ledger.NewPortfolio(cfg.InitialCapital),
		assessor:  risk.NewAssessor(logger, cfg.Risk),
		sizer:     sizing.NewPositionSizer(logger, sizing.SizingConfigFrom(cfg)),
	}

	mcfg := execution.DefaultManagerConfig()
	mcfg.AllowShort = cfg.AllowShort
	e.orders = execution.NewOrderManager(logger, e.portfolio,
		execution.NewFillModel(slippage, cfg.CommissionRate),
		execution.WithClock(e.clock),
		execution.WithIDs(execution.NewSequentialIDs(strat.Name()+"/"+symbol)),
		execution.WithRiskGate(e.assessor),
		execution.WithConfig(mcfg))
	if e.bus != nil {
		e.bus.Forward(e.orders)
	}
	return e, nil
}

// step processes one bar as a unit: working orders, protective exits,
// the strategy's signal, then the equity point.
func (e *engine) step(bars []types.Bar, i int, bar types.Bar) {
	e.clock.Set(bar.Timestamp)
	e.orders.ProcessBar(e.symbol, bar)

	if pos, ok := e.portfolio.Position(e.symbol); ok {
		if exit, reason := e.assessor.ShouldClosePosition(pos, bar.Timestamp); exit {
			e.close(pos, reason)
		}
	}

	if i+1 >= e.config.WarmupBars {
		window := bars[max(0, i+1-e.config.WindowSize) : i+1]
		e.trade(window, bar)
	}

	if i == len(bars)-1 && e.config.CloseAtEnd {
		if pos, ok := e.portfolio.Position(e.symbol); ok {
			e.close(pos, "end of data")
		}
	}

	point := e.portfolio.RecordEquity(bar.Timestamp)
	if e.bus != nil {
		e.bus.Publish(e.bus.NewEquityEvent(point))
	}
}

// trade asks the strategy for a signal and sends the sized order, if any.
func (e *engine) trade(window []types.Bar, bar types.Bar) {
	signal, err := strategy.SafeAnalyze(e.strategy, window)
	if err != nil {
		e.faults++
		e.logger.Error("Strategy fault", zap.Time("bar", bar.Timestamp), zap.Error(err))
	}
	if !signal.IsActionable() {
		return
	}

	snap := e.portfolio.Snapshot()
	assessment := e.assessor.Assess(snap, map[string][]types.Bar{e.symbol: window}, e.portfolio.EquityCurve())
	pos, _ := snap.Position(e.symbol)

	size := e.sizer.CalculateSize(&sizing.SizingRequest{
		Symbol:         e.symbol,
		Signal:         signal,
		Price:          bar.Close,
		PortfolioValue: snap.TotalValue,
		Cash:           snap.Cash,
		Position:       pos.Size,
		Risk:           assessment.OverallRisk,
	})
	if size.IsZero() {
		return
	}

	if _, err := e.orders.Submit(types.Order{
		Symbol:   e.symbol,
		Side:     size.Side,
		Type:     types.OrderTypeMarket,
		Quantity: size.Quantity,
	}); err != nil {
		e.logger.Debug("Signal order rejected", zap.Time("bar", bar.Timestamp), zap.Error(err))
	}
}

// close flattens pos at market.
func (e *engine) close(pos types.Position, reason string) {
	side := types.OrderSideSell
	if pos.Direction() < 0 {
		side = types.OrderSideBuy
	}
	_, err := e.orders.Submit(types.Order{
		Symbol:     e.symbol,
		Side:       side,
		Type:       types.OrderTypeMarket,
		Quantity:   pos.Size.Abs(),
		ReduceOnly: true,
	})
	if err != nil {
		e.logger.Warn("Exit order rejected", zap.String("reason", reason), zap.Error(err))
		return
	}
	e.logger.Debug("Position closed", zap.String("reason", reason))
}
