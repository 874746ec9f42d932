// Package live drives a paper trading session from a market data source.
// Each poll marks every symbol, works resting orders, applies the risk
// assessor's exit rules and, when a strategy is attached, trades its
// signals exactly the way a backtest does.
package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/data"
	"github.com/atlas-desktop/trading-engine/internal/events"
	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/internal/ledger"
	"github.com/atlas-desktop/trading-engine/internal/risk"
	"github.com/atlas-desktop/trading-engine/internal/sizing"
	"github.com/atlas-desktop/trading-engine/internal/strategy"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start on a running session.
var ErrAlreadyRunning = errors.New("session already running")

// Config configures a session
type Config struct {
	Symbols      []string      `json:"symbols"`
	PollInterval time.Duration `json:"pollInterval"`
	WarmupBars   int           `json:"warmupBars"`
	WindowSize   int           `json:"windowSize"`
}

// DefaultConfig returns a one-second poll with a 250 tick window.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		WarmupBars:   50,
		WindowSize:   250,
	}
}

// Stats counts what the session has done
type Stats struct {
	Polls          int64     `json:"polls"`
	MissingPrices  int64     `json:"missingPrices"`
	Signals        int64     `json:"signals"`
	OrdersSent     int64     `json:"ordersSent"`
	AutoExits      int64     `json:"autoExits"`
	StrategyFaults int64     `json:"strategyFaults"`
	LastPoll       time.Time `json:"lastPoll"`
}

// Option configures a session
type Option func(*Session)

// WithStrategy trades strat's signals, sized by sizer.
func WithStrategy(strat strategy.Strategy, sizer *sizing.PositionSizer) Option {
	return func(s *Session) {
		s.strategy = strat
		s.sizer = sizer
	}
}

// WithEventBus publishes equity and risk alert events on bus. Order
// events are forwarded when the manager is attached to the same bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(s *Session) { s.bus = bus }
}

// WithClock overrides the wall clock, for tests.
func WithClock(c execution.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// Session is a paper trading loop over one order manager
type Session struct {
	logger    *zap.Logger
	config    Config
	market    data.MarketData
	orders    *execution.OrderManager
	portfolio *ledger.Portfolio
	assessor  *risk.Assessor
	strategy  strategy.Strategy
	sizer     *sizing.PositionSizer
	bus       *events.EventBus
	clock     execution.Clock

	// step serializes polls so a manual Step never races the loop
	step sync.Mutex

	mu      sync.RWMutex
	history map[string][]types.Bar
	stats   Stats
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSession creates a session trading through orders.
func NewSession(
	logger *zap.Logger,
	config Config,
	market data.MarketData,
	orders *execution.OrderManager,
	assessor *risk.Assessor,
	opts ...Option,
) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.WarmupBars < 1 {
		config.WarmupBars = 1
	}
	if config.WindowSize < config.WarmupBars {
		config.WindowSize = config.WarmupBars
	}
	s := &Session{
		logger:    logger.Named("session"),
		config:    config,
		market:    market,
		orders:    orders,
		portfolio: orders.Portfolio(),
		assessor:  assessor,
		clock:     execution.SystemClock{},
		history:   make(map[string][]types.Bar),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Orders returns the order manager the session trades through
func (s *Session) Orders() *execution.OrderManager { return s.orders }

// Portfolio returns the session's ledger
func (s *Session) Portfolio() *ledger.Portfolio { return s.portfolio }

// Symbols returns the polled symbols
func (s *Session) Symbols() []string {
	return append([]string(nil), s.config.Symbols...)
}

// Start runs the poll loop in the background until ctx ends or Stop is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.logger.Info("Starting paper session",
		zap.Strings("symbols", s.config.Symbols),
		zap.Duration("pollInterval", s.config.PollInterval),
		zap.Bool("strategy", s.strategy != nil))

	go func() {
		defer close(doneCh)
		s.loop(ctx, stopCh)
	}()
	return nil
}

// Stop ends the loop and waits for the poll in flight to finish.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	s.logger.Info("Paper session stopped", zap.Int64("polls", s.Stats().Polls))
}

// Run polls until ctx is cancelled. It blocks.
func (s *Session) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Session) loop(ctx context.Context, stopCh <-chan struct{}) {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step runs one poll: every symbol is priced, working orders are evaluated,
// exits and signals are acted on, and one equity point is recorded.
func (s *Session) Step() types.EquityPoint {
	s.step.Lock()
	defer s.step.Unlock()

	now := s.clock.Now()
	for _, symbol := range s.config.Symbols {
		price, ok := s.market.CurrentPrice(symbol)
		if !ok {
			s.count(func(st *Stats) { st.MissingPrices++ })
			continue
		}

		s.orders.ProcessTick(symbol, price, now)
		window := s.record(symbol, types.PriceBar(price, now))

		if pos, ok := s.portfolio.Position(symbol); ok {
			if exit, reason := s.assessor.ShouldClosePosition(pos, now); exit {
				s.exit(pos, reason, now)
			}
		}
		if s.strategy != nil && len(window) >= s.config.WarmupBars {
			s.trade(symbol, window)
		}
	}

	point := s.portfolio.RecordEquity(now)
	if s.bus != nil {
		s.bus.Publish(s.bus.NewEquityEvent(point))
	}
	s.count(func(st *Stats) {
		st.Polls++
		st.LastPoll = now
	})
	return point
}

// record appends a tick bar and returns the trailing window
func (s *Session) record(symbol string, bar types.Bar) []types.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.history[symbol], bar)
	if len(h) > s.config.WindowSize {
		h = h[len(h)-s.config.WindowSize:]
	}
	s.history[symbol] = h
	return append([]types.Bar(nil), h...)
}

// History returns the ticks retained for symbol
func (s *Session) History(symbol string) []types.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Bar(nil), s.history[symbol]...)
}

func (s *Session) trade(symbol string, window []types.Bar) {
	signal, err := strategy.SafeAnalyze(s.strategy, window)
	if err != nil {
		s.count(func(st *Stats) { st.StrategyFaults++ })
		s.logger.Error("Strategy fault", zap.String("symbol", symbol), zap.Error(err))
	}
	if !signal.IsActionable() {
		return
	}
	s.count(func(st *Stats) { st.Signals++ })

	assessment := s.Assess()
	snap := s.portfolio.Snapshot()
	pos, _ := snap.Position(symbol)

	size := s.sizer.CalculateSize(&sizing.SizingRequest{
		Symbol:         symbol,
		Signal:         signal,
		Price:          window[len(window)-1].Close,
		PortfolioValue: snap.TotalValue,
		Cash:           snap.Cash,
		Position:       pos.Size,
		Risk:           assessment.OverallRisk,
	})
	if size.IsZero() {
		return
	}

	order, err := s.orders.Submit(types.Order{
		Symbol:   symbol,
		Side:     size.Side,
		Type:     types.OrderTypeMarket,
		Quantity: size.Quantity,
	})
	if err != nil {
		s.logger.Warn("Signal order rejected", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	s.count(func(st *Stats) { st.OrdersSent++ })
	s.logger.Info("Signal order sent",
		zap.String("orderId", order.ID),
		zap.String("symbol", symbol),
		zap.String("side", string(size.Side)),
		zap.Stringer("quantity", size.Quantity))
}

func (s *Session) exit(pos types.Position, reason string, now time.Time) {
	side := types.OrderSideSell
	if pos.Direction() < 0 {
		side = types.OrderSideBuy
	}
	_, err := s.orders.Submit(types.Order{
		Symbol:     pos.Symbol,
		Side:       side,
		Type:       types.OrderTypeMarket,
		Quantity:   pos.Size.Abs(),
		ReduceOnly: true,
	})
	if err != nil {
		s.logger.Warn("Exit order rejected", zap.String("symbol", pos.Symbol), zap.String("reason", reason), zap.Error(err))
		return
	}

	s.count(func(st *Stats) { st.AutoExits++ })
	s.logger.Info("Position closed by risk rule", zap.String("symbol", pos.Symbol), zap.String("reason", reason))
	if s.bus != nil {
		s.bus.Publish(s.bus.NewRiskAlertEvent(pos.Symbol, types.RiskLevelHigh, fmt.Sprintf("position closed: %s", reason), now))
	}
}

// Assess scores the current portfolio against the retained tick history.
func (s *Session) Assess() types.RiskAssessment {
	s.mu.RLock()
	history := make(map[string][]types.Bar, len(s.history))
	for symbol, h := range s.history {
		history[symbol] = h
	}
	s.mu.RUnlock()
	return s.assessor.Assess(s.portfolio.Snapshot(), history, s.portfolio.EquityCurve())
}

// Stats returns a copy of the session counters
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// IsRunning reports whether the poll loop is active
func (s *Session) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Session) count(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}
