package execution

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/ledger"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskGate approves orders that add exposure.
type RiskGate interface {
	ShouldOpenPosition(snap types.PortfolioSnapshot, symbol string, side types.OrderSide, notional decimal.Decimal) types.RiskDecision
}

// ManagerConfig configures the order manager
type ManagerConfig struct {
	AllowShort     bool
	BracketTimeout time.Duration
	HistoryLimit   int
}

// DefaultManagerConfig returns the defaults
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BracketTimeout: 60 * time.Second,
		HistoryLimit:   100,
	}
}

// OrderStats summarizes order activity
type OrderStats struct {
	Submitted        int   `json:"submitted"`
	Filled           int   `json:"filled"`
	Cancelled        int   `json:"cancelled"`
	Rejected         int   `json:"rejected"`
	Expired          int   `json:"expired"`
	Fills            int   `json:"fills"`
	ObserverFailures int64 `json:"observerFailures"`
}

// Option configures an OrderManager
type Option func(*OrderManager)

// WithClock sets the clock used for order timestamps.
func WithClock(c Clock) Option {
	return func(m *OrderManager) { m.clock = c }
}

// WithIDs sets the identifier generator.
func WithIDs(ids IDGenerator) Option {
	return func(m *OrderManager) { m.ids = ids }
}

// WithRiskGate sets the pre-trade risk check.
func WithRiskGate(g RiskGate) Option {
	return func(m *OrderManager) { m.gate = g }
}

// WithConfig overrides the manager config.
func WithConfig(cfg ManagerConfig) Option {
	return func(m *OrderManager) { m.config = cfg }
}

// managedOrder wraps an order with management state.
type managedOrder struct {
	order       types.Order
	seq         uint64
	evaluatedAt time.Time
	siblingID   string
	done        chan struct{}
}

// OrderManager manages order lifecycle on top of a ledger. All mutations
// are serialized behind mu; observers run after the lock is released.
type OrderManager struct {
	logger    *zap.Logger
	portfolio *ledger.Portfolio
	fills     *FillModel
	gate      RiskGate
	clock     Clock
	ids       IDGenerator
	config    ManagerConfig

	mu     sync.RWMutex
	orders map[string]*managedOrder
	seq    uint64
	bars   map[string]types.Bar
	stats  OrderStats

	obsMu             sync.RWMutex
	orderObservers    []func(types.Order) error
	fillObservers     []func(types.Fill) error
	positionObservers []func(types.Position) error
	tradeObservers    []func(types.Trade) error
	observerFailures  atomic.Int64
}

// NewOrderManager creates a new order manager.
func NewOrderManager(logger *zap.Logger, portfolio *ledger.Portfolio, fills *FillModel, opts ...Option) *OrderManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &OrderManager{
		logger:    logger.Named("order-manager"),
		portfolio: portfolio,
		fills:     fills,
		clock:     SystemClock{},
		ids:       RandomIDs{},
		config:    DefaultManagerConfig(),
		orders:    make(map[string]*managedOrder),
		bars:      make(map[string]types.Bar),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.config.HistoryLimit <= 0 {
		m.config.HistoryLimit = 100
	}
	if m.config.BracketTimeout <= 0 {
		m.config.BracketTimeout = 60 * time.Second
	}
	return m
}

// Portfolio returns the ledger the manager books fills into
func (m *OrderManager) Portfolio() *ledger.Portfolio {
	return m.portfolio
}

// Submit validates an order and, when it passes, makes it working.
// Rejected orders are recorded with a reason and leave the ledger untouched.
// Market orders execute at once against the latest bar seen for the symbol.
func (m *OrderManager) Submit(order types.Order) (types.Order, error) {
	out := m.newOutbox()
	m.mu.Lock()
	placed, err := m.submitLocked(order, out)
	m.mu.Unlock()
	out.flush()
	return placed, err
}

func (m *OrderManager) submitLocked(order types.Order, out *outbox) (types.Order, error) {
	now := m.clock.Now()
	if order.ID == "" {
		order.ID = m.ids.NewID()
	} else if _, exists := m.orders[order.ID]; exists {
		return order, &ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate order id %s", order.ID)}
	}
	if order.TimeInForce == "" {
		order.TimeInForce = types.TimeInForceGTC
	}
	order.Status = types.OrderStatusPending
	order.FilledQty = decimal.Zero
	order.AvgFillPrice = decimal.Zero
	order.Commission = decimal.Zero
	order.Reason = ""
	order.CreatedAt = now
	order.UpdatedAt = now
	order.SubmittedAt = nil
	order.FilledAt = nil

	m.seq++
	mo := &managedOrder{order: order, seq: m.seq, done: make(chan struct{})}
	m.orders[order.ID] = mo

	if err := m.validate(&mo.order); err != nil {
		m.reject(mo, err, out)
		return mo.order.Clone(), err
	}

	m.transition(mo, types.OrderStatusSubmitted)
	mo.order.SubmittedAt = &now
	m.stats.Submitted++
	out.order(mo.order.Clone())

	m.logger.Info("Order submitted",
		zap.String("orderId", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("type", string(order.Type)),
		zap.String("quantity", order.Quantity.String()))

	if order.Type == types.OrderTypeMarket {
		if bar, ok := m.bars[order.Symbol]; ok {
			m.evaluate(mo, bar, out)
		}
	}
	return mo.order.Clone(), nil
}

// validate must hold lock
func (m *OrderManager) validate(o *types.Order) error {
	if o.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "required"}
	}
	if !o.Side.Valid() {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", o.Side)}
	}
	if !o.Type.Valid() {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown order type %q", o.Type)}
	}
	if !o.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: fmt.Sprintf("must be positive, got %s", o.Quantity)}
	}
	switch o.Type {
	case types.OrderTypeLimit:
		if !o.Price.IsPositive() {
			return &ValidationError{Field: "price", Reason: "limit order requires a limit price"}
		}
	case types.OrderTypeStop:
		if !o.StopPrice.IsPositive() {
			return &ValidationError{Field: "stop_price", Reason: "stop order requires a stop price"}
		}
	case types.OrderTypeStopLimit:
		if !o.Price.IsPositive() {
			return &ValidationError{Field: "price", Reason: "stop-limit order requires a limit price"}
		}
		if !o.StopPrice.IsPositive() {
			return &ValidationError{Field: "stop_price", Reason: "stop-limit order requires a stop price"}
		}
	case types.OrderTypeTrailingStop:
		if !o.TrailPercent.IsPositive() || !o.TrailPercent.LessThan(one) {
			return &ValidationError{Field: "trail_percent", Reason: "trailing stop requires a trail percent in (0, 1)"}
		}
	}
	switch o.TimeInForce {
	case types.TimeInForceGTC, types.TimeInForceIOC, types.TimeInForceFOK, types.TimeInForceDay:
	default:
		return &ValidationError{Field: "time_in_force", Reason: fmt.Sprintf("unknown time in force %q", o.TimeInForce)}
	}

	pos, _ := m.portfolio.Position(o.Symbol)
	if o.ReduceOnly {
		if pos.Size.IsZero() || pos.Direction() == o.Side.Sign() {
			return &ValidationError{Field: "reduce_only", Reason: "no opposite position to reduce"}
		}
		return nil
	}

	ref := m.referencePrice(o)
	if o.Side == types.OrderSideBuy {
		if ref.IsPositive() {
			need := o.Quantity.Mul(ref).Mul(one.Add(m.fills.CommissionRate()))
			if have := m.portfolio.Cash(); need.GreaterThan(have) {
				return &InsufficientResourceError{Resource: "buying power", Need: need, Have: have}
			}
		}
	} else if !m.config.AllowShort {
		held := decimal.Max(pos.Size, decimal.Zero)
		if o.Quantity.GreaterThan(held) {
			return &InsufficientResourceError{Resource: "position", Need: o.Quantity, Have: held}
		}
	}

	if m.gate != nil && ref.IsPositive() && addsExposure(o, pos) {
		decision := m.gate.ShouldOpenPosition(m.portfolio.Snapshot(), o.Symbol, o.Side, o.Quantity.Mul(ref))
		if !decision.Allowed {
			return &RiskRejection{Limit: decision.Limit, Reason: decision.Reason}
		}
	}
	return nil
}

// addsExposure reports whether the order opens, grows or flips a position.
func addsExposure(o *types.Order, pos types.Position) bool {
	if pos.Direction() != -o.Side.Sign() {
		return true
	}
	return o.Quantity.GreaterThan(pos.Size.Abs())
}

// referencePrice is the price an order is expected to trade at (must hold lock)
func (m *OrderManager) referencePrice(o *types.Order) decimal.Decimal {
	switch o.Type {
	case types.OrderTypeLimit, types.OrderTypeStopLimit:
		return o.Price
	case types.OrderTypeStop:
		return o.StopPrice
	}
	if bar, ok := m.bars[o.Symbol]; ok {
		return bar.Close
	}
	price, _ := m.portfolio.LastPrice(o.Symbol)
	return price
}

// ProcessBar marks the symbol at the bar's close and evaluates working
// orders against the bar in submission order.
func (m *OrderManager) ProcessBar(symbol string, bar types.Bar) {
	out := m.newOutbox()
	m.mu.Lock()
	m.portfolio.Mark(symbol, bar.Close, bar.Timestamp)
	m.bars[symbol] = bar
	for _, mo := range m.workingLocked(symbol) {
		m.evaluate(mo, bar, out)
	}
	m.mu.Unlock()
	out.flush()
}

// ProcessTick evaluates working orders against a single traded price.
func (m *OrderManager) ProcessTick(symbol string, price decimal.Decimal, ts time.Time) {
	m.ProcessBar(symbol, types.PriceBar(price, ts))
}

// evaluate must hold lock
func (m *OrderManager) evaluate(mo *managedOrder, bar types.Bar, out *outbox) {
	o := &mo.order
	if !o.Status.IsOpen() {
		return
	}
	// A resting order never trades against the bar it arrived in.
	if o.Type != types.OrderTypeMarket && !bar.Timestamp.After(*o.SubmittedAt) {
		return
	}
	if !mo.evaluatedAt.IsZero() && !bar.Timestamp.After(mo.evaluatedAt) {
		return
	}
	mo.evaluatedAt = bar.Timestamp

	if o.TimeInForce == types.TimeInForceDay && utcDay(bar.Timestamp).After(utcDay(*o.SubmittedAt)) {
		m.expire(mo, "day order not filled before session end", out)
		return
	}

	fill, ok := m.fills.Evaluate(o, bar)
	if !ok {
		m.fills.Trail(o, bar)
		if o.TimeInForce == types.TimeInForceIOC || o.TimeInForce == types.TimeInForceFOK {
			m.expire(mo, "not immediately fillable", out)
		}
		return
	}
	if !fill.Price.IsPositive() {
		m.reject(mo, &ValidationError{Field: "price", Reason: fmt.Sprintf("fill price %s not positive", fill.Price)}, out)
		return
	}

	pos, _ := m.portfolio.Position(o.Symbol)
	clipped := false
	if o.ReduceOnly {
		if pos.Size.IsZero() || pos.Direction() == o.Side.Sign() {
			m.cancel(mo, "reduce-only order has no position left to reduce", out)
			return
		}
		if held := pos.Size.Abs(); fill.Quantity.GreaterThan(held) {
			fill.Slippage = fill.Slippage.Mul(held).Div(fill.Quantity)
			fill.Quantity = held
			fill.Commission = m.fills.Commission(held, fill.Price)
			clipped = true
		}
	} else if err := m.checkFillResources(o, fill, pos); err != nil {
		m.reject(mo, err, out)
		return
	}

	fill.ID = m.ids.NewID()
	ApplyFill(o, fill)
	res, err := m.portfolio.ApplyFill(fill)
	if err != nil {
		panic(fmt.Sprintf("execution: ledger refused fill %s for order %s: %v", fill.ID, o.ID, err))
	}
	m.stats.Fills++

	m.logger.Info("Order filled",
		zap.String("orderId", o.ID),
		zap.String("symbol", o.Symbol),
		zap.String("side", string(o.Side)),
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.String()),
		zap.String("commission", fill.Commission.String()))

	out.fill(fill)
	out.order(o.Clone())
	out.position(res.Position)
	if res.Trade != nil {
		out.trade(*res.Trade)
	}

	if o.Status == types.OrderStatusFilled {
		m.stats.Filled++
		m.finish(mo)
		if sibling, ok := m.orders[mo.siblingID]; ok && !sibling.order.Status.IsTerminal() {
			m.cancel(sibling, fmt.Sprintf("one-cancels-other: %s filled", o.ID), out)
		}
		return
	}
	if clipped {
		m.cancel(mo, "reduce-only remainder exceeds position", out)
	}
}

// checkFillResources re-checks cash and holdings at execution (must hold lock)
func (m *OrderManager) checkFillResources(o *types.Order, fill types.Fill, pos types.Position) error {
	if o.Side == types.OrderSideBuy {
		need := fill.Quantity.Mul(fill.Price).Add(fill.Commission)
		if have := m.portfolio.Cash(); need.GreaterThan(have) {
			return &InsufficientResourceError{Resource: "buying power", Need: need, Have: have}
		}
		return nil
	}
	if !m.config.AllowShort {
		held := decimal.Max(pos.Size, decimal.Zero)
		if fill.Quantity.GreaterThan(held) {
			return &InsufficientResourceError{Resource: "position", Need: fill.Quantity, Have: held}
		}
	}
	return nil
}

// Cancel stops an order from filling further. Prior fills stand.
// Cancelling a terminal order is a no-op that returns ErrOrderTerminal.
func (m *OrderManager) Cancel(orderID string) error {
	out := m.newOutbox()
	m.mu.Lock()
	mo, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if mo.order.Status.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrOrderTerminal, orderID, mo.order.Status)
	}
	m.cancel(mo, "cancelled by request", out)
	m.mu.Unlock()
	out.flush()
	return nil
}

// Modify atomically cancels an order and submits a replacement carrying the
// new quantity and/or price. The replacement's ParentOrderID is the old id.
// If the old order cannot be cancelled, or the replacement fails validation,
// nothing changes.
func (m *OrderManager) Modify(orderID string, newQty, newPrice *decimal.Decimal) (types.Order, error) {
	out := m.newOutbox()
	m.mu.Lock()

	mo, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return types.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if mo.order.Status.IsTerminal() {
		m.mu.Unlock()
		return mo.order.Clone(), fmt.Errorf("%w: %s is %s", ErrOrderTerminal, orderID, mo.order.Status)
	}

	replacement := types.Order{
		Symbol:        mo.order.Symbol,
		Side:          mo.order.Side,
		Type:          mo.order.Type,
		Quantity:      mo.order.Remaining(),
		Price:         mo.order.Price,
		StopPrice:     mo.order.StopPrice,
		TrailPercent:  mo.order.TrailPercent,
		TimeInForce:   mo.order.TimeInForce,
		ReduceOnly:    mo.order.ReduceOnly,
		Tag:           mo.order.Tag,
		ParentOrderID: mo.order.ID,
	}
	if newQty != nil {
		replacement.Quantity = *newQty
	}
	if newPrice != nil {
		switch replacement.Type {
		case types.OrderTypeLimit, types.OrderTypeStopLimit:
			replacement.Price = *newPrice
		case types.OrderTypeStop, types.OrderTypeTrailingStop:
			replacement.StopPrice = *newPrice
		default:
			m.mu.Unlock()
			return mo.order.Clone(), &ValidationError{Field: "price", Reason: "market orders have no price to modify"}
		}
	}

	// A replacement that would be rejected leaves the original working
	if err := m.validate(&replacement); err != nil {
		m.mu.Unlock()
		m.logger.Warn("Modify refused", zap.String("orderId", orderID), zap.Error(err))
		return mo.order.Clone(), err
	}

	m.cancel(mo, "replaced", out)
	placed, err := m.submitLocked(replacement, out)
	if err == nil && mo.siblingID != "" {
		if sibling, ok := m.orders[mo.siblingID]; ok && !sibling.order.Status.IsTerminal() {
			m.orders[placed.ID].siblingID = sibling.order.ID
			sibling.siblingID = placed.ID
		}
	}
	m.mu.Unlock()
	out.flush()
	return placed, err
}

// transition moves an order forward (must hold lock)
func (m *OrderManager) transition(mo *managedOrder, next types.OrderStatus) {
	if !mo.order.Status.CanTransition(next) {
		panic(fmt.Sprintf("execution: illegal transition %s -> %s for order %s", mo.order.Status, next, mo.order.ID))
	}
	mo.order.Status = next
	mo.order.UpdatedAt = m.clock.Now()
	if next.IsTerminal() {
		m.finish(mo)
	}
}

// finish wakes bracket waiters (must hold lock)
func (m *OrderManager) finish(mo *managedOrder) {
	if mo.done != nil {
		close(mo.done)
		mo.done = nil
	}
}

// cancel must hold lock
func (m *OrderManager) cancel(mo *managedOrder, reason string, out *outbox) {
	m.transition(mo, types.OrderStatusCancelled)
	mo.order.Reason = reason
	m.stats.Cancelled++
	out.order(mo.order.Clone())
	m.logger.Info("Order cancelled", zap.String("orderId", mo.order.ID), zap.String("reason", reason))
}

// expire must hold lock
func (m *OrderManager) expire(mo *managedOrder, reason string, out *outbox) {
	m.transition(mo, types.OrderStatusExpired)
	mo.order.Reason = reason
	m.stats.Expired++
	out.order(mo.order.Clone())
	m.logger.Info("Order expired", zap.String("orderId", mo.order.ID), zap.String("reason", reason))
}

// reject must hold lock. A partially filled order cannot be rejected, so
// it is cancelled instead.
func (m *OrderManager) reject(mo *managedOrder, err error, out *outbox) {
	if !mo.order.Status.CanTransition(types.OrderStatusRejected) {
		m.cancel(mo, err.Error(), out)
		return
	}
	m.transition(mo, types.OrderStatusRejected)
	mo.order.Reason = err.Error()
	m.stats.Rejected++
	out.order(mo.order.Clone())
	m.logger.Warn("Order rejected",
		zap.String("orderId", mo.order.ID),
		zap.String("symbol", mo.order.Symbol),
		zap.Error(err))
}

// workingLocked returns open orders for a symbol in submission order
func (m *OrderManager) workingLocked(symbol string) []*managedOrder {
	var out []*managedOrder
	for _, mo := range m.orders {
		if mo.order.Status.IsOpen() && (symbol == "" || mo.order.Symbol == symbol) {
			out = append(out, mo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// GetOrder returns a copy of an order
func (m *OrderManager) GetOrder(orderID string) (types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mo, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return mo.order.Clone(), true
}

// GetPosition returns the open position for symbol
func (m *OrderManager) GetPosition(symbol string) (types.Position, bool) {
	return m.portfolio.Position(symbol)
}

// GetOpenOrders returns working orders, optionally for one symbol ("" for all)
func (m *OrderManager) GetOpenOrders(symbol string) []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	working := m.workingLocked(symbol)
	out := make([]types.Order, len(working))
	for i, mo := range working {
		out[i] = mo.order.Clone()
	}
	return out
}

// GetOrderHistory returns orders newest first, optionally filtered by
// symbol. A non-positive limit uses the configured default.
func (m *OrderManager) GetOrderHistory(symbol string, limit int) []types.Order {
	if limit <= 0 {
		limit = m.config.HistoryLimit
	}

	m.mu.RLock()
	all := make([]*managedOrder, 0, len(m.orders))
	for _, mo := range m.orders {
		if symbol == "" || mo.order.Symbol == symbol {
			all = append(all, mo)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.order.CreatedAt.Equal(b.order.CreatedAt) {
			return a.order.CreatedAt.After(b.order.CreatedAt)
		}
		return a.seq > b.seq
	})
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]types.Order, len(all))
	for i, mo := range all {
		out[i] = mo.order.Clone()
	}
	m.mu.RUnlock()
	return out
}

// Stats returns order counters
func (m *OrderManager) Stats() OrderStats {
	m.mu.RLock()
	stats := m.stats
	m.mu.RUnlock()
	stats.ObserverFailures = m.observerFailures.Load()
	return stats
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
