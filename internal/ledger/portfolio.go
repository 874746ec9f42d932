// Package ledger owns cash, positions and realized results for one session.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// ErrInvalidFill is returned for fills with a non-positive quantity or price.
var ErrInvalidFill = errors.New("invalid fill")

// FillResult describes what a fill did to the book
type FillResult struct {
	Position types.Position
	Trade    *types.Trade
	Opened   bool
	Closed   bool
}

// Option configures a Portfolio
type Option func(*Portfolio)

// WithTradeIDs sets the generator used for trade identifiers.
func WithTradeIDs(next func() string) Option {
	return func(p *Portfolio) { p.nextTradeID = next }
}

// Portfolio manages cash and positions. It is mutated only through fills.
type Portfolio struct {
	mu            sync.RWMutex
	cash          decimal.Decimal
	initialCash   decimal.Decimal
	positions     map[string]*types.Position
	lastPrices    map[string]decimal.Decimal
	trades        []types.Trade
	equityCurve   []types.EquityPoint
	realized      decimal.Decimal
	commissions   decimal.Decimal
	peakValue     decimal.Decimal
	dayStartValue decimal.Decimal
	day           time.Time
	lastUpdate    time.Time
	tradeSeq      int
	nextTradeID   func() string
}

// NewPortfolio creates a new portfolio
func NewPortfolio(initialCash decimal.Decimal, opts ...Option) *Portfolio {
	p := &Portfolio{
		cash:          initialCash,
		initialCash:   initialCash,
		positions:     make(map[string]*types.Position),
		lastPrices:    make(map[string]decimal.Decimal),
		peakValue:     initialCash,
		dayStartValue: initialCash,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.nextTradeID == nil {
		p.nextTradeID = func() string {
			p.tradeSeq++
			return fmt.Sprintf("trade-%d", p.tradeSeq)
		}
	}
	return p
}

// ApplyFill books a fill: cash moves by the traded value and commission,
// and the position grows, shrinks or flips. Closing any quantity emits
// exactly one Trade.
func (p *Portfolio) ApplyFill(fill types.Fill) (FillResult, error) {
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() || !fill.Side.Valid() {
		return FillResult{}, fmt.Errorf("%w: %s %s @ %s", ErrInvalidFill, fill.Side, fill.Quantity, fill.Price)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	notional := fill.Quantity.Mul(fill.Price)
	if fill.Side == types.OrderSideBuy {
		p.cash = p.cash.Sub(notional).Sub(fill.Commission)
	} else {
		p.cash = p.cash.Add(notional).Sub(fill.Commission)
	}
	p.commissions = p.commissions.Add(fill.Commission)
	p.lastPrices[fill.Symbol] = fill.Price
	p.touch(fill.Timestamp)

	signed := fill.Quantity
	if fill.Side == types.OrderSideSell {
		signed = signed.Neg()
	}

	pos, ok := p.positions[fill.Symbol]
	if !ok || pos.Size.IsZero() {
		pos = p.open(fill.Symbol, signed, fill.Price, fill.Commission, fill.Timestamp)
		return FillResult{Position: *pos, Opened: true}, nil
	}

	// Same direction: weighted average entry
	if pos.Size.Sign() == signed.Sign() {
		oldAbs := pos.Size.Abs()
		total := oldAbs.Add(fill.Quantity)
		pos.AvgPrice = oldAbs.Mul(pos.AvgPrice).Add(fill.Quantity.Mul(fill.Price)).Div(total)
		pos.Size = pos.Size.Add(signed)
		pos.EntryCommission = pos.EntryCommission.Add(fill.Commission)
		pos.CurrentPrice = fill.Price
		pos.UpdatedAt = fill.Timestamp
		return FillResult{Position: *pos}, nil
	}

	// Opposite direction: close some or all, possibly flip
	held := pos.Size.Abs()
	closeQty := decimal.Min(held, fill.Quantity)
	remainder := fill.Quantity.Sub(closeQty)

	entryShare := pos.EntryCommission
	if closeQty.LessThan(held) {
		entryShare = pos.EntryCommission.Mul(closeQty).Div(held)
	}
	exitShare := fill.Commission
	if remainder.IsPositive() {
		exitShare = fill.Commission.Mul(closeQty).Div(fill.Quantity)
	}

	direction := decimal.NewFromInt(int64(pos.Size.Sign()))
	gross := fill.Price.Sub(pos.AvgPrice).Mul(closeQty).Mul(direction)
	legCommission := entryShare.Add(exitShare)
	pnl := gross.Sub(legCommission)

	trade := types.Trade{
		ID:          p.nextTradeID(),
		Symbol:      fill.Symbol,
		Side:        pos.Side(),
		Quantity:    closeQty,
		EntryPrice:  pos.AvgPrice,
		ExitPrice:   fill.Price,
		EntryTime:   pos.OpenedAt,
		ExitTime:    fill.Timestamp,
		PnL:         pnl,
		Commission:  legCommission,
		ExitOrderID: fill.OrderID,
	}
	if basis := pos.AvgPrice.Mul(closeQty); basis.IsPositive() {
		trade.PnLPercent = pnl.Div(basis).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	p.trades = append(p.trades, trade)
	p.realized = p.realized.Add(pnl)

	pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	pos.EntryCommission = pos.EntryCommission.Sub(entryShare)
	pos.Size = pos.Size.Add(signedQty(closeQty, fill.Side))
	pos.CurrentPrice = fill.Price
	pos.UpdatedAt = fill.Timestamp

	result := FillResult{Trade: &trade}
	if pos.Size.IsZero() {
		closed := *pos
		closed.AvgPrice = decimal.Zero
		closed.EntryCommission = decimal.Zero
		delete(p.positions, fill.Symbol)
		result.Position = closed
		result.Closed = true
	} else {
		result.Position = *pos
	}

	if remainder.IsPositive() {
		flipped := p.open(fill.Symbol, signedQty(remainder, fill.Side), fill.Price,
			fill.Commission.Sub(exitShare), fill.Timestamp)
		result.Position = *flipped
		result.Opened = true
	}
	return result, nil
}

// open must hold lock
func (p *Portfolio) open(symbol string, size, price, commission decimal.Decimal, ts time.Time) *types.Position {
	pos := &types.Position{
		Symbol:          symbol,
		Size:            size,
		AvgPrice:        price,
		CurrentPrice:    price,
		EntryCommission: commission,
		OpenedAt:        ts,
		UpdatedAt:       ts,
	}
	p.positions[symbol] = pos
	return pos
}

func signedQty(qty decimal.Decimal, side types.OrderSide) decimal.Decimal {
	if side == types.OrderSideSell {
		return qty.Neg()
	}
	return qty
}

// Mark updates the current price for a symbol. Unrealized P&L follows from
// the new price; nothing is booked.
func (p *Portfolio) Mark(symbol string, price decimal.Decimal, ts time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastPrices[symbol] = price
	if pos, ok := p.positions[symbol]; ok {
		pos.CurrentPrice = price
		pos.UpdatedAt = ts
	}
	p.touch(ts)
}

// touch rolls the trading day on the first event of a new UTC date (must hold lock)
func (p *Portfolio) touch(ts time.Time) {
	if ts.IsZero() {
		return
	}
	day := ts.UTC().Truncate(24 * time.Hour)
	if p.day.IsZero() {
		p.day = day
	} else if day.After(p.day) {
		p.day = day
		p.dayStartValue = p.lastRecordedValue()
	}
	if ts.After(p.lastUpdate) {
		p.lastUpdate = ts
	}
}

// lastRecordedValue must hold lock
func (p *Portfolio) lastRecordedValue() decimal.Decimal {
	if n := len(p.equityCurve); n > 0 {
		return p.equityCurve[n-1].Value
	}
	return p.initialCash
}

// RecordEquity appends a point to the equity curve and updates the peak.
func (p *Portfolio) RecordEquity(ts time.Time) types.EquityPoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.touch(ts)
	point := types.EquityPoint{Timestamp: ts, Value: p.totalValue(), Cash: p.cash}
	p.equityCurve = append(p.equityCurve, point)
	if point.Value.GreaterThan(p.peakValue) {
		p.peakValue = point.Value
	}
	return point
}

// totalValue calculates cash plus signed market value (must hold lock)
func (p *Portfolio) totalValue() decimal.Decimal {
	value := p.cash
	for _, pos := range p.positions {
		value = value.Add(pos.MarketValue())
	}
	return value
}

// Cash returns available cash
func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// InitialCash returns the starting capital
func (p *Portfolio) InitialCash() decimal.Decimal {
	return p.initialCash
}

// TotalValue returns cash plus the market value of all positions
func (p *Portfolio) TotalValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalValue()
}

// LastPrice returns the most recent mark or fill price seen for a symbol.
func (p *Portfolio) LastPrice(symbol string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.lastPrices[symbol]
	return price, ok
}

// Position returns a copy of the open position for symbol.
func (p *Portfolio) Position(symbol string) (types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions ordered by symbol
func (p *Portfolio) Positions() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sortedPositions()
}

// sortedPositions must hold lock
func (p *Portfolio) sortedPositions() []types.Position {
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Trades returns closed trades in the order they were booked
func (p *Portfolio) Trades() []types.Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Trade, len(p.trades))
	copy(out, p.trades)
	return out
}

// EquityCurve returns the recorded equity points
func (p *Portfolio) EquityCurve() []types.EquityPoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.EquityPoint, len(p.equityCurve))
	copy(out, p.equityCurve)
	return out
}

// RealizedPnL returns the sum of all booked trade results
func (p *Portfolio) RealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realized
}

// Commissions returns the total commission paid
func (p *Portfolio) Commissions() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.commissions
}

// Drawdown returns the current drawdown from the recorded peak as a fraction
func (p *Portfolio) Drawdown() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.peakValue.IsPositive() {
		return 0
	}
	dd := p.peakValue.Sub(p.totalValue()).Div(p.peakValue)
	if dd.IsNegative() {
		return 0
	}
	return dd.InexactFloat64()
}

// DayStartValue returns the total value recorded when the current UTC day began.
func (p *Portfolio) DayStartValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dayStartValue
}

// Snapshot returns a consistent read of the whole book.
func (p *Portfolio) Snapshot() types.PortfolioSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap := types.PortfolioSnapshot{
		Cash:          p.cash,
		TotalValue:    p.totalValue(),
		RealizedPnL:   p.realized,
		PeakValue:     p.peakValue,
		DayStartValue: p.dayStartValue,
		Positions:     p.sortedPositions(),
		Timestamp:     p.lastUpdate,
	}
	for _, pos := range snap.Positions {
		snap.Exposure = snap.Exposure.Add(pos.MarketValue().Abs())
		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(pos.UnrealizedPnL())
	}
	return snap
}
