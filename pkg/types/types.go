// Package types provides shared type definitions for the trading engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() int {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// Opposite returns the side that reduces a position opened by s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit, OrderTypeTrailingStop:
		return true
	}
	return false
}

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether an order in this status may still fill.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusSubmitted || s == OrderStatusPartiallyFilled
}

var statusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusSubmitted, OrderStatusRejected, OrderStatusCancelled,
	},
	OrderStatusSubmitted: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled,
		OrderStatusRejected, OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired,
	},
}

// CanTransition reports whether moving from s to next is allowed.
// Statuses only move forward; nothing returns to pending.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TimeInForce controls how long an order stays working
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	TimeInForceDay TimeInForce = "DAY"
)

// Bar represents a single OHLCV candlestick
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// PriceBar builds a degenerate bar from a single traded price, used for ticks.
func PriceBar(price decimal.Decimal, ts time.Time) Bar {
	return Bar{Timestamp: ts, Open: price, High: price, Low: price, Close: price}
}

// Order represents a trading order
type Order struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	TrailPercent  decimal.Decimal `json:"trailPercent"`
	TimeInForce   TimeInForce     `json:"timeInForce"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	AvgFillPrice  decimal.Decimal `json:"avgFillPrice"`
	Commission    decimal.Decimal `json:"commission"`
	ParentOrderID string          `json:"parentOrderId,omitempty"`
	ReduceOnly    bool            `json:"reduceOnly"`
	Tag           string          `json:"tag,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	SubmittedAt   *time.Time      `json:"submittedAt,omitempty"`
	FilledAt      *time.Time      `json:"filledAt,omitempty"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Clone returns a deep copy safe to hand to callers.
func (o *Order) Clone() Order {
	c := *o
	if o.SubmittedAt != nil {
		t := *o.SubmittedAt
		c.SubmittedAt = &t
	}
	if o.FilledAt != nil {
		t := *o.FilledAt
		c.FilledAt = &t
	}
	return c
}

// Fill is an immutable record of one execution
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
	Timestamp  time.Time       `json:"timestamp"`
}

// PositionSide represents long or short position
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// Position represents a position with a signed size (negative is short)
type Position struct {
	Symbol          string          `json:"symbol"`
	Size            decimal.Decimal `json:"size"`
	AvgPrice        decimal.Decimal `json:"avgPrice"`
	CurrentPrice    decimal.Decimal `json:"currentPrice"`
	RealizedPnL     decimal.Decimal `json:"realizedPnl"`
	EntryCommission decimal.Decimal `json:"entryCommission"`
	OpenedAt        time.Time       `json:"openedAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Side reports the direction of the position.
func (p Position) Side() PositionSide {
	switch p.Size.Sign() {
	case 1:
		return PositionSideLong
	case -1:
		return PositionSideShort
	}
	return PositionSideFlat
}

// Direction returns +1 long, -1 short, 0 flat.
func (p Position) Direction() int {
	return p.Size.Sign()
}

// MarketValue is the signed value of the position at the last mark.
func (p Position) MarketValue() decimal.Decimal {
	return p.Size.Mul(p.CurrentPrice)
}

// UnrealizedPnL is recomputed from the last mark and never persisted.
func (p Position) UnrealizedPnL() decimal.Decimal {
	if p.Size.IsZero() {
		return decimal.Zero
	}
	return p.CurrentPrice.Sub(p.AvgPrice).Mul(p.Size)
}

// PnLPercent returns the unrealized move relative to entry, as a fraction.
func (p Position) PnLPercent() float64 {
	if p.Size.IsZero() || p.AvgPrice.IsZero() {
		return 0
	}
	move := p.CurrentPrice.Sub(p.AvgPrice).Div(p.AvgPrice).InexactFloat64()
	return move * float64(p.Direction())
}

// Trade represents a closed round trip
type Trade struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        PositionSide    `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	ExitPrice   decimal.Decimal `json:"exitPrice"`
	EntryTime   time.Time       `json:"entryTime"`
	ExitTime    time.Time       `json:"exitTime"`
	PnL         decimal.Decimal `json:"pnl"`
	PnLPercent  float64         `json:"pnlPercent"`
	Commission  decimal.Decimal `json:"commission"`
	ExitOrderID string          `json:"exitOrderId"`
}

// HoldingTime returns how long the position was open.
func (t Trade) HoldingTime() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}

// SignalAction is the kind of recommendation a strategy makes
type SignalAction string

const (
	SignalBuy  SignalAction = "buy"
	SignalSell SignalAction = "sell"
	SignalHold SignalAction = "hold"
)

// Signal represents a strategy recommendation
type Signal struct {
	Action   SignalAction    `json:"action"`
	Strength float64         `json:"strength"`
	Price    decimal.Decimal `json:"price"`
	Reason   string          `json:"reason,omitempty"`
}

// Buy returns a buy signal.
func Buy(strength float64, price decimal.Decimal, reason string) *Signal {
	return &Signal{Action: SignalBuy, Strength: strength, Price: price, Reason: reason}
}

// Sell returns a sell signal.
func Sell(strength float64, price decimal.Decimal, reason string) *Signal {
	return &Signal{Action: SignalSell, Strength: strength, Price: price, Reason: reason}
}

// Hold returns a signal that asks for no action.
func Hold(reason string) *Signal {
	return &Signal{Action: SignalHold, Reason: reason}
}

// IsActionable reports whether the signal asks for an order.
func (s *Signal) IsActionable() bool {
	return s != nil && (s.Action == SignalBuy || s.Action == SignalSell)
}

// Side maps an actionable signal to an order side.
func (s *Signal) Side() OrderSide {
	if s.Action == SignalSell {
		return OrderSideSell
	}
	return OrderSideBuy
}

// EquityPoint represents a point on the equity curve
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
	Cash      decimal.Decimal `json:"cash"`
}

// PortfolioSnapshot is a consistent read of the ledger
type PortfolioSnapshot struct {
	Cash          decimal.Decimal `json:"cash"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	Exposure      decimal.Decimal `json:"exposure"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	PeakValue     decimal.Decimal `json:"peakValue"`
	DayStartValue decimal.Decimal `json:"dayStartValue"`
	Positions     []Position      `json:"positions"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Position looks up a position in the snapshot.
func (s PortfolioSnapshot) Position(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}
