// Package sizing converts strategy signals into order quantities.
// Size scales with signal strength and shrinks with portfolio risk, within
// a per-position value cap and the cash or holdings actually available.
package sizing

import (
	"fmt"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Quantities are truncated to this many decimal places
const quantityPlaces = 8

// Limiting factors reported on a result
const (
	LimitNoSignal     = "no_signal"
	LimitInvalidInput = "invalid_input"
	LimitThreshold    = "signal_threshold"
	LimitSignal       = "signal_strength"
	LimitMaxPosition  = "max_position"
	LimitMinSize      = "min_size"
	LimitCash         = "cash"
	LimitHoldings     = "holdings"
)

// PositionSizer calculates order quantities from signals
type PositionSizer struct {
	logger *zap.Logger
	config *SizingConfig
}

// SizingConfig configures position sizing
type SizingConfig struct {
	MaxPositionPct  float64         // Maximum position value as a fraction of portfolio
	MinSize         decimal.Decimal // Smallest quantity worth sending
	SignalThreshold float64         // strength*(1-risk) must exceed this
	CommissionRate  decimal.Decimal // Reserved from cash on buys
	AllowShort      bool            // Sells may exceed the held quantity
}

// DefaultSizingConfig returns the backtest defaults
func DefaultSizingConfig() *SizingConfig {
	return &SizingConfig{
		MaxPositionPct:  0.95,
		MinSize:         decimal.New(1, -quantityPlaces),
		SignalThreshold: 0.5,
		CommissionRate:  decimal.NewFromFloat(0.001),
	}
}

// SizingConfigFrom derives the sizer settings from a backtest config
func SizingConfigFrom(cfg types.BacktestConfig) *SizingConfig {
	return &SizingConfig{
		MaxPositionPct:  cfg.MaxPositionWeight.InexactFloat64(),
		MinSize:         cfg.MinSize,
		SignalThreshold: cfg.SignalThreshold,
		CommissionRate:  cfg.CommissionRate,
		AllowShort:      cfg.AllowShort,
	}
}

// NewPositionSizer creates a new position sizer
func NewPositionSizer(logger *zap.Logger, config *SizingConfig) *PositionSizer {
	if config == nil {
		config = DefaultSizingConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PositionSizer{
		logger: logger.Named("sizer"),
		config: config,
	}
}

// SizingRequest contains inputs for position sizing
type SizingRequest struct {
	Symbol         string
	Signal         *types.Signal
	Price          decimal.Decimal // Reference price; the signal price when zero
	PortfolioValue decimal.Decimal
	Cash           decimal.Decimal
	Position       decimal.Decimal // Signed size currently held
	Risk           float64         // Overall portfolio risk (0-1)
}

// SizingResult contains the calculated quantity
type SizingResult struct {
	Side           types.OrderSide `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Notional       decimal.Decimal `json:"notional"`
	Effective      float64         `json:"effective"`      // strength*(1-risk)
	Reducing       bool            `json:"reducing"`       // Order shrinks the current position
	Adjustments    []string        `json:"adjustments"`    // Applied adjustments
	LimitingFactor string          `json:"limitingFactor"` // What limited size
}

// IsZero reports whether no order should be sent
func (r *SizingResult) IsZero() bool {
	return !r.Quantity.IsPositive()
}

// CalculateSize determines the order quantity for a signal.
func (ps *PositionSizer) CalculateSize(req *SizingRequest) *SizingResult {
	result := &SizingResult{
		Adjustments: make([]string, 0),
	}
	if !req.Signal.IsActionable() {
		result.LimitingFactor = LimitNoSignal
		return result
	}
	result.Side = req.Signal.Side()

	price := req.Price
	if !price.IsPositive() {
		price = req.Signal.Price
	}
	if !price.IsPositive() || !req.PortfolioValue.IsPositive() {
		result.LimitingFactor = LimitInvalidInput
		return result
	}

	// The threshold gates every order, exits included
	risk := req.Risk
	result.Reducing = req.Position.Sign() == -result.Side.Sign()

	strength := req.Signal.Strength
	result.Effective = strength * (1 - risk)
	if result.Effective <= ps.config.SignalThreshold {
		result.LimitingFactor = LimitThreshold
		return result
	}

	maxValue := req.PortfolioValue.Mul(decimal.NewFromFloat(ps.config.MaxPositionPct))
	maxQty := maxValue.Div(price)

	// 1. Strength-scaled base
	qty := maxValue.Mul(decimal.NewFromFloat(strength)).Div(price)
	result.LimitingFactor = LimitSignal
	result.Adjustments = append(result.Adjustments, "strength: "+formatPct(strength))

	// 2. Risk adjustment
	if risk > 0 {
		qty = qty.Mul(decimal.NewFromFloat(1 - risk))
		result.Adjustments = append(result.Adjustments, "risk: "+formatPct(1-risk))
	}

	// 3. Clamp to [min size, max position]
	if qty.GreaterThan(maxQty) {
		qty = maxQty
		result.LimitingFactor = LimitMaxPosition
		result.Adjustments = append(result.Adjustments, "capped_max_position")
	}
	if qty.LessThan(ps.config.MinSize) {
		qty = ps.config.MinSize
		result.LimitingFactor = LimitMinSize
		result.Adjustments = append(result.Adjustments, "min_size")
	}

	// 4. Resources actually available
	switch result.Side {
	case types.OrderSideBuy:
		perUnit := price.Mul(decimal.NewFromInt(1).Add(ps.config.CommissionRate))
		affordable := decimal.Max(req.Cash, decimal.Zero).Div(perUnit)
		if qty.GreaterThan(affordable) {
			qty = affordable
			result.LimitingFactor = LimitCash
			result.Adjustments = append(result.Adjustments, "capped_cash")
		}
	case types.OrderSideSell:
		if !ps.config.AllowShort {
			held := decimal.Max(req.Position, decimal.Zero)
			if qty.GreaterThan(held) {
				qty = held
				result.LimitingFactor = LimitHoldings
				result.Adjustments = append(result.Adjustments, "capped_holdings")
			}
		}
	}

	result.Quantity = qty.Truncate(quantityPlaces)
	if !result.Quantity.IsPositive() {
		result.Quantity = decimal.Zero
	}
	result.Notional = result.Quantity.Mul(price)

	ps.logger.Debug("Sized signal",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(result.Side)),
		zap.String("quantity", result.Quantity.String()),
		zap.String("limitingFactor", result.LimitingFactor))
	return result
}

func formatPct(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}
