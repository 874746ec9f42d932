// Package execution provides the order and fill model and the order lifecycle manager.
package execution

import (
	"fmt"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// FillModel decides whether a bar fills an order and at what price.
// Orders fill completely or not at all on a given bar.
type FillModel struct {
	slippage       SlippageModel
	commissionRate decimal.Decimal
}

// NewFillModel creates a fill model
func NewFillModel(slippage SlippageModel, commissionRate decimal.Decimal) *FillModel {
	if slippage == nil {
		slippage = NoSlippage{}
	}
	return &FillModel{slippage: slippage, commissionRate: commissionRate}
}

// CommissionRate returns the rate charged on traded value
func (m *FillModel) CommissionRate() decimal.Decimal {
	return m.commissionRate
}

// ShouldFill reports whether the bar's range reaches the order's price.
func (m *FillModel) ShouldFill(order *types.Order, bar types.Bar) bool {
	switch order.Type {
	case types.OrderTypeMarket:
		return true
	case types.OrderTypeLimit:
		return limitReached(order, bar)
	case types.OrderTypeStop, types.OrderTypeTrailingStop:
		return stopTriggered(order, bar)
	case types.OrderTypeStopLimit:
		return stopTriggered(order, bar) && limitReached(order, bar)
	}
	return false
}

func limitReached(order *types.Order, bar types.Bar) bool {
	if order.Side == types.OrderSideBuy {
		return bar.Low.LessThanOrEqual(order.Price)
	}
	return bar.High.GreaterThanOrEqual(order.Price)
}

func stopTriggered(order *types.Order, bar types.Bar) bool {
	if order.StopPrice.IsZero() {
		return false
	}
	if order.Side == types.OrderSideBuy {
		return bar.High.GreaterThanOrEqual(order.StopPrice)
	}
	return bar.Low.LessThanOrEqual(order.StopPrice)
}

// FillPrice returns the execution price assuming ShouldFill is true.
// Limit prices are guarantees and never slip; stops become market orders
// once triggered and do.
func (m *FillModel) FillPrice(order *types.Order, bar types.Bar) decimal.Decimal {
	price, _ := m.fillPrice(order, bar)
	return price
}

func (m *FillModel) fillPrice(order *types.Order, bar types.Bar) (price, reference decimal.Decimal) {
	switch order.Type {
	case types.OrderTypeLimit, types.OrderTypeStopLimit:
		return order.Price, order.Price
	case types.OrderTypeStop, types.OrderTypeTrailingStop:
		reference = order.StopPrice
	default:
		reference = bar.Close
	}
	rate := m.slippage.Rate(order, bar)
	if order.Side == types.OrderSideBuy {
		return reference.Mul(one.Add(rate)), reference
	}
	return reference.Mul(one.Sub(rate)), reference
}

// Commission returns quantity x price x rate.
func (m *FillModel) Commission(qty, price decimal.Decimal) decimal.Decimal {
	return qty.Mul(price).Mul(m.commissionRate)
}

// Evaluate returns the fill the bar produces for the order's remaining
// quantity, or false when the bar does not reach the order.
func (m *FillModel) Evaluate(order *types.Order, bar types.Bar) (types.Fill, bool) {
	if !order.Status.IsOpen() || !m.ShouldFill(order, bar) {
		return types.Fill{}, false
	}
	qty := order.Remaining()
	price, reference := m.fillPrice(order, bar)
	return types.Fill{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   qty,
		Price:      price,
		Commission: m.Commission(qty, price),
		Slippage:   price.Sub(reference).Abs().Mul(qty),
		Timestamp:  bar.Timestamp,
	}, true
}

// Trail ratchets a trailing stop toward the best price seen in the bar.
// The stop only ever tightens.
func (m *FillModel) Trail(order *types.Order, bar types.Bar) {
	if order.Type != types.OrderTypeTrailingStop || !order.TrailPercent.IsPositive() {
		return
	}
	if order.Side == types.OrderSideSell {
		candidate := bar.High.Mul(one.Sub(order.TrailPercent))
		if order.StopPrice.IsZero() || candidate.GreaterThan(order.StopPrice) {
			order.StopPrice = candidate
		}
		return
	}
	candidate := bar.Low.Mul(one.Add(order.TrailPercent))
	if order.StopPrice.IsZero() || candidate.LessThan(order.StopPrice) {
		order.StopPrice = candidate
	}
}

// ApplyFill folds a fill into the order's filled quantity, average price,
// commission and status. Breaking filled <= quantity is a programming
// error and panics.
func ApplyFill(order *types.Order, fill types.Fill) {
	if !fill.Quantity.IsPositive() {
		panic(fmt.Sprintf("execution: non-positive fill quantity %s for order %s", fill.Quantity, order.ID))
	}
	filled := order.FilledQty.Add(fill.Quantity)
	if filled.GreaterThan(order.Quantity) {
		panic(fmt.Sprintf("execution: fill of %s overfills order %s (%s of %s)",
			fill.Quantity, order.ID, order.FilledQty, order.Quantity))
	}

	order.AvgFillPrice = order.FilledQty.Mul(order.AvgFillPrice).
		Add(fill.Quantity.Mul(fill.Price)).
		Div(filled)
	order.FilledQty = filled
	order.Commission = order.Commission.Add(fill.Commission)
	order.UpdatedAt = fill.Timestamp

	next := types.OrderStatusPartiallyFilled
	if filled.Equal(order.Quantity) {
		next = types.OrderStatusFilled
		at := fill.Timestamp
		order.FilledAt = &at
	}
	if !order.Status.CanTransition(next) {
		panic(fmt.Sprintf("execution: illegal transition %s -> %s for order %s", order.Status, next, order.ID))
	}
	order.Status = next
}
