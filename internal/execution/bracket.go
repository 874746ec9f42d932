package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Order tags used on bracket orders
const (
	TagBracketEntry = "bracket_entry"
	TagStopLoss     = "stop_loss"
	TagTakeProfit   = "take_profit"
)

// BracketRequest describes an entry with optional protective exits.
// A zero EntryPrice enters at market; a zero StopLoss or TakeProfit
// skips that leg.
type BracketRequest struct {
	Symbol     string
	Side       types.OrderSide
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Timeout    time.Duration
}

// BracketResult lists the orders a bracket created
type BracketResult struct {
	EntryOrderID      string `json:"entryOrderId"`
	StopLossOrderID   string `json:"stopLossOrderId,omitempty"`
	TakeProfitOrderID string `json:"takeProfitOrderId,omitempty"`
	Complete          bool   `json:"complete"`
}

// CreateBracket submits the entry and waits, without holding the manager
// lock, for it to fill. Only then are the exit legs placed, reduce-only and
// linked to the entry; when both exist they cancel each other on fill.
// If the entry does not fill in time the result carries the entry id only.
func (m *OrderManager) CreateBracket(ctx context.Context, req BracketRequest) (BracketResult, error) {
	entry := types.Order{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Type:     types.OrderTypeMarket,
		Quantity: req.Quantity,
		Tag:      TagBracketEntry,
	}
	if req.EntryPrice.IsPositive() {
		entry.Type = types.OrderTypeLimit
		entry.Price = req.EntryPrice
	}

	placed, err := m.Submit(entry)
	result := BracketResult{EntryOrderID: placed.ID}
	if err != nil {
		return result, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.config.BracketTimeout
	}
	if done := m.waitChannel(placed.ID); done != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	filled, _ := m.GetOrder(placed.ID)
	if filled.Status != types.OrderStatusFilled {
		switch {
		case filled.Status.IsTerminal():
			return result, fmt.Errorf("%w: %s", ErrBracketEntryClosed, filled.Status)
		case ctx.Err() != nil:
			return result, ctx.Err()
		}
		m.logger.Warn("Bracket entry not filled in time",
			zap.String("orderId", placed.ID),
			zap.Duration("timeout", timeout))
		return result, ErrBracketTimeout
	}

	out := m.newOutbox()
	m.mu.Lock()
	var errs []error
	var legs []*managedOrder
	leg := func(o types.Order) string {
		p, err := m.submitLocked(o, out)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s leg: %w", o.Tag, err))
			return ""
		}
		legs = append(legs, m.orders[p.ID])
		return p.ID
	}
	exitSide := req.Side.Opposite()
	if req.StopLoss.IsPositive() {
		result.StopLossOrderID = leg(types.Order{
			Symbol:        req.Symbol,
			Side:          exitSide,
			Type:          types.OrderTypeStop,
			Quantity:      filled.FilledQty,
			StopPrice:     req.StopLoss,
			ReduceOnly:    true,
			ParentOrderID: placed.ID,
			Tag:           TagStopLoss,
		})
	}
	if req.TakeProfit.IsPositive() {
		result.TakeProfitOrderID = leg(types.Order{
			Symbol:        req.Symbol,
			Side:          exitSide,
			Type:          types.OrderTypeLimit,
			Quantity:      filled.FilledQty,
			Price:         req.TakeProfit,
			ReduceOnly:    true,
			ParentOrderID: placed.ID,
			Tag:           TagTakeProfit,
		})
	}
	if len(legs) == 2 {
		legs[0].siblingID = legs[1].order.ID
		legs[1].siblingID = legs[0].order.ID
	}
	m.mu.Unlock()
	out.flush()

	result.Complete = len(errs) == 0
	return result, errors.Join(errs...)
}

// waitChannel returns a channel closed when the order reaches a terminal
// status, or nil if it already has.
func (m *OrderManager) waitChannel(orderID string) <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mo, ok := m.orders[orderID]
	if !ok || mo.done == nil {
		return nil
	}
	return mo.done
}
