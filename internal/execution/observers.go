package execution

import (
	"fmt"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// OnOrder registers a callback for every order status change.
func (m *OrderManager) OnOrder(fn func(types.Order) error) {
	m.obsMu.Lock()
	m.orderObservers = append(m.orderObservers, fn)
	m.obsMu.Unlock()
}

// OnFill registers a callback for every execution.
func (m *OrderManager) OnFill(fn func(types.Fill) error) {
	m.obsMu.Lock()
	m.fillObservers = append(m.fillObservers, fn)
	m.obsMu.Unlock()
}

// OnPosition registers a callback for every position change caused by a fill.
func (m *OrderManager) OnPosition(fn func(types.Position) error) {
	m.obsMu.Lock()
	m.positionObservers = append(m.positionObservers, fn)
	m.obsMu.Unlock()
}

// OnTrade registers a callback for every closed round trip.
func (m *OrderManager) OnTrade(fn func(types.Trade) error) {
	m.obsMu.Lock()
	m.tradeObservers = append(m.tradeObservers, fn)
	m.obsMu.Unlock()
}

// outbox collects notifications while the manager lock is held so they can
// be delivered, in order, after it is released.
type outbox struct {
	m     *OrderManager
	calls []func()
}

func (m *OrderManager) newOutbox() *outbox {
	return &outbox{m: m}
}

func (o *outbox) order(order types.Order) {
	o.calls = append(o.calls, func() {
		o.m.obsMu.RLock()
		fns := o.m.orderObservers
		o.m.obsMu.RUnlock()
		for _, fn := range fns {
			o.m.deliver("order", func() error { return fn(order) })
		}
	})
}

func (o *outbox) fill(fill types.Fill) {
	o.calls = append(o.calls, func() {
		o.m.obsMu.RLock()
		fns := o.m.fillObservers
		o.m.obsMu.RUnlock()
		for _, fn := range fns {
			o.m.deliver("fill", func() error { return fn(fill) })
		}
	})
}

func (o *outbox) position(pos types.Position) {
	o.calls = append(o.calls, func() {
		o.m.obsMu.RLock()
		fns := o.m.positionObservers
		o.m.obsMu.RUnlock()
		for _, fn := range fns {
			o.m.deliver("position", func() error { return fn(pos) })
		}
	})
}

func (o *outbox) trade(trade types.Trade) {
	o.calls = append(o.calls, func() {
		o.m.obsMu.RLock()
		fns := o.m.tradeObservers
		o.m.obsMu.RUnlock()
		for _, fn := range fns {
			o.m.deliver("trade", func() error { return fn(trade) })
		}
	})
}

func (o *outbox) flush() {
	for _, call := range o.calls {
		call()
	}
	o.calls = nil
}

// deliver runs one observer, isolating errors and panics from the ledger.
func (m *OrderManager) deliver(kind string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.observerFailures.Add(1)
			m.logger.Error("Observer panicked",
				zap.String("event", kind),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := fn(); err != nil {
		m.observerFailures.Add(1)
		m.logger.Warn("Observer failed", zap.String("event", kind), zap.Error(err))
	}
}
