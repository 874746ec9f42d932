package events_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/events"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func TestSyncBusDeliversInOrder(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())
	defer bus.Stop()

	var got []events.EventType
	bus.SubscribeAll(func(e events.Event) error {
		got = append(got, e.GetType())
		return nil
	})

	order := types.Order{ID: "o1", Status: types.OrderStatusSubmitted}
	bus.Publish(bus.NewOrderEvent(order))
	order.Status = types.OrderStatusFilled
	bus.Publish(bus.NewOrderEvent(order))
	bus.Publish(bus.NewFillEvent(types.Fill{OrderID: "o1", Quantity: decimal.NewFromInt(1)}))

	want := []events.EventType{events.EventTypeOrderSubmitted, events.EventTypeOrderFilled, events.EventTypeFill}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())

	fills := 0
	sub := bus.Subscribe(events.EventTypeFill, func(events.Event) error {
		fills++
		return nil
	})
	bus.Publish(bus.NewTradeEvent(types.Trade{ID: "t1"}))
	bus.Publish(bus.NewFillEvent(types.Fill{ID: "f1"}))
	if fills != 1 {
		t.Fatalf("fills = %d, want 1", fills)
	}

	bus.Unsubscribe(sub)
	bus.Publish(bus.NewFillEvent(types.Fill{ID: "f2"}))
	if fills != 1 {
		t.Errorf("unsubscribed handler still called")
	}
	if got := bus.GetStats().ActiveSubscribers; got != 0 {
		t.Errorf("active subscribers = %d, want 0", got)
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())

	bus.SubscribeAll(func(events.Event) error { panic("bad subscriber") })
	bus.SubscribeAll(func(events.Event) error { return errors.New("nope") })
	delivered := false
	bus.SubscribeAll(func(events.Event) error {
		delivered = true
		return nil
	})

	bus.Publish(bus.NewEquityEvent(types.EquityPoint{Value: decimal.NewFromInt(1)}))
	if !delivered {
		t.Fatal("healthy subscriber starved by failing ones")
	}
	if got := bus.GetStats().ProcessingErrors; got != 2 {
		t.Errorf("processing errors = %d, want 2", got)
	}
}

func TestAsyncBusDrainsOnStop(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.EventBusConfig{Async: true, BufferSize: 100})

	var mu sync.Mutex
	var ids []string
	bus.SubscribeAll(func(e events.Event) error {
		mu.Lock()
		ids = append(ids, e.GetID())
		mu.Unlock()
		return nil
	})

	for i := 0; i < 50; i++ {
		bus.Publish(bus.NewEquityEvent(types.EquityPoint{Timestamp: time.Unix(int64(i), 0)}))
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 50 {
		t.Fatalf("delivered %d events, want 50", len(ids))
	}
	if ids[0] != "evt_1" || ids[49] != "evt_50" {
		t.Errorf("delivery out of order: first %s last %s", ids[0], ids[49])
	}

	bus.Publish(bus.NewEquityEvent(types.EquityPoint{}))
	if got := bus.GetStats().EventsDropped; got != 1 {
		t.Errorf("dropped = %d, want 1 after stop", got)
	}
}

type fakeSource struct {
	orders []func(types.Order) error
	fills  []func(types.Fill) error
	pos    []func(types.Position) error
	trades []func(types.Trade) error
}

func (f *fakeSource) OnOrder(fn func(types.Order) error)       { f.orders = append(f.orders, fn) }
func (f *fakeSource) OnFill(fn func(types.Fill) error)         { f.fills = append(f.fills, fn) }
func (f *fakeSource) OnPosition(fn func(types.Position) error) { f.pos = append(f.pos, fn) }
func (f *fakeSource) OnTrade(fn func(types.Trade) error)       { f.trades = append(f.trades, fn) }

func TestForward(t *testing.T) {
	bus := events.NewEventBus(zap.NewNop(), events.DefaultEventBusConfig())
	src := &fakeSource{}
	bus.Forward(src)

	var got []events.Event
	bus.SubscribeAll(func(e events.Event) error {
		got = append(got, e)
		return nil
	})

	_ = src.orders[0](types.Order{ID: "o1", Status: types.OrderStatusCancelled})
	_ = src.pos[0](types.Position{Symbol: "BTC"})

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	oe, ok := got[0].(*events.OrderEvent)
	if !ok || oe.Type != events.EventTypeOrderCancelled || oe.Order.ID != "o1" {
		t.Errorf("first event = %#v", got[0])
	}
	if pe, ok := got[1].(*events.PositionEvent); !ok || pe.Position.Symbol != "BTC" {
		t.Errorf("second event = %#v", got[1])
	}
}
