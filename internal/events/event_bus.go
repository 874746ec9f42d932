// Package events fans engine notifications out to persistence, metrics and
// streaming subscribers.
package events

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// EventType defines the category of event
type EventType string

const (
	// Order lifecycle events
	EventTypeOrderSubmitted EventType = "order_submitted"
	EventTypeOrderUpdated   EventType = "order_updated"
	EventTypeOrderFilled    EventType = "order_filled"
	EventTypeOrderCancelled EventType = "order_cancelled"
	EventTypeOrderRejected  EventType = "order_rejected"
	EventTypeOrderExpired   EventType = "order_expired"

	// Execution and portfolio events
	EventTypeFill     EventType = "fill"
	EventTypePosition EventType = "position"
	EventTypeTrade    EventType = "trade"
	EventTypeEquity   EventType = "equity"

	// Risk events
	EventTypeRiskAlert EventType = "risk_alert"
)

// OrderEventType maps an order status to the event announcing it.
func OrderEventType(status types.OrderStatus) EventType {
	switch status {
	case types.OrderStatusSubmitted:
		return EventTypeOrderSubmitted
	case types.OrderStatusFilled:
		return EventTypeOrderFilled
	case types.OrderStatusCancelled:
		return EventTypeOrderCancelled
	case types.OrderStatusRejected:
		return EventTypeOrderRejected
	case types.OrderStatusExpired:
		return EventTypeOrderExpired
	}
	return EventTypeOrderUpdated
}

// Event is the base interface for all engine events
type Event interface {
	GetType() EventType
	GetTimestamp() time.Time
	GetID() string
}

// BaseEvent provides common event functionality
type BaseEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *BaseEvent) GetType() EventType      { return e.Type }
func (e *BaseEvent) GetTimestamp() time.Time { return e.Timestamp }
func (e *BaseEvent) GetID() string           { return e.ID }

// OrderEvent carries a full order snapshot
type OrderEvent struct {
	BaseEvent
	Order types.Order `json:"order"`
}

// FillEvent carries one execution
type FillEvent struct {
	BaseEvent
	Fill types.Fill `json:"fill"`
}

// PositionEvent carries the position after a fill; Size is zero once closed
type PositionEvent struct {
	BaseEvent
	Position types.Position `json:"position"`
}

// TradeEvent carries a closed round trip
type TradeEvent struct {
	BaseEvent
	Trade types.Trade `json:"trade"`
}

// EquityEvent carries a recorded equity point
type EquityEvent struct {
	BaseEvent
	Point types.EquityPoint `json:"point"`
}

// RiskAlertEvent reports a risk-driven action such as an automatic exit
type RiskAlertEvent struct {
	BaseEvent
	Symbol  string          `json:"symbol,omitempty"`
	Level   types.RiskLevel `json:"level,omitempty"`
	Message string          `json:"message"`
}

// EventHandler processes events
type EventHandler func(event Event) error

// EventFilter filters events before processing
type EventFilter func(event Event) bool

// Subscription represents an active subscription
type Subscription struct {
	ID        string
	EventType EventType
	Handler   EventHandler
	Filter    EventFilter
	active    atomic.Bool
}

// IsActive returns whether the subscription is active
func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// EventBusStats contains bus counters
type EventBusStats struct {
	EventsPublished   int64 `json:"eventsPublished"`
	EventsProcessed   int64 `json:"eventsProcessed"`
	EventsDropped     int64 `json:"eventsDropped"`
	ProcessingErrors  int64 `json:"processingErrors"`
	ActiveSubscribers int64 `json:"activeSubscribers"`
}

// EventBusConfig configures delivery. With Async false every Publish runs
// the handlers on the caller's goroutine, which keeps simulations
// deterministic. Async buses deliver from one worker in publish order.
type EventBusConfig struct {
	Async      bool `json:"async"`
	BufferSize int  `json:"bufferSize"`
}

// DefaultEventBusConfig returns a synchronous bus
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		BufferSize: 10000,
	}
}

// EventBus routes events to subscribers
type EventBus struct {
	mu             sync.RWMutex
	subscribers    map[EventType][]*Subscription
	allSubscribers []*Subscription

	async     bool
	eventChan chan Event

	eventsPublished   atomic.Int64
	eventsProcessed   atomic.Int64
	eventsDropped     atomic.Int64
	processingErrors  atomic.Int64
	activeSubscribers atomic.Int64
	subCounter        atomic.Int64
	eventCounter      atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewEventBus creates an event bus; async buses start their worker here.
func NewEventBus(logger *zap.Logger, config EventBusConfig) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}

	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		subscribers: make(map[EventType][]*Subscription),
		async:       config.Async,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("events"),
	}

	if eb.async {
		eb.eventChan = make(chan Event, bufferSize)
		eb.wg.Add(1)
		go eb.worker()
	}

	eb.logger.Debug("EventBus initialized",
		zap.Bool("async", eb.async),
		zap.Int("bufferSize", bufferSize))
	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.ctx.Done():
			// drain what was accepted before Stop
			for {
				select {
				case event := <-eb.eventChan:
					eb.processEvent(event)
				default:
					return
				}
			}
		case event := <-eb.eventChan:
			eb.processEvent(event)
		}
	}
}

func (eb *EventBus) processEvent(event Event) {
	eb.mu.RLock()
	subs := eb.subscribers[event.GetType()]
	allSubs := eb.allSubscribers
	eb.mu.RUnlock()

	for _, sub := range subs {
		eb.dispatch(sub, event)
	}
	for _, sub := range allSubs {
		eb.dispatch(sub, event)
	}
	eb.eventsProcessed.Add(1)
}

func (eb *EventBus) dispatch(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return
	}
	eb.executeHandler(sub, event)
}

func (eb *EventBus) executeHandler(sub *Subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.processingErrors.Add(1)
			eb.logger.Error("Event handler panic",
				zap.String("subscriptionId", sub.ID),
				zap.String("eventType", string(event.GetType())),
				zap.Any("panic", r))
		}
	}()

	if err := sub.Handler(event); err != nil {
		eb.processingErrors.Add(1)
		eb.logger.Warn("Event handler error",
			zap.String("subscriptionId", sub.ID),
			zap.String("eventType", string(event.GetType())),
			zap.Error(err))
	}
}

// Subscribe registers a handler for an event type
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler, filter ...EventFilter) *Subscription {
	sub := eb.newSubscription(eventType, handler, filter)

	eb.mu.Lock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], sub)
	eb.mu.Unlock()
	return sub
}

// SubscribeAll registers a handler for all event types
func (eb *EventBus) SubscribeAll(handler EventHandler, filter ...EventFilter) *Subscription {
	sub := eb.newSubscription("*", handler, filter)

	eb.mu.Lock()
	eb.allSubscribers = append(eb.allSubscribers, sub)
	eb.mu.Unlock()
	return sub
}

func (eb *EventBus) newSubscription(eventType EventType, handler EventHandler, filter []EventFilter) *Subscription {
	sub := &Subscription{
		ID:        "sub_" + strconv.FormatInt(eb.subCounter.Add(1), 10),
		EventType: eventType,
		Handler:   handler,
	}
	if len(filter) > 0 {
		sub.Filter = filter[0]
	}
	sub.active.Store(true)
	eb.activeSubscribers.Add(1)

	eb.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("eventType", string(eventType)))
	return sub
}

// Unsubscribe deactivates a subscription and drops it from the routing table
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	eb.activeSubscribers.Add(-1)

	eb.mu.Lock()
	defer eb.mu.Unlock()
	remove := func(list []*Subscription) []*Subscription {
		out := list[:0:0]
		for _, s := range list {
			if s != sub {
				out = append(out, s)
			}
		}
		return out
	}
	if sub.EventType == "*" {
		eb.allSubscribers = remove(eb.allSubscribers)
	} else {
		eb.subscribers[sub.EventType] = remove(eb.subscribers[sub.EventType])
	}
}

// Publish delivers an event. Async buses queue it and drop it, counted,
// when the buffer is full or the bus is stopped.
func (eb *EventBus) Publish(event Event) {
	eb.eventsPublished.Add(1)
	if !eb.async {
		eb.processEvent(event)
		return
	}
	if eb.ctx.Err() != nil {
		eb.eventsDropped.Add(1)
		return
	}
	select {
	case eb.eventChan <- event:
	default:
		eb.eventsDropped.Add(1)
		eb.logger.Warn("Event dropped - buffer full",
			zap.String("eventType", string(event.GetType())))
	}
}

// PublishSync delivers an event on the caller's goroutine
func (eb *EventBus) PublishSync(event Event) {
	eb.eventsPublished.Add(1)
	eb.processEvent(event)
}

// GetStats returns current counters
func (eb *EventBus) GetStats() EventBusStats {
	return EventBusStats{
		EventsPublished:   eb.eventsPublished.Load(),
		EventsProcessed:   eb.eventsProcessed.Load(),
		EventsDropped:     eb.eventsDropped.Load(),
		ProcessingErrors:  eb.processingErrors.Load(),
		ActiveSubscribers: eb.activeSubscribers.Load(),
	}
}

// Stop drains queued events and shuts the worker down
func (eb *EventBus) Stop() {
	eb.closeOnce.Do(func() {
		eb.cancel()

		done := make(chan struct{})
		go func() {
			eb.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			eb.logger.Debug("EventBus stopped",
				zap.Int64("eventsProcessed", eb.eventsProcessed.Load()),
				zap.Int64("eventsDropped", eb.eventsDropped.Load()))
		case <-time.After(5 * time.Second):
			eb.logger.Warn("EventBus shutdown timed out")
		}
	})
}

func (eb *EventBus) nextID() string {
	return "evt_" + strconv.FormatInt(eb.eventCounter.Add(1), 10)
}

func (eb *EventBus) base(t EventType, ts time.Time) BaseEvent {
	return BaseEvent{ID: eb.nextID(), Type: t, Timestamp: ts}
}

// NewOrderEvent creates an event announcing the order's current status
func (eb *EventBus) NewOrderEvent(order types.Order) *OrderEvent {
	return &OrderEvent{BaseEvent: eb.base(OrderEventType(order.Status), order.UpdatedAt), Order: order}
}

// NewFillEvent creates a fill event
func (eb *EventBus) NewFillEvent(fill types.Fill) *FillEvent {
	return &FillEvent{BaseEvent: eb.base(EventTypeFill, fill.Timestamp), Fill: fill}
}

// NewPositionEvent creates a position event
func (eb *EventBus) NewPositionEvent(pos types.Position) *PositionEvent {
	return &PositionEvent{BaseEvent: eb.base(EventTypePosition, pos.UpdatedAt), Position: pos}
}

// NewTradeEvent creates a trade event
func (eb *EventBus) NewTradeEvent(trade types.Trade) *TradeEvent {
	return &TradeEvent{BaseEvent: eb.base(EventTypeTrade, trade.ExitTime), Trade: trade}
}

// NewEquityEvent creates an equity event
func (eb *EventBus) NewEquityEvent(pt types.EquityPoint) *EquityEvent {
	return &EquityEvent{BaseEvent: eb.base(EventTypeEquity, pt.Timestamp), Point: pt}
}

// NewRiskAlertEvent creates a risk alert
func (eb *EventBus) NewRiskAlertEvent(symbol string, level types.RiskLevel, message string, ts time.Time) *RiskAlertEvent {
	return &RiskAlertEvent{BaseEvent: eb.base(EventTypeRiskAlert, ts), Symbol: symbol, Level: level, Message: message}
}

// Observable is anything that reports order lifecycle notifications
type Observable interface {
	OnOrder(func(types.Order) error)
	OnFill(func(types.Fill) error)
	OnPosition(func(types.Position) error)
	OnTrade(func(types.Trade) error)
}

// Forward publishes every notification from src on the bus
func (eb *EventBus) Forward(src Observable) {
	src.OnOrder(func(o types.Order) error {
		eb.Publish(eb.NewOrderEvent(o))
		return nil
	})
	src.OnFill(func(f types.Fill) error {
		eb.Publish(eb.NewFillEvent(f))
		return nil
	})
	src.OnPosition(func(p types.Position) error {
		eb.Publish(eb.NewPositionEvent(p))
		return nil
	})
	src.OnTrade(func(t types.Trade) error {
		eb.Publish(eb.NewTradeEvent(t))
		return nil
	})
}
