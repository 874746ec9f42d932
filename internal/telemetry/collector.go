// Package telemetry exports engine activity as Prometheus metrics.
package telemetry

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/atlas-desktop/trading-engine/internal/events"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "tradecore"

// Collector turns bus events into counters and gauges
type Collector struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	orders     *prometheus.CounterVec
	fills      *prometheus.CounterVec
	commission prometheus.Counter
	trades     *prometheus.CounterVec
	realized   prometheus.Gauge
	equity     prometheus.Gauge
	cash       prometheus.Gauge
	positions  prometheus.Gauge
	alerts     *prometheus.CounterVec

	mu   sync.Mutex
	open map[string]bool
}

// NewCollector creates a collector with its own registry
func NewCollector(logger *zap.Logger) (*Collector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger:   logger.Named("telemetry"),
		registry: prometheus.NewRegistry(),
		open:     make(map[string]bool),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "Order status transitions by status.",
		}, []string{"status"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fills_total",
			Help:      "Executions by symbol and side.",
		}, []string{"symbol", "side"}),
		commission: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_paid_total",
			Help:      "Commission paid across all fills.",
		}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Closed round trips by result.",
		}, []string{"result"}),
		realized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realized_pnl",
			Help:      "Net realized profit and loss of closed trades.",
		}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "equity",
			Help:      "Portfolio value at the last recorded equity point.",
		}),
		cash: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cash",
			Help:      "Cash at the last recorded equity point.",
		}),
		positions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Symbols with a non-zero position.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_alerts_total",
			Help:      "Risk alerts by level.",
		}, []string{"level"}),
	}

	for _, m := range []prometheus.Collector{
		c.orders, c.fills, c.commission, c.trades, c.realized,
		c.equity, c.cash, c.positions, c.alerts,
	} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// Attach subscribes the collector to every event on bus.
func (c *Collector) Attach(bus *events.EventBus) *events.Subscription {
	return bus.SubscribeAll(c.Handle)
}

// Handle updates metrics for one event.
func (c *Collector) Handle(e events.Event) error {
	switch ev := e.(type) {
	case *events.OrderEvent:
		c.orders.WithLabelValues(string(ev.Order.Status)).Inc()
	case *events.FillEvent:
		c.fills.WithLabelValues(ev.Fill.Symbol, string(ev.Fill.Side)).Inc()
		c.commission.Add(ev.Fill.Commission.InexactFloat64())
	case *events.TradeEvent:
		result := "loss"
		if ev.Trade.PnL.IsPositive() {
			result = "win"
		}
		c.trades.WithLabelValues(result).Inc()
		c.realized.Add(ev.Trade.PnL.InexactFloat64())
	case *events.PositionEvent:
		c.mu.Lock()
		if ev.Position.Size.IsZero() {
			delete(c.open, ev.Position.Symbol)
		} else {
			c.open[ev.Position.Symbol] = true
		}
		c.positions.Set(float64(len(c.open)))
		c.mu.Unlock()
	case *events.EquityEvent:
		c.equity.Set(ev.Point.Value.InexactFloat64())
		c.cash.Set(ev.Point.Cash.InexactFloat64())
	case *events.RiskAlertEvent:
		c.alerts.WithLabelValues(string(ev.Level)).Inc()
	default:
		c.logger.Debug("Ignoring event", zap.String("type", string(e.GetType())))
	}
	return nil
}

// OrdersCounter returns the counter for one order status.
func (c *Collector) OrdersCounter(status types.OrderStatus) prometheus.Counter {
	return c.orders.WithLabelValues(string(status))
}

// OpenPositions returns the open positions gauge.
func (c *Collector) OpenPositions() prometheus.Gauge { return c.positions }

// Equity returns the equity gauge.
func (c *Collector) Equity() prometheus.Gauge { return c.equity }

// Registry exposes the registry the metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
