package execution_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func bar(ts time.Time, open, high, low, close string) types.Bar {
	return types.Bar{
		Timestamp: ts,
		Open:      d(open),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
		Volume:    d("1000"),
	}
}

func working(side types.OrderSide, typ types.OrderType) *types.Order {
	return &types.Order{
		ID:       "o1",
		Symbol:   "BTC",
		Side:     side,
		Type:     typ,
		Quantity: d("1"),
		Status:   types.OrderStatusSubmitted,
	}
}

func TestFillModelRules(t *testing.T) {
	model := execution.NewFillModel(execution.NewFixedSlippage(d("0.01")), d("0.001"))

	tests := []struct {
		name      string
		order     func() *types.Order
		bar       types.Bar
		wantFill  bool
		wantPrice string
	}{
		{
			name:      "market buy slips up from close",
			order:     func() *types.Order { return working(types.OrderSideBuy, types.OrderTypeMarket) },
			bar:       bar(t0, "99", "101", "98", "100"),
			wantFill:  true,
			wantPrice: "101",
		},
		{
			name:      "market sell slips down from close",
			order:     func() *types.Order { return working(types.OrderSideSell, types.OrderTypeMarket) },
			bar:       bar(t0, "99", "101", "98", "100"),
			wantFill:  true,
			wantPrice: "99",
		},
		{
			name: "limit buy above the bar does not fill",
			order: func() *types.Order {
				o := working(types.OrderSideBuy, types.OrderTypeLimit)
				o.Price = d("95")
				return o
			},
			bar:      bar(t0, "97", "99", "96", "98"),
			wantFill: false,
		},
		{
			name: "limit buy fills at limit without slippage",
			order: func() *types.Order {
				o := working(types.OrderSideBuy, types.OrderTypeLimit)
				o.Price = d("95")
				return o
			},
			bar:       bar(t0, "97", "99", "94", "96"),
			wantFill:  true,
			wantPrice: "95",
		},
		{
			name: "limit sell fills when high reaches price",
			order: func() *types.Order {
				o := working(types.OrderSideSell, types.OrderTypeLimit)
				o.Price = d("110")
				return o
			},
			bar:       bar(t0, "105", "110", "104", "108"),
			wantFill:  true,
			wantPrice: "110",
		},
		{
			name: "buy stop triggers on high and slips",
			order: func() *types.Order {
				o := working(types.OrderSideBuy, types.OrderTypeStop)
				o.StopPrice = d("105")
				return o
			},
			bar:       bar(t0, "100", "106", "99", "104"),
			wantFill:  true,
			wantPrice: "106.05",
		},
		{
			name: "sell stop waits until low reaches stop",
			order: func() *types.Order {
				o := working(types.OrderSideSell, types.OrderTypeStop)
				o.StopPrice = d("95")
				return o
			},
			bar:      bar(t0, "100", "101", "96", "97"),
			wantFill: false,
		},
		{
			name: "stop-limit triggered and limit reachable",
			order: func() *types.Order {
				o := working(types.OrderSideSell, types.OrderTypeStopLimit)
				o.StopPrice = d("95")
				o.Price = d("94")
				return o
			},
			bar:       bar(t0, "96", "96", "93", "93"),
			wantFill:  true,
			wantPrice: "94",
		},
		{
			name: "stop-limit triggered but limit out of range stays pending",
			order: func() *types.Order {
				o := working(types.OrderSideSell, types.OrderTypeStopLimit)
				o.StopPrice = d("95")
				o.Price = d("94")
				return o
			},
			bar:      bar(t0, "93.5", "93.5", "90", "91"),
			wantFill: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := tt.order()
			fill, ok := model.Evaluate(order, tt.bar)
			if ok != tt.wantFill {
				t.Fatalf("fill = %v, want %v", ok, tt.wantFill)
			}
			if model.ShouldFill(order, tt.bar) != tt.wantFill {
				t.Fatalf("ShouldFill disagrees with Evaluate")
			}
			if !ok {
				return
			}
			if !fill.Price.Equal(d(tt.wantPrice)) {
				t.Errorf("price = %s, want %s", fill.Price, tt.wantPrice)
			}
			wantCommission := fill.Price.Mul(fill.Quantity).Mul(d("0.001"))
			if !fill.Commission.Equal(wantCommission) {
				t.Errorf("commission = %s, want %s", fill.Commission, wantCommission)
			}
		})
	}
}

func TestTrailingStopRatchets(t *testing.T) {
	model := execution.NewFillModel(nil, decimal.Zero)
	order := working(types.OrderSideSell, types.OrderTypeTrailingStop)
	order.TrailPercent = d("0.1")

	model.Trail(order, bar(t0, "100", "100", "95", "98"))
	if !order.StopPrice.Equal(d("90")) {
		t.Fatalf("stop = %s, want 90", order.StopPrice)
	}
	model.Trail(order, bar(t0, "100", "110", "99", "108"))
	if !order.StopPrice.Equal(d("99")) {
		t.Fatalf("stop = %s, want 99", order.StopPrice)
	}
	model.Trail(order, bar(t0, "108", "105", "100", "101"))
	if !order.StopPrice.Equal(d("99")) {
		t.Fatalf("stop loosened to %s", order.StopPrice)
	}

	if _, ok := model.Evaluate(order, bar(t0, "101", "102", "98", "98")); !ok {
		t.Fatal("expected trailing stop to trigger at 99")
	}
}

func TestApplyFillTracksAverageAndStatus(t *testing.T) {
	order := working(types.OrderSideBuy, types.OrderTypeLimit)
	order.Quantity = d("4")

	execution.ApplyFill(order, types.Fill{Quantity: d("1"), Price: d("100"), Commission: d("0.1"), Timestamp: t0})
	if order.Status != types.OrderStatusPartiallyFilled {
		t.Fatalf("status = %s, want partially_filled", order.Status)
	}

	execution.ApplyFill(order, types.Fill{Quantity: d("3"), Price: d("104"), Commission: d("0.3"), Timestamp: t0})
	if order.Status != types.OrderStatusFilled {
		t.Fatalf("status = %s, want filled", order.Status)
	}
	if !order.AvgFillPrice.Equal(d("103")) {
		t.Errorf("avg = %s, want 103", order.AvgFillPrice)
	}
	if !order.Commission.Equal(d("0.4")) {
		t.Errorf("commission = %s, want 0.4", order.Commission)
	}
	if order.FilledAt == nil {
		t.Error("FilledAt not set")
	}
}

func TestApplyFillPanicsOnOverfill(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overfill")
		}
	}()
	order := working(types.OrderSideBuy, types.OrderTypeMarket)
	execution.ApplyFill(order, types.Fill{Quantity: d("2"), Price: d("100"), Timestamp: t0})
}

func TestNewSlippageModel(t *testing.T) {
	if _, err := execution.NewSlippageModel(types.SlippageConfig{Model: "bogus"}); err == nil {
		t.Error("expected error for unknown model")
	}

	m, err := execution.NewSlippageModel(types.SlippageConfig{
		Model:        types.SlippageModelVolumeWeighted,
		Rate:         d("0.001"),
		ImpactFactor: d("0.1"),
	})
	if err != nil {
		t.Fatalf("NewSlippageModel: %v", err)
	}
	order := working(types.OrderSideBuy, types.OrderTypeMarket)
	order.Quantity = d("10")
	// participation 10/1000 -> sqrt 0.1 -> impact 0.01
	if got := m.Rate(order, bar(t0, "1", "1", "1", "1")); !got.Equal(d("0.011")) {
		t.Errorf("rate = %s, want 0.011", got)
	}
}
