package execution_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/internal/ledger"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type harness struct {
	manager   *execution.OrderManager
	portfolio *ledger.Portfolio
	clock     *execution.ManualClock
}

func newHarness(t *testing.T, capital, commission string, opts ...execution.Option) *harness {
	t.Helper()
	clock := execution.NewManualClock(t0)
	portfolio := ledger.NewPortfolio(d(capital))
	model := execution.NewFillModel(execution.NoSlippage{}, d(commission))
	opts = append([]execution.Option{
		execution.WithClock(clock),
		execution.WithIDs(execution.NewSequentialIDs(t.Name())),
	}, opts...)
	return &harness{
		manager:   execution.NewOrderManager(zap.NewNop(), portfolio, model, opts...),
		portfolio: portfolio,
		clock:     clock,
	}
}

func (h *harness) bar(ts time.Time, open, high, low, close string) {
	h.clock.Set(ts)
	h.manager.ProcessBar("BTC", bar(ts, open, high, low, close))
}

func market(side types.OrderSide, qty string) types.Order {
	return types.Order{Symbol: "BTC", Side: side, Type: types.OrderTypeMarket, Quantity: d(qty)}
}

func limit(side types.OrderSide, qty, price string) types.Order {
	return types.Order{Symbol: "BTC", Side: side, Type: types.OrderTypeLimit, Quantity: d(qty), Price: d(price)}
}

type denyGate struct {
	limit string
}

func (g denyGate) ShouldOpenPosition(types.PortfolioSnapshot, string, types.OrderSide, decimal.Decimal) types.RiskDecision {
	return types.RiskDecision{Allowed: false, Limit: g.limit, Reason: "weight 50.00% exceeds 2.00%"}
}

func TestMarketRoundTripAccounting(t *testing.T) {
	h := newHarness(t, "10000", "0.001")

	h.bar(t0, "100", "100", "100", "100")
	buy, err := h.manager.Submit(market(types.OrderSideBuy, "1"))
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if buy.Status != types.OrderStatusFilled || !buy.AvgFillPrice.Equal(d("100")) {
		t.Fatalf("buy = %s @ %s, want filled @ 100", buy.Status, buy.AvgFillPrice)
	}

	h.bar(t0.Add(time.Hour), "110", "110", "110", "110")
	sell, err := h.manager.Submit(market(types.OrderSideSell, "1"))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !sell.Commission.Equal(d("0.11")) {
		t.Errorf("sell commission = %s, want 0.11", sell.Commission)
	}

	trades := h.portfolio.Trades()
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	if !trades[0].PnL.Equal(d("9.79")) {
		t.Errorf("pnl = %s, want 9.79", trades[0].PnL)
	}
	if !h.portfolio.TotalValue().Equal(d("10009.79")) {
		t.Errorf("final value = %s, want 10009.79", h.portfolio.TotalValue())
	}
	if _, ok := h.manager.GetPosition("BTC"); ok {
		t.Error("position should be closed")
	}
}

func TestLimitBuyWaitsForPrice(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "97", "98", "96", "97")

	placed, err := h.manager.Submit(limit(types.OrderSideBuy, "1", "95"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	h.bar(t0.Add(time.Hour), "97", "99", "96", "98")
	if o, _ := h.manager.GetOrder(placed.ID); o.Status != types.OrderStatusSubmitted {
		t.Fatalf("status after [96,99] = %s, want submitted", o.Status)
	}

	h.bar(t0.Add(2*time.Hour), "96", "97", "94", "95.5")
	o, _ := h.manager.GetOrder(placed.ID)
	if o.Status != types.OrderStatusFilled {
		t.Fatalf("status after low 94 = %s, want filled", o.Status)
	}
	if !o.AvgFillPrice.Equal(d("95")) {
		t.Errorf("fill price = %s, want 95", o.AvgFillPrice)
	}
}

func TestRestingOrderSkipsArrivalBar(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "96", "97", "94", "95")

	placed, _ := h.manager.Submit(limit(types.OrderSideBuy, "1", "95"))
	h.manager.ProcessBar("BTC", bar(t0, "96", "97", "94", "95"))
	if o, _ := h.manager.GetOrder(placed.ID); o.Status != types.OrderStatusSubmitted {
		t.Fatalf("limit filled against its arrival bar: %s", o.Status)
	}
}

func TestValidationRejects(t *testing.T) {
	tests := []struct {
		name  string
		order types.Order
		field string
	}{
		{"zero quantity", market(types.OrderSideBuy, "0"), "quantity"},
		{"negative quantity", market(types.OrderSideBuy, "-1"), "quantity"},
		{"limit without price", types.Order{Symbol: "BTC", Side: types.OrderSideBuy, Type: types.OrderTypeLimit, Quantity: d("1")}, "price"},
		{"stop without stop price", types.Order{Symbol: "BTC", Side: types.OrderSideSell, Type: types.OrderTypeStop, Quantity: d("1")}, "stop_price"},
		{"stop-limit without stop price", types.Order{Symbol: "BTC", Side: types.OrderSideBuy, Type: types.OrderTypeStopLimit, Quantity: d("1"), Price: d("10")}, "stop_price"},
		{"reduce-only without position", types.Order{Symbol: "BTC", Side: types.OrderSideSell, Type: types.OrderTypeMarket, Quantity: d("1"), ReduceOnly: true}, "reduce_only"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "10000", "0")
			h.bar(t0, "100", "100", "100", "100")

			placed, err := h.manager.Submit(tt.order)
			var verr *execution.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %s, want %s", verr.Field, tt.field)
			}
			if placed.Status != types.OrderStatusRejected || placed.Reason == "" {
				t.Errorf("order = %s (%q), want rejected with reason", placed.Status, placed.Reason)
			}
			if !h.portfolio.Cash().Equal(d("10000")) {
				t.Error("rejection moved cash")
			}
		})
	}
}

func TestInsufficientBuyingPower(t *testing.T) {
	h := newHarness(t, "150", "0.001")
	h.bar(t0, "100", "100", "100", "100")

	_, err := h.manager.Submit(market(types.OrderSideBuy, "2"))
	var rerr *execution.InsufficientResourceError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want InsufficientResourceError", err)
	}
	if rerr.Resource != "buying power" {
		t.Errorf("resource = %s", rerr.Resource)
	}
	if !rerr.Shortfall().Equal(d("50.2")) {
		t.Errorf("shortfall = %s, want 50.2", rerr.Shortfall())
	}
	if !strings.Contains(err.Error(), "need 200.20, have 150.00") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestInsufficientHoldingsWithoutShorting(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")
	if _, err := h.manager.Submit(market(types.OrderSideBuy, "1")); err != nil {
		t.Fatalf("buy: %v", err)
	}

	_, err := h.manager.Submit(market(types.OrderSideSell, "3"))
	var rerr *execution.InsufficientResourceError
	if !errors.As(err, &rerr) || rerr.Resource != "position" {
		t.Fatalf("err = %v, want position shortfall", err)
	}
	if !rerr.Shortfall().Equal(d("2")) {
		t.Errorf("shortfall = %s, want 2", rerr.Shortfall())
	}
}

func TestShortingWhenAllowed(t *testing.T) {
	cfg := execution.DefaultManagerConfig()
	cfg.AllowShort = true
	h := newHarness(t, "1000", "0", execution.WithConfig(cfg))
	h.bar(t0, "100", "100", "100", "100")

	if _, err := h.manager.Submit(market(types.OrderSideSell, "2")); err != nil {
		t.Fatalf("short: %v", err)
	}
	pos, ok := h.manager.GetPosition("BTC")
	if !ok || !pos.Size.Equal(d("-2")) {
		t.Fatalf("position = %v, want -2", pos.Size)
	}
}

func TestRiskGateRejection(t *testing.T) {
	h := newHarness(t, "10000", "0", execution.WithRiskGate(denyGate{limit: types.LimitPositionSize}))
	h.bar(t0, "100", "100", "100", "100")

	placed, err := h.manager.Submit(market(types.OrderSideBuy, "50"))
	var rr *execution.RiskRejection
	if !errors.As(err, &rr) {
		t.Fatalf("err = %v, want RiskRejection", err)
	}
	if rr.Limit != types.LimitPositionSize {
		t.Errorf("limit = %s", rr.Limit)
	}
	if placed.Status != types.OrderStatusRejected {
		t.Errorf("status = %s", placed.Status)
	}
	if len(h.portfolio.Positions()) != 0 {
		t.Error("rejected order opened a position")
	}
}

func TestRiskGateSkipsReducingOrders(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")
	if _, err := h.manager.Submit(market(types.OrderSideBuy, "5")); err != nil {
		t.Fatalf("buy: %v", err)
	}

	gated := newHarnessFrom(h, denyGate{limit: types.LimitExposure})
	if _, err := gated.Submit(market(types.OrderSideSell, "5")); err != nil {
		t.Fatalf("closing sell should bypass the gate: %v", err)
	}
}

// newHarnessFrom builds a second manager over the same book with a gate.
func newHarnessFrom(h *harness, gate execution.RiskGate) *execution.OrderManager {
	m := execution.NewOrderManager(zap.NewNop(), h.portfolio,
		execution.NewFillModel(nil, decimal.Zero),
		execution.WithClock(h.clock), execution.WithRiskGate(gate))
	m.ProcessBar("BTC", bar(h.clock.Now(), "100", "100", "100", "100"))
	return m
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")
	placed, _ := h.manager.Submit(limit(types.OrderSideBuy, "1", "90"))

	if err := h.manager.Cancel(placed.ID); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	before := h.portfolio.Snapshot()

	err := h.manager.Cancel(placed.ID)
	if !errors.Is(err, execution.ErrOrderTerminal) {
		t.Fatalf("second cancel = %v, want ErrOrderTerminal", err)
	}
	if !h.portfolio.Snapshot().Cash.Equal(before.Cash) {
		t.Error("second cancel changed the ledger")
	}
	if o, _ := h.manager.GetOrder(placed.ID); o.Status != types.OrderStatusCancelled {
		t.Errorf("status = %s", o.Status)
	}
	if err := h.manager.Cancel("missing"); !errors.Is(err, execution.ErrOrderNotFound) {
		t.Errorf("unknown cancel = %v", err)
	}

	h.bar(t0.Add(time.Hour), "85", "86", "80", "85")
	if len(h.portfolio.Positions()) != 0 {
		t.Error("cancelled order filled")
	}
}

func TestCancelFilledOrderFails(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")
	placed, _ := h.manager.Submit(market(types.OrderSideBuy, "1"))

	if err := h.manager.Cancel(placed.ID); !errors.Is(err, execution.ErrOrderTerminal) {
		t.Fatalf("cancel filled = %v, want ErrOrderTerminal", err)
	}
	if pos, _ := h.manager.GetPosition("BTC"); !pos.Size.Equal(d("1")) {
		t.Error("cancel rolled back a fill")
	}
}

func TestModifyReplacesOrder(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")
	placed, _ := h.manager.Submit(limit(types.OrderSideBuy, "1", "95"))

	qty, price := d("2"), d("96")
	replacement, err := h.manager.Modify(placed.ID, &qty, &price)
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if replacement.ParentOrderID != placed.ID {
		t.Errorf("parent = %s, want %s", replacement.ParentOrderID, placed.ID)
	}
	if !replacement.Quantity.Equal(qty) || !replacement.Price.Equal(price) {
		t.Errorf("replacement = %s @ %s", replacement.Quantity, replacement.Price)
	}
	if old, _ := h.manager.GetOrder(placed.ID); old.Status != types.OrderStatusCancelled {
		t.Errorf("old status = %s", old.Status)
	}

	if _, err := h.manager.Modify(placed.ID, &qty, nil); !errors.Is(err, execution.ErrOrderTerminal) {
		t.Fatalf("modify of cancelled order = %v", err)
	}
	if got := len(h.manager.GetOrderHistory("", 0)); got != 2 {
		t.Errorf("history = %d orders, want 2 (failed modify must not create orders)", got)
	}
}

func TestModifyKeepsOriginalWhenReplacementInvalid(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")
	placed, _ := h.manager.Submit(limit(types.OrderSideBuy, "1", "95"))

	tests := []struct {
		name string
		qty  decimal.Decimal
	}{
		{"exceeds buying power", d("1000")},
		{"zero quantity", d("0")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qty := tt.qty
			got, err := h.manager.Modify(placed.ID, &qty, nil)
			if err == nil {
				t.Fatal("modify should fail")
			}
			if got.ID != placed.ID || got.Status != types.OrderStatusSubmitted {
				t.Errorf("returned %s (%s), want the original still submitted", got.ID, got.Status)
			}
			if old, _ := h.manager.GetOrder(placed.ID); old.Status != types.OrderStatusSubmitted {
				t.Errorf("original status = %s, want submitted", old.Status)
			}
			if open := h.manager.GetOpenOrders(""); len(open) != 1 || open[0].ID != placed.ID {
				t.Errorf("open orders = %d, want only the original", len(open))
			}
		})
	}

	var rerr *execution.InsufficientResourceError
	qty := d("1000")
	if _, err := h.manager.Modify(placed.ID, &qty, nil); !errors.As(err, &rerr) || rerr.Resource != "buying power" {
		t.Errorf("err = %v, want insufficient buying power", err)
	}
	if got := len(h.manager.GetOrderHistory("", 0)); got != 1 {
		t.Errorf("history = %d orders, want 1", got)
	}

	// The original still fills once price reaches the limit
	h.bar(t0.Add(time.Hour), "96", "96", "94", "95")
	if o, _ := h.manager.GetOrder(placed.ID); o.Status != types.OrderStatusFilled {
		t.Errorf("original status after bar = %s, want filled", o.Status)
	}
}

func TestBracketTimeoutCreatesNoLegs(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")

	res, err := h.manager.CreateBracket(context.Background(), execution.BracketRequest{
		Symbol:     "BTC",
		Side:       types.OrderSideBuy,
		Quantity:   d("1"),
		EntryPrice: d("80"),
		StopLoss:   d("75"),
		TakeProfit: d("90"),
		Timeout:    20 * time.Millisecond,
	})
	if !errors.Is(err, execution.ErrBracketTimeout) {
		t.Fatalf("err = %v, want ErrBracketTimeout", err)
	}
	if res.EntryOrderID == "" || res.StopLossOrderID != "" || res.TakeProfitOrderID != "" || res.Complete {
		t.Fatalf("result = %+v, want entry only", res)
	}
	for _, o := range h.manager.GetOrderHistory("", 0) {
		if o.ParentOrderID != "" {
			t.Errorf("unexpected child order %s (%s)", o.ID, o.Tag)
		}
	}
}

func TestBracketLegsAreOneCancelsOther(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")

	res, err := h.manager.CreateBracket(context.Background(), execution.BracketRequest{
		Symbol:     "BTC",
		Side:       types.OrderSideBuy,
		Quantity:   d("1"),
		StopLoss:   d("95"),
		TakeProfit: d("110"),
	})
	if err != nil || !res.Complete {
		t.Fatalf("bracket = %+v, %v", res, err)
	}

	sl, _ := h.manager.GetOrder(res.StopLossOrderID)
	tp, _ := h.manager.GetOrder(res.TakeProfitOrderID)
	for _, leg := range []types.Order{sl, tp} {
		if !leg.ReduceOnly || leg.ParentOrderID != res.EntryOrderID || leg.Side != types.OrderSideSell {
			t.Errorf("leg %s = %+v", leg.Tag, leg)
		}
	}

	h.bar(t0.Add(time.Hour), "105", "111", "104", "109")
	tp, _ = h.manager.GetOrder(res.TakeProfitOrderID)
	sl, _ = h.manager.GetOrder(res.StopLossOrderID)
	if tp.Status != types.OrderStatusFilled || !tp.AvgFillPrice.Equal(d("110")) {
		t.Fatalf("take profit = %s @ %s", tp.Status, tp.AvgFillPrice)
	}
	if sl.Status != types.OrderStatusCancelled {
		t.Errorf("stop loss = %s, want cancelled", sl.Status)
	}
	if _, ok := h.manager.GetPosition("BTC"); ok {
		t.Error("position should be flat")
	}
}

func TestBracketWaitDoesNotBlockFills(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")

	go func() {
		for len(h.manager.GetOpenOrders("BTC")) == 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(10 * time.Millisecond)
		h.bar(t0.Add(time.Hour), "99", "100", "97", "98")
	}()

	res, err := h.manager.CreateBracket(context.Background(), execution.BracketRequest{
		Symbol:     "BTC",
		Side:       types.OrderSideBuy,
		Quantity:   d("1"),
		EntryPrice: d("98"),
		StopLoss:   d("90"),
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("bracket: %v", err)
	}
	if res.StopLossOrderID == "" || res.TakeProfitOrderID != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestObserverFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.manager.OnOrder(func(types.Order) error { panic("boom") })
	h.manager.OnFill(func(types.Fill) error { return errors.New("sink down") })

	var positions []types.Position
	h.manager.OnPosition(func(p types.Position) error {
		// re-entrant reads must not deadlock
		h.manager.GetOpenOrders("")
		positions = append(positions, p)
		return nil
	})

	h.bar(t0, "100", "100", "100", "100")
	if _, err := h.manager.Submit(market(types.OrderSideBuy, "1")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if pos, ok := h.manager.GetPosition("BTC"); !ok || !pos.Size.Equal(d("1")) {
		t.Fatal("ledger corrupted by observer failure")
	}
	if len(positions) != 1 {
		t.Errorf("position events = %d, want 1", len(positions))
	}
	if got := h.manager.Stats().ObserverFailures; got < 2 {
		t.Errorf("observer failures = %d, want >= 2", got)
	}
}

func TestFilledQuantityNeverDecreases(t *testing.T) {
	h := newHarness(t, "10000", "0")
	var mu sync.Mutex
	seen := map[string]decimal.Decimal{}
	h.manager.OnOrder(func(o types.Order) error {
		mu.Lock()
		defer mu.Unlock()
		if prev, ok := seen[o.ID]; ok && o.FilledQty.LessThan(prev) {
			t.Errorf("order %s filled quantity went from %s to %s", o.ID, prev, o.FilledQty)
		}
		if o.FilledQty.GreaterThan(o.Quantity) {
			t.Errorf("order %s overfilled", o.ID)
		}
		seen[o.ID] = o.FilledQty
		return nil
	})

	h.bar(t0, "100", "100", "100", "100")
	h.manager.Submit(market(types.OrderSideBuy, "1"))
	// reduce-only for more than held: partial fill, then the rest is cancelled
	placed, err := h.manager.Submit(types.Order{
		Symbol: "BTC", Side: types.OrderSideSell, Type: types.OrderTypeMarket,
		Quantity: d("3"), ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("reduce-only: %v", err)
	}
	if placed.Status != types.OrderStatusCancelled || !placed.FilledQty.Equal(d("1")) {
		t.Errorf("reduce-only = %s filled %s, want cancelled after 1", placed.Status, placed.FilledQty)
	}
}

func TestTimeInForce(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")

	ioc := limit(types.OrderSideBuy, "1", "90")
	ioc.TimeInForce = types.TimeInForceIOC
	iocPlaced, _ := h.manager.Submit(ioc)

	day := limit(types.OrderSideBuy, "1", "80")
	day.TimeInForce = types.TimeInForceDay
	dayPlaced, _ := h.manager.Submit(day)

	h.bar(t0.Add(time.Hour), "100", "101", "95", "99")
	if o, _ := h.manager.GetOrder(iocPlaced.ID); o.Status != types.OrderStatusExpired {
		t.Errorf("IOC = %s, want expired", o.Status)
	}
	if o, _ := h.manager.GetOrder(dayPlaced.ID); o.Status != types.OrderStatusSubmitted {
		t.Errorf("DAY same session = %s, want submitted", o.Status)
	}

	h.bar(t0.Add(24*time.Hour), "79", "80", "70", "75")
	if o, _ := h.manager.GetOrder(dayPlaced.ID); o.Status != types.OrderStatusExpired {
		t.Errorf("DAY next session = %s, want expired", o.Status)
	}
}

func TestOrderHistoryNewestFirst(t *testing.T) {
	h := newHarness(t, "10000", "0")
	h.bar(t0, "100", "100", "100", "100")

	var ids []string
	for i := 0; i < 5; i++ {
		h.clock.Set(t0.Add(time.Duration(i) * time.Minute))
		o, _ := h.manager.Submit(limit(types.OrderSideBuy, "1", "50"))
		ids = append(ids, o.ID)
	}
	other := limit(types.OrderSideBuy, "1", "50")
	other.Symbol = "ETH"
	h.manager.Submit(other)

	history := h.manager.GetOrderHistory("BTC", 3)
	if len(history) != 3 {
		t.Fatalf("history = %d, want 3", len(history))
	}
	for i, o := range history {
		if o.ID != ids[4-i] {
			t.Errorf("history[%d] = %s, want %s", i, o.ID, ids[4-i])
		}
	}
	if got := len(h.manager.GetOpenOrders("ETH")); got != 1 {
		t.Errorf("open ETH orders = %d, want 1", got)
	}
	if got := len(h.manager.GetOpenOrders("")); got != 6 {
		t.Errorf("open orders = %d, want 6", got)
	}
}

func TestConcurrentTicksAndReads(t *testing.T) {
	h := newHarness(t, "100000", "0", execution.WithClock(execution.SystemClock{}))
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.manager.ProcessTick("BTC", d("100"), time.Now().UTC())
				if g%2 == 0 {
					h.manager.Submit(market(types.OrderSideBuy, "1"))
				} else {
					h.manager.GetOpenOrders("")
					h.portfolio.Snapshot()
				}
			}
		}(g)
	}
	wg.Wait()

	snap := h.portfolio.Snapshot()
	sum := snap.Cash
	for _, p := range snap.Positions {
		sum = sum.Add(p.MarketValue())
	}
	if !sum.Equal(snap.TotalValue) {
		t.Fatalf("cash + market value = %s, total = %s", sum, snap.TotalValue)
	}
	if pos, _ := h.manager.GetPosition("BTC"); !pos.Size.Equal(d("100")) {
		t.Errorf("position = %s, want 100", pos.Size)
	}
}
