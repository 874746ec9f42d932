package ledger_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/ledger"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fill(side types.OrderSide, qty, price, commission string, at time.Time) types.Fill {
	return types.Fill{
		OrderID:    "o-" + string(side),
		Symbol:     "BTC",
		Side:       side,
		Quantity:   d(qty),
		Price:      d(price),
		Commission: d(commission),
		Timestamp:  at,
	}
}

func mustApply(t *testing.T, p *ledger.Portfolio, f types.Fill) ledger.FillResult {
	t.Helper()
	res, err := p.ApplyFill(f)
	if err != nil {
		t.Fatalf("ApplyFill: %v", err)
	}
	return res
}

func assertValueIdentity(t *testing.T, p *ledger.Portfolio) {
	t.Helper()
	snap := p.Snapshot()
	sum := snap.Cash
	for _, pos := range snap.Positions {
		sum = sum.Add(pos.MarketValue())
	}
	if !sum.Equal(snap.TotalValue) {
		t.Fatalf("cash + market value = %s, total value = %s", sum, snap.TotalValue)
	}
}

func TestRoundTripCommission(t *testing.T) {
	p := ledger.NewPortfolio(d("10000"))

	res := mustApply(t, p, fill(types.OrderSideBuy, "1", "100", "0.1", t0))
	if !res.Opened || res.Trade != nil {
		t.Fatalf("expected open without trade, got %+v", res)
	}

	res = mustApply(t, p, fill(types.OrderSideSell, "1", "110", "0.11", t0.Add(time.Hour)))
	if !res.Closed || res.Trade == nil {
		t.Fatalf("expected close with trade, got %+v", res)
	}

	if !res.Trade.PnL.Equal(d("9.79")) {
		t.Errorf("trade pnl = %s, want 9.79", res.Trade.PnL)
	}
	if !res.Trade.Commission.Equal(d("0.21")) {
		t.Errorf("trade commission = %s, want 0.21", res.Trade.Commission)
	}
	if !p.Cash().Equal(d("10009.79")) {
		t.Errorf("cash = %s, want 10009.79", p.Cash())
	}
	if _, ok := p.Position("BTC"); ok {
		t.Error("position should be removed after a full close")
	}
	if !p.RealizedPnL().Equal(d("9.79")) {
		t.Errorf("realized = %s, want 9.79", p.RealizedPnL())
	}
}

func TestWeightedAverageEntry(t *testing.T) {
	p := ledger.NewPortfolio(d("10000"))
	mustApply(t, p, fill(types.OrderSideBuy, "1", "100", "0", t0))
	res := mustApply(t, p, fill(types.OrderSideBuy, "3", "120", "0", t0))

	if !res.Position.AvgPrice.Equal(d("115")) {
		t.Errorf("avg = %s, want 115", res.Position.AvgPrice)
	}
	if !res.Position.Size.Equal(d("4")) {
		t.Errorf("size = %s, want 4", res.Position.Size)
	}
}

func TestPartialReduceKeepsAverage(t *testing.T) {
	p := ledger.NewPortfolio(d("10000"))
	mustApply(t, p, fill(types.OrderSideBuy, "4", "100", "0.4", t0))
	res := mustApply(t, p, fill(types.OrderSideSell, "1", "90", "0.09", t0))

	if !res.Position.AvgPrice.Equal(d("100")) {
		t.Errorf("avg changed on reduce: %s", res.Position.AvgPrice)
	}
	if !res.Position.Size.Equal(d("3")) {
		t.Errorf("size = %s, want 3", res.Position.Size)
	}
	// (90-100)*1 - (0.1 entry share + 0.09 exit)
	if !res.Trade.PnL.Equal(d("-10.19")) {
		t.Errorf("pnl = %s, want -10.19", res.Trade.PnL)
	}
	if !res.Position.EntryCommission.Equal(d("0.3")) {
		t.Errorf("remaining entry commission = %s, want 0.3", res.Position.EntryCommission)
	}
	assertValueIdentity(t, p)
}

func TestCrossingZeroOpensOpposite(t *testing.T) {
	p := ledger.NewPortfolio(d("10000"))
	mustApply(t, p, fill(types.OrderSideBuy, "2", "100", "0", t0))
	res := mustApply(t, p, fill(types.OrderSideSell, "5", "110", "0", t0.Add(time.Hour)))

	if res.Trade == nil {
		t.Fatal("crossing must emit a trade for the closed leg")
	}
	if !res.Trade.Quantity.Equal(d("2")) || !res.Trade.PnL.Equal(d("20")) {
		t.Errorf("trade = %s @ pnl %s, want 2 @ 20", res.Trade.Quantity, res.Trade.PnL)
	}
	if res.Trade.Side != types.PositionSideLong {
		t.Errorf("trade side = %s, want long", res.Trade.Side)
	}

	pos, ok := p.Position("BTC")
	if !ok {
		t.Fatal("expected a new short position")
	}
	if !pos.Size.Equal(d("-3")) || !pos.AvgPrice.Equal(d("110")) {
		t.Errorf("position = %s @ %s, want -3 @ 110", pos.Size, pos.AvgPrice)
	}
	if len(p.Trades()) != 1 {
		t.Errorf("trades = %d, want 1", len(p.Trades()))
	}
	assertValueIdentity(t, p)
}

func TestShortRoundTrip(t *testing.T) {
	p := ledger.NewPortfolio(d("1000"))
	mustApply(t, p, fill(types.OrderSideSell, "2", "50", "0", t0))

	if !p.Cash().Equal(d("1100")) {
		t.Errorf("cash after short = %s, want 1100", p.Cash())
	}
	p.Mark("BTC", d("40"), t0.Add(time.Hour))
	// The short's market value is signed: 1100 - 2*40, not 1100 + 2*40
	if !p.TotalValue().Equal(d("1020")) {
		t.Errorf("total value = %s, want 1020", p.TotalValue())
	}

	res := mustApply(t, p, fill(types.OrderSideBuy, "2", "40", "0", t0.Add(2*time.Hour)))
	if !res.Trade.PnL.Equal(d("20")) {
		t.Errorf("short pnl = %s, want 20", res.Trade.PnL)
	}
	if res.Trade.Side != types.PositionSideShort {
		t.Errorf("trade side = %s, want short", res.Trade.Side)
	}
	if !p.Cash().Equal(d("1020")) {
		t.Errorf("cash = %s, want 1020", p.Cash())
	}
}

func TestValueIdentityAcrossEquityPoints(t *testing.T) {
	p := ledger.NewPortfolio(d("5000"))
	steps := []struct {
		side  types.OrderSide
		qty   string
		price string
		mark  string
	}{
		{types.OrderSideBuy, "10", "100", "101"},
		{types.OrderSideBuy, "5", "102", "99"},
		{types.OrderSideSell, "20", "98", "97"},
		{types.OrderSideBuy, "3", "96", "100"},
		{types.OrderSideBuy, "2", "100", "103"},
	}

	ts := t0
	for i, s := range steps {
		mustApply(t, p, fill(s.side, s.qty, s.price, "0.05", ts))
		p.Mark("BTC", d(s.mark), ts)
		point := p.RecordEquity(ts)
		assertValueIdentity(t, p)
		if !point.Value.Equal(p.TotalValue()) {
			t.Fatalf("step %d: equity point %s != total %s", i, point.Value, p.TotalValue())
		}
		ts = ts.Add(time.Hour)
	}

	if _, ok := p.Position("BTC"); ok {
		t.Error("position should be flat after the last step")
	}
	if got := len(p.EquityCurve()); got != len(steps) {
		t.Errorf("equity points = %d, want %d", got, len(steps))
	}
}

func TestUnrealizedNotBooked(t *testing.T) {
	p := ledger.NewPortfolio(d("1000"))
	mustApply(t, p, fill(types.OrderSideBuy, "1", "100", "0", t0))
	p.Mark("BTC", d("150"), t0)

	snap := p.Snapshot()
	if !snap.UnrealizedPnL.Equal(d("50")) {
		t.Errorf("unrealized = %s, want 50", snap.UnrealizedPnL)
	}
	if !snap.RealizedPnL.IsZero() {
		t.Errorf("realized = %s, want 0", snap.RealizedPnL)
	}
}

func TestDayStartRollsOnNewDate(t *testing.T) {
	p := ledger.NewPortfolio(d("1000"))
	mustApply(t, p, fill(types.OrderSideBuy, "1", "100", "0", t0))
	p.Mark("BTC", d("80"), t0.Add(time.Hour))
	p.RecordEquity(t0.Add(time.Hour))

	if got := p.Snapshot().DayStartValue; !got.Equal(d("1000")) {
		t.Errorf("day start = %s, want 1000", got)
	}

	next := t0.Add(25 * time.Hour)
	p.Mark("BTC", d("70"), next)
	if got := p.Snapshot().DayStartValue; !got.Equal(d("980")) {
		t.Errorf("day start after roll = %s, want 980", got)
	}
}

func TestDrawdownFromPeak(t *testing.T) {
	p := ledger.NewPortfolio(d("1000"))
	mustApply(t, p, fill(types.OrderSideBuy, "5", "100", "0", t0))
	p.Mark("BTC", d("120"), t0)
	p.RecordEquity(t0)
	p.Mark("BTC", d("100"), t0.Add(time.Hour))

	// peak 1100, now 1000
	want := 100.0 / 1100.0
	if got := p.Drawdown(); got < want-1e-9 || got > want+1e-9 {
		t.Errorf("drawdown = %v, want %v", got, want)
	}
}

func TestRejectsInvalidFill(t *testing.T) {
	p := ledger.NewPortfolio(d("1000"))
	if _, err := p.ApplyFill(fill(types.OrderSideBuy, "0", "100", "0", t0)); err == nil {
		t.Fatal("expected error for zero quantity")
	}
	if !p.Cash().Equal(d("1000")) {
		t.Error("invalid fill must not move cash")
	}
}
