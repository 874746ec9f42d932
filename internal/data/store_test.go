package data_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/data"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func bar(ts time.Time, o, h, l, c string) types.Bar {
	return types.Bar{
		Timestamp: ts,
		Open:      decimal.RequireFromString(o),
		High:      decimal.RequireFromString(h),
		Low:       decimal.RequireFromString(l),
		Close:     decimal.RequireFromString(c),
		Volume:    decimal.NewFromInt(100),
	}
}

func sameBars(t *testing.T, got, want []types.Bar) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d bars, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if !g.Timestamp.Equal(w.Timestamp) || !g.Open.Equal(w.Open) || !g.High.Equal(w.High) ||
			!g.Low.Equal(w.Low) || !g.Close.Equal(w.Close) || !g.Volume.Equal(w.Volume) {
			t.Errorf("bar %d = %+v, want %+v", i, g, w)
		}
	}
}

func TestParquetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "btc.parquet")
	bars := data.GenerateBars(t0, time.Hour, 50, 100, 7)

	if err := data.WriteParquet(path, bars); err != nil {
		t.Fatalf("WriteParquet: %v", err)
	}
	got, err := data.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sameBars(t, got, bars)
}

func TestJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eth.json")
	bars := []types.Bar{
		bar(t0.Add(time.Hour), "101", "102", "100", "101.5"),
		bar(t0, "100", "101", "99", "100.25"),
	}
	if err := data.WriteJSON(path, bars); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	got, err := data.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sameBars(t, got, []types.Bar{bars[1], bars[0]})
}

func TestLoadCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sol.csv")
	content := "timestamp,open,high,low,close,volume\n" +
		"2024-03-01T01:00:00Z,11,12,10,11.5,100\n" +
		"1709251200,10,11,9,10.5,100\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := data.LoadCSV(path)
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	sameBars(t, got, []types.Bar{
		bar(t0, "10", "11", "9", "10.5"),
		bar(t0.Add(time.Hour), "11", "12", "10", "11.5"),
	})

	bad := filepath.Join(t.TempDir(), "bad.csv")
	_ = os.WriteFile(bad, []byte("timestamp,open,high,low,close,volume\nyesterday,1,1,1,1,1\n"), 0644)
	if _, err := data.LoadCSV(bad); err == nil {
		t.Error("expected invalid timestamp to fail")
	}
}

func TestLoadUnsupported(t *testing.T) {
	if _, err := data.Load("bars.xlsx"); !errors.Is(err, data.ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestStore(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	bars := data.GenerateBars(t0, 24*time.Hour, 20, 40000, 1)
	if err := store.SaveBars("BTC/USDT", bars); err != nil {
		t.Fatalf("SaveBars: %v", err)
	}
	store.ClearCache()

	got, err := store.LoadBars("BTC/USDT")
	if err != nil {
		t.Fatalf("LoadBars: %v", err)
	}
	sameBars(t, got, bars)

	symbols, err := store.Symbols()
	if err != nil || !reflect.DeepEqual(symbols, []string{"BTC/USDT"}) {
		t.Errorf("symbols = %v (%v)", symbols, err)
	}
	if _, err := store.LoadBars("DOGE/USDT"); err == nil {
		t.Error("expected missing symbol to fail")
	}
}

func TestGenerateBarsIsSeeded(t *testing.T) {
	a := data.GenerateBars(t0, time.Minute, 100, 100, 42)
	b := data.GenerateBars(t0, time.Minute, 100, 100, 42)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same seed produced different bars")
	}
	for i, b := range a {
		if b.High.LessThan(decimal.Max(b.Open, b.Close)) || b.Low.GreaterThan(decimal.Min(b.Open, b.Close)) {
			t.Fatalf("bar %d range does not cover open/close: %+v", i, b)
		}
	}
	if v := data.NewQualityValidator(zap.NewNop()).Validate(a); !v.IsUsable {
		t.Errorf("generated bars not usable: %+v", v.Issues)
	}
}

func TestQuality(t *testing.T) {
	bars := []types.Bar{
		bar(t0, "100", "101", "99", "100"),
		bar(t0.Add(2*time.Hour), "100", "99", "98", "100"), // high below open
		bar(t0.Add(time.Hour), "100", "101", "99", "100"),  // out of order
		bar(t0.Add(time.Hour), "100", "101", "99", "100"),  // duplicate
		bar(t0.Add(3*time.Hour), "0", "101", "99", "100"),  // zero open
	}
	v := data.NewQualityValidator(zap.NewNop())

	report := v.Validate(bars)
	if report.IsUsable {
		t.Error("series with critical issues reported usable")
	}
	found := map[string]bool{}
	for _, issue := range report.Issues {
		found[issue.Type] = true
	}
	for _, want := range []string{data.IssueOHLC, data.IssueOutOfOrder, data.IssueDuplicate, data.IssueZeroPrice} {
		if !found[want] {
			t.Errorf("missing issue %s in %+v", want, report.Issues)
		}
	}

	cleaned := v.Clean(bars)
	if len(cleaned) != 3 {
		t.Fatalf("cleaned %d bars, want 3", len(cleaned))
	}
	if !cleaned[2].High.Equal(decimal.NewFromInt(100)) {
		t.Errorf("high not widened: %s", cleaned[2].High)
	}
	if !v.Validate(cleaned).IsUsable {
		t.Error("cleaned series not usable")
	}
}

func TestReplayFeed(t *testing.T) {
	feed := data.NewReplayFeed(zap.NewNop(), map[string][]types.Bar{
		"AAA": {bar(t0, "1", "1", "1", "1"), bar(t0.Add(time.Hour), "2", "2", "2", "2")},
		"BBB": {bar(t0, "5", "5", "5", "5")},
	})

	var seen []string
	feed.OnPrice(func(u data.PriceUpdate) { seen = append(seen, u.Symbol+"@"+u.Price.String()) })

	if _, ok := feed.CurrentPrice("AAA"); ok {
		t.Error("price before first advance")
	}
	if !feed.Advance() || !feed.Advance() {
		t.Fatal("feed exhausted early")
	}
	if feed.Advance() {
		t.Error("feed should be exhausted")
	}

	want := []string{"AAA@1", "BBB@5", "AAA@2"}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("updates = %v, want %v", seen, want)
	}
	if p, ok := feed.CurrentPrice("AAA"); !ok || !p.Equal(decimal.NewFromInt(2)) {
		t.Errorf("AAA price = %s", p)
	}
	if h := feed.History("AAA"); len(h) != 2 {
		t.Errorf("history = %d bars", len(h))
	}
}
