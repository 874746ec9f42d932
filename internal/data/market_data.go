package data

import (
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarketData supplies the latest traded price for a symbol.
type MarketData interface {
	CurrentPrice(symbol string) (decimal.Decimal, bool)
}

// PriceUpdate represents a price update.
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// ReplayFeed plays stored bars back as a price feed, one bar per symbol on
// each Advance. It drives paper sessions without a venue connection.
type ReplayFeed struct {
	logger *zap.Logger

	mu      sync.RWMutex
	bars    map[string][]types.Bar
	next    map[string]int
	prices  map[string]PriceUpdate
	onPrice []func(PriceUpdate)
}

var _ MarketData = (*ReplayFeed)(nil)

// NewReplayFeed creates a feed over bars keyed by symbol
func NewReplayFeed(logger *zap.Logger, bars map[string][]types.Bar) *ReplayFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &ReplayFeed{
		logger: logger.Named("feed"),
		bars:   make(map[string][]types.Bar, len(bars)),
		next:   make(map[string]int, len(bars)),
		prices: make(map[string]PriceUpdate, len(bars)),
	}
	for symbol, series := range bars {
		f.bars[symbol] = series
	}
	return f
}

// OnPrice registers a callback for every price the feed publishes.
func (f *ReplayFeed) OnPrice(fn func(PriceUpdate)) {
	f.mu.Lock()
	f.onPrice = append(f.onPrice, fn)
	f.mu.Unlock()
}

// Advance publishes the next bar close of every symbol that has one and
// reports whether any symbol moved.
func (f *ReplayFeed) Advance() bool {
	f.mu.Lock()
	var updates []PriceUpdate
	for _, symbol := range f.symbolsLocked() {
		i := f.next[symbol]
		if i >= len(f.bars[symbol]) {
			continue
		}
		bar := f.bars[symbol][i]
		f.next[symbol] = i + 1
		u := PriceUpdate{
			Symbol:    symbol,
			Price:     bar.Close,
			Volume:    bar.Volume,
			Timestamp: bar.Timestamp,
			Source:    "replay",
		}
		f.prices[symbol] = u
		updates = append(updates, u)
	}
	callbacks := f.onPrice
	f.mu.Unlock()

	for _, u := range updates {
		for _, fn := range callbacks {
			fn(u)
		}
	}
	if len(updates) == 0 {
		f.logger.Debug("Replay exhausted")
	}
	return len(updates) > 0
}

// CurrentPrice returns the last published price for symbol.
func (f *ReplayFeed) CurrentPrice(symbol string) (decimal.Decimal, bool) {
	u, ok := f.GetPrice(symbol)
	return u.Price, ok
}

// GetPrice returns the latest price update for a symbol.
func (f *ReplayFeed) GetPrice(symbol string) (PriceUpdate, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	u, ok := f.prices[symbol]
	return u, ok
}

// History returns the bars already published for symbol, newest last.
func (f *ReplayFeed) History(symbol string) []types.Bar {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bars[symbol][:f.next[symbol]]
}

// Symbols returns the replayed symbols, sorted.
func (f *ReplayFeed) Symbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.symbolsLocked()
}

func (f *ReplayFeed) symbolsLocked() []string {
	symbols := make([]string, 0, len(f.bars))
	for s := range f.bars {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}
