// Package data loads, stores and generates historical bars.
package data

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrUnsupportedFormat is returned for files that are not json, csv or parquet.
var ErrUnsupportedFormat = errors.New("unsupported bar file format")

// extensions a store looks for, in order of preference
var extensions = []string{".parquet", ".json", ".csv"}

// Store provides access to historical bars kept as one file per symbol
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	cache   map[string][]types.Bar
}

// NewStore creates a new data store
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Store{
		logger:  logger.Named("data"),
		dataDir: dataDir,
		cache:   make(map[string][]types.Bar),
	}, nil
}

// LoadBars loads the bars for a symbol, preferring parquet over json over csv.
func (s *Store) LoadBars(symbol string) ([]types.Bar, error) {
	s.mu.RLock()
	cached, ok := s.cache[symbol]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	for _, ext := range extensions {
		path := filepath.Join(s.dataDir, fileName(symbol)+ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		bars, err := Load(path)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Loaded bars",
			zap.String("symbol", symbol),
			zap.String("path", path),
			zap.Int("bars", len(bars)))

		s.mu.Lock()
		s.cache[symbol] = bars
		s.mu.Unlock()
		return bars, nil
	}
	return nil, fmt.Errorf("no data for symbol %s in %s", symbol, s.dataDir)
}

// SaveBars writes the bars for a symbol as parquet and refreshes the cache.
func (s *Store) SaveBars(symbol string, bars []types.Bar) error {
	path := filepath.Join(s.dataDir, fileName(symbol)+".parquet")
	if err := WriteParquet(path, bars); err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[symbol] = bars
	s.mu.Unlock()
	return nil
}

// Symbols lists the symbols with a data file, sorted.
func (s *Store) Symbols() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || !supported(ext) {
			continue
		}
		symbol := strings.ReplaceAll(strings.TrimSuffix(e.Name(), ext), "_", "/")
		if !seen[symbol] {
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Bar)
}

// fileName makes a pair like BTC/USDT safe to use as a file name
func fileName(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "_")
}

func supported(ext string) bool {
	for _, e := range extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Load reads a bar file, choosing the decoder from the extension. Bars
// come back sorted by timestamp.
func Load(path string) ([]types.Bar, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(path)
	case ".csv":
		return LoadCSV(path)
	case ".parquet":
		return LoadParquet(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// LoadJSON reads an array of bars with decimal string or number prices.
func LoadJSON(path string) ([]types.Bar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}
	var bars []types.Bar
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	sortBars(bars)
	return bars, nil
}

// WriteJSON writes bars as an indented JSON array.
func WriteJSON(path string, bars []types.Bar) error {
	raw, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bars: %w", err)
	}
	return os.WriteFile(path, raw, 0644)
}

// LoadCSV reads bars from a CSV file with the header
// timestamp,open,high,low,close,volume. Timestamps are RFC 3339 or Unix
// seconds or milliseconds.
func LoadCSV(path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	if !strings.EqualFold(header[0], "timestamp") {
		return nil, fmt.Errorf("unexpected csv header %v", header)
	}

	var bars []types.Bar
	for line := 2; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		bar, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		bars = append(bars, bar)
	}
	sortBars(bars)
	return bars, nil
}

func parseRecord(rec []string) (types.Bar, error) {
	ts, err := parseTimestamp(rec[0])
	if err != nil {
		return types.Bar{}, err
	}
	var vals [5]decimal.Decimal
	for i := range vals {
		if vals[i], err = decimal.NewFromString(rec[i+1]); err != nil {
			return types.Bar{}, fmt.Errorf("column %d: %w", i+2, err)
		}
	}
	return types.Bar{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return ts.UTC(), nil
}

// barRecord is the parquet schema for bars. Prices are stored as doubles.
type barRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// LoadParquet reads bars written by WriteParquet.
func LoadParquet(path string) ([]types.Bar, error) {
	rows, err := parquet.ReadFile[barRecord](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet %s: %w", path, err)
	}
	bars := make([]types.Bar, len(rows))
	for i, r := range rows {
		bars[i] = types.Bar{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Open:      decimal.NewFromFloat(r.Open),
			High:      decimal.NewFromFloat(r.High),
			Low:       decimal.NewFromFloat(r.Low),
			Close:     decimal.NewFromFloat(r.Close),
			Volume:    decimal.NewFromFloat(r.Volume),
		}
	}
	sortBars(bars)
	return bars, nil
}

// WriteParquet writes bars to path, creating parent directories.
func WriteParquet(path string, bars []types.Bar) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	rows := make([]barRecord, len(bars))
	for i, b := range bars {
		rows[i] = barRecord{
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open.InexactFloat64(),
			High:      b.High.InexactFloat64(),
			Low:       b.Low.InexactFloat64(),
			Close:     b.Close.InexactFloat64(),
			Volume:    b.Volume.InexactFloat64(),
		}
	}
	return parquet.WriteFile(path, rows)
}

func sortBars(bars []types.Bar) {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
}

// GenerateBars produces a seeded random walk of n bars starting at price,
// one every interval. The same seed always yields the same bars.
func GenerateBars(start time.Time, interval time.Duration, n int, price float64, seed int64) []types.Bar {
	rng := rand.New(rand.NewSource(seed))
	bars := make([]types.Bar, 0, n)
	current := start
	for i := 0; i < n; i++ {
		change := (rng.Float64() - 0.5) * 0.02 * price // +/- 1%
		open := decimal.NewFromFloat(price).Round(2)
		price += change
		close := decimal.NewFromFloat(price).Round(2)

		high := decimal.Max(open, close).Mul(decimal.NewFromFloat(1 + rng.Float64()*0.005)).Round(2)
		low := decimal.Min(open, close).Mul(decimal.NewFromFloat(1 - rng.Float64()*0.005)).Round(2)
		volume := decimal.NewFromFloat(rng.Float64() * 1000000).Round(0)

		bars = append(bars, types.Bar{
			Timestamp: current,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
		})
		current = current.Add(interval)
	}
	return bars
}
