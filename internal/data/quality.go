package data

import (
	"fmt"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Issue types
const (
	IssueZeroPrice      = "ZERO_PRICE"
	IssueOHLC           = "OHLC_INCONSISTENT"
	IssueDuplicate      = "DUPLICATE_TIMESTAMP"
	IssueOutOfOrder     = "OUT_OF_ORDER"
	IssueGapMove        = "GAP_MOVE"
	IssueNegativeVolume = "NEGATIVE_VOLUME"
)

// DataIssue represents a data quality problem
type DataIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"` // "critical", "high", "medium"
	BarIndex int    `json:"barIndex"`
	Message  string `json:"message"`
}

// QualityReport summarizes a bar series
type QualityReport struct {
	TotalBars int         `json:"totalBars"`
	Issues    []DataIssue `json:"issues"`
	IsUsable  bool        `json:"isUsable"` // No critical issues
}

// QualityValidator checks that bars can be replayed
type QualityValidator struct {
	logger     *zap.Logger
	MaxGapMove float64 // Open-to-previous-close move flagged as a gap
}

// NewQualityValidator creates a validator flagging gaps above 20%
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QualityValidator{logger: logger.Named("quality"), MaxGapMove: 0.20}
}

// Validate runs every check on bars
func (v *QualityValidator) Validate(bars []types.Bar) QualityReport {
	report := QualityReport{TotalBars: len(bars), Issues: make([]DataIssue, 0)}
	add := func(typ, severity string, i int, format string, args ...interface{}) {
		report.Issues = append(report.Issues, DataIssue{
			Type:     typ,
			Severity: severity,
			BarIndex: i,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	seen := make(map[int64]int, len(bars))
	for i, bar := range bars {
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			add(IssueZeroPrice, "critical", i, "non-positive price at %s", bar.Timestamp)
			continue
		}
		if bar.High.LessThan(decimal.Max(bar.Open, bar.Close)) || bar.Low.GreaterThan(decimal.Min(bar.Open, bar.Close)) {
			add(IssueOHLC, "critical", i, "range does not cover open/close (O:%s H:%s L:%s C:%s)", bar.Open, bar.High, bar.Low, bar.Close)
		}
		if bar.Volume.IsNegative() {
			add(IssueNegativeVolume, "high", i, "negative volume %s", bar.Volume)
		}
		ts := bar.Timestamp.UnixNano()
		if first, ok := seen[ts]; ok {
			add(IssueDuplicate, "high", i, "duplicate timestamp (also at index %d)", first)
		} else {
			seen[ts] = i
		}
		if i == 0 {
			continue
		}
		if bar.Timestamp.Before(bars[i-1].Timestamp) {
			add(IssueOutOfOrder, "critical", i, "bar is out of chronological order")
		}
		if prev := bars[i-1].Close; prev.IsPositive() {
			move := bar.Open.Sub(prev).Div(prev).Abs().InexactFloat64()
			if move > v.MaxGapMove {
				add(IssueGapMove, "medium", i, "large price gap: %.2f%%", move*100)
			}
		}
	}

	report.IsUsable = len(bars) > 0
	for _, issue := range report.Issues {
		if issue.Severity == "critical" {
			report.IsUsable = false
			break
		}
	}
	return report
}

// Clean sorts bars, drops duplicates and bars with non-positive prices, and
// widens high/low to cover open and close. The input is not modified.
func (v *QualityValidator) Clean(bars []types.Bar) []types.Bar {
	sorted := make([]types.Bar, len(bars))
	copy(sorted, bars)
	sortBars(sorted)

	cleaned := make([]types.Bar, 0, len(sorted))
	for i, bar := range sorted {
		if i > 0 && bar.Timestamp.Equal(sorted[i-1].Timestamp) {
			continue
		}
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			continue
		}
		bar.High = decimal.Max(bar.Open, decimal.Max(bar.High, bar.Close))
		bar.Low = decimal.Min(bar.Open, decimal.Min(bar.Low, bar.Close))
		cleaned = append(cleaned, bar)
	}

	if removed := len(bars) - len(cleaned); removed > 0 {
		v.logger.Info("Data cleaning complete",
			zap.Int("originalBars", len(bars)),
			zap.Int("cleanedBars", len(cleaned)),
			zap.Int("removed", removed))
	}
	return cleaned
}
