// Package risk scores portfolio risk and gates position entry and exit.
package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	tradingDays = 252
	// one-sided 95% normal quantile
	z95 = 1.645
	// equity points considered for the current drawdown
	drawdownLookback = 100
	gateEpsilon      = 1e-9
)

// Assessor computes risk scores from a portfolio snapshot and price history.
// It holds no mutable state and is safe for concurrent use.
type Assessor struct {
	logger *zap.Logger
	limits types.RiskLimits
}

// NewAssessor creates a risk assessor
func NewAssessor(logger *zap.Logger, limits types.RiskLimits) *Assessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assessor{
		logger: logger.Named("risk"),
		limits: limits,
	}
}

// Limits returns the configured limits
func (a *Assessor) Limits() types.RiskLimits {
	return a.limits
}

// Band maps a score in [0,1] to a risk level.
func Band(score float64) types.RiskLevel {
	return types.RiskLevelFor(score)
}

// Assess scores the portfolio. history holds recent bars per symbol and
// equity the recorded equity curve; either may be empty.
func (a *Assessor) Assess(snap types.PortfolioSnapshot, history map[string][]types.Bar, equity []types.EquityPoint) types.RiskAssessment {
	weights := positionWeights(snap)

	assessment := types.RiskAssessment{
		ConcentrationRisk: a.concentrationRisk(weights),
		PositionSizeRisk:  a.positionSizeRisk(weights),
		VolatilityRisk:    a.volatilityRisk(history),
		CorrelationRisk:   a.correlationRisk(snap, history),
		DrawdownRisk:      a.drawdownRisk(snap, equity),
		Timestamp:         snap.Timestamp,
	}
	assessment.OverallRisk = (assessment.ConcentrationRisk +
		assessment.PositionSizeRisk +
		assessment.VolatilityRisk +
		assessment.CorrelationRisk +
		assessment.DrawdownRisk) / 5
	assessment.Level = Band(assessment.OverallRisk)

	assessment.Positions = make([]types.PositionRisk, 0, len(snap.Positions))
	for _, pos := range snap.Positions {
		assessment.Positions = append(assessment.Positions, a.PositionRisk(pos, weights[pos.Symbol], history[pos.Symbol]))
	}
	assessment.Recommendations = recommendations(assessment)

	a.logger.Debug("Risk assessed",
		zap.Float64("overall", assessment.OverallRisk),
		zap.String("level", string(assessment.Level)),
		zap.Int("positions", len(snap.Positions)))
	return assessment
}

// PositionRisk describes one position: parametric VaR from the daily
// return spread, protective exit prices and its risk/reward ratio.
func (a *Assessor) PositionRisk(pos types.Position, weight float64, bars []types.Bar) types.PositionRisk {
	dailyStd := utils.CalculateStdDev(utils.CalculateReturns(closes(bars)))
	exposure := pos.MarketValue().Abs()

	var1d := exposure.Mul(decimal.NewFromFloat(z95 * dailyStd))
	dir := decimal.NewFromInt(int64(pos.Direction()))
	sl := decimal.NewFromFloat(a.limits.StopLoss)
	tp := decimal.NewFromFloat(a.limits.TakeProfit)

	pr := types.PositionRisk{
		Symbol:          pos.Symbol,
		Weight:          weight,
		Volatility:      dailyStd * math.Sqrt(tradingDays),
		VaR1d:           var1d.Round(2),
		VaR5d:           var1d.Mul(decimal.NewFromFloat(math.Sqrt(5))).Round(2),
		StopLossPrice:   pos.AvgPrice.Mul(decimal.NewFromInt(1).Sub(sl.Mul(dir))),
		TakeProfitPrice: pos.AvgPrice.Mul(decimal.NewFromInt(1).Add(tp.Mul(dir))),
		PnLPercent:      pos.PnLPercent() * 100,
	}
	if a.limits.StopLoss > 0 {
		pr.RiskReward = a.limits.TakeProfit / a.limits.StopLoss
	}
	pr.Level = Band(utils.Clamp(weight/a.limits.MaxPositionSize, 0, 1))
	return pr
}

// ShouldOpenPosition gates an order adding notional exposure to symbol.
// Checks run in order: portfolio value, position weight, total exposure,
// daily loss.
func (a *Assessor) ShouldOpenPosition(snap types.PortfolioSnapshot, symbol string, side types.OrderSide, notional decimal.Decimal) types.RiskDecision {
	if !snap.TotalValue.IsPositive() {
		return types.RiskDecision{Limit: types.LimitPortfolio, Reason: "portfolio value is not positive"}
	}
	total := snap.TotalValue.InexactFloat64()
	add := notional.Abs().InexactFloat64()

	current := 0.0
	if pos, ok := snap.Position(symbol); ok && pos.Direction() == side.Sign() {
		current = pos.MarketValue().Abs().InexactFloat64()
	}
	if weight := (current + add) / total; weight > a.limits.MaxPositionSize+gateEpsilon {
		return types.RiskDecision{
			Limit:  types.LimitPositionSize,
			Reason: fmt.Sprintf("position weight %.2f%% > %.2f%%", weight*100, a.limits.MaxPositionSize*100),
		}
	}

	if exposure := (snap.Exposure.InexactFloat64() + add) / total; exposure > a.limits.MaxExposure+gateEpsilon {
		return types.RiskDecision{
			Limit:  types.LimitExposure,
			Reason: fmt.Sprintf("total exposure %.2f%% > %.2f%%", exposure*100, a.limits.MaxExposure*100),
		}
	}

	if snap.DayStartValue.IsPositive() {
		start := snap.DayStartValue.InexactFloat64()
		if loss := (start - total) / start; loss > a.limits.MaxDailyLoss {
			return types.RiskDecision{
				Limit:  types.LimitDailyLoss,
				Reason: fmt.Sprintf("daily loss %.2f%% > %.2f%%", loss*100, a.limits.MaxDailyLoss*100),
			}
		}
	}

	return types.RiskDecision{Allowed: true}
}

// ShouldClosePosition reports whether pos breaches its stop loss, reaches
// its take profit or has been held too long, with the reason.
func (a *Assessor) ShouldClosePosition(pos types.Position, now time.Time) (bool, string) {
	if pos.Size.IsZero() || !pos.AvgPrice.IsPositive() || !pos.CurrentPrice.IsPositive() {
		return false, ""
	}

	pnl := pos.PnLPercent()
	if a.limits.StopLoss > 0 && pnl <= -a.limits.StopLoss {
		return true, fmt.Sprintf("stop loss: %.2f%% <= -%.2f%%", pnl*100, a.limits.StopLoss*100)
	}
	if a.limits.TakeProfit > 0 && pnl >= a.limits.TakeProfit {
		return true, fmt.Sprintf("take profit: %.2f%% >= %.2f%%", pnl*100, a.limits.TakeProfit*100)
	}
	if a.limits.MaxHoldingPeriod > 0 && !pos.OpenedAt.IsZero() {
		if held := now.Sub(pos.OpenedAt); held > a.limits.MaxHoldingPeriod {
			return true, fmt.Sprintf("max holding period exceeded: %s > %s", held, a.limits.MaxHoldingPeriod)
		}
	}
	return false, ""
}

func positionWeights(snap types.PortfolioSnapshot) map[string]float64 {
	weights := make(map[string]float64, len(snap.Positions))
	if !snap.TotalValue.IsPositive() {
		for _, pos := range snap.Positions {
			weights[pos.Symbol] = 1
		}
		return weights
	}
	for _, pos := range snap.Positions {
		weights[pos.Symbol] = pos.MarketValue().Abs().Div(snap.TotalValue).InexactFloat64()
	}
	return weights
}

// concentrationRisk is the Herfindahl index doubled and capped at 1.
func (a *Assessor) concentrationRisk(weights map[string]float64) float64 {
	hhi := 0.0
	for _, w := range weights {
		hhi += w * w
	}
	return math.Min(hhi*2, 1)
}

func (a *Assessor) positionSizeRisk(weights map[string]float64) float64 {
	if a.limits.MaxPositionSize <= 0 {
		return 0
	}
	worst := 0.0
	for _, w := range weights {
		worst = math.Max(worst, w/a.limits.MaxPositionSize)
	}
	return utils.Clamp(worst, 0, 1)
}

func (a *Assessor) volatilityRisk(history map[string][]types.Bar) float64 {
	if a.limits.VolatilityCeiling <= 0 {
		return 0
	}
	var vols []float64
	for _, symbol := range sortedKeys(history) {
		bars := history[symbol]
		if len(bars) <= a.limits.MinVolatilityBars {
			continue
		}
		std := utils.CalculateStdDev(utils.CalculateReturns(closes(bars)))
		vols = append(vols, std*math.Sqrt(tradingDays))
	}
	if len(vols) == 0 {
		return 0
	}
	return utils.Clamp(utils.CalculateMean(vols)/a.limits.VolatilityCeiling, 0, 1)
}

// correlationRisk is the largest absolute return correlation between two
// held symbols, over returns aligned by bar timestamp.
func (a *Assessor) correlationRisk(snap types.PortfolioSnapshot, history map[string][]types.Bar) float64 {
	if len(snap.Positions) < 2 {
		return 0
	}

	series := make([]map[int64]float64, len(snap.Positions))
	for i, pos := range snap.Positions {
		series[i] = returnsByTime(history[pos.Symbol])
	}

	worst := 0.0
	for i := 0; i < len(series); i++ {
		for j := i + 1; j < len(series); j++ {
			x, y := align(series[i], series[j])
			if len(x) <= a.limits.MinCorrelationObs {
				continue
			}
			worst = math.Max(worst, math.Abs(utils.CalculateCorrelation(x, y)))
		}
	}
	return utils.Clamp(worst, 0, 1)
}

func (a *Assessor) drawdownRisk(snap types.PortfolioSnapshot, equity []types.EquityPoint) float64 {
	if len(equity) < a.limits.MinDrawdownPoints || a.limits.MaxDrawdown <= 0 {
		return 0
	}
	if len(equity) > drawdownLookback {
		equity = equity[len(equity)-drawdownLookback:]
	}
	peak := equity[0].Value
	for _, pt := range equity {
		if pt.Value.GreaterThan(peak) {
			peak = pt.Value
		}
	}
	current := equity[len(equity)-1].Value
	if !snap.TotalValue.IsZero() && snap.Timestamp.After(equity[len(equity)-1].Timestamp) {
		current = snap.TotalValue
	}
	if !peak.IsPositive() {
		return 0
	}
	dd := peak.Sub(current).Div(peak).InexactFloat64()
	return utils.Clamp(dd/a.limits.MaxDrawdown, 0, 1)
}

func recommendations(r types.RiskAssessment) []string {
	var recs []string
	if r.OverallRisk > 0.7 {
		recs = append(recs, "Overall risk is high: reduce exposure")
	}
	if r.ConcentrationRisk > 0.6 {
		recs = append(recs, "Portfolio is concentrated: diversify positions")
	}
	if r.PositionSizeRisk > 0.8 {
		recs = append(recs, "Positions are near the size limit: reduce position sizes")
	}
	if r.VolatilityRisk > 0.7 {
		recs = append(recs, "Volatility is high: tighten stop losses")
	}
	if r.CorrelationRisk > 0.7 {
		recs = append(recs, "Holdings are highly correlated: add uncorrelated assets")
	}
	if r.DrawdownRisk > 0.6 {
		recs = append(recs, "Drawdown is elevated: consider pausing new entries")
	}
	if len(recs) == 0 {
		recs = append(recs, "Risk within limits")
	}
	return recs
}

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}

func returnsByTime(bars []types.Bar) map[int64]float64 {
	out := make(map[int64]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close.InexactFloat64()
		if prev == 0 {
			continue
		}
		out[bars[i].Timestamp.UnixNano()] = bars[i].Close.InexactFloat64()/prev - 1
	}
	return out
}

// align returns the paired observations present in both series, ordered by time.
func align(a, b map[int64]float64) ([]float64, []float64) {
	keys := make([]int64, 0, len(a))
	for ts := range a {
		if _, ok := b[ts]; ok {
			keys = append(keys, ts)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	x := make([]float64, len(keys))
	y := make([]float64, len(keys))
	for i, ts := range keys {
		x[i], y[i] = a[ts], b[ts]
	}
	return x, y
}

func sortedKeys(m map[string][]types.Bar) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
