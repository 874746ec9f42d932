// Package backtester runs strategies over historical bars and scores the result.
package backtester

import (
	"math"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/atlas-desktop/trading-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

const varConfidence = 0.95

// MetricsCalculator calculates performance metrics
type MetricsCalculator struct {
	annualization float64
}

// NewMetricsCalculator creates a metrics calculator. periodsPerYear scales
// Sharpe and Sortino; daily bars use 252.
func NewMetricsCalculator(periodsPerYear float64) *MetricsCalculator {
	if periodsPerYear <= 0 {
		periodsPerYear = 252
	}
	return &MetricsCalculator{annualization: periodsPerYear}
}

// Calculate derives every metric from the closed trades and the equity curve.
// A run without trades reports zero for every metric rather than NaN.
func (mc *MetricsCalculator) Calculate(
	trades []types.Trade,
	equity []types.EquityPoint,
	initialCapital decimal.Decimal,
) types.MetricsReport {
	report := types.MetricsReport{
		InitialCapital: initialCapital,
		FinalValue:     initialCapital,
		Trades:         trades,
		EquityCurve:    equity,
	}
	if len(equity) > 0 {
		report.FinalValue = equity[len(equity)-1].Value
	}
	if len(trades) == 0 {
		return report
	}

	// Basic trade statistics
	var grossProfit, grossLoss decimal.Decimal
	var totalPnL, commission decimal.Decimal
	var holding time.Duration
	for _, trade := range trades {
		totalPnL = totalPnL.Add(trade.PnL)
		commission = commission.Add(trade.Commission)
		holding += trade.HoldingTime()

		if trade.PnL.IsPositive() {
			report.WinningTrades++
			grossProfit = grossProfit.Add(trade.PnL)
			if trade.PnL.GreaterThan(report.LargestWin) {
				report.LargestWin = trade.PnL
			}
			continue
		}
		if !trade.PnL.IsNegative() {
			continue
		}
		report.LosingTrades++
		loss := trade.PnL.Neg()
		grossLoss = grossLoss.Add(loss)
		if loss.GreaterThan(report.LargestLoss) {
			report.LargestLoss = loss
		}
	}

	n := decimal.NewFromInt(int64(len(trades)))
	report.TotalTrades = len(trades)
	report.WinRate = float64(report.WinningTrades) / float64(report.TotalTrades) * 100
	if report.WinningTrades > 0 {
		report.AvgWin = grossProfit.Div(decimal.NewFromInt(int64(report.WinningTrades)))
	}
	if report.LosingTrades > 0 {
		report.AvgLoss = grossLoss.Div(decimal.NewFromInt(int64(report.LosingTrades)))
	}
	report.Expectancy = totalPnL.Div(n)
	report.TotalCommission = commission
	report.AvgHoldingTime = holding / time.Duration(len(trades))

	// No losers means an unbounded profit factor; no winners either means 0.
	switch {
	case grossLoss.IsPositive():
		report.ProfitFactor = types.Ratio(grossProfit.Div(grossLoss).InexactFloat64())
	case grossProfit.IsPositive():
		report.ProfitFactor = types.Ratio(math.Inf(1))
	}

	if initialCapital.IsPositive() {
		report.TotalReturn = report.FinalValue.Div(initialCapital).Sub(decimal.NewFromInt(1)).InexactFloat64() * 100
	}

	values := equityValues(equity)
	report.MaxDrawdown = utils.CalculateMaxDrawdown(values) * 100

	returns := utils.CalculateReturns(values)
	report.SharpeRatio = mc.sharpe(returns)
	report.SortinoRatio = mc.sortino(returns)
	if report.MaxDrawdown > 0 {
		report.CalmarRatio = report.TotalReturn / report.MaxDrawdown
	}
	valueAtRisk, shortfall := utils.CalculateHistoricalVaR(returns, varConfidence)
	report.VaR95 = valueAtRisk * 100
	report.CVaR95 = shortfall * 100

	return report
}

// sharpe is the annualized mean over sample deviation; flat returns score 0.
func (mc *MetricsCalculator) sharpe(returns []float64) float64 {
	std := utils.CalculateStdDev(returns)
	if std == 0 {
		return 0
	}
	return utils.CalculateMean(returns) / std * math.Sqrt(mc.annualization)
}

func (mc *MetricsCalculator) sortino(returns []float64) float64 {
	downside := utils.CalculateDownsideDeviation(returns)
	if downside == 0 {
		return 0
	}
	return utils.CalculateMean(returns) / downside * math.Sqrt(mc.annualization)
}

func equityValues(equity []types.EquityPoint) []float64 {
	values := make([]float64, len(equity))
	for i, p := range equity {
		values[i] = p.Value.InexactFloat64()
	}
	return values
}

// Fitness scores a report for parameter search, floored at 0. Runs that
// never traded or whose strategy faulted score 0.
func Fitness(r types.MetricsReport) float64 {
	if r.TotalTrades == 0 || r.StrategyFaults > 0 {
		return 0
	}
	ret := math.Min(r.TotalReturn/100, 2)
	win := r.WinRate / 100
	sharpe := utils.Clamp(r.SharpeRatio/3, 0, 1)
	dd := math.Max(0, 1-r.MaxDrawdown/30)
	return math.Max(0, ret*0.4+win*0.2+sharpe*0.3+dd*0.1)
}
