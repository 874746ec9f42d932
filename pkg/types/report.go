package types

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Ratio is a float that may legitimately be infinite, such as a profit
// factor with no losing trades. JSON has no infinity, so it is written
// as the strings "+Inf" and "-Inf".
type Ratio float64

// IsInf reports whether the ratio is unbounded.
func (r Ratio) IsInf() bool {
	return math.IsInf(float64(r), 0)
}

func (r Ratio) MarshalJSON() ([]byte, error) {
	f := float64(r)
	switch {
	case math.IsInf(f, 1):
		return []byte(`"+Inf"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Inf"`), nil
	case math.IsNaN(f):
		return nil, fmt.Errorf("ratio is NaN")
	}
	return json.Marshal(f)
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		switch s {
		case "+Inf", "Inf":
			*r = Ratio(math.Inf(1))
			return nil
		case "-Inf":
			*r = Ratio(math.Inf(-1))
			return nil
		}
		return fmt.Errorf("invalid ratio %q", s)
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}

// MetricsReport summarizes one backtest run. Percentages are in percent
// units (12.5 means 12.5%).
type MetricsReport struct {
	Strategy        string          `json:"strategy" yaml:"strategy"`
	Symbol          string          `json:"symbol" yaml:"symbol"`
	InitialCapital  decimal.Decimal `json:"initialCapital" yaml:"initial_capital"`
	FinalValue      decimal.Decimal `json:"finalValue" yaml:"final_value"`
	TotalReturn     float64         `json:"totalReturn" yaml:"total_return"`
	WinRate         float64         `json:"winRate" yaml:"win_rate"`
	ProfitFactor    Ratio           `json:"profitFactor" yaml:"profit_factor"`
	MaxDrawdown     float64         `json:"maxDrawdown" yaml:"max_drawdown"`
	SharpeRatio     float64         `json:"sharpeRatio" yaml:"sharpe_ratio"`
	SortinoRatio    float64         `json:"sortinoRatio" yaml:"sortino_ratio"`
	CalmarRatio     float64         `json:"calmarRatio" yaml:"calmar_ratio"`
	VaR95           float64         `json:"var95" yaml:"var95"`
	CVaR95          float64         `json:"cvar95" yaml:"cvar95"`
	TotalTrades     int             `json:"totalTrades" yaml:"total_trades"`
	WinningTrades   int             `json:"winningTrades" yaml:"winning_trades"`
	LosingTrades    int             `json:"losingTrades" yaml:"losing_trades"`
	AvgWin          decimal.Decimal `json:"avgWin" yaml:"avg_win"`
	AvgLoss         decimal.Decimal `json:"avgLoss" yaml:"avg_loss"`
	LargestWin      decimal.Decimal `json:"largestWin" yaml:"largest_win"`
	LargestLoss     decimal.Decimal `json:"largestLoss" yaml:"largest_loss"`
	Expectancy      decimal.Decimal `json:"expectancy" yaml:"expectancy"`
	TotalCommission decimal.Decimal `json:"totalCommission" yaml:"total_commission"`
	AvgHoldingTime  time.Duration   `json:"avgHoldingTime" yaml:"avg_holding_time"`
	BarsProcessed   int             `json:"barsProcessed" yaml:"bars_processed"`
	OrdersRejected  int             `json:"ordersRejected" yaml:"orders_rejected"`
	StrategyFaults  int             `json:"strategyFaults" yaml:"strategy_faults"`
	Trades          []Trade         `json:"trades" yaml:"-"`
	EquityCurve     []EquityPoint   `json:"equityCurve" yaml:"-"`
}
