package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLevel buckets a [0,1] risk score
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// RiskLevelFor bands a score: <0.3 low, <0.6 medium, <0.8 high, else critical.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score < 0.3:
		return RiskLevelLow
	case score < 0.6:
		return RiskLevelMedium
	case score < 0.8:
		return RiskLevelHigh
	}
	return RiskLevelCritical
}

// RiskAssessment is a read-only snapshot of portfolio risk. Every score is in [0,1].
type RiskAssessment struct {
	ConcentrationRisk float64        `json:"concentrationRisk"`
	PositionSizeRisk  float64        `json:"positionSizeRisk"`
	VolatilityRisk    float64        `json:"volatilityRisk"`
	CorrelationRisk   float64        `json:"correlationRisk"`
	DrawdownRisk      float64        `json:"drawdownRisk"`
	OverallRisk       float64        `json:"overallRisk"`
	Level             RiskLevel      `json:"level"`
	Positions         []PositionRisk `json:"positions"`
	Recommendations   []string       `json:"recommendations"`
	Timestamp         time.Time      `json:"timestamp"`
}

// PositionRisk describes the risk carried by one open position
type PositionRisk struct {
	Symbol          string          `json:"symbol"`
	Weight          float64         `json:"weight"`
	Volatility      float64         `json:"volatility"`
	VaR1d           decimal.Decimal `json:"var1d"`
	VaR5d           decimal.Decimal `json:"var5d"`
	StopLossPrice   decimal.Decimal `json:"stopLossPrice"`
	TakeProfitPrice decimal.Decimal `json:"takeProfitPrice"`
	RiskReward      float64         `json:"riskReward"`
	PnLPercent      float64         `json:"pnlPercent"`
	Level           RiskLevel       `json:"level"`
}

// RiskDecision is the outcome of a pre-trade gate
type RiskDecision struct {
	Allowed bool   `json:"allowed"`
	Limit   string `json:"limit,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Risk limit names carried by rejections
const (
	LimitPositionSize = "position_size"
	LimitExposure     = "exposure"
	LimitDailyLoss    = "daily_loss"
	LimitPortfolio    = "portfolio_value"
)
