// Package types provides configuration types for the trading engine.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BacktestConfig represents the configuration for a backtest run
type BacktestConfig struct {
	InitialCapital      decimal.Decimal `json:"initialCapital" yaml:"initial_capital"`
	CommissionRate      decimal.Decimal `json:"commissionRate" yaml:"commission_rate"`
	Slippage            SlippageConfig  `json:"slippage" yaml:"slippage"`
	MaxPositionWeight   decimal.Decimal `json:"maxPositionWeight" yaml:"max_position_weight"`
	MinSize             decimal.Decimal `json:"minSize" yaml:"min_size"`
	SignalThreshold     float64         `json:"signalThreshold" yaml:"signal_threshold"`
	AllowShort          bool            `json:"allowShort" yaml:"allow_short"`
	WarmupBars          int             `json:"warmupBars" yaml:"warmup_bars"`
	WindowSize          int             `json:"windowSize" yaml:"window_size"`
	CloseAtEnd          bool            `json:"closeAtEnd" yaml:"close_at_end"`
	AnnualizationFactor float64         `json:"annualizationFactor" yaml:"annualization_factor"`
	Risk                RiskLimits      `json:"risk" yaml:"risk"`
}

// DefaultBacktestConfig returns the defaults used when no config file is given
func DefaultBacktestConfig() BacktestConfig {
	risk := DefaultRiskLimits()
	risk.MaxPositionSize = 0.95
	return BacktestConfig{
		InitialCapital:      decimal.NewFromInt(10000),
		CommissionRate:      decimal.NewFromFloat(0.001),
		Slippage:            SlippageConfig{Model: SlippageModelNone},
		MaxPositionWeight:   decimal.NewFromFloat(0.95),
		SignalThreshold:     0.5,
		WarmupBars:          50,
		WindowSize:          250,
		CloseAtEnd:          true,
		AnnualizationFactor: 252,
		Risk:                risk,
	}
}

// Validate checks the config for values the engine cannot run with.
func (c BacktestConfig) Validate() error {
	var errs []error
	if !c.InitialCapital.IsPositive() {
		errs = append(errs, errors.New("initial capital must be positive"))
	}
	if c.CommissionRate.IsNegative() {
		errs = append(errs, errors.New("commission rate must not be negative"))
	}
	if c.Slippage.Rate.IsNegative() {
		errs = append(errs, errors.New("slippage rate must not be negative"))
	}
	if !c.MaxPositionWeight.IsPositive() || c.MaxPositionWeight.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("max position weight %s outside (0, 1]", c.MaxPositionWeight))
	}
	if c.MinSize.IsNegative() {
		errs = append(errs, errors.New("min size must not be negative"))
	}
	if c.WarmupBars < 1 {
		errs = append(errs, errors.New("warmup bars must be at least 1"))
	}
	if c.WindowSize < c.WarmupBars {
		errs = append(errs, fmt.Errorf("window size %d smaller than warmup %d", c.WindowSize, c.WarmupBars))
	}
	if c.AnnualizationFactor <= 0 {
		errs = append(errs, errors.New("annualization factor must be positive"))
	}
	if err := c.Risk.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Slippage model names
const (
	SlippageModelNone           = "none"
	SlippageModelFixed          = "fixed"
	SlippageModelVolumeWeighted = "volume_weighted"
)

// SlippageConfig represents slippage model configuration
type SlippageConfig struct {
	Model        string          `json:"model" yaml:"model"`
	Rate         decimal.Decimal `json:"rate" yaml:"rate"`
	ImpactFactor decimal.Decimal `json:"impactFactor,omitempty" yaml:"impact_factor,omitempty"`
}

// RiskLimits represents risk management limits. Fractions, not percents.
type RiskLimits struct {
	MaxPositionSize   float64       `json:"maxPositionSize" yaml:"max_position_size"`
	MaxDailyLoss      float64       `json:"maxDailyLoss" yaml:"max_daily_loss"`
	MaxDrawdown       float64       `json:"maxDrawdown" yaml:"max_drawdown"`
	MaxExposure       float64       `json:"maxExposure" yaml:"max_exposure"`
	StopLoss          float64       `json:"stopLoss" yaml:"stop_loss"`
	TakeProfit        float64       `json:"takeProfit" yaml:"take_profit"`
	MaxHoldingPeriod  time.Duration `json:"maxHoldingPeriod" yaml:"max_holding_period"`
	VolatilityCeiling float64       `json:"volatilityCeiling" yaml:"volatility_ceiling"`
	MinVolatilityBars int           `json:"minVolatilityBars" yaml:"min_volatility_bars"`
	MinCorrelationObs int           `json:"minCorrelationObs" yaml:"min_correlation_obs"`
	MinDrawdownPoints int           `json:"minDrawdownPoints" yaml:"min_drawdown_points"`
}

// DefaultRiskLimits returns the live trading defaults
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSize:   0.02,
		MaxDailyLoss:      0.05,
		MaxDrawdown:       0.15,
		MaxExposure:       0.95,
		StopLoss:          0.02,
		TakeProfit:        0.04,
		VolatilityCeiling: 0.5,
		MinVolatilityBars: 20,
		MinCorrelationObs: 10,
		MinDrawdownPoints: 10,
	}
}

// Validate checks that every limit is usable.
func (r RiskLimits) Validate() error {
	var errs []error
	check := func(name string, v float64) {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("risk %s %.4f outside (0, 1]", name, v))
		}
	}
	check("max_position_size", r.MaxPositionSize)
	check("max_daily_loss", r.MaxDailyLoss)
	check("max_drawdown", r.MaxDrawdown)
	check("max_exposure", r.MaxExposure)
	check("stop_loss", r.StopLoss)
	if r.TakeProfit <= 0 {
		errs = append(errs, errors.New("risk take_profit must be positive"))
	}
	if r.VolatilityCeiling <= 0 {
		errs = append(errs, errors.New("risk volatility_ceiling must be positive"))
	}
	if r.MaxHoldingPeriod < 0 {
		errs = append(errs, errors.New("risk max_holding_period must not be negative"))
	}
	return errors.Join(errs...)
}
