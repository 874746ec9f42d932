// Package config loads engine settings from a config file, a .env file
// and TRADECORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/internal/live"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g.
// TRADECORE_BACKTEST_INITIAL_CAPITAL.
const EnvPrefix = "TRADECORE"

// Config is the full engine configuration
type Config struct {
	Backtest BacktestSection `mapstructure:"backtest"`
	Risk     RiskSection     `mapstructure:"risk"`
	Orders   OrdersSection   `mapstructure:"orders"`
	Server   ServerSection   `mapstructure:"server"`
	Journal  JournalSection  `mapstructure:"journal"`
	Log      LogSection      `mapstructure:"log"`
}

// BacktestSection holds simulation settings
type BacktestSection struct {
	InitialCapital      float64         `mapstructure:"initial_capital"`
	CommissionRate      float64         `mapstructure:"commission_rate"`
	Slippage            SlippageSection `mapstructure:"slippage"`
	SignalThreshold     float64         `mapstructure:"signal_threshold"`
	MinSize             float64         `mapstructure:"min_size"`
	WarmupBars          int             `mapstructure:"warmup_bars"`
	WindowSize          int             `mapstructure:"window_size"`
	CloseAtEnd          bool            `mapstructure:"close_at_end"`
	AnnualizationFactor float64         `mapstructure:"annualization_factor"`
	AllowShort          bool            `mapstructure:"allow_short"`
}

// SlippageSection selects the slippage model
type SlippageSection struct {
	Model        string  `mapstructure:"model"`
	Rate         float64 `mapstructure:"rate"`
	ImpactFactor float64 `mapstructure:"impact_factor"`
}

// RiskSection holds risk limits as fractions
type RiskSection struct {
	MaxPositionSize   float64       `mapstructure:"max_position_size"`
	MaxDailyLoss      float64       `mapstructure:"max_daily_loss"`
	MaxDrawdown       float64       `mapstructure:"max_drawdown"`
	StopLoss          float64       `mapstructure:"stop_loss"`
	TakeProfit        float64       `mapstructure:"take_profit"`
	MaxExposure       float64       `mapstructure:"max_exposure"`
	MaxHoldingPeriod  time.Duration `mapstructure:"max_holding_period"`
	VolatilityCeiling float64       `mapstructure:"volatility_ceiling"`
	MinVolatilityBars int           `mapstructure:"min_volatility_bars"`
	MinCorrelationObs int           `mapstructure:"min_correlation_obs"`
	MinDrawdownPoints int           `mapstructure:"min_drawdown_points"`
}

// OrdersSection configures the order manager
type OrdersSection struct {
	BracketTimeout time.Duration `mapstructure:"bracket_timeout"`
	HistoryLimit   int           `mapstructure:"history_limit"`
}

// ServerSection configures the paper trading server
type ServerSection struct {
	Host           string             `mapstructure:"host"`
	Port           int                `mapstructure:"port"`
	CORSOrigins    []string           `mapstructure:"cors_origins"`
	Symbols        []string           `mapstructure:"symbols"`
	DataFile       string             `mapstructure:"data_file"`
	PollInterval   time.Duration      `mapstructure:"poll_interval"`
	ReadTimeout    time.Duration      `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration      `mapstructure:"write_timeout"`
	Strategy       string             `mapstructure:"strategy"`
	StrategyParams map[string]float64 `mapstructure:"strategy_params"`
}

// JournalSection configures the sqlite event journal
type JournalSection struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogSection configures logging
type LogSection struct {
	Level string `mapstructure:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	bt := types.DefaultBacktestConfig()
	limits := bt.Risk
	orders := execution.DefaultManagerConfig()
	return &Config{
		Backtest: BacktestSection{
			InitialCapital:      bt.InitialCapital.InexactFloat64(),
			CommissionRate:      bt.CommissionRate.InexactFloat64(),
			Slippage:            SlippageSection{Model: bt.Slippage.Model},
			SignalThreshold:     bt.SignalThreshold,
			MinSize:             bt.MinSize.InexactFloat64(),
			WarmupBars:          bt.WarmupBars,
			WindowSize:          bt.WindowSize,
			CloseAtEnd:          bt.CloseAtEnd,
			AnnualizationFactor: bt.AnnualizationFactor,
			AllowShort:          bt.AllowShort,
		},
		Risk: RiskSection{
			MaxPositionSize:   bt.MaxPositionWeight.InexactFloat64(),
			MaxDailyLoss:      limits.MaxDailyLoss,
			MaxDrawdown:       limits.MaxDrawdown,
			StopLoss:          limits.StopLoss,
			TakeProfit:        limits.TakeProfit,
			MaxExposure:       limits.MaxExposure,
			MaxHoldingPeriod:  limits.MaxHoldingPeriod,
			VolatilityCeiling: limits.VolatilityCeiling,
			MinVolatilityBars: limits.MinVolatilityBars,
			MinCorrelationObs: limits.MinCorrelationObs,
			MinDrawdownPoints: limits.MinDrawdownPoints,
		},
		Orders: OrdersSection{
			BracketTimeout: orders.BracketTimeout,
			HistoryLimit:   orders.HistoryLimit,
		},
		Server: ServerSection{
			Host:         "localhost",
			Port:         8080,
			CORSOrigins:  []string{"*"},
			Symbols:      []string{"BTC/USDT"},
			PollInterval: time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Strategy:     "sma_cross",
		},
		Journal: JournalSection{Path: "data/journal.db"},
		Log:     LogSection{Level: "info"},
	}
}

// setDefaults registers every key so environment overrides apply to it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("backtest.initial_capital", d.Backtest.InitialCapital)
	v.SetDefault("backtest.commission_rate", d.Backtest.CommissionRate)
	v.SetDefault("backtest.slippage.model", d.Backtest.Slippage.Model)
	v.SetDefault("backtest.slippage.rate", d.Backtest.Slippage.Rate)
	v.SetDefault("backtest.slippage.impact_factor", d.Backtest.Slippage.ImpactFactor)
	v.SetDefault("backtest.signal_threshold", d.Backtest.SignalThreshold)
	v.SetDefault("backtest.min_size", d.Backtest.MinSize)
	v.SetDefault("backtest.warmup_bars", d.Backtest.WarmupBars)
	v.SetDefault("backtest.window_size", d.Backtest.WindowSize)
	v.SetDefault("backtest.close_at_end", d.Backtest.CloseAtEnd)
	v.SetDefault("backtest.annualization_factor", d.Backtest.AnnualizationFactor)
	v.SetDefault("backtest.allow_short", d.Backtest.AllowShort)

	v.SetDefault("risk.max_position_size", d.Risk.MaxPositionSize)
	v.SetDefault("risk.max_daily_loss", d.Risk.MaxDailyLoss)
	v.SetDefault("risk.max_drawdown", d.Risk.MaxDrawdown)
	v.SetDefault("risk.stop_loss", d.Risk.StopLoss)
	v.SetDefault("risk.take_profit", d.Risk.TakeProfit)
	v.SetDefault("risk.max_exposure", d.Risk.MaxExposure)
	v.SetDefault("risk.max_holding_period", d.Risk.MaxHoldingPeriod)
	v.SetDefault("risk.volatility_ceiling", d.Risk.VolatilityCeiling)
	v.SetDefault("risk.min_volatility_bars", d.Risk.MinVolatilityBars)
	v.SetDefault("risk.min_correlation_obs", d.Risk.MinCorrelationObs)
	v.SetDefault("risk.min_drawdown_points", d.Risk.MinDrawdownPoints)

	v.SetDefault("orders.bracket_timeout", d.Orders.BracketTimeout)
	v.SetDefault("orders.history_limit", d.Orders.HistoryLimit)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("server.symbols", d.Server.Symbols)
	v.SetDefault("server.data_file", d.Server.DataFile)
	v.SetDefault("server.poll_interval", d.Server.PollInterval)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.strategy", d.Server.Strategy)
	v.SetDefault("server.strategy_params", map[string]float64{})

	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.path", d.Journal.Path)

	v.SetDefault("log.level", d.Log.Level)
}

// Load reads the config file at path (skipped when empty) over the
// defaults, then applies environment overrides. Variables from envFiles,
// or from ./.env when none are named, are loaded first; a missing .env is
// not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnv(envFiles); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadEnv(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("failed to load env files: %w", err)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if err := c.BacktestConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := execution.NewSlippageModel(c.BacktestConfig().Slippage); err != nil {
		errs = append(errs, err)
	}
	if c.Orders.BracketTimeout <= 0 {
		errs = append(errs, errors.New("orders bracket_timeout must be positive"))
	}
	if c.Orders.HistoryLimit <= 0 {
		errs = append(errs, errors.New("orders history_limit must be positive"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Server.PollInterval <= 0 {
		errs = append(errs, errors.New("server poll_interval must be positive"))
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, errors.New("journal path required when enabled"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	return errors.Join(errs...)
}

// BacktestConfig converts the backtest and risk sections to the engine's
// run config. risk.max_position_size caps both the sizer and the
// open-position gate.
func (c *Config) BacktestConfig() types.BacktestConfig {
	return types.BacktestConfig{
		InitialCapital: decimal.NewFromFloat(c.Backtest.InitialCapital),
		CommissionRate: decimal.NewFromFloat(c.Backtest.CommissionRate),
		Slippage: types.SlippageConfig{
			Model:        c.Backtest.Slippage.Model,
			Rate:         decimal.NewFromFloat(c.Backtest.Slippage.Rate),
			ImpactFactor: decimal.NewFromFloat(c.Backtest.Slippage.ImpactFactor),
		},
		MaxPositionWeight:   decimal.NewFromFloat(c.Risk.MaxPositionSize),
		MinSize:             decimal.NewFromFloat(c.Backtest.MinSize),
		SignalThreshold:     c.Backtest.SignalThreshold,
		AllowShort:          c.Backtest.AllowShort,
		WarmupBars:          c.Backtest.WarmupBars,
		WindowSize:          c.Backtest.WindowSize,
		CloseAtEnd:          c.Backtest.CloseAtEnd,
		AnnualizationFactor: c.Backtest.AnnualizationFactor,
		Risk:                c.RiskLimits(),
	}
}

// RiskLimits converts the risk section
func (c *Config) RiskLimits() types.RiskLimits {
	return types.RiskLimits{
		MaxPositionSize:   c.Risk.MaxPositionSize,
		MaxDailyLoss:      c.Risk.MaxDailyLoss,
		MaxDrawdown:       c.Risk.MaxDrawdown,
		MaxExposure:       c.Risk.MaxExposure,
		StopLoss:          c.Risk.StopLoss,
		TakeProfit:        c.Risk.TakeProfit,
		MaxHoldingPeriod:  c.Risk.MaxHoldingPeriod,
		VolatilityCeiling: c.Risk.VolatilityCeiling,
		MinVolatilityBars: c.Risk.MinVolatilityBars,
		MinCorrelationObs: c.Risk.MinCorrelationObs,
		MinDrawdownPoints: c.Risk.MinDrawdownPoints,
	}
}

// ManagerConfig converts the orders section
func (c *Config) ManagerConfig() execution.ManagerConfig {
	return execution.ManagerConfig{
		AllowShort:     c.Backtest.AllowShort,
		BracketTimeout: c.Orders.BracketTimeout,
		HistoryLimit:   c.Orders.HistoryLimit,
	}
}

// SessionConfig converts the server section for a paper session
func (c *Config) SessionConfig() live.Config {
	return live.Config{
		Symbols:      c.Server.Symbols,
		PollInterval: c.Server.PollInterval,
		WarmupBars:   c.Backtest.WarmupBars,
		WindowSize:   c.Backtest.WindowSize,
	}
}

// Level returns the parsed log level, info when unparseable
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// Addr is the server listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
