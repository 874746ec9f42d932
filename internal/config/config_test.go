package config_test

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/config"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultMatchesEngineDefaults(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bt := cfg.BacktestConfig()
	want := types.DefaultBacktestConfig()
	if !bt.InitialCapital.Equal(want.InitialCapital) || !bt.CommissionRate.Equal(want.CommissionRate) {
		t.Errorf("capital/commission = %s/%s", bt.InitialCapital, bt.CommissionRate)
	}
	if !bt.MaxPositionWeight.Equal(decimal.RequireFromString("0.95")) || bt.Risk.MaxPositionSize != 0.95 {
		t.Errorf("position weight = %s / %v, want 0.95 for both", bt.MaxPositionWeight, bt.Risk.MaxPositionSize)
	}
	if bt.WarmupBars != 50 || bt.WindowSize != 250 || bt.AnnualizationFactor != 252 {
		t.Errorf("bars config = %+v", bt)
	}
	if got := cfg.ManagerConfig().BracketTimeout; got != 60*time.Second {
		t.Errorf("bracket timeout = %s", got)
	}
	if cfg.Level() != zapcore.InfoLevel || cfg.Addr() != "localhost:8080" {
		t.Errorf("level/addr = %s/%s", cfg.Level(), cfg.Addr())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "engine.yaml", `
backtest:
  initial_capital: 25000
  commission_rate: 0.0005
  slippage:
    model: fixed
    rate: 0.0002
  warmup_bars: 20
  window_size: 100
risk:
  stop_loss: 0.05
  max_holding_period: 168h
server:
  symbols: [ETH/USDT, SOL/USDT]
  strategy: rsi_reversion
  strategy_params:
    period: 10
`)
	t.Setenv("TRADECORE_BACKTEST_INITIAL_CAPITAL", "50000")
	t.Setenv("TRADECORE_SERVER_PORT", "9191")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Backtest.InitialCapital != 50000 {
		t.Errorf("env override ignored: capital = %v", cfg.Backtest.InitialCapital)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Backtest.WarmupBars != 20 || cfg.Risk.StopLoss != 0.05 || cfg.Risk.MaxHoldingPeriod != 168*time.Hour {
		t.Errorf("file values lost: %+v / %+v", cfg.Backtest, cfg.Risk)
	}
	if cfg.Risk.TakeProfit != 0.04 {
		t.Errorf("default take profit lost: %v", cfg.Risk.TakeProfit)
	}
	if !reflect.DeepEqual(cfg.Server.Symbols, []string{"ETH/USDT", "SOL/USDT"}) {
		t.Errorf("symbols = %v", cfg.Server.Symbols)
	}
	if cfg.Server.StrategyParams["period"] != 10 {
		t.Errorf("strategy params = %v", cfg.Server.StrategyParams)
	}

	bt := cfg.BacktestConfig()
	if bt.Slippage.Model != types.SlippageModelFixed || !bt.Slippage.Rate.Equal(decimal.RequireFromString("0.0002")) {
		t.Errorf("slippage = %+v", bt.Slippage)
	}
	if s := cfg.SessionConfig(); s.WindowSize != 100 || len(s.Symbols) != 2 {
		t.Errorf("session config = %+v", s)
	}
}

func TestLoadEnvFile(t *testing.T) {
	env := writeFile(t, "test.env", "TRADECORE_LOG_LEVEL=debug\n")
	t.Cleanup(func() { os.Unsetenv("TRADECORE_LOG_LEVEL") })

	cfg, err := config.Load("", env)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Level() != zapcore.DebugLevel {
		t.Errorf("level = %s, want debug", cfg.Level())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"negative capital", "backtest:\n  initial_capital: -1\n", "initial capital"},
		{"window below warmup", "backtest:\n  warmup_bars: 30\n  window_size: 10\n", "window size"},
		{"unknown slippage", "backtest:\n  slippage:\n    model: quadratic\n", "quadratic"},
		{"bad port", "server:\n  port: 70000\n", "port"},
		{"bad level", "log:\n  level: loud\n", "log level"},
		{"journal without path", "journal:\n  enabled: true\n  path: \"\"\n", "journal path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, "bad.yaml", tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected missing file to fail")
	}
}
