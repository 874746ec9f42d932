// Package main provides the entry point for the paper trading server.
// It replays bars through a live session and exposes it over HTTP and
// WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/api"
	"github.com/atlas-desktop/trading-engine/internal/config"
	"github.com/atlas-desktop/trading-engine/internal/data"
	"github.com/atlas-desktop/trading-engine/internal/events"
	"github.com/atlas-desktop/trading-engine/internal/execution"
	"github.com/atlas-desktop/trading-engine/internal/journal"
	"github.com/atlas-desktop/trading-engine/internal/ledger"
	"github.com/atlas-desktop/trading-engine/internal/live"
	"github.com/atlas-desktop/trading-engine/internal/risk"
	"github.com/atlas-desktop/trading-engine/internal/sizing"
	"github.com/atlas-desktop/trading-engine/internal/strategy"
	"github.com/atlas-desktop/trading-engine/internal/telemetry"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Config file (yaml, json or toml)")
	envFile := flag.String("env", "", "Extra .env file loaded before the environment")
	dataDir := flag.String("data", "./data", "Data directory")
	bars := flag.Int("bars", 1000, "Bars generated per symbol missing from the data directory")
	flag.Parse()

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := config.Load(*configPath, envFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.Level())
	defer logger.Sync()

	logger.Info("Starting paper trading server",
		zap.String("addr", cfg.Addr()),
		zap.Strings("symbols", cfg.Server.Symbols),
		zap.String("strategy", cfg.Server.Strategy),
		zap.String("dataDir", *dataDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus and its subscribers
	bus := events.NewEventBus(logger, events.DefaultEventBusConfig())
	defer bus.Stop()

	collector, err := telemetry.NewCollector(logger)
	if err != nil {
		logger.Fatal("Failed to initialize metrics", zap.Error(err))
	}
	collector.Attach(bus)

	if cfg.Journal.Enabled {
		j, err := journal.Open(logger, cfg.Journal.Path)
		if err != nil {
			logger.Fatal("Failed to open journal", zap.Error(err))
		}
		defer j.Close()
		j.Attach(bus)
	}

	// Initialize data store and the replayed market
	dataStore, err := data.NewStore(logger, *dataDir)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}
	history, err := loadHistory(logger, dataStore, cfg, *bars)
	if err != nil {
		logger.Fatal("Failed to load bars", zap.Error(err))
	}
	market := data.NewReplayFeed(logger, history)

	// Initialize execution components
	btCfg := cfg.BacktestConfig()
	slippage, err := execution.NewSlippageModel(btCfg.Slippage)
	if err != nil {
		logger.Fatal("Invalid slippage model", zap.Error(err))
	}
	assessor := risk.NewAssessor(logger, cfg.RiskLimits())
	orderManager := execution.NewOrderManager(logger,
		ledger.NewPortfolio(btCfg.InitialCapital),
		execution.NewFillModel(slippage, btCfg.CommissionRate),
		execution.WithRiskGate(assessor),
		execution.WithConfig(cfg.ManagerConfig()),
	)
	bus.Forward(orderManager)

	// Initialize strategy registry
	registry := strategy.NewRegistry(logger)
	logger.Info("Registered strategies", zap.Strings("strategies", registry.List()))

	sessionOpts := []live.Option{live.WithEventBus(bus)}
	if cfg.Server.Strategy != "" {
		strat, err := registry.Create(cfg.Server.Strategy, cfg.Server.StrategyParams)
		if err != nil {
			logger.Fatal("Failed to create strategy", zap.Error(err))
		}
		sizer := sizing.NewPositionSizer(logger, sizing.SizingConfigFrom(btCfg))
		sessionOpts = append(sessionOpts, live.WithStrategy(strat, sizer))
	}
	session := live.NewSession(logger, cfg.SessionConfig(), market, orderManager, assessor, sessionOpts...)

	server := api.NewServer(logger, api.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		CORSOrigins:  cfg.Server.CORSOrigins,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, api.Dependencies{
		Session:   session,
		Bus:       bus,
		Collector: collector,
		Store:     dataStore,
		Registry:  registry,
		Backtest:  btCfg,
	})

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Replay one bar per poll interval
	market.Advance()
	go replay(ctx, logger, market, cfg.Server.PollInterval)

	if err := session.Start(ctx); err != nil {
		logger.Fatal("Failed to start session", zap.Error(err))
	}

	// Start server
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s/api/v1/ws", cfg.Addr())),
		zap.String("http", fmt.Sprintf("http://%s/api/v1", cfg.Addr())),
	)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Shutdown signal received")

	session.Stop()
	cancel()

	// Graceful server shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	stats := orderManager.Stats()
	logger.Info("Server stopped",
		zap.Int("ordersSubmitted", stats.Submitted),
		zap.Int("ordersFilled", stats.Filled),
		zap.Int("ordersRejected", stats.Rejected),
		zap.Stringer("equity", orderManager.Portfolio().TotalValue()),
	)
}

// loadHistory returns bars per configured symbol. Stored bars win, then
// data_file for the first symbol, then a generated random walk that is
// saved for later backtests.
func loadHistory(logger *zap.Logger, store *data.Store, cfg *config.Config, n int) (map[string][]types.Bar, error) {
	history := make(map[string][]types.Bar, len(cfg.Server.Symbols))
	start := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -n)

	for i, symbol := range cfg.Server.Symbols {
		if bars, err := store.LoadBars(symbol); err == nil {
			history[symbol] = bars
			continue
		}
		if i == 0 && cfg.Server.DataFile != "" {
			bars, err := data.Load(cfg.Server.DataFile)
			if err != nil {
				return nil, err
			}
			history[symbol] = data.NewQualityValidator(logger).Clean(bars)
			continue
		}

		bars := data.GenerateBars(start, 24*time.Hour, n, 100, int64(i+1))
		if err := store.SaveBars(symbol, bars); err != nil {
			return nil, fmt.Errorf("failed to save generated bars for %s: %w", symbol, err)
		}
		logger.Info("Generated sample bars", zap.String("symbol", symbol), zap.Int("bars", n))
		history[symbol] = bars
	}
	return history, nil
}

// replay advances the feed until it runs out of bars or ctx ends
func replay(ctx context.Context, logger *zap.Logger, market *data.ReplayFeed, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !market.Advance() {
				logger.Info("Replay finished")
				return
			}
		}
	}
}

func setupLogger(level zapcore.Level) *zap.Logger {
	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
