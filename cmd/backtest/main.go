// Package main runs a single backtest from the command line and prints the
// report as YAML.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/atlas-desktop/trading-engine/internal/backtester"
	"github.com/atlas-desktop/trading-engine/internal/config"
	"github.com/atlas-desktop/trading-engine/internal/data"
	"github.com/atlas-desktop/trading-engine/internal/optimization"
	"github.com/atlas-desktop/trading-engine/internal/strategy"
	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"
)

// output is the document written to stdout
type output struct {
	Report      types.MetricsReport           `yaml:"report"`
	Quality     *data.QualityReport           `yaml:"quality,omitempty"`
	MonteCarlo  *backtester.MonteCarloResult  `yaml:"monte_carlo,omitempty"`
	WalkForward *backtester.WalkForwardResult `yaml:"walk_forward,omitempty"`
	Optimized   *optimized                    `yaml:"optimization,omitempty"`
}

// optimized is the top of an optimization run
type optimized struct {
	BestParams map[string]float64 `yaml:"best_params"`
	BestScore  float64            `yaml:"best_score"`
	Candidates int                `yaml:"candidates"`
	Invalid    int                `yaml:"invalid"`
}

func main() {
	configPath := flag.String("config", "", "Config file (yaml)")
	dataFile := flag.String("data", "", "Bars file (.csv, .json or .parquet)")
	symbol := flag.String("symbol", "BTC/USDT", "Symbol the bars belong to")
	strategyName := flag.String("strategy", "", "Strategy name (defaults to server.strategy)")
	params := flag.String("params", "", "Strategy params, e.g. fast=10,slow=30")
	generate := flag.Int("generate", 500, "Generate this many daily bars when -data is empty")
	seed := flag.Int64("seed", 42, "Seed for generated bars")
	monteCarlo := flag.Int("montecarlo", 0, "Monte Carlo iterations (0 disables)")
	wfWindow := flag.Int("walkforward", 0, "Walk-forward window in bars (0 disables)")
	withTrades := flag.Bool("trades", false, "Include trades and equity curve in the report")
	optimize := flag.String("optimize", "", "Grid to search before the run, e.g. fast=5:20:5,slow=20:60:10")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Level())
	defer logger.Sync()

	if err := run(logger, cfg, runOptions{
		dataFile:   *dataFile,
		symbol:     *symbol,
		strategy:   *strategyName,
		params:     *params,
		generate:   *generate,
		seed:       *seed,
		monteCarlo: *monteCarlo,
		wfWindow:   *wfWindow,
		withTrades: *withTrades,
		optimize:   *optimize,
	}); err != nil {
		logger.Error("Backtest failed", zap.Error(err))
		os.Exit(1)
	}
}

type runOptions struct {
	dataFile   string
	symbol     string
	strategy   string
	params     string
	generate   int
	seed       int64
	monteCarlo int
	wfWindow   int
	withTrades bool
	optimize   string
}

func run(logger *zap.Logger, cfg *config.Config, opts runOptions) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	name := opts.strategy
	stratParams := cfg.Server.StrategyParams
	if name == "" {
		name = cfg.Server.Strategy
	} else {
		stratParams = nil
	}
	if opts.params != "" {
		p, err := parseParams(opts.params)
		if err != nil {
			return err
		}
		stratParams = p
	}

	registry := strategy.NewRegistry(logger)
	newStrategy := func() (strategy.Strategy, error) { return registry.Create(name, stratParams) }
	strat, err := newStrategy()
	if err != nil {
		return err
	}

	var out output
	var bars []types.Bar
	if opts.dataFile != "" {
		if bars, err = data.Load(opts.dataFile); err != nil {
			return err
		}
		validator := data.NewQualityValidator(logger)
		quality := validator.Validate(bars)
		out.Quality = &quality
		bars = validator.Clean(bars)
	} else {
		start := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -opts.generate)
		bars = data.GenerateBars(start, 24*time.Hour, opts.generate, 100, opts.seed)
	}

	btCfg := cfg.BacktestConfig()
	if opts.optimize != "" {
		space, err := parseSpace(opts.optimize)
		if err != nil {
			return err
		}
		res, err := optimization.NewOptimizer(logger, nil, registry).
			Optimize(ctx, name, space, bars, opts.symbol, btCfg)
		if err != nil {
			return err
		}
		out.Optimized = &optimized{
			BestParams: res.BestParams,
			BestScore:  res.BestScore,
			Candidates: len(res.Results),
			Invalid:    res.Invalid,
		}
		stratParams = res.BestParams
		if strat, err = newStrategy(); err != nil {
			return err
		}
	}

	logger.Info("Running backtest",
		zap.String("strategy", strat.Name()),
		zap.String("symbol", opts.symbol),
		zap.Int("bars", len(bars)))

	report, err := backtester.RunBacktest(ctx, strat, bars, opts.symbol, btCfg, backtester.WithLogger(logger))
	if err != nil {
		return err
	}

	if opts.monteCarlo > 0 {
		mcCfg := backtester.DefaultMonteCarloConfig()
		mcCfg.Iterations = opts.monteCarlo
		mc := backtester.NewMonteCarloSimulator(logger, mcCfg).Run(report)
		out.MonteCarlo = &mc
	}
	if opts.wfWindow > 0 {
		wf, err := backtester.WalkForward(ctx, newStrategy, bars, opts.symbol, btCfg,
			backtester.WalkForwardConfig{WindowBars: opts.wfWindow, StepBars: opts.wfWindow / 2},
			backtester.WithLogger(logger))
		if err != nil {
			return err
		}
		out.WalkForward = &wf
	}

	printSummary(report)

	if !opts.withTrades {
		report.Trades = nil
		report.EquityCurve = nil
	}
	out.Report = report

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(out)
}

// parseParams parses "k=v,k=v" into strategy params
func parseParams(s string) (map[string]float64, error) {
	params := make(map[string]float64)
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid param %q, want key=value", kv)
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for param %s: %w", k, err)
		}
		params[k] = f
	}
	return params, nil
}

// parseSpace parses "k=min:max:step,..." into integer grid parameters
func parseSpace(s string) ([]optimization.Parameter, error) {
	var space []optimization.Parameter
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		parts := strings.Split(v, ":")
		if !ok || k == "" || len(parts) != 3 {
			return nil, fmt.Errorf("invalid range %q, want key=min:max:step", kv)
		}
		var bounds [3]float64
		for i, part := range parts {
			f, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid range for %s: %w", k, err)
			}
			bounds[i] = f
		}
		space = append(space, optimization.Parameter{
			Name: k, Type: optimization.ParamTypeInteger,
			Min: bounds[0], Max: bounds[1], Step: bounds[2],
		})
	}
	return space, nil
}

// printSummary writes a one-screen summary to stderr so stdout stays valid YAML
func printSummary(r types.MetricsReport) {
	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stderr, "%s on %s: %d bars, %d trades (%d won)\n",
		r.Strategy, r.Symbol, r.BarsProcessed, r.TotalTrades, r.WinningTrades)
	p.Fprintf(os.Stderr, "  capital   %.2f -> %.2f (%.2f%%)\n",
		r.InitialCapital.InexactFloat64(), r.FinalValue.InexactFloat64(), r.TotalReturn*100)
	p.Fprintf(os.Stderr, "  drawdown  %.2f%%  sharpe %.2f  sortino %.2f\n",
		r.MaxDrawdown*100, r.SharpeRatio, r.SortinoRatio)
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
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
