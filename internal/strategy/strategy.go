// Package strategy defines the signal source consumed by the engine and
// the boundary that keeps a misbehaving strategy from aborting a run.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"go.uber.org/zap"
)

// Strategy is the interface all strategies must implement.
// Analyze receives the lookback window ending at the current bar, oldest
// first, and returns nil or a HOLD signal to do nothing.
type Strategy interface {
	Name() string
	Analyze(window []types.Bar) (*types.Signal, error)
}

// Func adapts a plain function into a Strategy.
type Func struct {
	ID string
	Fn func(window []types.Bar) (*types.Signal, error)
}

// Name returns the strategy name.
func (f Func) Name() string { return f.ID }

// Analyze calls the wrapped function.
func (f Func) Analyze(window []types.Bar) (*types.Signal, error) { return f.Fn(window) }

// Fault is a strategy failure caught at the engine boundary
type Fault struct {
	Strategy string
	Bar      time.Time
	Cause    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("strategy %s faulted at %s: %v", f.Strategy, f.Bar.Format(time.RFC3339), f.Cause)
}

func (f *Fault) Unwrap() error { return f.Cause }

// ErrMalformedSignal marks a signal that cannot be acted on.
var ErrMalformedSignal = errors.New("malformed signal")

// SafeAnalyze runs the strategy and never fails the caller: a returned
// error, a panic or a malformed signal yields HOLD plus a *Fault.
func SafeAnalyze(s Strategy, window []types.Bar) (sig *types.Signal, err error) {
	var at time.Time
	if len(window) > 0 {
		at = window[len(window)-1].Timestamp
	}
	fault := func(cause error) (*types.Signal, error) {
		return types.Hold("strategy fault"), &Fault{Strategy: s.Name(), Bar: at, Cause: cause}
	}

	defer func() {
		if r := recover(); r != nil {
			sig, err = fault(fmt.Errorf("panic: %v", r))
		}
	}()

	out, aerr := s.Analyze(window)
	if aerr != nil {
		return fault(aerr)
	}
	if out == nil {
		return types.Hold(""), nil
	}
	if verr := validateSignal(out); verr != nil {
		return fault(verr)
	}
	return out, nil
}

func validateSignal(s *types.Signal) error {
	switch s.Action {
	case types.SignalHold:
		return nil
	case types.SignalBuy, types.SignalSell:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrMalformedSignal, s.Action)
	}
	if math.IsNaN(s.Strength) || s.Strength < 0 || s.Strength > 1 {
		return fmt.Errorf("%w: strength %v outside [0, 1]", ErrMalformedSignal, s.Strength)
	}
	if !s.Price.IsPositive() {
		return fmt.Errorf("%w: price %s", ErrMalformedSignal, s.Price)
	}
	return nil
}

// Factory builds a strategy from numeric parameters. Missing parameters
// take the strategy defaults.
type Factory func(params map[string]float64) (Strategy, error)

// Registry manages available strategies.
type Registry struct {
	logger    *zap.Logger
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry with the built-in strategies.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:    logger.Named("strategies"),
		factories: make(map[string]Factory),
	}

	r.Register("sma_cross", func(p map[string]float64) (Strategy, error) {
		return NewSMACross(intParam(p, "fast", 10), intParam(p, "slow", 30))
	})
	r.Register("rsi_reversion", func(p map[string]float64) (Strategy, error) {
		return NewRSIReversion(intParam(p, "period", 14), floatParam(p, "oversold", 30), floatParam(p, "overbought", 70))
	})

	return r
}

// Register registers a strategy factory, replacing any with the same name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create builds a strategy by name.
func (r *Registry) Create(name string, params map[string]float64) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}

	s, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name, err)
	}
	r.logger.Debug("Strategy created", zap.String("strategy", name), zap.Any("params", params))
	return s, nil
}

// List returns registered strategy names in order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func intParam(p map[string]float64, key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}

func floatParam(p map[string]float64, key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func closes(window []types.Bar) []float64 {
	out := make([]float64, len(window))
	for i, b := range window {
		out[i] = b.Close.InexactFloat64()
	}
	return out
}
