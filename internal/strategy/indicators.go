package strategy

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/markcheno/go-talib"
)

// SMACross buys when the fast moving average crosses above the slow one
// and sells on the opposite cross.
type SMACross struct {
	fast int
	slow int
}

// NewSMACross creates a moving average crossover strategy.
func NewSMACross(fast, slow int) (*SMACross, error) {
	if fast < 2 || slow <= fast {
		return nil, fmt.Errorf("need 2 <= fast < slow, got fast=%d slow=%d", fast, slow)
	}
	return &SMACross{fast: fast, slow: slow}, nil
}

func (s *SMACross) Name() string { return fmt.Sprintf("sma_cross(%d,%d)", s.fast, s.slow) }

func (s *SMACross) Analyze(window []types.Bar) (*types.Signal, error) {
	if len(window) < s.slow+1 {
		return nil, nil
	}
	c := closes(window)
	fast := talib.Sma(c, s.fast)
	slow := talib.Sma(c, s.slow)

	n := len(c) - 1
	prevSpread := fast[n-1] - slow[n-1]
	spread := fast[n] - slow[n]
	if slow[n] == 0 {
		return nil, nil
	}
	strength := math.Min(1, 0.7+10*math.Abs(spread)/slow[n])
	price := window[n].Close

	switch {
	case prevSpread <= 0 && spread > 0:
		return types.Buy(strength, price, "fast average crossed above slow"), nil
	case prevSpread >= 0 && spread < 0:
		return types.Sell(strength, price, "fast average crossed below slow"), nil
	}
	return nil, nil
}

// RSIReversion buys oversold and sells overbought conditions.
type RSIReversion struct {
	period     int
	oversold   float64
	overbought float64
}

// NewRSIReversion creates an RSI mean reversion strategy.
func NewRSIReversion(period int, oversold, overbought float64) (*RSIReversion, error) {
	if period < 2 {
		return nil, fmt.Errorf("rsi period %d < 2", period)
	}
	if oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return nil, fmt.Errorf("need 0 < oversold < overbought < 100, got %.1f/%.1f", oversold, overbought)
	}
	return &RSIReversion{period: period, oversold: oversold, overbought: overbought}, nil
}

func (s *RSIReversion) Name() string { return fmt.Sprintf("rsi_reversion(%d)", s.period) }

func (s *RSIReversion) Analyze(window []types.Bar) (*types.Signal, error) {
	if len(window) < s.period+2 {
		return nil, nil
	}
	rsi := talib.Rsi(closes(window), s.period)
	value := rsi[len(rsi)-1]
	price := window[len(window)-1].Close

	switch {
	case value < s.oversold:
		strength := math.Min(1, 0.5+(s.oversold-value)/s.oversold)
		return types.Buy(strength, price, fmt.Sprintf("rsi %.1f oversold", value)), nil
	case value > s.overbought:
		strength := math.Min(1, 0.5+(value-s.overbought)/(100-s.overbought))
		return types.Sell(strength, price, fmt.Sprintf("rsi %.1f overbought", value)), nil
	}
	return nil, nil
}
