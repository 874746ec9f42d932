package execution

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/trading-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// SlippageModel returns the adverse price move for a market-style fill, as a
// fraction of price.
type SlippageModel interface {
	Rate(order *types.Order, bar types.Bar) decimal.Decimal
}

// NoSlippage fills at the reference price
type NoSlippage struct{}

// Rate always returns zero
func (NoSlippage) Rate(*types.Order, types.Bar) decimal.Decimal {
	return decimal.Zero
}

// FixedSlippage applies a constant fraction
type FixedSlippage struct {
	Fraction decimal.Decimal
}

// NewFixedSlippage creates a fixed slippage model
func NewFixedSlippage(fraction decimal.Decimal) *FixedSlippage {
	return &FixedSlippage{Fraction: fraction}
}

// Rate returns the fixed fraction
func (f *FixedSlippage) Rate(*types.Order, types.Bar) decimal.Decimal {
	return f.Fraction
}

// VolumeWeightedSlippage models slippage based on order size relative to volume
type VolumeWeightedSlippage struct {
	Base         decimal.Decimal
	ImpactFactor decimal.Decimal
}

// NewVolumeWeightedSlippage creates a volume-weighted slippage model
func NewVolumeWeightedSlippage(base, impactFactor decimal.Decimal) *VolumeWeightedSlippage {
	return &VolumeWeightedSlippage{Base: base, ImpactFactor: impactFactor}
}

// Rate adds a square-root market impact term to the base fraction.
// Bars without volume (ticks) get the base only.
func (v *VolumeWeightedSlippage) Rate(order *types.Order, bar types.Bar) decimal.Decimal {
	if !bar.Volume.IsPositive() {
		return v.Base
	}
	participation := order.Remaining().Div(bar.Volume).InexactFloat64()
	impact := v.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation)))
	return v.Base.Add(impact)
}

// NewSlippageModel builds the model named in cfg.
func NewSlippageModel(cfg types.SlippageConfig) (SlippageModel, error) {
	switch cfg.Model {
	case "", types.SlippageModelNone:
		if cfg.Rate.IsPositive() {
			return NewFixedSlippage(cfg.Rate), nil
		}
		return NoSlippage{}, nil
	case types.SlippageModelFixed:
		return NewFixedSlippage(cfg.Rate), nil
	case types.SlippageModelVolumeWeighted:
		return NewVolumeWeightedSlippage(cfg.Rate, cfg.ImpactFactor), nil
	}
	return nil, fmt.Errorf("unknown slippage model %q", cfg.Model)
}
