// Package utils provides numeric helpers shared by the risk and metrics code.
package utils

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// CalculateReturns calculates simple returns from a price series.
// A zero prior price yields a zero return for that step.
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = prices[i]/prices[i-1] - 1
		}
	}
	return returns
}

// CalculateMean calculates the arithmetic mean.
func CalculateMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// CalculateStdDev calculates the sample standard deviation (n-1).
func CalculateStdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := CalculateMean(values)
	sumSquares := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// CalculateDownsideDeviation is the root mean square of negative returns
// over all observations.
func CalculateDownsideDeviation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sumSquares := 0.0
	for _, v := range values {
		if v < 0 {
			sumSquares += v * v
		}
	}
	return math.Sqrt(sumSquares / float64(len(values)))
}

// CalculateCorrelation returns the Pearson correlation of two equally long
// series, or 0 when either has no variance.
func CalculateCorrelation(a, b []float64) float64 {
	n := len(a)
	if n != len(b) || n < 2 {
		return 0
	}
	meanA, meanB := CalculateMean(a), CalculateMean(b)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}

// CalculateMaxDrawdown returns the largest peak-to-trough decline of an
// equity series as a fraction of the peak.
func CalculateMaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}
	maxDrawdown := 0.0
	peak := equity[0]
	for _, value := range equity {
		if value > peak {
			peak = value
		}
		if peak > 0 {
			if dd := (peak - value) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}
	return maxDrawdown
}

// CalculateHistoricalVaR returns value at risk and expected shortfall at the
// given confidence, both as positive loss fractions.
func CalculateHistoricalVaR(returns []float64, confidence float64) (valueAtRisk, shortfall float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(math.Floor((1 - confidence) * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	valueAtRisk = math.Max(0, -sorted[idx])
	shortfall = math.Max(0, -CalculateMean(sorted[:idx+1]))
	return valueAtRisk, shortfall
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampDecimal clamps a value between min and max.
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// ToFloats converts decimals for statistics.
func ToFloats(values []decimal.Decimal) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v.InexactFloat64()
	}
	return out
}
