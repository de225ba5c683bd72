// Package indicator provides technical indicator calculations over price series.
//
// Two layers are exposed. Streaming indicators (SMA, EMA, SMMA, RSI, MACD)
// implement the Indicator interface and are fed one price at a time. Series
// functions (MA, EMA, Bollinger, RSI, MACD, Stochastic) return a slice aligned
// index-for-index with the input, where undefined (warm-up) entries are NaN.
// Series functions are built on the streaming indicators, so a full
// recomputation and an incremental update produce identical values.
package indicator

import "math"

// Indicator is the interface for streaming indicators.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA", "EMA").
	Name() string

	// Update feeds the next price and recalculates.
	Update(price float64)

	// Value returns the current calculated value. Returns NaN until Ready.
	Value() float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool
}

// Defined reports whether a series entry carries a value.
func Defined(v float64) bool { return !math.IsNaN(v) }

// Last returns the final entry of a series, or NaN when empty.
func Last(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func undefinedSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// run feeds prices through ind and collects Value() where Ready.
func run(ind Indicator, prices []float64) []float64 {
	out := undefinedSeries(len(prices))
	for i, p := range prices {
		ind.Update(p)
		if ind.Ready() {
			out[i] = ind.Value()
		}
	}
	return out
}
