package indicator

import "math"

// EMA calculates Exponential Moving Average.
// Seeded with the first price, so it is defined from the first update on.
// O(1) per update — no window storage needed.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
		current:    math.NaN(),
	}
}

func (e *EMA) Name() string { return "EMA" }

func (e *EMA) Update(price float64) {
	e.count++
	if e.count == 1 {
		e.current = price
		return
	}
	e.current = (price-e.current)*e.multiplier + e.current
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count > 0 }

// Peek computes what Value() would be after price, without mutating state.
func (e *EMA) Peek(price float64) float64 {
	if e.count == 0 {
		return price
	}
	return (price-e.current)*e.multiplier + e.current
}

// EMASeries returns the exponential moving average for every index:
// ema[0] = P[0], ema[i] = (P[i]-ema[i-1]) * 2/(period+1) + ema[i-1].
func EMASeries(prices []float64, period int) []float64 {
	if period < 1 {
		return undefinedSeries(len(prices))
	}
	return run(NewEMA(period), prices)
}
