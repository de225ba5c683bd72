package indicator

import "math"

// MACD tracks fast EMA - slow EMA and its signal EMA.
// All three lines are defined from the first update.
type MACD struct {
	fast   *EMA
	slow   *EMA
	signal *EMA
}

// NewMACD creates a MACD with the given fast, slow and signal periods.
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:   NewEMA(fast),
		slow:   NewEMA(slow),
		signal: NewEMA(signal),
	}
}

func (m *MACD) Name() string { return "MACD" }

func (m *MACD) Update(price float64) {
	m.fast.Update(price)
	m.slow.Update(price)
	m.signal.Update(m.fast.Value() - m.slow.Value())
}

// Value returns the MACD line.
func (m *MACD) Value() float64 {
	if !m.Ready() {
		return math.NaN()
	}
	return m.fast.Value() - m.slow.Value()
}

func (m *MACD) Signal() float64    { return m.signal.Value() }
func (m *MACD) Histogram() float64 { return m.Value() - m.Signal() }
func (m *MACD) Ready() bool        { return m.signal.Ready() }

// MACDSeries holds the three MACD lines aligned with the input prices.
type MACDSeries struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// MACDOf computes MACD = EMA(fast) - EMA(slow), Signal = EMA(MACD, signal)
// and Histogram = MACD - Signal for every index.
func MACDOf(prices []float64, fast, slow, signal int) MACDSeries {
	n := len(prices)
	if fast < 1 || slow < 1 || signal < 1 {
		return MACDSeries{
			MACD:      undefinedSeries(n),
			Signal:    undefinedSeries(n),
			Histogram: undefinedSeries(n),
		}
	}
	out := MACDSeries{
		MACD:      make([]float64, n),
		Signal:    make([]float64, n),
		Histogram: make([]float64, n),
	}
	m := NewMACD(fast, slow, signal)
	for i, p := range prices {
		m.Update(p)
		out.MACD[i] = m.Value()
		out.Signal[i] = m.Signal()
		out.Histogram[i] = m.Histogram()
	}
	return out
}
