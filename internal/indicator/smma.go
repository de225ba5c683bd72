package indicator

import "math"

// SMMA calculates Smoothed Moving Average (Wilder-style smoothing).
// First value is SMA(period), then SMMA = (prev*(period-1) + value) / period.
type SMMA struct {
	period  int
	count   int
	sum     float64
	current float64
}

// NewSMMA creates a new SMMA indicator with the given period.
func NewSMMA(period int) *SMMA {
	if period < 1 {
		period = 1
	}
	return &SMMA{period: period, current: math.NaN()}
}

func (s *SMMA) Name() string { return "SMMA" }

func (s *SMMA) Update(value float64) {
	s.count++

	if s.count <= s.period {
		// Accumulate for initial SMA seed
		s.sum += value
		if s.count == s.period {
			s.current = s.sum / float64(s.period)
		}
		return
	}

	p := float64(s.period)
	s.current = (s.current*(p-1) + value) / p
}

func (s *SMMA) Value() float64 { return s.current }
func (s *SMMA) Ready() bool    { return s.count >= s.period }

// Peek computes what Value() would be after value, without mutating state.
func (s *SMMA) Peek(value float64) float64 {
	if s.count+1 < s.period {
		return math.NaN()
	}
	if s.count+1 == s.period {
		return (s.sum + value) / float64(s.period)
	}
	p := float64(s.period)
	return (s.current*(p-1) + value) / p
}
