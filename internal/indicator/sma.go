package indicator

import "math"

// SMA calculates Simple Moving Average over a rolling window.
// The window is a preallocated circular buffer; the mean is summed oldest to
// newest on every update so it never drifts from a fresh slice mean.
type SMA struct {
	period  int
	buf     []float64
	idx     int // next write position (== oldest value once full)
	count   int
	current float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	if period < 1 {
		period = 1
	}
	return &SMA{
		period:  period,
		buf:     make([]float64, period),
		current: math.NaN(),
	}
}

func (s *SMA) Name() string { return "SMA" }

func (s *SMA) Update(price float64) {
	s.buf[s.idx] = price
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.sum() / float64(s.period)
	}
}

func (s *SMA) sum() float64 {
	total := 0.0
	for i := 0; i < s.period; i++ {
		total += s.buf[(s.idx+i)%s.period]
	}
	return total
}

// Window copies the current window oldest first. Nil until Ready.
func (s *SMA) Window() []float64 {
	if !s.Ready() {
		return nil
	}
	out := make([]float64, s.period)
	for i := range out {
		out[i] = s.buf[(s.idx+i)%s.period]
	}
	return out
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }

// MASeries returns the simple moving average of period trailing prices.
// Undefined for indices < period-1.
func MASeries(prices []float64, period int) []float64 {
	if period < 1 {
		return undefinedSeries(len(prices))
	}
	return run(NewSMA(period), prices)
}

// Peek computes what Value() would be after price, without mutating state.
func (s *SMA) Peek(price float64) float64 {
	if s.count+1 < s.period {
		return math.NaN()
	}
	total := 0.0
	for i := 1; i < s.period; i++ {
		total += s.buf[(s.idx+i)%s.period]
	}
	return (total + price) / float64(s.period)
}
