package indicator

import "math"

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// Gains and losses are smoothed by two SMMAs, so the first value appears after
// period price differences (index period) and is the plain mean of them.
// Update is O(1) per price — no history scans.
type RSI struct {
	period    int
	count     int
	prevClose float64
	gains     *SMMA
	losses    *SMMA
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	if period < 1 {
		period = 1
	}
	return &RSI{
		period: period,
		gains:  NewSMMA(period),
		losses: NewSMMA(period),
	}
}

func (r *RSI) Name() string { return "RSI" }

func (r *RSI) Update(price float64) {
	r.count++
	if r.count == 1 {
		// First price — no delta yet
		r.prevClose = price
		return
	}

	gain, loss := split(price - r.prevClose)
	r.prevClose = price
	r.gains.Update(gain)
	r.losses.Update(loss)
}

func (r *RSI) Value() float64 {
	if !r.Ready() {
		return math.NaN()
	}
	return rsiFrom(r.gains.Value(), r.losses.Value())
}

func (r *RSI) Ready() bool { return r.losses.Ready() }

// AvgGain and AvgLoss expose the smoothed averages (NaN until Ready).
func (r *RSI) AvgGain() float64 { return r.gains.Value() }
func (r *RSI) AvgLoss() float64 { return r.losses.Value() }

// Peek computes what RSI would be after price, without mutating state.
func (r *RSI) Peek(price float64) float64 {
	if r.count == 0 {
		return math.NaN()
	}
	gain, loss := split(price - r.prevClose)
	ag, al := r.gains.Peek(gain), r.losses.Peek(loss)
	if math.IsNaN(al) {
		return math.NaN()
	}
	return rsiFrom(ag, al)
}

func split(diff float64) (gain, loss float64) {
	if diff > 0 {
		return diff, 0
	}
	return 0, -diff
}

// rsiFrom is 100 whenever avgLoss is zero (RS unbounded).
func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// RSISeries returns Wilder RSI per index. Undefined for indices < period.
func RSISeries(prices []float64, period int) []float64 {
	if period < 1 {
		return undefinedSeries(len(prices))
	}
	return run(NewRSI(period), prices)
}
