package indicator

import "math"

// StochasticSeries holds raw %K, smoothed %K and %D.
type StochasticSeries struct {
	RawK []float64
	K    []float64
	D    []float64
}

// Stochastic computes the slow stochastic oscillator.
//
//	raw%K[i] = 100·(close[i] - LL) / (HH - LL) over kPeriod bars
//	%K       = MA(raw%K, smooth)
//	%D       = MA(%K, dPeriod)
//
// When HH == LL the previous raw %K is carried forward (0 if none), so a
// flat range never produces a division by zero.
func Stochastic(highs, lows, closes []float64, kPeriod, dPeriod, smooth int) StochasticSeries {
	n := len(closes)
	out := StochasticSeries{
		RawK: undefinedSeries(n),
		K:    undefinedSeries(n),
		D:    undefinedSeries(n),
	}
	if kPeriod < 1 || dPeriod < 1 || smooth < 1 || len(highs) != n || len(lows) != n {
		return out
	}

	kSMA := NewSMA(smooth)
	dSMA := NewSMA(dPeriod)
	prevRaw := 0.0
	for i := kPeriod - 1; i < n; i++ {
		hh, ll := math.Inf(-1), math.Inf(1)
		for j := i - kPeriod + 1; j <= i; j++ {
			hh = math.Max(hh, highs[j])
			ll = math.Min(ll, lows[j])
		}

		raw := prevRaw
		if hh != ll {
			raw = 100 * (closes[i] - ll) / (hh - ll)
		}
		prevRaw = raw
		out.RawK[i] = raw

		kSMA.Update(raw)
		if !kSMA.Ready() {
			continue
		}
		out.K[i] = kSMA.Value()

		dSMA.Update(out.K[i])
		if dSMA.Ready() {
			out.D[i] = dSMA.Value()
		}
	}
	return out
}
