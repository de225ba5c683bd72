package indicator

import "math"

// BollingerSeries holds the middle, upper and lower bands.
type BollingerSeries struct {
	Middle []float64
	Upper  []float64
	Lower  []float64
}

// Bollinger computes middle = MA(period) and upper/lower = middle ± k·σ,
// where σ is the population standard deviation of the same window.
// Undefined for indices < period-1.
func Bollinger(prices []float64, period int, k float64) BollingerSeries {
	n := len(prices)
	out := BollingerSeries{
		Middle: undefinedSeries(n),
		Upper:  undefinedSeries(n),
		Lower:  undefinedSeries(n),
	}
	if period < 1 {
		return out
	}

	sma := NewSMA(period)
	for i, p := range prices {
		sma.Update(p)
		if !sma.Ready() {
			continue
		}
		mean := sma.Value()
		sd := stddev(sma.Window(), mean)
		out.Middle[i] = mean
		out.Upper[i] = mean + k*sd
		out.Lower[i] = mean - k*sd
	}
	return out
}

func stddev(window []float64, mean float64) float64 {
	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(window)))
}
