package signal

import (
	"fmt"
	"math"

	"signalwatch/internal/model"
)

// Criterion names, in evaluation order.
const (
	CriterionVolume      = "volume"
	CriterionHistogram   = "histogram"
	CriterionTrend       = "trend"
	CriterionConsecutive = "consecutive"
)

// volumeCriterion: bar volume > mean volume of the trendPeriod bars before it × multiplier.
func volumeCriterion(candles []model.Candle, i, trendPeriod int, multiplier float64) model.Criterion {
	c := model.Criterion{Name: CriterionVolume}
	if trendPeriod < 1 || i-trendPeriod < 0 {
		c.Label = fmt.Sprintf("Volume: need %d prior bars", trendPeriod)
		return c
	}
	sum := 0.0
	for j := i - trendPeriod; j < i; j++ {
		sum += candles[j].Volume
	}
	avg := sum / float64(trendPeriod)
	threshold := avg * multiplier
	vol := candles[i].Volume

	c.Passed = vol > threshold
	if c.Passed {
		c.Label = fmt.Sprintf("Volume %.2f > %.2f (%.1f× avg)", vol, threshold, multiplier)
	} else {
		c.Label = fmt.Sprintf("Volume %.2f ≤ %.2f (%.1f× avg)", vol, threshold, multiplier)
	}
	return c
}

// histogramCriterion: |hist[i] - hist[i-1]| > minDiff.
func histogramCriterion(hist []float64, i int, minDiff float64) model.Criterion {
	c := model.Criterion{Name: CriterionHistogram}
	if i < 1 || i >= len(hist) {
		c.Label = "Histogram: no previous bar"
		return c
	}
	diff := math.Abs(hist[i] - hist[i-1])
	c.Passed = diff > minDiff
	if c.Passed {
		c.Label = fmt.Sprintf("Histogram move %.6g > %.0e", diff, minDiff)
	} else {
		c.Label = fmt.Sprintf("Histogram move %.6g ≤ %.0e", diff, minDiff)
	}
	return c
}

// strictRun reports whether closes[i-bars+1..i] move strictly up (or down)
// bar over bar.
func strictRun(candles []model.Candle, i, bars int, up bool) bool {
	if bars < 2 || i-bars+1 < 0 {
		return false
	}
	for j := i - bars + 2; j <= i; j++ {
		prev, cur := candles[j-1].Close, candles[j].Close
		if up && !(cur > prev) {
			return false
		}
		if !up && !(cur < prev) {
			return false
		}
	}
	return true
}

func direction(up bool) string {
	if up {
		return "rising"
	}
	return "falling"
}

// trendCriterion: the trailing trendPeriod closes form a strict monotonic run.
func trendCriterion(candles []model.Candle, i, trendPeriod int, up bool) model.Criterion {
	c := model.Criterion{Name: CriterionTrend, Passed: strictRun(candles, i, trendPeriod, up)}
	if c.Passed {
		c.Label = fmt.Sprintf("Trend: %d closes strictly %s", trendPeriod, direction(up))
	} else {
		c.Label = fmt.Sprintf("Trend: %d closes not strictly %s", trendPeriod, direction(up))
	}
	return c
}

// consecutiveCriterion: the trailing consecutiveBars closes move strictly
// in the crossover direction.
func consecutiveCriterion(candles []model.Candle, i, bars int, up bool) model.Criterion {
	c := model.Criterion{Name: CriterionConsecutive, Passed: strictRun(candles, i, bars, up)}
	if c.Passed {
		c.Label = fmt.Sprintf("Consecutive: %d bars %s", bars, direction(up))
	} else {
		c.Label = fmt.Sprintf("Consecutive: %d bars not %s", bars, direction(up))
	}
	return c
}
