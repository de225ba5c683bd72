package signal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalwatch/internal/indicator"
	"signalwatch/internal/model"
)

const minute = int64(60_000)

// rising returns n candles with strictly rising closes and flat volume.
func rising(n int, volume float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = model.Candle{OpenTimeMillis: int64(i) * minute, Open: p, High: p, Low: p, Close: p, Volume: volume}
	}
	return out
}

// macdFromDiffs builds a series with signal 0 and macd = diff.
func macdFromDiffs(diffs ...float64) indicator.MACDSeries {
	m := indicator.MACDSeries{
		MACD:      append([]float64(nil), diffs...),
		Signal:    make([]float64, len(diffs)),
		Histogram: append([]float64(nil), diffs...),
	}
	return m
}

// crossAtLast returns diffs of length n that are negative (or positive when
// bearish) until the final bar flips sign.
func crossAtLast(n int, bullish bool) indicator.MACDSeries {
	diffs := make([]float64, n)
	for i := range diffs {
		diffs[i] = -0.5
		if i == n-1 {
			diffs[i] = 0.5
		}
		if !bullish {
			diffs[i] = -diffs[i]
		}
	}
	return macdFromDiffs(diffs...)
}

func TestCrossovers(t *testing.T) {
	times := []int64{0, 1, 2, 3, 4}
	got := Crossovers(times, macdFromDiffs(-1, -1, 1, 1, -1))
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Index)
	assert.True(t, got[0].MACDAboveSignal)
	assert.Equal(t, int64(4), got[1].TimeMillis)
	assert.False(t, got[1].MACDAboveSignal)
	assert.Equal(t, "bearish", got[1].Direction())
}

func TestCrossovers_ZeroCountsAsItsOwnSign(t *testing.T) {
	got := Crossovers([]int64{0, 1, 2}, macdFromDiffs(1, 0, -1))
	require.Len(t, got, 2)
	assert.True(t, got[0].MACDAboveSignal, "macd == signal counts as above")
	assert.False(t, got[1].MACDAboveSignal)
}

func TestCrossovers_SkipsUndefined(t *testing.T) {
	got := Crossovers([]int64{0, 1, 2}, macdFromDiffs(math.NaN(), 1, -1))
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Index)
}

func TestCrossovers_MatchHistogramSignFlips(t *testing.T) {
	n := 120
	closes := make([]float64, n)
	times := make([]int64, n)
	for i := range closes {
		closes[i] = 100 + 10*math.Sin(float64(i)/6)
		times[i] = int64(i) * minute
	}
	m := indicator.MACDOf(closes, 12, 26, 9)

	crosses := Crossovers(times, m)
	require.NotEmpty(t, crosses)

	flagged := make(map[int]bool)
	seen := make(map[model.CrossKey]bool)
	for _, c := range crosses {
		flagged[c.Index] = true
		assert.False(t, seen[c.Key()], "duplicate key %+v", c.Key())
		seen[c.Key()] = true
	}
	for i := 1; i < n; i++ {
		flip := sign(m.Histogram[i]) != sign(m.Histogram[i-1])
		assert.Equal(t, flip, flagged[i], "index %d", i)
	}
}

func TestEvaluate_ValidBullishAlertsOnce(t *testing.T) {
	candles := rising(20, 10)
	candles[19].Volume = 20
	d := New("btc", model.Interval1h, DefaultConfig())
	m := crossAtLast(20, true)

	out, ok := d.Evaluate(candles, m)
	require.True(t, ok)
	assert.True(t, out.Alert)
	assert.True(t, out.New)

	v := out.Validation
	assert.True(t, v.IsValid)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, "btc", v.Symbol)
	assert.Equal(t, model.Interval1h, v.Interval)
	assert.Equal(t, 119.0, v.Price)
	assert.Equal(t, 19*minute, v.Cross.TimeMillis)

	names := make([]string, len(v.Reasons))
	for i, r := range v.Reasons {
		names[i] = r.Name
		assert.True(t, r.Passed, "%s: %s", r.Name, r.Label)
	}
	assert.Equal(t, []string{CriterionVolume, CriterionHistogram, CriterionTrend, CriterionConsecutive}, names)

	// Recomputing the same series must not alert again.
	_, ok = d.Evaluate(candles, m)
	assert.False(t, ok)
	key, has := d.LastAlerted()
	require.True(t, has)
	assert.Equal(t, model.CrossKey{TimeMillis: 19 * minute, Bullish: true}, key)
}

func TestEvaluate_LowVolumeDoesNotAlert(t *testing.T) {
	candles := rising(20, 10)
	candles[19].Volume = 14 // avg 10 × 1.5 = 15
	d := New("btc", model.Interval1h, DefaultConfig())
	m := crossAtLast(20, true)

	out, ok := d.Evaluate(candles, m)
	require.True(t, ok, "the crossover itself is detected")
	assert.False(t, out.Alert)
	assert.False(t, out.Validation.IsValid)

	vol, found := out.Validation.Reason(CriterionVolume)
	require.True(t, found)
	assert.False(t, vol.Passed)
	trend, _ := out.Validation.Reason(CriterionTrend)
	assert.True(t, trend.Passed)

	// Still evaluated on the next cycle, but no longer new.
	out, ok = d.Evaluate(candles, m)
	require.True(t, ok)
	assert.False(t, out.New)
	_, has := d.LastAlerted()
	assert.False(t, has)
}

func TestEvaluate_BearishAgainstRisingClosesFails(t *testing.T) {
	candles := rising(20, 10)
	candles[19].Volume = 100
	d := New("btc", model.Interval1h, DefaultConfig())

	out, ok := d.Evaluate(candles, crossAtLast(20, false))
	require.True(t, ok)
	assert.False(t, out.Alert)
	for _, name := range []string{CriterionTrend, CriterionConsecutive} {
		r, _ := out.Validation.Reason(name)
		assert.False(t, r.Passed, name)
	}
	hist, _ := out.Validation.Reason(CriterionHistogram)
	assert.True(t, hist.Passed)
}

func TestEvaluate_FlatHistogramFails(t *testing.T) {
	candles := rising(20, 10)
	candles[19].Volume = 100
	m := crossAtLast(20, true)
	m.Histogram[18], m.Histogram[19] = 0.1, 0.1

	out, ok := New("btc", model.Interval1h, DefaultConfig()).Evaluate(candles, m)
	require.True(t, ok)
	hist, _ := out.Validation.Reason(CriterionHistogram)
	assert.False(t, hist.Passed)
	assert.False(t, out.Alert)
}

func TestEvaluate_ShortHistoryFailsVolumeAndTrend(t *testing.T) {
	candles := rising(6, 10)
	candles[5].Volume = 100
	out, ok := New("btc", model.Interval1h, DefaultConfig()).Evaluate(candles, crossAtLast(6, true))
	require.True(t, ok)
	vol, _ := out.Validation.Reason(CriterionVolume)
	trend, _ := out.Validation.Reason(CriterionTrend)
	cons, _ := out.Validation.Reason(CriterionConsecutive)
	assert.False(t, vol.Passed)
	assert.False(t, trend.Passed)
	assert.True(t, cons.Passed)
}

func TestEvaluate_NoCrossover(t *testing.T) {
	_, ok := New("btc", model.Interval1h, DefaultConfig()).Evaluate(rising(5, 1), macdFromDiffs(1, 1, 1, 1, 1))
	assert.False(t, ok)
}

func TestEvaluate_ResetAndRestore(t *testing.T) {
	candles := rising(20, 10)
	candles[19].Volume = 20
	m := crossAtLast(20, true)

	d := New("btc", model.Interval1h, DefaultConfig())
	d.Restore(model.CrossKey{TimeMillis: 19 * minute, Bullish: true})
	_, ok := d.Evaluate(candles, m)
	assert.False(t, ok, "restored key suppresses the alert")

	d.Reset(model.Interval15m)
	out, ok := d.Evaluate(candles, m)
	require.True(t, ok)
	assert.True(t, out.Alert)
	assert.Equal(t, model.Interval15m, out.Validation.Interval)
}

func TestEvaluate_OnlyMostRecentCrossover(t *testing.T) {
	candles := rising(20, 10)
	candles[19].Volume = 20
	d := New("btc", model.Interval1h, DefaultConfig())

	// Bullish cross at 10, bearish at 15, bullish again at 19.
	diffs := make([]float64, 20)
	for i := range diffs {
		switch {
		case i < 10:
			diffs[i] = -1
		case i < 15:
			diffs[i] = 1
		case i < 19:
			diffs[i] = -1
		default:
			diffs[i] = 1
		}
	}
	out, ok := d.Evaluate(candles, macdFromDiffs(diffs...))
	require.True(t, ok)
	assert.Equal(t, 19, out.Validation.Cross.Index)
}

func TestEvaluate_RevisedBarDoesNotRealertOlderCrossover(t *testing.T) {
	candles := rising(20, 10)
	candles[18].Volume = 20
	candles[19].Volume = 20
	d := New("btc", model.Interval1h, DefaultConfig())

	// A: bullish at 18. B: the forming bar rewrites history so the bullish
	// cross lands at 19. Reverting the bar brings A back.
	onlyA := macdFromDiffs(append(crossAtLast(19, true).MACD, 0.6)...)
	withB := crossAtLast(20, true)

	out, ok := d.Evaluate(candles, onlyA)
	require.True(t, ok)
	require.True(t, out.Alert)
	assert.Equal(t, 18*minute, out.Validation.Cross.TimeMillis)

	out, ok = d.Evaluate(candles, withB)
	require.True(t, ok)
	require.True(t, out.Alert)
	assert.Equal(t, 19*minute, out.Validation.Cross.TimeMillis)

	_, ok = d.Evaluate(candles, onlyA)
	assert.False(t, ok, "an older crossover is never alerted again")
	key, _ := d.LastAlerted()
	assert.Equal(t, model.CrossKey{TimeMillis: 19 * minute, Bullish: true}, key)
}

func TestEvaluate_OppositeCrossOnSameBarAlertsOnceEach(t *testing.T) {
	candles := rising(20, 10)
	candles[19].Volume = 20
	cfg := DefaultConfig()
	cfg.TrendPeriod = 2
	cfg.ConsecutiveBars = 2
	d := New("btc", model.Interval1h, cfg)

	out, ok := d.Evaluate(candles, crossAtLast(20, true))
	require.True(t, ok)
	require.True(t, out.Alert)

	// The forming bar turns down: a bearish cross at the same open time.
	falling := append([]model.Candle(nil), candles...)
	falling[19].Close, falling[19].Low = 117, 117
	out, ok = d.Evaluate(falling, crossAtLast(20, false))
	require.True(t, ok)
	require.True(t, out.Alert, "%v", out.Validation.Reasons)

	_, ok = d.Evaluate(candles, crossAtLast(20, true))
	assert.False(t, ok)
	_, ok = d.Evaluate(falling, crossAtLast(20, false))
	assert.False(t, ok)
}
