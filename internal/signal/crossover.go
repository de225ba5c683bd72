package signal

import (
	"signalwatch/internal/indicator"
	"signalwatch/internal/model"
)

func sign(x float64) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// Crossovers returns every index i > 0 where sign(macd-signal) changes.
// times must be aligned with the MACD series.
func Crossovers(times []int64, m indicator.MACDSeries) []model.CrossEvent {
	n := len(m.MACD)
	if len(m.Signal) < n {
		n = len(m.Signal)
	}
	if len(times) < n {
		n = len(times)
	}

	var out []model.CrossEvent
	for i := 1; i < n; i++ {
		prev, cur := m.MACD[i-1]-m.Signal[i-1], m.MACD[i]-m.Signal[i]
		if !indicator.Defined(prev) || !indicator.Defined(cur) {
			continue
		}
		if sign(prev) == sign(cur) {
			continue
		}
		out = append(out, model.CrossEvent{
			TimeMillis:      times[i],
			Index:           i,
			MACD:            m.MACD[i],
			Signal:          m.Signal[i],
			MACDAboveSignal: m.MACD[i] >= m.Signal[i],
		})
	}
	return out
}

// LastCrossover returns the most recent crossover, if any.
func LastCrossover(times []int64, m indicator.MACDSeries) (model.CrossEvent, bool) {
	all := Crossovers(times, m)
	if len(all) == 0 {
		return model.CrossEvent{}, false
	}
	return all[len(all)-1], true
}
