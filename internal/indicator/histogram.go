package indicator

// HistState classifies a MACD histogram bar by sign and slope.
type HistState int

const (
	HistUndefined HistState = iota
	HistFlat                // first defined bar, or unchanged from the previous
	HistUp                  // >= 0 and rising
	HistDown                // >= 0 and falling
	HistBelowDown           // < 0 and falling
	HistBelowUp             // < 0 and rising
)

func (s HistState) String() string {
	switch s {
	case HistFlat:
		return "flat"
	case HistUp:
		return "up"
	case HistDown:
		return "down"
	case HistBelowDown:
		return "below_down"
	case HistBelowUp:
		return "below_up"
	default:
		return "undefined"
	}
}

// HistStates classifies every histogram bar against its predecessor.
func HistStates(hist []float64) []HistState {
	out := make([]HistState, len(hist))
	havePrev := false
	prev := 0.0
	for i, h := range hist {
		if !Defined(h) {
			continue
		}
		switch {
		case !havePrev || h == prev:
			out[i] = HistFlat
		case h >= 0 && h > prev:
			out[i] = HistUp
		case h >= 0:
			out[i] = HistDown
		case h > prev:
			out[i] = HistBelowUp
		default:
			out[i] = HistBelowDown
		}
		prev, havePrev = h, true
	}
	return out
}
