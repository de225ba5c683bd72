package model

import (
	"encoding/json"
	"time"
)

// CrossEvent is a MACD/signal-line crossover at a candle index.
type CrossEvent struct {
	TimeMillis      int64   `json:"time"`
	Index           int     `json:"index"`
	MACD            float64 `json:"macd"`
	Signal          float64 `json:"signal"`
	MACDAboveSignal bool    `json:"macd_above_signal"`
}

// CrossKey identifies a crossover by bar time and direction.
type CrossKey struct {
	TimeMillis int64
	Bullish    bool
}

// Key returns the dedup key of the crossover.
func (c CrossEvent) Key() CrossKey {
	return CrossKey{TimeMillis: c.TimeMillis, Bullish: c.MACDAboveSignal}
}

// Direction returns "bullish" or "bearish".
func (c CrossEvent) Direction() string {
	if c.MACDAboveSignal {
		return "bullish"
	}
	return "bearish"
}

// Criterion is one named pass/fail line of a signal validation.
type Criterion struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Label  string `json:"label"`
}

// SignalValidation is the outcome of validating one crossover candidate.
type SignalValidation struct {
	ID        string      `json:"id"`
	Symbol    string      `json:"symbol"`
	Interval  Interval    `json:"interval"`
	Cross     CrossEvent  `json:"cross"`
	IsValid   bool        `json:"is_valid"`
	Reasons   []Criterion `json:"reasons"`
	Price     float64     `json:"price"`
	CreatedAt time.Time   `json:"created_at"`
}

// Reason looks up a criterion by name.
func (v *SignalValidation) Reason(name string) (Criterion, bool) {
	for _, c := range v.Reasons {
		if c.Name == name {
			return c, true
		}
	}
	return Criterion{}, false
}

// JSON returns the JSON-encoded validation.
func (v *SignalValidation) JSON() []byte {
	b, _ := json.Marshal(v)
	return b
}
