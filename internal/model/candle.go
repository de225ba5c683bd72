package model

import (
	"encoding/json"
	"time"
)

// Candle is one OHLC bar. OpenTimeMillis is aligned to the series interval.
type Candle struct {
	OpenTimeMillis int64   `json:"open_time"`
	Open           float64 `json:"open"`
	High           float64 `json:"high"`
	Low            float64 `json:"low"`
	Close          float64 `json:"close"`
	Volume         float64 `json:"volume"`
}

// NewCandle opens a bar from a single price.
func NewCandle(openTime int64, price, volume float64) Candle {
	return Candle{
		OpenTimeMillis: openTime,
		Open:           price,
		High:           price,
		Low:            price,
		Close:          price,
		Volume:         volume,
	}
}

// Apply folds a price into the bar in place.
func (c *Candle) Apply(price, volume float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += volume
}

// Valid reports whether low <= min(open,close) <= max(open,close) <= high.
func (c Candle) Valid() bool {
	lo, hi := c.Open, c.Close
	if lo > hi {
		lo, hi = hi, lo
	}
	return c.Low <= lo && hi <= c.High
}

// OpenTime returns the bar open as a UTC time.
func (c Candle) OpenTime() time.Time {
	return time.UnixMilli(c.OpenTimeMillis).UTC()
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// CandleUpdate is a candle mutation published to downstream writers.
type CandleUpdate struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
	Candle   Candle   `json:"candle"`
	Appended bool     `json:"appended"`
}

// Key returns "symbol:interval".
func (u *CandleUpdate) Key() string {
	return u.Symbol + ":" + string(u.Interval)
}

// JSON returns the JSON-encoded update.
func (u *CandleUpdate) JSON() []byte {
	b, _ := json.Marshal(u)
	return b
}

// Closes extracts the close prices of a candle series.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i := range candles {
		out[i] = candles[i].Close
	}
	return out
}

// Highs extracts the high prices of a candle series.
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i := range candles {
		out[i] = candles[i].High
	}
	return out
}

// Lows extracts the low prices of a candle series.
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i := range candles {
		out[i] = candles[i].Low
	}
	return out
}

// Volumes extracts the volumes of a candle series.
func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i := range candles {
		out[i] = candles[i].Volume
	}
	return out
}
