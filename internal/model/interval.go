package model

import (
	"errors"
	"fmt"
	"time"
)

// Interval is a candle granularity token as understood by the exchange.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"

	DefaultInterval = Interval1h
)

// ErrUnknownInterval is returned for tokens outside the supported set.
var ErrUnknownInterval = errors.New("unknown interval")

type intervalSpec struct {
	dur   time.Duration
	limit int // bars requested on historical fetch
}

var intervals = map[Interval]intervalSpec{
	Interval1m:  {time.Minute, 500},
	Interval5m:  {5 * time.Minute, 288},
	Interval15m: {15 * time.Minute, 192},
	Interval1h:  {time.Hour, 168},
	Interval4h:  {4 * time.Hour, 180},
	Interval1d:  {24 * time.Hour, 90},
}

// Intervals lists the supported tokens from finest to coarsest.
func Intervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}
}

// ParseInterval validates a token.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervals[iv]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownInterval, s)
	}
	return iv, nil
}

// Duration returns the bar length. Zero for unknown tokens.
func (iv Interval) Duration() time.Duration {
	return intervals[iv].dur
}

// Millis returns the bar length in milliseconds.
func (iv Interval) Millis() int64 {
	return iv.Duration().Milliseconds()
}

// Limit returns the number of bars fetched when seeding the series.
// Unknown tokens fall back to the default interval's limit.
func (iv Interval) Limit() int {
	if s, ok := intervals[iv]; ok {
		return s.limit
	}
	return intervals[DefaultInterval].limit
}

// Align floors an event time to the bar open for this interval.
func (iv Interval) Align(eventMillis int64) int64 {
	return AlignMillis(eventMillis, iv.Millis())
}

// AlignMillis computes floor(t / interval) * interval.
// A non-positive interval leaves t unchanged.
func AlignMillis(t, intervalMillis int64) int64 {
	if intervalMillis <= 0 {
		return t
	}
	q := t / intervalMillis
	if t%intervalMillis != 0 && t < 0 {
		q--
	}
	return q * intervalMillis
}
