package agg

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"signalwatch/internal/model"
)

// DefaultMaxBars bounds a series when no limit is given.
const DefaultMaxBars = 500

// ErrLateTick is returned for a tick whose bar is older than the last candle.
var ErrLateTick = errors.New("agg: tick older than last candle")

// Delta describes how one tick changed the series.
type Delta struct {
	Appended bool
	Index    int
	Candle   model.Candle
}

// Aggregator folds ticks for one symbol into an OHLC series at one interval.
// A single goroutine writes (OnTick, Reseed, SetProvisionalClose); any number
// of readers may take Snapshots concurrently.
type Aggregator struct {
	mu       sync.RWMutex
	symbol   string
	interval model.Interval
	maxBars  int
	candles  []model.Candle

	// Metrics hooks (optional, set externally)
	OnDroppedTick func(reason string)
	OnAppend      func()
}

// New creates an empty Aggregator. maxBars <= 0 selects DefaultMaxBars.
func New(symbol string, interval model.Interval, maxBars int) *Aggregator {
	if maxBars <= 0 {
		maxBars = DefaultMaxBars
	}
	return &Aggregator{
		symbol:   symbol,
		interval: interval,
		maxBars:  maxBars,
		candles:  make([]model.Candle, 0, maxBars),
	}
}

// Symbol returns the series symbol key.
func (a *Aggregator) Symbol() string { return a.symbol }

// Interval returns the current bar interval.
func (a *Aggregator) Interval() model.Interval {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.interval
}

// OnTick folds a tick into the series. A tick whose aligned open time differs
// from the last candle's opens a new bar; otherwise the last bar is updated in
// place. Invalid ticks return a *model.DataInvariantError and late ticks
// return ErrLateTick; neither touches the series.
func (a *Aggregator) OnTick(t model.Tick) (Delta, error) {
	if err := t.Validate(); err != nil {
		a.dropped("invalid")
		return Delta{}, err
	}

	a.mu.Lock()
	open := a.interval.Align(t.EventTimeMillis)
	n := len(a.candles)

	if n > 0 && open < a.candles[n-1].OpenTimeMillis {
		a.mu.Unlock()
		a.dropped("late")
		return Delta{}, ErrLateTick
	}

	if n > 0 && a.candles[n-1].OpenTimeMillis == open {
		// Same bar — update OHLC
		c := &a.candles[n-1]
		c.Apply(t.Price, t.Volume)
		d := Delta{Index: n - 1, Candle: *c}
		a.mu.Unlock()
		return d, nil
	}

	a.candles = append(a.candles, model.NewCandle(open, t.Price, t.Volume))
	if len(a.candles) > a.maxBars {
		a.candles = trim(a.candles, a.maxBars)
	}
	last := len(a.candles) - 1
	d := Delta{Appended: true, Index: last, Candle: a.candles[last]}
	a.mu.Unlock()

	if a.OnAppend != nil {
		a.OnAppend()
	}
	return d, nil
}

// Reseed replaces all incremental state with a historical series at interval.
// Only the newest maxBars candles are kept.
func (a *Aggregator) Reseed(interval model.Interval, candles []model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.interval = interval
	if len(candles) > a.maxBars {
		candles = candles[len(candles)-a.maxBars:]
	}
	a.candles = append(make([]model.Candle, 0, a.maxBars), candles...)
}

// SetProvisionalClose overwrites the close of the last candle with a more
// precise current price, widening high/low as needed. Reports false when the
// series is empty or the price is invalid.
func (a *Aggregator) SetProvisionalClose(price float64) bool {
	if !(price > 0) {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.candles)
	if n == 0 {
		return false
	}
	c := &a.candles[n-1]
	c.Close = price
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	return true
}

// Snapshot returns a copy of the series.
func (a *Aggregator) Snapshot() []model.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.Candle, len(a.candles))
	copy(out, a.candles)
	return out
}

// Last returns the newest candle.
func (a *Aggregator) Last() (model.Candle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.candles) == 0 {
		return model.Candle{}, false
	}
	return a.candles[len(a.candles)-1], true
}

// Len returns the number of candles held.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.candles)
}

// Run consumes ticks from tickCh in a single goroutine and sends every
// resulting candle mutation to updateCh. Blocks until ctx is cancelled or
// tickCh is closed.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, updateCh chan<- model.CandleUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			d, err := a.OnTick(tick)
			if err != nil {
				zap.L().Debug("tick dropped",
					zap.String("symbol", a.symbol), zap.Float64("price", tick.Price), zap.Error(err))
				continue
			}
			u := model.CandleUpdate{
				Symbol:   a.symbol,
				Interval: a.Interval(),
				Candle:   d.Candle,
				Appended: d.Appended,
			}
			select {
			case updateCh <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (a *Aggregator) dropped(reason string) {
	if a.OnDroppedTick != nil {
		a.OnDroppedTick(reason)
	}
}

// trim drops the oldest candles in place so that len <= limit.
func trim(candles []model.Candle, limit int) []model.Candle {
	n := copy(candles, candles[len(candles)-limit:])
	return candles[:n]
}
