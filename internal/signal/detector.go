// Package signal detects MACD/signal-line crossovers and validates them
// against volume, histogram, trend and consecutive-bar criteria.
//
// A Detector remembers the crossovers it alerted on so recomputing the
// same series on every tick never produces a second alert for one event,
// even when a revised last bar brings an older crossover back.
package signal

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"signalwatch/internal/indicator"
	"signalwatch/internal/model"
)

// Config holds the validation thresholds.
type Config struct {
	VolumeMultiplier float64
	TrendPeriod      int
	ConsecutiveBars  int
	MinHistogramDiff float64
}

// DefaultConfig returns the standard validation thresholds.
func DefaultConfig() Config {
	return Config{
		VolumeMultiplier: 1.5,
		TrendPeriod:      14,
		ConsecutiveBars:  3,
		MinHistogramDiff: 1e-6,
	}
}

// Outcome is one evaluation of the most recent crossover.
type Outcome struct {
	Validation model.SignalValidation
	// Alert is true only when every criterion passed.
	Alert bool
	// New is true the first time this crossover is evaluated.
	New bool
}

// Detector evaluates crossovers for one symbol. Safe for concurrent use.
type Detector struct {
	mu       sync.Mutex
	symbol   string
	interval model.Interval
	cfg      Config

	lastAlerted model.CrossKey
	hasAlerted  bool
	// alerted holds the keys alerted at lastAlerted.TimeMillis; older
	// crossovers are suppressed by time alone.
	alerted map[model.CrossKey]bool
	lastSeen    model.CrossKey
	hasSeen     bool

	now func() time.Time
}

// New creates a detector for symbol at interval.
func New(symbol string, interval model.Interval, cfg Config) *Detector {
	return &Detector{
		symbol:   symbol,
		interval: interval,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Evaluate validates the most recent crossover in the series. ok is false
// when there is no crossover or it was already alerted. On a passing
// validation the crossover becomes the last alerted key.
func (d *Detector) Evaluate(candles []model.Candle, m indicator.MACDSeries) (out Outcome, ok bool) {
	times := make([]int64, len(candles))
	for i, c := range candles {
		times[i] = c.OpenTimeMillis
	}
	cross, found := LastCrossover(times, m)
	if !found {
		return Outcome{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := cross.Key()
	if d.suppressed(key) {
		return Outcome{}, false
	}
	out.New = !d.hasSeen || key != d.lastSeen
	d.lastSeen, d.hasSeen = key, true

	i := cross.Index
	up := cross.MACDAboveSignal
	reasons := []model.Criterion{
		volumeCriterion(candles, i, d.cfg.TrendPeriod, d.cfg.VolumeMultiplier),
		histogramCriterion(m.Histogram, i, d.cfg.MinHistogramDiff),
		trendCriterion(candles, i, d.cfg.TrendPeriod, up),
		consecutiveCriterion(candles, i, d.cfg.ConsecutiveBars, up),
	}
	valid := true
	for _, r := range reasons {
		valid = valid && r.Passed
	}

	out.Validation = model.SignalValidation{
		ID:        uuid.NewString(),
		Symbol:    d.symbol,
		Interval:  d.interval,
		Cross:     cross,
		IsValid:   valid,
		Reasons:   reasons,
		Price:     candles[len(candles)-1].Close,
		CreatedAt: d.now().UTC(),
	}
	out.Alert = valid
	if valid {
		d.markAlerted(key)
	}
	return out, true
}

// suppressed reports whether key was already alerted or precedes the last
// alerted crossover.
func (d *Detector) suppressed(key model.CrossKey) bool {
	if !d.hasAlerted {
		return false
	}
	return key.TimeMillis < d.lastAlerted.TimeMillis || d.alerted[key]
}

func (d *Detector) markAlerted(key model.CrossKey) {
	if !d.hasAlerted || key.TimeMillis > d.lastAlerted.TimeMillis {
		d.alerted = make(map[model.CrossKey]bool, 2)
	}
	d.alerted[key] = true
	d.lastAlerted, d.hasAlerted = key, true
}

// Reset forgets the alert history and switches the interval stamped on
// future validations.
func (d *Detector) Reset(interval model.Interval) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.interval = interval
	d.hasAlerted, d.hasSeen = false, false
	d.lastAlerted, d.lastSeen = model.CrossKey{}, model.CrossKey{}
	d.alerted = nil
}

// Restore primes the last alerted key (e.g. from a persisted journal).
func (d *Detector) Restore(key model.CrossKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hasAlerted = false
	d.markAlerted(key)
}

// LastAlerted returns the last alerted crossover key.
func (d *Detector) LastAlerted() (model.CrossKey, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastAlerted, d.hasAlerted
}

// Interval returns the interval stamped on validations.
func (d *Detector) Interval() model.Interval {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interval
}

// Symbol returns the symbol key.
func (d *Detector) Symbol() string { return d.symbol }
