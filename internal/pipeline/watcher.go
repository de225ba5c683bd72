// Package pipeline wires the per-symbol flow: stream ticks into the candle
// aggregator, recompute indicators, validate crossovers and hand alerts to
// the sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/indicator"
	"signalwatch/internal/logger"
	"signalwatch/internal/marketdata/agg"
	"signalwatch/internal/marketdata/registry"
	"signalwatch/internal/model"
	"signalwatch/internal/notification"
	"signalwatch/internal/signal"
)

const (
	defaultTickBuffer  = 256
	defaultSinkTimeout = 10 * time.Second
)

// ErrNotStarted is returned by operations that need a started watcher.
var ErrNotStarted = errors.New("pipeline: watcher not started")

// HistorySource fetches the historical bars a series is seeded from.
type HistorySource interface {
	History(ctx context.Context, key string, iv model.Interval) ([]model.Candle, error)
}

// Subscriber registers tick listeners per symbol key.
type Subscriber interface {
	Subscribe(key string, l registry.Listener) (func(), error)
}

// Journal recalls the last alerted crossover of a symbol.
type Journal interface {
	LastAlerted(ctx context.Context, symbol string, iv model.Interval) (model.CrossKey, bool, error)
}

// Hooks observe the pipeline (all optional).
type Hooks struct {
	OnTick        func(symbol string)
	OnDroppedTick func(reason string)
	OnAppend      func(symbol string)
	OnHistory     func(symbol string, err error)
	OnCrossover   func(symbol string)
	OnValidation  func(symbol string, emitted bool)
	OnSinkError   func(err error)
}

// Config parameterises a watcher.
type Config struct {
	Interval    model.Interval
	MaxBars     int
	TickBuffer  int
	SinkTimeout time.Duration
	Detector    signal.Config
}

func (c Config) withDefaults() Config {
	if c.Interval == "" {
		c.Interval = model.DefaultInterval
	}
	if c.MaxBars <= 0 {
		c.MaxBars = agg.DefaultMaxBars
	}
	if c.TickBuffer <= 0 {
		c.TickBuffer = defaultTickBuffer
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.Detector == (signal.Config{}) {
		c.Detector = signal.DefaultConfig()
	}
	return c
}

// Deps are the collaborators shared by every watcher.
type Deps struct {
	History    HistorySource
	Subscriber Subscriber
	Engine     *indicator.Engine
	Sink       notification.AlertSink
	Journal    Journal                   // optional
	Updates    chan<- model.CandleUpdate // optional, fed to the candle bus
	Hooks      Hooks
	Logger     *zap.Logger
}

// Watcher follows one symbol.
type Watcher struct {
	symbol   string
	cfg      Config
	deps     Deps
	log      *zap.Logger
	agg      *agg.Aggregator
	detector *signal.Detector

	ticks chan model.Tick

	reloadMu sync.Mutex // serialises history reloads
	evalMu   sync.Mutex // held from series snapshot through detector evaluation

	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	snap        indicator.Snapshot
	last        *model.SignalValidation

	wg sync.WaitGroup
}

// NewWatcher creates an unstarted watcher for symbol.
func NewWatcher(symbol string, cfg Config, deps Deps) *Watcher {
	cfg = cfg.withDefaults()
	key := registry.NormalizeKey(symbol)
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Engine == nil {
		deps.Engine = indicator.NewEngine(indicator.DefaultConfig())
	}

	w := &Watcher{
		symbol:   key,
		cfg:      cfg,
		deps:     deps,
		log:      log.With(zap.String("symbol", key)),
		agg:      agg.New(key, cfg.Interval, cfg.MaxBars),
		detector: signal.New(key, cfg.Interval, cfg.Detector),
		ticks:    make(chan model.Tick, cfg.TickBuffer),
	}
	w.agg.OnDroppedTick = deps.Hooks.OnDroppedTick
	if deps.Hooks.OnAppend != nil {
		w.agg.OnAppend = func() { deps.Hooks.OnAppend(key) }
	}
	return w
}

// Symbol returns the normalised symbol key.
func (w *Watcher) Symbol() string { return w.symbol }

// Interval returns the active interval.
func (w *Watcher) Interval() model.Interval { return w.agg.Interval() }

// Start seeds the series from history, subscribes to the stream and starts
// processing ticks until ctx is cancelled or Stop is called. A failed
// history fetch is returned and nothing is started.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return errors.New("pipeline: watcher already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.ctx, w.cancel = runCtx, cancel
	w.mu.Unlock()

	iv := w.agg.Interval()
	if err := w.reload(ctx, iv, false); err != nil {
		w.mu.Lock()
		w.ctx, w.cancel = nil, nil
		w.mu.Unlock()
		cancel()
		return err
	}

	updates := make(chan model.CandleUpdate, w.cfg.TickBuffer)
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		defer close(updates)
		w.agg.Run(runCtx, w.ticks, updates)
	}()
	go func() {
		defer w.wg.Done()
		w.consume(runCtx, updates)
	}()

	unsub, err := w.deps.Subscriber.Subscribe(w.symbol, w.onTick)
	if err != nil {
		cancel()
		w.wg.Wait()
		w.mu.Lock()
		w.ctx, w.cancel = nil, nil
		w.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", w.symbol, err)
	}
	w.mu.Lock()
	w.unsubscribe = unsub
	w.mu.Unlock()

	w.log.Info("watcher started", zap.String("interval", string(iv)), zap.Int("bars", w.agg.Len()))
	return nil
}

// onTick runs on the stream read goroutine and must not block.
func (w *Watcher) onTick(t model.Tick) {
	select {
	case w.ticks <- t:
		if w.deps.Hooks.OnTick != nil {
			w.deps.Hooks.OnTick(w.symbol)
		}
	default:
		if w.deps.Hooks.OnDroppedTick != nil {
			w.deps.Hooks.OnDroppedTick("backpressure")
		}
	}
}

func (w *Watcher) consume(ctx context.Context, updates <-chan model.CandleUpdate) {
	for u := range updates {
		if ctx.Err() != nil {
			return
		}
		// Updates queued before a reseed to another interval are stale.
		if u.Interval != w.agg.Interval() {
			continue
		}
		if w.deps.Updates != nil {
			select {
			case w.deps.Updates <- u:
			case <-ctx.Done():
				return
			}
		}
		w.evaluate(ctx)
	}
}

// SetInterval refetches history at iv, reseeds the series and resets the
// detector. On a fetch error the current interval is kept.
func (w *Watcher) SetInterval(ctx context.Context, iv model.Interval) error {
	if _, err := model.ParseInterval(string(iv)); err != nil {
		return err
	}
	return w.reload(ctx, iv, true)
}

// Refetch reloads the full series at the current interval, recovering bars
// missed while the stream was down.
func (w *Watcher) Refetch(ctx context.Context) error {
	return w.reload(ctx, w.agg.Interval(), false)
}

func (w *Watcher) reload(ctx context.Context, iv model.Interval, reset bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	candles, err := w.deps.History.History(ctx, w.symbol, iv)
	if w.deps.Hooks.OnHistory != nil {
		w.deps.Hooks.OnHistory(w.symbol, err)
	}
	if err != nil {
		return fmt.Errorf("history %s %s: %w", w.symbol, iv, err)
	}

	w.evalMu.Lock()
	defer w.evalMu.Unlock()

	w.agg.Reseed(iv, candles)
	if reset || w.detector.Interval() != iv {
		w.detector.Reset(iv)
	}
	if _, primed := w.detector.LastAlerted(); !primed {
		w.restore(ctx, iv)
	}
	w.log.Info("series reseeded", zap.String("interval", string(iv)), zap.Int("bars", len(candles)))

	w.evaluateLocked(w.sinkContext(ctx))
	return nil
}

func (w *Watcher) restore(ctx context.Context, iv model.Interval) {
	if w.deps.Journal == nil {
		return
	}
	key, ok, err := w.deps.Journal.LastAlerted(ctx, w.symbol, iv)
	if err != nil {
		w.log.Warn("journal restore failed", zap.Error(err))
		return
	}
	if ok {
		w.detector.Restore(key)
		w.log.Debug("restored last alerted crossover", zap.Int64("time", key.TimeMillis), zap.Bool("bullish", key.Bullish))
	}
}

// sinkContext prefers the watcher lifetime over a short-lived caller ctx.
func (w *Watcher) sinkContext(ctx context.Context) context.Context {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.ctx != nil {
		return w.ctx
	}
	return ctx
}

// evaluate recomputes the indicator snapshot and runs the detector on it.
// A reload cannot reseed the series or reset the detector in between.
func (w *Watcher) evaluate(ctx context.Context) {
	w.evalMu.Lock()
	defer w.evalMu.Unlock()
	w.evaluateLocked(ctx)
}

func (w *Watcher) evaluateLocked(ctx context.Context) {
	candles := w.agg.Snapshot()
	snap := w.deps.Engine.Compute(candles)

	w.mu.Lock()
	w.snap = snap
	w.mu.Unlock()

	out, ok := w.detector.Evaluate(candles, snap.MACD)
	if !ok {
		return
	}
	v := out.Validation
	if out.New && w.deps.Hooks.OnCrossover != nil {
		w.deps.Hooks.OnCrossover(w.symbol)
	}

	if !out.Alert {
		if out.New {
			w.log.Info("crossover rejected",
				zap.String("direction", v.Cross.Direction()),
				zap.Int64("time", v.Cross.TimeMillis),
				zap.Any("reasons", v.Reasons))
			w.recordValidation(v, false)
		}
		return
	}

	w.recordValidation(v, true)
	w.log.Info("signal emitted",
		zap.String("id", v.ID),
		zap.String("direction", v.Cross.Direction()),
		zap.Float64("price", v.Price))

	if w.deps.Sink == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(ctx, w.cfg.SinkTimeout)
	defer cancel()
	sinkCtx = logger.WithTraceID(sinkCtx, logger.GenerateTraceID(w.symbol, v.CreatedAt))
	if err := w.deps.Sink.OnSignal(sinkCtx, v, w.symbol, v.Price); err != nil {
		w.log.Error("alert delivery failed", zap.String("id", v.ID), zap.Error(err))
		if w.deps.Hooks.OnSinkError != nil {
			w.deps.Hooks.OnSinkError(err)
		}
	}
}

func (w *Watcher) recordValidation(v model.SignalValidation, emitted bool) {
	w.mu.Lock()
	w.last = &v
	w.mu.Unlock()
	if w.deps.Hooks.OnValidation != nil {
		w.deps.Hooks.OnValidation(w.symbol, emitted)
	}
}

// Resubscribe registers a fresh listener, which replaces a connection that
// closed permanently, then drops the previous registration.
func (w *Watcher) Resubscribe() error {
	w.mu.RLock()
	started := w.cancel != nil
	w.mu.RUnlock()
	if !started {
		return ErrNotStarted
	}

	unsub, err := w.deps.Subscriber.Subscribe(w.symbol, w.onTick)
	if err != nil {
		return fmt.Errorf("resubscribe %s: %w", w.symbol, err)
	}
	w.mu.Lock()
	prev := w.unsubscribe
	w.unsubscribe = unsub
	w.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// Indicators returns the latest indicator snapshot.
func (w *Watcher) Indicators() indicator.Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snap
}

// Candles returns a copy of the current series.
func (w *Watcher) Candles() []model.Candle { return w.agg.Snapshot() }

// LastValidation returns the most recent crossover validation, if any.
func (w *Watcher) LastValidation() (model.SignalValidation, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return model.SignalValidation{}, false
	}
	return *w.last, true
}

// Stop unsubscribes from the stream and waits for in-flight processing.
// Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	unsub, cancel := w.unsubscribe, w.cancel
	w.unsubscribe = nil
	w.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}
