package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"signalwatch/internal/indicator"
	"signalwatch/internal/marketdata/registry"
	"signalwatch/internal/model"
	"signalwatch/internal/notification"
	"signalwatch/internal/signal"
)

const (
	t0     = int64(1_700_000_040_000) // minute aligned
	minute = int64(60_000)
)

type fakeHistory struct {
	mu    sync.Mutex
	bars  map[model.Interval][]model.Candle
	err   error
	calls []model.Interval
}

func (f *fakeHistory) History(ctx context.Context, key string, iv model.Interval) ([]model.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, iv)
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Candle(nil), f.bars[iv]...), nil
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeSubscriber struct {
	mu        sync.Mutex
	listeners []registry.Listener
	active    []bool
	err       error
}

func (f *fakeSubscriber) Subscribe(key string, l registry.Listener) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.listeners)
	f.listeners = append(f.listeners, l)
	f.active = append(f.active, true)
	return func() {
		f.mu.Lock()
		f.active[idx] = false
		f.mu.Unlock()
	}, nil
}

func (f *fakeSubscriber) deliver(t model.Tick) {
	f.mu.Lock()
	var ls []registry.Listener
	for i, l := range f.listeners {
		if f.active[i] {
			ls = append(ls, l)
		}
	}
	f.mu.Unlock()
	for _, l := range ls {
		l(t)
	}
}

func (f *fakeSubscriber) counts() (total, active int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.active {
		if a {
			active++
		}
	}
	return len(f.listeners), active
}

type fakeJournal struct {
	key model.CrossKey
	ok  bool
}

func (f fakeJournal) LastAlerted(ctx context.Context, symbol string, iv model.Interval) (model.CrossKey, bool, error) {
	return f.key, f.ok, nil
}

type captured struct {
	v      model.SignalValidation
	symbol string
	price  float64
}

func captureSink() (notification.AlertSink, <-chan captured) {
	ch := make(chan captured, 8)
	return notification.SinkFunc(func(ctx context.Context, v model.SignalValidation, symbol string, price float64) error {
		ch <- captured{v: v, symbol: symbol, price: price}
		return nil
	}), ch
}

// reversalSeries returns strictly rising closes whose slope slows and then
// speeds up again, so MACD first crosses below and then back above its
// signal line while every close is higher than the last. The returned index
// is the bar of the final bullish crossover.
func reversalSeries(t *testing.T) ([]model.Candle, int) {
	t.Helper()
	var closes []float64
	p := 100.0
	for i := 0; i < 40; i++ {
		p += 1
		closes = append(closes, p)
	}
	for i := 0; i < 25; i++ {
		p += 0.1
		closes = append(closes, p)
	}
	for i := 0; i < 15; i++ {
		p += 2
		closes = append(closes, p)
	}

	candles := make([]model.Candle, len(closes))
	times := make([]int64, len(closes))
	for i, c := range closes {
		times[i] = t0 + int64(i)*minute
		candles[i] = model.Candle{OpenTimeMillis: times[i], Open: c, High: c, Low: c, Close: c, Volume: 1}
	}

	crosses := signal.Crossovers(times, indicator.MACDOf(closes, 12, 26, 9))
	require.GreaterOrEqual(t, len(crosses), 2)
	last := crosses[len(crosses)-1]
	require.True(t, last.MACDAboveSignal)
	require.False(t, crosses[len(crosses)-2].MACDAboveSignal)
	require.GreaterOrEqual(t, last.Index, 40)
	return candles, last.Index
}

func newTestWatcher(t *testing.T, hist *fakeHistory, subs *fakeSubscriber, sink notification.AlertSink, updates chan model.CandleUpdate) *Watcher {
	t.Helper()
	w := NewWatcher("BTC", Config{Interval: model.Interval1m}, Deps{
		History:    hist,
		Subscriber: subs,
		Sink:       sink,
		Updates:    updates,
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_StartSeedsAndComputes(t *testing.T) {
	candles, _ := reversalSeries(t)
	hist := &fakeHistory{bars: map[model.Interval][]model.Candle{model.Interval1m: candles}}
	subs := &fakeSubscriber{}
	sink, got := captureSink()

	w := newTestWatcher(t, hist, subs, sink, nil)
	require.NoError(t, w.Start(context.Background()))

	assert.Equal(t, "btc", w.Symbol())
	assert.Equal(t, len(candles), w.Indicators().Len())
	assert.Equal(t, candles, w.Candles())
	total, active := subs.counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, active)

	// The latest crossover in the full series is valid but has no volume spike.
	select {
	case c := <-got:
		t.Fatalf("unexpected alert %+v", c.v)
	default:
	}
	v, ok := w.LastValidation()
	require.True(t, ok)
	assert.False(t, v.IsValid)
	assert.Equal(t, model.Interval1m, v.Interval)
}

func TestWatcher_TickCompletesCrossoverAndAlertsOnce(t *testing.T) {
	candles, idx := reversalSeries(t)
	hist := &fakeHistory{bars: map[model.Interval][]model.Candle{model.Interval1m: candles[:idx]}}
	subs := &fakeSubscriber{}
	sink, got := captureSink()
	updates := make(chan model.CandleUpdate, 16)

	w := newTestWatcher(t, hist, subs, sink, updates)
	require.NoError(t, w.Start(context.Background()))

	tick := model.Tick{Symbol: "btc", Price: candles[idx].Close, Volume: 10, EventTimeMillis: candles[idx].OpenTimeMillis + 1_000}
	subs.deliver(tick)

	select {
	case c := <-got:
		assert.Equal(t, "btc", c.symbol)
		assert.True(t, c.v.IsValid)
		assert.Equal(t, candles[idx].OpenTimeMillis, c.v.Cross.TimeMillis)
		assert.True(t, c.v.Cross.MACDAboveSignal)
		assert.Equal(t, candles[idx].Close, c.price)
		for _, r := range c.v.Reasons {
			assert.True(t, r.Passed, r.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no alert delivered")
	}

	select {
	case u := <-updates:
		assert.True(t, u.Appended)
		assert.Equal(t, "btc", u.Symbol)
		assert.Equal(t, model.Interval1m, u.Interval)
	case <-time.After(time.Second):
		t.Fatal("no candle update published")
	}

	// A second tick in the same bar recomputes the same crossover.
	tick.EventTimeMillis += 1_000
	tick.Volume = 0
	subs.deliver(tick)
	select {
	case <-updates:
	case <-time.After(time.Second):
		t.Fatal("no candle update for second tick")
	}
	select {
	case c := <-got:
		t.Fatalf("duplicate alert %+v", c.v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcher_JournalSuppressesKnownCrossover(t *testing.T) {
	candles, idx := reversalSeries(t)
	candles = candles[:idx+1]
	candles[idx].Volume = 10
	hist := &fakeHistory{bars: map[model.Interval][]model.Candle{model.Interval1m: candles}}
	sink, got := captureSink()

	w := NewWatcher("btc", Config{Interval: model.Interval1m}, Deps{
		History:    hist,
		Subscriber: &fakeSubscriber{},
		Sink:       sink,
		Journal:    fakeJournal{key: model.CrossKey{TimeMillis: candles[idx].OpenTimeMillis, Bullish: true}, ok: true},
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(w.Stop)
	require.NoError(t, w.Start(context.Background()))

	select {
	case c := <-got:
		t.Fatalf("journaled crossover re-alerted: %+v", c.v)
	default:
	}
}

func TestWatcher_StartPropagatesFetchError(t *testing.T) {
	fetchErr := errors.New("klines: 503")
	hist := &fakeHistory{err: fetchErr}
	subs := &fakeSubscriber{}

	w := newTestWatcher(t, hist, subs, nil, nil)
	err := w.Start(context.Background())
	require.ErrorIs(t, err, fetchErr)

	total, _ := subs.counts()
	assert.Zero(t, total)
}

func TestWatcher_SetIntervalReseeds(t *testing.T) {
	candles, _ := reversalSeries(t)
	hourly := []model.Candle{model.NewCandle(t0-t0%3_600_000, 50, 1)}
	hist := &fakeHistory{bars: map[model.Interval][]model.Candle{
		model.Interval1m: candles,
		model.Interval1h: hourly,
	}}
	w := newTestWatcher(t, hist, &fakeSubscriber{}, nil, nil)
	require.NoError(t, w.Start(context.Background()))

	require.NoError(t, w.SetInterval(context.Background(), model.Interval1h))
	assert.Equal(t, model.Interval1h, w.Interval())
	assert.Equal(t, hourly, w.Candles())
	assert.Equal(t, 1, w.Indicators().Len())

	assert.Error(t, w.SetInterval(context.Background(), model.Interval("2h")))
	assert.Equal(t, model.Interval1h, w.Interval())

	hist.mu.Lock()
	hist.err = errors.New("down")
	hist.mu.Unlock()
	assert.Error(t, w.SetInterval(context.Background(), model.Interval5m))
	assert.Equal(t, model.Interval1h, w.Interval(), "failed fetch keeps the interval")
}

func TestWatcher_SetIntervalWaitsForInFlightEvaluation(t *testing.T) {
	candles, _ := reversalSeries(t)
	hourly := []model.Candle{model.NewCandle(t0-t0%3_600_000, 50, 1)}
	hist := &fakeHistory{bars: map[model.Interval][]model.Candle{
		model.Interval1m: candles,
		model.Interval1h: hourly,
	}}

	var armed atomic.Bool
	computing := make(chan struct{})
	release := make(chan struct{})
	engine := indicator.NewEngine(indicator.DefaultConfig())
	engine.OnCompute = func(time.Duration) {
		if armed.CompareAndSwap(true, false) {
			close(computing)
			<-release
		}
	}

	subs := &fakeSubscriber{}
	w := NewWatcher("btc", Config{Interval: model.Interval1m}, Deps{
		History:    hist,
		Subscriber: subs,
		Engine:     engine,
		Logger:     zaptest.NewLogger(t),
	})
	t.Cleanup(w.Stop)
	require.NoError(t, w.Start(context.Background()))

	armed.Store(true)
	last := candles[len(candles)-1]
	subs.deliver(model.Tick{Symbol: "btc", Price: last.Close, EventTimeMillis: last.OpenTimeMillis + 1_000})
	select {
	case <-computing:
	case <-time.After(2 * time.Second):
		t.Fatal("tick was not evaluated")
	}

	done := make(chan error, 1)
	go func() { done <- w.SetInterval(context.Background(), model.Interval1h) }()
	require.Eventually(t, func() bool { return hist.callCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return w.Interval() != model.Interval1m }, 50*time.Millisecond, 5*time.Millisecond,
		"series must not be reseeded while a 1m evaluation is in flight")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, model.Interval1h, w.Interval())
	assert.Equal(t, hourly, w.Candles())
	assert.Equal(t, 1, w.Indicators().Len())
}

func TestManager_RefetchOnReconnectAndResubscribeOnFatal(t *testing.T) {
	candles, _ := reversalSeries(t)
	hist := &fakeHistory{bars: map[model.Interval][]model.Candle{model.Interval1m: candles}}
	subs := &fakeSubscriber{}

	m := NewManager([]string{"BTC", "btc", " "}, Config{Interval: model.Interval1m}, Deps{
		History:    hist,
		Subscriber: subs,
		Logger:     zaptest.NewLogger(t),
	})
	m.ResubscribeDelay = time.Millisecond
	assert.Equal(t, []string{"btc"}, m.Symbols())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Stop()
	require.Equal(t, 1, hist.callCount())

	m.HandleStateChange("btc", model.StateConnecting, model.StateOpen)
	m.HandleStateChange("btc", model.StateReconnecting, model.StateOpen)
	require.Eventually(t, func() bool { return hist.callCount() == 2 }, time.Second, 5*time.Millisecond)

	m.HandleFatal("btc", errors.New("exhausted"))
	require.Eventually(t, func() bool {
		total, active := subs.counts()
		return total == 2 && active == 1 && hist.callCount() == 3
	}, time.Second, 5*time.Millisecond)
}

func TestManager_StartFailureStopsAll(t *testing.T) {
	hist := &fakeHistory{err: errors.New("down")}
	m := NewManager([]string{"btc", "eth"}, Config{}, Deps{History: hist, Subscriber: &fakeSubscriber{}})
	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
}
