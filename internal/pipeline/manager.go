package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signalwatch/internal/marketdata/registry"
	"signalwatch/internal/model"
)

const defaultResubscribeDelay = time.Minute

// Manager owns one watcher per configured symbol and routes connection
// events from the registry to them.
type Manager struct {
	log      *zap.Logger
	watchers map[string]*Watcher

	// ResubscribeDelay is the wait before replacing a connection that
	// failed permanently.
	ResubscribeDelay time.Duration

	mu     sync.Mutex
	ctx    context.Context
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewManager creates a watcher for every distinct symbol.
func NewManager(symbols []string, cfg Config, deps Deps) *Manager {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		log:              log,
		watchers:         make(map[string]*Watcher, len(symbols)),
		ResubscribeDelay: defaultResubscribeDelay,
		timers:           make(map[string]*time.Timer),
	}
	for _, s := range symbols {
		key := registry.NormalizeKey(s)
		if key == "" {
			continue
		}
		if _, dup := m.watchers[key]; dup {
			continue
		}
		m.watchers[key] = NewWatcher(key, cfg, deps)
	}
	return m
}

// Symbols returns the watched symbol keys, sorted.
func (m *Manager) Symbols() []string {
	out := make([]string, 0, len(m.watchers))
	for k := range m.watchers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Watcher returns the watcher for symbol.
func (m *Manager) Watcher(symbol string) (*Watcher, bool) {
	w, ok := m.watchers[registry.NormalizeKey(symbol)]
	return w, ok
}

// Start starts every watcher concurrently. If any fails, the ones that
// started are stopped and the joined errors are returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	for _, w := range m.watchers {
		w := w
		g.Go(func() error {
			if err := w.Start(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return err
			}
			return nil
		})
	}
	if g.Wait() != nil {
		m.Stop()
		return errors.Join(errs...)
	}
	m.log.Info("pipeline started", zap.Strings("symbols", m.Symbols()))
	return nil
}

// SetInterval switches every watcher to iv. Watchers whose fetch fails keep
// their previous interval; their errors are joined.
func (m *Manager) SetInterval(ctx context.Context, iv model.Interval) error {
	if _, err := model.ParseInterval(string(iv)); err != nil {
		return err
	}
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, w := range m.watchers {
		w := w
		g.Go(func() error {
			if err := w.SetInterval(ctx, iv); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// HandleStateChange refetches a symbol's series when its stream comes back
// from Reconnecting, so bars missed during the outage are recovered.
func (m *Manager) HandleStateChange(key string, from, to model.ConnectionState) {
	if from != model.StateReconnecting || to != model.StateOpen {
		return
	}
	w, ok := m.Watcher(key)
	ctx := m.context()
	if !ok || ctx == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := w.Refetch(ctx); err != nil {
			m.log.Warn("refetch after reconnect failed", zap.String("symbol", key), zap.Error(err))
		}
	}()
}

// HandleFatal schedules a resubscribe, which replaces the closed connection,
// followed by a refetch.
func (m *Manager) HandleFatal(key string, err error) {
	w, ok := m.Watcher(key)
	ctx := m.context()
	if !ok || ctx == nil || ctx.Err() != nil {
		return
	}
	m.log.Warn("stream lost, scheduling resubscribe",
		zap.String("symbol", key), zap.Duration("delay", m.ResubscribeDelay), zap.Error(err))

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, pending := m.timers[key]; pending {
		t.Stop()
	}
	m.timers[key] = time.AfterFunc(m.ResubscribeDelay, func() {
		m.mu.Lock()
		delete(m.timers, key)
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		if err := w.Resubscribe(); err != nil {
			m.log.Error("resubscribe failed", zap.String("symbol", key), zap.Error(err))
			return
		}
		if err := w.Refetch(ctx); err != nil {
			m.log.Warn("refetch after resubscribe failed", zap.String("symbol", key), zap.Error(err))
		}
	})
}

func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Stop cancels pending resubscribes and stops every watcher.
func (m *Manager) Stop() {
	m.mu.Lock()
	for k, t := range m.timers {
		t.Stop()
		delete(m.timers, k)
	}
	m.mu.Unlock()

	for _, w := range m.watchers {
		w.Stop()
	}
	m.wg.Wait()
}
