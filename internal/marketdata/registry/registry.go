// Package registry multiplexes many tick listeners over at most one stream
// connection per symbol key.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"signalwatch/internal/marketdata/conn"
	"signalwatch/internal/model"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("registry: closed")

// Listener receives ticks for one symbol key.
type Listener func(model.Tick)

// Conn is the connection lifecycle the registry drives.
type Conn interface {
	Open(ctx context.Context) error
	Close() error
	State() model.ConnectionState
}

// Callbacks are handed to the factory so the connection can report back.
type Callbacks struct {
	Deliver     func(model.Tick)
	Fatal       func(error)
	StateChange func(from, to model.ConnectionState)
}

// Factory creates an unopened connection for key.
type Factory func(key string, cb Callbacks) Conn

// StreamFactory builds conn.Connections on dialer. observe, if set, is called
// with each new connection before it is opened (for metrics hooks).
func StreamFactory(dialer conn.Dialer, cfg conn.Config, observe func(*conn.Connection)) Factory {
	return func(key string, cb Callbacks) Conn {
		c := conn.New(key, dialer, cfg, cb.Deliver)
		c.OnFatal = cb.Fatal
		c.OnStateChange = cb.StateChange
		if observe != nil {
			observe(c)
		}
		return c
	}
}

type handle struct {
	fn     Listener
	active atomic.Bool
}

type subscription struct {
	key       string
	conn      Conn
	listeners []*handle
}

// Registry owns every live subscription. Safe for concurrent use; the lock
// is never held while calling listeners or opening and closing connections.
type Registry struct {
	factory Factory
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool

	// Hooks (optional, set before first Subscribe)
	OnFatal       func(key string, err error)
	OnStateChange func(key string, from, to model.ConnectionState)
}

// New creates an empty registry.
func New(factory Factory, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		factory: factory,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]*subscription),
	}
}

// NormalizeKey lower-cases and trims a symbol key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Subscribe registers l for key, opening a connection if none is live.
// The returned function removes exactly this registration; it is idempotent
// and, on the last removal, closes the connection before returning.
func (r *Registry) Subscribe(symbolKey string, l Listener) (func(), error) {
	key := NormalizeKey(symbolKey)
	if key == "" {
		return nil, errors.New("registry: empty symbol key")
	}
	if l == nil {
		return nil, errors.New("registry: nil listener")
	}

	h := &handle{fn: l}
	h.active.Store(true)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	sub, ok := r.subs[key]
	if !ok {
		sub = &subscription{key: key}
		r.subs[key] = sub
	}
	var toOpen Conn
	if sub.conn == nil || sub.conn.State() == model.StateClosed {
		sub.conn = r.factory(key, r.callbacks(sub))
		toOpen = sub.conn
	}
	sub.listeners = append(sub.listeners, h)
	r.mu.Unlock()

	if toOpen != nil {
		r.wg.Add(1)
		go r.open(key, toOpen)
	}

	var once sync.Once
	return func() { once.Do(func() { r.remove(sub, h) }) }, nil
}

func (r *Registry) callbacks(sub *subscription) Callbacks {
	return Callbacks{
		Deliver: func(t model.Tick) { r.deliver(sub, t) },
		Fatal: func(err error) {
			r.fatal(sub.key, err)
		},
		StateChange: func(from, to model.ConnectionState) {
			if r.OnStateChange != nil {
				r.OnStateChange(sub.key, from, to)
			}
		},
	}
}

func (r *Registry) open(key string, c Conn) {
	defer r.wg.Done()
	err := c.Open(r.ctx)
	if err == nil || errors.Is(err, conn.ErrClosed) || r.ctx.Err() != nil {
		return
	}
	_ = c.Close()
	r.fatal(key, err)
}

func (r *Registry) fatal(key string, err error) {
	r.log.Error("connection failed permanently", zap.String("symbol", key), zap.Error(err))
	if r.OnFatal != nil {
		r.OnFatal(key, err)
	}
}

// deliver calls every active listener registered when the tick arrived.
func (r *Registry) deliver(sub *subscription, t model.Tick) {
	r.mu.Lock()
	snapshot := make([]*handle, len(sub.listeners))
	copy(snapshot, sub.listeners)
	r.mu.Unlock()

	for _, h := range snapshot {
		if h.active.Load() {
			h.fn(t)
		}
	}
}

func (r *Registry) remove(sub *subscription, h *handle) {
	h.active.Store(false)

	r.mu.Lock()
	for i, x := range sub.listeners {
		if x == h {
			sub.listeners = append(sub.listeners[:i:i], sub.listeners[i+1:]...)
			break
		}
	}
	var toClose Conn
	if len(sub.listeners) == 0 && r.subs[sub.key] == sub {
		delete(r.subs, sub.key)
		toClose = sub.conn
	}
	r.mu.Unlock()

	if toClose != nil {
		if err := toClose.Close(); err != nil {
			r.log.Warn("close connection", zap.String("symbol", sub.key), zap.Error(err))
		}
	}
}

// Close tears down every connection and rejects further subscriptions.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()

	r.cancel()
	var errs []error
	for _, sub := range subs {
		for _, h := range sub.listeners {
			h.active.Store(false)
		}
		if sub.conn != nil {
			errs = append(errs, sub.conn.Close())
		}
	}
	r.wg.Wait()
	return errors.Join(errs...)
}

// Keys returns the live symbol keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ListenerCount returns the number of listeners registered for key.
func (r *Registry) ListenerCount(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[NormalizeKey(key)]; ok {
		return len(sub.listeners)
	}
	return 0
}

// State returns the connection state for key.
func (r *Registry) State(key string) (model.ConnectionState, bool) {
	r.mu.Lock()
	sub, ok := r.subs[NormalizeKey(key)]
	var c Conn
	if ok {
		c = sub.conn
	}
	r.mu.Unlock()
	if c == nil {
		return model.StateClosed, false
	}
	return c.State(), true
}
