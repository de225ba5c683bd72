// Package conn manages one resilient exchange stream connection per symbol:
// handshake with bounded exponential backoff, channel subscription, ticker
// decoding and autonomous reconnection after an unexpected drop.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signalwatch/internal/model"
)

// DefaultURL is the public market stream endpoint.
const DefaultURL = "wss://stream.binance.com:9443/ws"

// Stream is one open transport session.
type Stream interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens transport sessions. The context bounds the handshake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Stream, error)
}

// Config holds connection tuning. Zero fields take defaults.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration // per attempt (default 5s)
	MaxAttempts      int           // default 5
	BaseDelay        time.Duration // default 1s
	MaxDelay         time.Duration // default 30s

	Clock  Clock
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Connection is the lifecycle of one physical stream for one symbol key.
//
// State machine: Connecting → Open → Reconnecting → Open | Closed.
// Closed is terminal.
type Connection struct {
	key     string
	channel string
	cfg     Config
	dialer  Dialer
	onTick  func(model.Tick)
	log     *zap.Logger

	life   context.Context
	cancel context.CancelFunc
	msgID  atomic.Int64

	mu      sync.Mutex
	state   model.ConnectionState
	stream  Stream
	timer   Timer
	started bool
	closed  bool

	// Hooks (optional, set before Open)
	OnStateChange func(from, to model.ConnectionState)
	OnFatal       func(err error)
	OnReconnect   func()
	OnDroppedTick func(reason string)
}

// New creates a connection for key (lower-case base asset). onTick is called
// from the read goroutine for every valid ticker, in arrival order.
func New(key string, dialer Dialer, cfg Config, onTick func(model.Tick)) *Connection {
	cfg = cfg.withDefaults()
	life, cancel := context.WithCancel(context.Background())
	return &Connection{
		key:     key,
		channel: Channel(key),
		cfg:     cfg,
		dialer:  dialer,
		onTick:  onTick,
		log:     cfg.Logger.With(zap.String("symbol", key)),
		life:    life,
		cancel:  cancel,
		state:   model.StateConnecting,
	}
}

// Key returns the symbol key.
func (c *Connection) Key() string { return c.key }

// State returns the current lifecycle state.
func (c *Connection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open performs the handshake sequence and subscribes to the ticker channel.
// It blocks until the stream is open, every attempt failed (*ConnectionError),
// ctx is done, or Close was called (ErrClosed).
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("conn: already opened")
	}
	c.started = true
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	err := c.connect(ctx)
	if err != nil && c.isClosed() {
		return ErrClosed
	}
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		c.markClosed()
	}
	return err
}

// Close tears the connection down. Idempotent. A pending backoff timer is
// stopped and an in-flight handshake is cancelled.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream, timer := c.stream, c.timer
	c.stream, c.timer = nil, nil
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	c.cancel()

	var err error
	if stream != nil {
		// Best-effort; the server drops the subscription with the socket anyway.
		_ = stream.WriteJSON(c.control("UNSUBSCRIBE"))
		err = stream.Close()
	}
	c.setState(model.StateClosed)
	return err
}

// connect runs up to MaxAttempts handshakes with backoff between failures.
func (c *Connection) connect(ctx context.Context) error {
	var last error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		stream, err := c.dial(ctx)
		if err == nil {
			if !c.attach(stream) {
				_ = stream.Close()
				return ErrClosed
			}
			c.setState(model.StateOpen)
			go c.readLoop(stream)
			return nil
		}

		last = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("handshake failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == c.cfg.MaxAttempts {
			break
		}
		if err := c.wait(ctx, Backoff(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)); err != nil {
			return err
		}
	}
	return &ConnectionError{Key: c.key, Attempts: c.cfg.MaxAttempts, Err: last}
}

// dial opens a stream and sends SUBSCRIBE, bounded by HandshakeTimeout.
func (c *Connection) dial(ctx context.Context) (Stream, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := c.dialer.Dial(hctx, c.cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := stream.WriteJSON(c.control("SUBSCRIBE")); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.channel, err)
	}
	return stream, nil
}

// wait blocks for d on the clock, unless ctx ends first.
func (c *Connection) wait(ctx context.Context, d time.Duration) error {
	fired := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	timer := c.cfg.Clock.AfterFunc(d, func() { close(fired) })
	c.timer = timer
	c.mu.Unlock()

	c.log.Debug("backing off", zap.Duration("delay", d))

	select {
	case <-fired:
	case <-ctx.Done():
		timer.Stop()
	}

	c.mu.Lock()
	if c.timer == timer {
		c.timer = nil
	}
	c.mu.Unlock()
	return ctx.Err()
}

func (c *Connection) attach(stream Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.stream = stream
	return true
}

// readLoop delivers frames until the stream fails, then reconnects unless
// the connection was closed. Volume deltas restart with every stream.
func (c *Connection) readLoop(stream Stream) {
	var vol volumeDelta
	for {
		data, err := stream.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.log.Warn("stream dropped", zap.Error(err))
			_ = stream.Close()
			c.reconnect(stream)
			return
		}
		c.handle(data, &vol)
	}
}

func (c *Connection) handle(data []byte, vol *volumeDelta) {
	tick, ok, err := ParseTicker(c.key, data)
	if err != nil {
		var perr *MessageParseError
		reason := "invalid"
		if errors.As(err, &perr) {
			reason = "parse"
		}
		c.log.Warn("dropping message", zap.String("reason", reason), zap.Error(err))
		if c.OnDroppedTick != nil {
			c.OnDroppedTick(reason)
		}
		return
	}
	if !ok {
		return
	}
	tick.Volume = vol.next(tick.Volume24h)
	if c.onTick != nil {
		c.onTick(tick)
	}
}

func (c *Connection) reconnect(dead Stream) {
	c.mu.Lock()
	if c.closed || c.stream != dead {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.mu.Unlock()

	c.setState(model.StateReconnecting)
	if c.OnReconnect != nil {
		c.OnReconnect()
	}

	err := c.connect(c.life)
	if err == nil || c.isClosed() {
		return
	}

	c.log.Error("reconnect exhausted", zap.Error(err))
	c.markClosed()
	if c.OnFatal != nil {
		c.OnFatal(err)
	}
}

// markClosed makes the connection terminal after handshake exhaustion.
func (c *Connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.setState(model.StateClosed)
}

func (c *Connection) setState(to model.ConnectionState) {
	c.mu.Lock()
	from := c.state
	if from == to || from == model.StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = to
	cb := c.OnStateChange
	c.mu.Unlock()

	c.log.Info("connection state", zap.Stringer("from", from), zap.Stringer("to", to))
	if cb != nil {
		cb(from, to)
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) control(method string) control {
	return control{Method: method, Params: []string{c.channel}, ID: c.msgID.Add(1)}
}
