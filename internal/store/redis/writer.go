package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"signalwatch/internal/model"
)

const (
	signalStreamMaxLen = 1000
	defaultLatestTTL   = 30 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// CandleLatestKey holds the forming candle of symbol at iv.
func CandleLatestKey(symbol string, iv model.Interval) string {
	return "candle:" + string(iv) + ":latest:" + symbol
}

// CandleChannel carries every candle update of symbol at iv.
func CandleChannel(symbol string, iv model.Interval) string {
	return "pub:candle:" + string(iv) + ":" + symbol
}

// SignalStreamKey is the stream of emitted signals for symbol.
func SignalStreamKey(symbol string) string { return "signal:" + symbol }

func SignalLatestKey(symbol string) string { return "signal:latest:" + symbol }

func SignalChannel(symbol string) string { return "pub:signal:" + symbol }

// Writer publishes candle updates and validated signals to Redis.
type Writer struct {
	client *goredis.Client
	log    *zap.Logger

	// OnWrite observes pipeline latency (optional).
	OnWrite func(time.Duration)
}

// New creates a Writer and pings the server.
func New(cfg WriterConfig, log *zap.Logger) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	w := NewWithClient(client, log)
	w.log.Info("redis connected", zap.String("addr", cfg.Addr))
	return w, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{client: client, log: log}
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// Run writes candle updates from ch until ctx is cancelled or ch is closed.
func (w *Writer) Run(ctx context.Context, ch <-chan model.CandleUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			if err := w.WriteCandle(ctx, u); err != nil {
				w.log.Warn("candle write failed", zap.String("key", u.Key()), zap.Error(err))
			}
		}
	}
}

// WriteCandle stores the forming candle as the latest value and publishes
// the update.
func (w *Writer) WriteCandle(ctx context.Context, u model.CandleUpdate) error {
	data := string(u.JSON())

	start := time.Now()
	pipe := w.client.Pipeline()
	pipe.Set(ctx, CandleLatestKey(u.Symbol, u.Interval), data, defaultLatestTTL)
	pipe.Publish(ctx, CandleChannel(u.Symbol, u.Interval), data)
	_, err := pipe.Exec(ctx)
	w.observe(start)
	if err != nil {
		return fmt.Errorf("redis candle pipeline %s: %w", u.Key(), err)
	}
	return nil
}

// WriteSignal appends v to the symbol's signal stream, stores it as the
// latest signal and publishes it.
func (w *Writer) WriteSignal(ctx context.Context, v model.SignalValidation) error {
	data := string(v.JSON())

	start := time.Now()
	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, signalXAdd(v.Symbol, data))
	pipe.Set(ctx, SignalLatestKey(v.Symbol), data, 0)
	pipe.Publish(ctx, SignalChannel(v.Symbol), data)
	_, err := pipe.Exec(ctx)
	w.observe(start)
	if err != nil {
		return fmt.Errorf("redis signal pipeline %s: %w", v.Symbol, err)
	}
	return nil
}

func signalXAdd(symbol, data string) *goredis.XAddArgs {
	return &goredis.XAddArgs{
		Stream: SignalStreamKey(symbol),
		MaxLen: signalStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	}
}

func (w *Writer) observe(start time.Time) {
	if w.OnWrite != nil {
		w.OnWrite(time.Since(start))
	}
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
