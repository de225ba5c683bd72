package redis

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"signalwatch/internal/model"
)

// pendingWrite is a write held back while the circuit was open.
type pendingWrite struct {
	candle *model.CandleUpdate
	signal *model.SignalValidation
}

// BufferedWriter wraps a Writer with a circuit breaker. While the circuit
// is open, writes are buffered locally and replayed when it closes.
type BufferedWriter struct {
	writer *Writer
	cb     *CircuitBreaker
	ctx    context.Context
	log    *zap.Logger

	mu     sync.Mutex
	buffer []pendingWrite
	maxBuf int

	// Callbacks
	OnBuffer func()          // a write was buffered
	OnFlush  func(count int) // buffered writes were replayed
}

// NewBufferedWriter creates a BufferedWriter wrapping w. Replays run on ctx.
func NewBufferedWriter(ctx context.Context, w *Writer, cb *CircuitBreaker, maxBufferSize int) *BufferedWriter {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bw := &BufferedWriter{
		writer: w,
		cb:     cb,
		ctx:    ctx,
		log:    w.log,
		buffer: make([]pendingWrite, 0, 64),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go bw.flush()
		}
	}
	return bw
}

// Run writes candle updates from ch until ctx is cancelled or ch is closed.
func (bw *BufferedWriter) Run(ctx context.Context, ch <-chan model.CandleUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-ch:
			if !ok {
				return
			}
			if err := bw.WriteCandle(ctx, u); err != nil {
				bw.log.Warn("candle write failed", zap.String("key", u.Key()), zap.Error(err))
			}
		}
	}
}

// WriteCandle writes u through the breaker, buffering it if the circuit is
// open.
func (bw *BufferedWriter) WriteCandle(ctx context.Context, u model.CandleUpdate) error {
	err := bw.cb.Execute(func() error { return bw.writer.WriteCandle(ctx, u) })
	if errors.Is(err, ErrCircuitOpen) {
		bw.push(pendingWrite{candle: &u})
		return nil
	}
	return err
}

// OnSignal implements notification.AlertSink.
func (bw *BufferedWriter) OnSignal(ctx context.Context, v model.SignalValidation, symbol string, price float64) error {
	if v.Symbol == "" {
		v.Symbol = symbol
	}
	err := bw.cb.Execute(func() error { return bw.writer.WriteSignal(ctx, v) })
	if errors.Is(err, ErrCircuitOpen) {
		bw.push(pendingWrite{signal: &v})
		return nil
	}
	return err
}

func (bw *BufferedWriter) push(pw pendingWrite) {
	bw.mu.Lock()
	if len(bw.buffer) >= bw.maxBuf {
		bw.buffer = bw.buffer[1:]
	}
	bw.buffer = append(bw.buffer, pw)
	bw.mu.Unlock()

	if bw.OnBuffer != nil {
		bw.OnBuffer()
	}
}

// flush replays all buffered writes directly against the writer.
func (bw *BufferedWriter) flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toFlush := bw.buffer
	bw.buffer = make([]pendingWrite, 0, 64)
	bw.mu.Unlock()

	flushed := 0
	for _, pw := range toFlush {
		var err error
		switch {
		case pw.candle != nil:
			err = bw.writer.WriteCandle(bw.ctx, *pw.candle)
		case pw.signal != nil:
			err = bw.writer.WriteSignal(bw.ctx, *pw.signal)
		}
		if err != nil {
			bw.log.Warn("buffered replay failed", zap.Error(err))
			continue
		}
		flushed++
	}

	bw.log.Info("flushed buffered redis writes", zap.Int("count", flushed))
	if bw.OnFlush != nil {
		bw.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered writes waiting to be flushed.
func (bw *BufferedWriter) PendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Underlying returns the wrapped writer.
func (bw *BufferedWriter) Underlying() *Writer {
	return bw.writer
}
