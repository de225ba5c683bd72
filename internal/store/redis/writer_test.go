package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"signalwatch/internal/model"
)

func testSignal(symbol string, ts int64) model.SignalValidation {
	return model.SignalValidation{
		ID:       "sig-1",
		Symbol:   symbol,
		Interval: model.Interval1h,
		Cross:    model.CrossEvent{TimeMillis: ts, Index: 40, MACD: 1.5, Signal: 1.2, MACDAboveSignal: true},
		IsValid:  true,
		Reasons: []model.Criterion{
			{Name: "volume", Passed: true, Label: "Volume above average"},
		},
		Price:     101.5,
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func expectSignal(mock redismock.ClientMock, v model.SignalValidation) {
	data := string(v.JSON())
	mock.ExpectXAdd(signalXAdd(v.Symbol, data)).SetVal("1-0")
	mock.ExpectSet(SignalLatestKey(v.Symbol), data, 0).SetVal("OK")
	mock.ExpectPublish(SignalChannel(v.Symbol), data).SetVal(1)
}

func TestWriter_WriteCandle(t *testing.T) {
	db, mock := redismock.NewClientMock()
	w := NewWithClient(db, zaptest.NewLogger(t))

	var observed int
	w.OnWrite = func(time.Duration) { observed++ }

	u := model.CandleUpdate{Symbol: "btc", Interval: model.Interval1h, Candle: model.NewCandle(1_700_000_000_000, 100, 2)}
	data := string(u.JSON())
	mock.ExpectSet("candle:1h:latest:btc", data, defaultLatestTTL).SetVal("OK")
	mock.ExpectPublish("pub:candle:1h:btc", data).SetVal(0)

	require.NoError(t, w.WriteCandle(context.Background(), u))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, observed)
}

func TestWriter_WriteSignal(t *testing.T) {
	db, mock := redismock.NewClientMock()
	w := NewWithClient(db, zaptest.NewLogger(t))

	v := testSignal("eth", 1_700_000_000_000)
	expectSignal(mock, v)

	require.NoError(t, w.WriteSignal(context.Background(), v))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriter_WriteSignalError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	w := NewWithClient(db, zaptest.NewLogger(t))

	v := testSignal("eth", 1_700_000_000_000)
	data := string(v.JSON())
	mock.ExpectXAdd(signalXAdd(v.Symbol, data)).SetErr(errors.New("down"))

	err := w.WriteSignal(context.Background(), v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis signal pipeline eth")
}

func TestReader_LastAlerted(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewReader(db)

	v := testSignal("sol", 1_700_003_600_000)
	other := testSignal("sol", 1_700_007_200_000)
	other.Interval = model.Interval4h
	mock.ExpectXRevRangeN(SignalStreamKey("sol"), "+", "-", lastAlertedScan).SetVal([]goredis.XMessage{
		{ID: "3-0", Values: map[string]interface{}{"data": string(other.JSON())}},
		{ID: "2-0", Values: map[string]interface{}{"data": string(v.JSON())}},
	})

	key, ok, err := r.LastAlerted(context.Background(), "sol", model.Interval1h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CrossKey{TimeMillis: 1_700_003_600_000, Bullish: true}, key)

	mock.ExpectXRevRangeN(SignalStreamKey("ada"), "+", "-", lastAlertedScan).SetVal(nil)
	_, ok, err = r.LastAlerted(context.Background(), "ada", model.Interval1h)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReader_RecentSignalsSkipsUndecodable(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := NewReader(db)

	v := testSignal("btc", 1_700_000_000_000)
	mock.ExpectXRevRangeN(SignalStreamKey("btc"), "+", "-", 3).SetVal([]goredis.XMessage{
		{ID: "3-0", Values: map[string]interface{}{"data": "{not json"}},
		{ID: "2-0", Values: map[string]interface{}{"other": "x"}},
		{ID: "1-0", Values: map[string]interface{}{"data": string(v.JSON())}},
	})

	got, err := r.RecentSignals(context.Background(), "btc", 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sig-1", got[0].ID)
}

func TestBufferedWriter_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	db, mock := redismock.NewClientMock()
	w := NewWithClient(db, zaptest.NewLogger(t))
	cb, clk := newTestBreaker(1, time.Second)

	flushed := make(chan int, 1)
	bw := NewBufferedWriter(context.Background(), w, cb, 10)
	bw.OnFlush = func(n int) { flushed <- n }
	buffered := 0
	bw.OnBuffer = func() { buffered++ }

	// Trip the breaker.
	_ = cb.Execute(func() error { return errFail })
	require.Equal(t, StateOpen, cb.CurrentState())

	held := testSignal("btc", 1_700_000_000_000)
	require.NoError(t, bw.OnSignal(context.Background(), held, "btc", 101.5))
	assert.Equal(t, 1, bw.PendingCount())
	assert.Equal(t, 1, buffered)

	clk.advance(time.Second)
	live := testSignal("eth", 1_700_003_600_000)
	expectSignal(mock, live)
	expectSignal(mock, held)

	require.NoError(t, bw.OnSignal(context.Background(), live, "eth", 2000))

	select {
	case n := <-flushed:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("buffer was not flushed")
	}
	assert.Equal(t, 0, bw.PendingCount())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBufferedWriter_DropsOldestWhenFull(t *testing.T) {
	db, _ := redismock.NewClientMock()
	w := NewWithClient(db, zaptest.NewLogger(t))
	cb, _ := newTestBreaker(1, time.Hour)
	bw := NewBufferedWriter(context.Background(), w, cb, 2)

	_ = cb.Execute(func() error { return errFail })
	for i := 0; i < 3; i++ {
		u := model.CandleUpdate{Symbol: "btc", Interval: model.Interval1m, Candle: model.NewCandle(int64(i)*60_000, 1, 1)}
		require.NoError(t, bw.WriteCandle(context.Background(), u))
	}

	assert.Equal(t, 2, bw.PendingCount())
	bw.mu.Lock()
	defer bw.mu.Unlock()
	assert.Equal(t, int64(60_000), bw.buffer[0].candle.Candle.OpenTimeMillis)
}
