package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"signalwatch/internal/marketdata/registry"
	"signalwatch/internal/model"
	"signalwatch/internal/pipeline"
)

type stubHistory struct {
	mu   sync.Mutex
	fail bool
}

func (s *stubHistory) History(ctx context.Context, key string, iv model.Interval) ([]model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return nil, errors.New("klines unavailable")
	}
	step := iv.Millis()
	out := make([]model.Candle, 40)
	for i := range out {
		out[i] = model.NewCandle(int64(i+1)*step, 100+float64(i), 1)
	}
	return out, nil
}

type nopSubscriber struct{}

func (nopSubscriber) Subscribe(key string, l registry.Listener) (func(), error) {
	return func() {}, nil
}

type stubSignals struct {
	got   []model.SignalValidation
	limit int
	err   error
}

func (s *stubSignals) RecentSignals(ctx context.Context, symbol string, limit int) ([]model.SignalValidation, error) {
	s.limit = limit
	return s.got, s.err
}

func newTestServer(t *testing.T, signals SignalHistory) (*httptest.Server, *stubHistory, *Server) {
	t.Helper()
	hist := &stubHistory{}
	m := pipeline.NewManager([]string{"btc"}, pipeline.Config{Interval: model.Interval1h}, pipeline.Deps{
		History:    hist,
		Subscriber: nopSubscriber{},
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	s := New(m, signals, zaptest.NewLogger(t))
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts, hist, s
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestRouter_SymbolsAndCandles(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	var symbols []symbolDTO
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/symbols", &symbols))
	require.Len(t, symbols, 1)
	assert.Equal(t, symbolDTO{Symbol: "btc", Interval: model.Interval1h, Bars: 40, LastPrice: 139}, symbols[0])

	var body struct {
		Symbol   string         `json:"symbol"`
		Interval model.Interval `json:"interval"`
		Candles  []model.Candle `json:"candles"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/candles/BTC?limit=5", &body))
	assert.Equal(t, "btc", body.Symbol)
	require.Len(t, body.Candles, 5)
	assert.Equal(t, 139.0, body.Candles[4].Close)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/v1/candles/btc?limit=-1", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/v1/candles/doge", nil))
}

func TestRouter_Indicators(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)

	var d indicatorsDTO
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/indicators/btc", &d))
	assert.Equal(t, model.Interval1h.Millis()*40, d.Time)
	assert.InDelta(t, 135, d.Values["ma_9"], 1e-9)
	assert.Contains(t, d.Values, "macd")
	assert.NotContains(t, d.Values, "ma_200", "undefined values are omitted")
	assert.NotEmpty(t, d.HistState)
}

func TestRouter_Signals(t *testing.T) {
	journal := &stubSignals{got: []model.SignalValidation{{ID: "a", Symbol: "btc", IsValid: true}}}
	ts, _, _ := newTestServer(t, journal)

	var out []model.SignalValidation
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/signals/btc?limit=9999", &out))
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, maxSignalLimit, journal.limit)

	journal.err = errors.New("disk full")
	assert.Equal(t, http.StatusInternalServerError, getJSON(t, ts.URL+"/api/v1/signals/btc", nil))
	assert.Equal(t, defaultSignalLimit, journal.limit)
}

func TestRouter_SignalsWithoutJournal(t *testing.T) {
	ts, _, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/api/v1/signals/btc", nil))
}

func TestRouter_SwitchInterval(t *testing.T) {
	ts, hist, s := newTestServer(t, nil)
	var (
		mu       sync.Mutex
		switched []model.Interval
	)
	s.OnIntervalChange = func(iv model.Interval) {
		mu.Lock()
		switched = append(switched, iv)
		mu.Unlock()
	}
	changes := func() []model.Interval {
		mu.Lock()
		defer mu.Unlock()
		return append([]model.Interval(nil), switched...)
	}

	post := func(body string) int {
		resp, err := http.Post(ts.URL+"/api/v1/interval", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post(`{"interval":"4h"}`))
	var symbols []symbolDTO
	getJSON(t, ts.URL+"/api/v1/symbols", &symbols)
	require.Len(t, symbols, 1)
	assert.Equal(t, model.Interval4h, symbols[0].Interval)
	assert.Equal(t, []model.Interval{model.Interval4h}, changes())

	assert.Equal(t, http.StatusBadRequest, post(`{"interval":"2h"}`))
	assert.Equal(t, http.StatusBadRequest, post(`not json`))

	hist.mu.Lock()
	hist.fail = true
	hist.mu.Unlock()
	assert.Equal(t, http.StatusBadGateway, post(`{"interval":"1d"}`))
	assert.Len(t, changes(), 1)
}
