// Package api serves the watched series over HTTP: candles, the latest
// indicator values, recent signals, and a control endpoint for switching
// the candle interval.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"signalwatch/internal/indicator"
	"signalwatch/internal/model"
	"signalwatch/internal/pipeline"
)

// IntervalChannel carries interval switch requests published to Redis.
const IntervalChannel = "config:interval"

const (
	defaultSignalLimit = 20
	maxSignalLimit     = 500
)

// Pipeline is the view of the watcher manager the API needs.
type Pipeline interface {
	Symbols() []string
	Watcher(symbol string) (*pipeline.Watcher, bool)
	SetInterval(ctx context.Context, iv model.Interval) error
}

// SignalHistory lists journaled signals, newest first.
type SignalHistory interface {
	RecentSignals(ctx context.Context, symbol string, limit int) ([]model.SignalValidation, error)
}

// Server exposes the pipeline over HTTP.
type Server struct {
	pipe    Pipeline
	signals SignalHistory // optional
	log     *zap.Logger

	// OnIntervalChange is called after every watcher switched (optional).
	OnIntervalChange func(iv model.Interval)
}

// New creates an API server. signals may be nil.
func New(pipe Pipeline, signals SignalHistory, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{pipe: pipe, signals: signals, log: log}
}

// Router sets up HTTP routes for the API server.
func (s *Server) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /api/v1/symbols", s.handleSymbols)
	mux.HandleFunc("GET /api/v1/candles/{symbol}", s.handleCandles)
	mux.HandleFunc("GET /api/v1/indicators/{symbol}", s.handleIndicators)
	mux.HandleFunc("GET /api/v1/signals/{symbol}", s.handleSignals)
	mux.HandleFunc("POST /api/v1/interval", s.handleInterval)
	return mux
}

type symbolDTO struct {
	Symbol    string         `json:"symbol"`
	Interval  model.Interval `json:"interval"`
	Bars      int            `json:"bars"`
	LastPrice float64        `json:"last_price,omitempty"`
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	out := make([]symbolDTO, 0, len(s.pipe.Symbols()))
	for _, sym := range s.pipe.Symbols() {
		wt, ok := s.pipe.Watcher(sym)
		if !ok {
			continue
		}
		candles := wt.Candles()
		d := symbolDTO{Symbol: sym, Interval: wt.Interval(), Bars: len(candles)}
		if n := len(candles); n > 0 {
			d.LastPrice = candles[n-1].Close
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) watcher(w http.ResponseWriter, r *http.Request) (*pipeline.Watcher, bool) {
	sym := r.PathValue("symbol")
	wt, ok := s.pipe.Watcher(sym)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown symbol "+strconv.Quote(sym))
		return nil, false
	}
	return wt, true
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	wt, ok := s.watcher(w, r)
	if !ok {
		return
	}
	candles := wt.Candles()
	if limit, err := queryLimit(r, len(candles), len(candles)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if limit < len(candles) {
		candles = candles[len(candles)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":   wt.Symbol(),
		"interval": wt.Interval(),
		"candles":  candles,
	})
}

type indicatorsDTO struct {
	Symbol     string                  `json:"symbol"`
	Interval   model.Interval          `json:"interval"`
	Time       int64                   `json:"time"`
	Values     map[string]float64      `json:"values"`
	HistState  string                  `json:"hist_state,omitempty"`
	Validation *model.SignalValidation `json:"last_validation,omitempty"`
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	wt, ok := s.watcher(w, r)
	if !ok {
		return
	}
	snap := wt.Indicators()
	d := indicatorsDTO{
		Symbol:   wt.Symbol(),
		Interval: wt.Interval(),
		Values:   snap.Latest(),
	}
	if n := snap.Len(); n > 0 {
		d.Time = snap.Times[n-1]
	}
	if n := len(snap.HistStates); n > 0 && snap.HistStates[n-1] != indicator.HistUndefined {
		d.HistState = snap.HistStates[n-1].String()
	}
	if v, ok := wt.LastValidation(); ok {
		d.Validation = &v
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	wt, ok := s.watcher(w, r)
	if !ok {
		return
	}
	if s.signals == nil {
		writeError(w, http.StatusServiceUnavailable, "signal journal disabled")
		return
	}
	limit, err := queryLimit(r, defaultSignalLimit, maxSignalLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := s.signals.RecentSignals(r.Context(), wt.Symbol(), limit)
	if err != nil {
		s.log.Error("recent signals failed", zap.String("symbol", wt.Symbol()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "signal journal unavailable")
		return
	}
	if out == nil {
		out = []model.SignalValidation{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interval string `json:"interval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	iv, err := s.switchInterval(r.Context(), req.Interval)
	switch {
	case errors.Is(err, model.ErrUnknownInterval):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "interval": iv})
	}
}

func (s *Server) switchInterval(ctx context.Context, token string) (model.Interval, error) {
	iv, err := model.ParseInterval(strings.TrimSpace(token))
	if err != nil {
		return "", err
	}
	if err := s.pipe.SetInterval(ctx, iv); err != nil {
		return "", err
	}
	s.log.Info("interval switched", zap.String("interval", string(iv)))
	if s.OnIntervalChange != nil {
		s.OnIntervalChange(iv)
	}
	return iv, nil
}

// RunIntervalSubscriber applies interval tokens published on IntervalChannel
// until ctx is done.
func (s *Server) RunIntervalSubscriber(ctx context.Context, client *goredis.Client) {
	pubsub := client.Subscribe(ctx, IntervalChannel)
	defer pubsub.Close()
	s.log.Info("subscribed for interval updates", zap.String("channel", IntervalChannel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			switchCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if _, err := s.switchInterval(switchCtx, msg.Payload); err != nil {
				s.log.Warn("interval update rejected", zap.String("payload", msg.Payload), zap.Error(err))
			}
			cancel()
		}
	}
}

// queryLimit parses ?limit=, defaulting to def and capping at ceiling.
func queryLimit(r *http.Request, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
