package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds all Prometheus metrics for the signal engine.
type Metrics struct {
	TicksTotal      *prometheus.CounterVec // labels: symbol
	DroppedTicks    *prometheus.CounterVec // labels: reason
	Reconnects      *prometheus.CounterVec // labels: symbol
	ConnectionState *prometheus.GaugeVec   // labels: symbol; 0=connecting 1=open 2=reconnecting 3=closed
	ConnectionFatal *prometheus.CounterVec // labels: symbol
	CandlesAppended *prometheus.CounterVec // labels: symbol
	HistoryFetches  *prometheus.CounterVec // labels: symbol, result

	IndicatorComputeDur prometheus.Histogram

	CrossoversTotal *prometheus.CounterVec // labels: symbol
	SignalsTotal    *prometheus.CounterVec // labels: symbol, result=emitted|rejected
	SinkFailures    *prometheus.CounterVec // labels: sink

	// Backpressure
	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	RedisWriteDur   prometheus.Histogram
	SQLiteCommitDur prometheus.Histogram

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_ticks_total",
			Help: "Ticks delivered to symbol watchers",
		}, []string{"symbol"}),
		DroppedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_dropped_ticks_total",
			Help: "Ticks discarded (parse, invalid, late)",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_ws_reconnects_total",
			Help: "Stream reconnection attempts",
		}, []string{"symbol"}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalwatch_connection_state",
			Help: "Stream connection state (0=connecting, 1=open, 2=reconnecting, 3=closed)",
		}, []string{"symbol"}),
		ConnectionFatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_connection_fatal_total",
			Help: "Streams that exhausted their reconnection attempts",
		}, []string{"symbol"}),
		CandlesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_candles_appended_total",
			Help: "Candles opened by the aggregator",
		}, []string{"symbol"}),
		HistoryFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_history_fetches_total",
			Help: "Historical kline fetches",
		}, []string{"symbol", "result"}),

		IndicatorComputeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalwatch_indicator_compute_duration_seconds",
			Help:    "Indicator snapshot compute latency",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),

		CrossoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_crossovers_total",
			Help: "New MACD/signal crossovers evaluated",
		}, []string{"symbol"}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_signals_total",
			Help: "Crossover validations by result",
		}, []string{"symbol", "result"}),
		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_sink_failures_total",
			Help: "Alert sink delivery failures",
		}, []string{"sink"}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalwatch_fanout_drops_total",
			Help: "Candle updates dropped by the FanOut bus per subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signalwatch_channel_saturation_pct",
			Help: "Channel fill percentage (len/cap * 100)",
		}, []string{"channel_name"}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalwatch_redis_write_duration_seconds",
			Help:    "Redis write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalwatch_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalwatch_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalwatch_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalwatch_redis_buffered_writes_total",
			Help: "Writes buffered locally while the Redis circuit breaker is open",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.Reconnects,
		m.ConnectionState,
		m.ConnectionFatal,
		m.CandlesAppended,
		m.HistoryFetches,
		m.IndicatorComputeDur,
		m.CrossoversTotal,
		m.SignalsTotal,
		m.SinkFailures,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.RedisWriteDur,
		m.SQLiteCommitDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	streams      map[string]bool // symbol -> open
	lastTickTime time.Time
	interval     string

	redisEnabled    bool
	redisConnected  bool
	redisLatencyMs  float64
	sqliteEnabled   bool
	sqliteOK        bool
	sqliteLatencyMs float64
	lastCheckAt     time.Time
	startedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		streams:   make(map[string]bool),
		startedAt: time.Now(),
	}
}

// SetStreamOpen records whether the stream for symbol is open.
func (h *HealthStatus) SetStreamOpen(symbol string, open bool) {
	h.mu.Lock()
	h.streams[symbol] = open
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.lastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetInterval(iv string) {
	h.mu.Lock()
	h.interval = iv
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.redisEnabled = true
	h.redisConnected = err == nil
	h.redisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.sqliteEnabled = true
	h.sqliteOK = err == nil
	h.sqliteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.lastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker probes the optional dependencies every interval until
// ctx is done. Nil clients are skipped.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	probe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

type healthReport struct {
	Status          string          `json:"status"`
	Uptime          string          `json:"uptime"`
	Interval        string          `json:"interval,omitempty"`
	Streams         map[string]bool `json:"streams"`
	OpenStreams     []string        `json:"open_streams"`
	LastTickTime    string          `json:"last_tick_time"`
	TickAge         string          `json:"tick_age"`
	RedisConnected  *bool           `json:"redis_connected,omitempty"`
	RedisLatencyMs  float64         `json:"redis_latency_ms,omitempty"`
	SQLiteOK        *bool           `json:"sqlite_ok,omitempty"`
	SQLiteLatencyMs float64         `json:"sqlite_latency_ms,omitempty"`
	LastCheckAt     string          `json:"last_check_at,omitempty"`
}

// report builds the health payload and its HTTP status. Degraded means a
// stream is down or an enabled store is unreachable; unhealthy means no
// stream is open.
func (h *HealthStatus) report() (healthReport, int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := healthReport{
		Status:  "healthy",
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
		Streams: make(map[string]bool, len(h.streams)),
	}
	code := http.StatusOK

	open := 0
	for sym, ok := range h.streams {
		r.Streams[sym] = ok
		if ok {
			open++
			r.OpenStreams = append(r.OpenStreams, sym)
		}
	}
	sort.Strings(r.OpenStreams)

	degraded := open < len(h.streams)
	if h.redisEnabled {
		v := h.redisConnected
		r.RedisConnected = &v
		r.RedisLatencyMs = h.redisLatencyMs
		degraded = degraded || !v
	}
	if h.sqliteEnabled {
		v := h.sqliteOK
		r.SQLiteOK = &v
		r.SQLiteLatencyMs = h.sqliteLatencyMs
		degraded = degraded || !v
	}
	if degraded {
		r.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if len(h.streams) > 0 && open == 0 {
		r.Status = "unhealthy"
	}

	r.Interval = h.interval
	if !h.lastTickTime.IsZero() {
		r.LastTickTime = h.lastTickTime.Format(time.RFC3339)
		r.TickAge = time.Since(h.lastTickTime).Round(time.Millisecond).String()
	}
	if !h.lastCheckAt.IsZero() {
		r.LastCheckAt = h.lastCheckAt.Format(time.RFC3339)
	}
	return r, code
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status, code := h.report()
	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *zap.Logger
}

// NewServer creates a metrics and health server. gatherer defaults to the
// default Prometheus registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the server mux.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics server listening", zap.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
