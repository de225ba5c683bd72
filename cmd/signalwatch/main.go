package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signalwatch/config"
	"signalwatch/internal/api"
	"signalwatch/internal/catalog"
	"signalwatch/internal/gateway"
	"signalwatch/internal/indicator"
	"signalwatch/internal/logger"
	"signalwatch/internal/marketdata/bus"
	"signalwatch/internal/marketdata/conn"
	"signalwatch/internal/marketdata/registry"
	"signalwatch/internal/metrics"
	"signalwatch/internal/model"
	"signalwatch/internal/notification"
	"signalwatch/internal/pipeline"
	redisstore "signalwatch/internal/store/redis"
	sqlitestore "signalwatch/internal/store/sqlite"
	"signalwatch/pkg/binance"
)

const (
	busBuffer        = 5000
	livenessInterval = 10 * time.Second
	saturationPeriod = 5 * time.Second
)

func main() {
	cfg := config.Load()
	log := logger.Init("signalwatch", logger.ParseLevel(cfg.LogLevel))
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("signalwatch exited", zap.Error(err))
	}
	log.Info("signalwatch stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	interval, err := cfg.ParseInterval()
	if err != nil {
		return err
	}
	symbols := cfg.ParseSymbols()
	if len(symbols) == 0 {
		return errors.New("no symbols configured (SYMBOLS)")
	}
	log.Info("starting", zap.Strings("symbols", symbols), zap.String("interval", string(interval)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	health.SetInterval(string(interval))

	// ---- Exchange ----
	client := binance.NewClient(binance.Config{BaseURL: cfg.BinanceRESTURL, Logger: log})
	logCatalog(ctx, client, log)

	// ---- Stores (both optional) ----
	var (
		sinks   notification.Multi
		journal pipeline.Journal
		g       errgroup.Group
		fanout  = bus.New(busBuffer)
		stores  int
	)
	sinks = append(sinks, counted("log", notification.Sink{Notifier: notification.NewLogNotifier(log)}, prom))

	sqlWriter, sqlReader := openSQLite(cfg.SQLitePath, log)
	if sqlWriter != nil {
		defer sqlWriter.Close()
		defer sqlReader.Close()
		sqlWriter.OnCommit = func(d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }
		sinks = append(sinks, counted("sqlite", sqlWriter, prom))
		journal = sqlReader

		ch := fanout.Subscribe("sqlite")
		g.Go(func() error { sqlWriter.Run(ctx, ch); return nil })
		stores++
	}

	redisBuffered, redisReader := openRedis(ctx, cfg, log, prom)
	if redisBuffered != nil {
		defer redisBuffered.Underlying().Close()
		sinks = append(sinks, counted("redis", redisBuffered, prom))
		if journal == nil {
			journal = redisReader
		}

		ch := fanout.Subscribe("redis")
		g.Go(func() error { redisBuffered.Run(ctx, ch); return nil })
		stores++
	}

	if cfg.TelegramEnabled() {
		tg := notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, log)
		sinks = append(sinks, counted("telegram", notification.Sink{Notifier: tg}, prom))
	}
	if cfg.WebhookURL != "" {
		wh := notification.NewWebhookNotifier(cfg.WebhookURL, log)
		sinks = append(sinks, counted("webhook", notification.Sink{Notifier: wh}, prom))
	}

	// ---- Live push to WebSocket clients ----
	hub := gateway.NewHub(log)
	defer hub.Close()
	hub.OnDrop = func() { prom.FanoutDropsTotal.WithLabelValues("ws_client").Inc() }
	sinks = append(sinks, counted("ws", hub, prom))
	hubCh := fanout.Subscribe("ws")
	g.Go(func() error { hub.Run(ctx, hubCh); return nil })

	// ---- Candle bus ----
	updates := make(chan model.CandleUpdate, busBuffer)
	fanout.OnDrop = func(subscriber string) {
		prom.FanoutDropsTotal.WithLabelValues(subscriber).Inc()
	}
	g.Go(func() error { fanout.Run(ctx, updates); return nil })
	g.Go(func() error { reportSaturation(ctx, fanout, prom); return nil })

	// ---- Stream registry ----
	factory := registry.StreamFactory(binance.NewDialer(), conn.Config{URL: cfg.BinanceWSURL, Logger: log},
		func(c *conn.Connection) {
			key := c.Key()
			c.OnReconnect = func() { prom.Reconnects.WithLabelValues(key).Inc() }
			c.OnDroppedTick = func(reason string) { prom.DroppedTicks.WithLabelValues(reason).Inc() }
		})
	reg := registry.New(factory, log)
	defer reg.Close()

	// ---- Pipeline ----
	engine := indicator.NewEngine(indicator.DefaultConfig())
	engine.OnCompute = func(d time.Duration) { prom.IndicatorComputeDur.Observe(d.Seconds()) }

	manager := pipeline.NewManager(symbols, pipeline.Config{
		Interval: interval,
		MaxBars:  cfg.MaxBars,
		Detector: cfg.Detector(),
	}, pipeline.Deps{
		History:    client,
		Subscriber: reg,
		Engine:     engine,
		Sink:       sinks,
		Journal:    journal,
		Updates:    updates,
		Hooks:      hooks(prom, health),
		Logger:     log,
	})

	reg.OnStateChange = func(key string, from, to model.ConnectionState) {
		prom.ConnectionState.WithLabelValues(key).Set(float64(to))
		health.SetStreamOpen(key, to == model.StateOpen)
		manager.HandleStateChange(key, from, to)
	}
	reg.OnFatal = func(key string, err error) {
		prom.ConnectionFatal.WithLabelValues(key).Inc()
		health.SetStreamOpen(key, false)
		manager.HandleFatal(key, err)
	}

	// ---- HTTP API ----
	var history api.SignalHistory
	if sqlReader != nil {
		history = sqlReader
	}
	apiSrv := api.New(manager, history, log)
	apiSrv.OnIntervalChange = func(iv model.Interval) { health.SetInterval(string(iv)) }
	mux := apiSrv.Router()
	mux.Handle("GET /api/v1/stream", hub)
	g.Go(func() error {
		if err := serveAPI(ctx, cfg.APIAddr, mux, log); err != nil {
			log.Error("api server failed", zap.Error(err))
		}
		return nil
	})
	if redisBuffered != nil {
		g.Go(func() error {
			apiSrv.RunIntervalSubscriber(ctx, redisBuffered.Underlying().Client())
			return nil
		})
	}

	// ---- Metrics + liveness ----
	srv := metrics.NewServer(cfg.MetricsAddr, health, nil, log)
	g.Go(func() error {
		if err := srv.Run(ctx); err != nil {
			log.Error("metrics server failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		var sqlDB *sql.DB
		if sqlWriter != nil {
			sqlDB = sqlWriter.DB()
		}
		if redisBuffered != nil {
			health.RunLivenessChecker(ctx, redisBuffered.Underlying().Client(), sqlDB, livenessInterval)
		} else {
			health.RunLivenessChecker(ctx, nil, sqlDB, livenessInterval)
		}
		return nil
	})

	if err := manager.Start(ctx); err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	log.Info("pipeline ready", zap.Int("sinks", len(sinks)), zap.Int("stores", stores))

	<-ctx.Done()
	log.Info("shutting down")
	manager.Stop()
	_ = g.Wait()
	return nil
}

func serveAPI(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	if addr == "" {
		return nil
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info("api server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func hooks(prom *metrics.Metrics, health *metrics.HealthStatus) pipeline.Hooks {
	return pipeline.Hooks{
		OnTick: func(symbol string) {
			prom.TicksTotal.WithLabelValues(symbol).Inc()
			health.SetLastTickTime(time.Now())
		},
		OnDroppedTick: func(reason string) { prom.DroppedTicks.WithLabelValues(reason).Inc() },
		OnAppend:      func(symbol string) { prom.CandlesAppended.WithLabelValues(symbol).Inc() },
		OnHistory: func(symbol string, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			prom.HistoryFetches.WithLabelValues(symbol, result).Inc()
		},
		OnCrossover: func(symbol string) { prom.CrossoversTotal.WithLabelValues(symbol).Inc() },
		OnValidation: func(symbol string, emitted bool) {
			result := "rejected"
			if emitted {
				result = "emitted"
			}
			prom.SignalsTotal.WithLabelValues(symbol, result).Inc()
		},
	}
}

// counted labels sink failures in the metrics. Multi still joins the error
// for the watcher log.
func counted(name string, s notification.AlertSink, prom *metrics.Metrics) notification.AlertSink {
	return notification.SinkFunc(func(ctx context.Context, v model.SignalValidation, symbol string, price float64) error {
		err := s.OnSignal(ctx, v, symbol, price)
		if err != nil {
			prom.SinkFailures.WithLabelValues(name).Inc()
		}
		return err
	})
}

func openSQLite(path string, log *zap.Logger) (*sqlitestore.Writer, *sqlitestore.Reader) {
	if path == "" {
		log.Info("sqlite disabled")
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Warn("sqlite dir not created, continuing without sqlite", zap.Error(err))
			return nil, nil
		}
	}
	w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: path}, log)
	if err != nil {
		log.Warn("sqlite init failed, continuing without sqlite", zap.Error(err))
		return nil, nil
	}
	r, err := sqlitestore.NewReader(path)
	if err != nil {
		_ = w.Close()
		log.Warn("sqlite reader failed, continuing without sqlite", zap.Error(err))
		return nil, nil
	}
	return w, r
}

func openRedis(ctx context.Context, cfg *config.Config, log *zap.Logger, prom *metrics.Metrics) (*redisstore.BufferedWriter, *redisstore.Reader) {
	if cfg.RedisAddr == "" {
		log.Info("redis disabled")
		return nil, nil
	}
	w, err := redisstore.New(redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}, log)
	if err != nil {
		log.Warn("redis init failed, continuing without redis", zap.Error(err))
		return nil, nil
	}
	w.OnWrite = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }

	cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
	cb.OnStateChange = func(from, to redisstore.State) {
		prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.RedisCircuitBreakerTrips.Inc()
		}
		log.Warn("redis circuit breaker", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	bw := redisstore.NewBufferedWriter(ctx, w, cb, 10000)
	bw.OnBuffer = prom.RedisBufferedWrites.Inc
	bw.OnFlush = func(n int) { log.Info("redis buffer replayed", zap.Int("writes", n)) }

	return bw, redisstore.NewReader(w.Client())
}

// logCatalog reports the most active USDT pairs at start-up.
func logCatalog(ctx context.Context, client *binance.Client, log *zap.Logger) {
	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	top, err := catalog.New(client, log).Top(fetchCtx, catalog.DefaultLimit)
	if err != nil {
		log.Warn("symbol catalog unavailable", zap.Error(err))
		return
	}
	for i, s := range top {
		log.Info("catalog",
			zap.Int("rank", i+1),
			zap.String("symbol", s.Key()),
			zap.String("name", s.Name),
			zap.String("price", catalog.Format(s.LastPrice, s.Precision)),
			zap.Float64("volume_24h", s.Volume24h))
	}
}

func reportSaturation(ctx context.Context, fanout *bus.FanOut, prom *metrics.Metrics) {
	ticker := time.NewTicker(saturationPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range fanout.ChannelStats() {
				if s.Cap > 0 {
					pct := float64(s.Len) / float64(s.Cap) * 100
					prom.ChannelSaturationPct.WithLabelValues("fanout_" + s.Name).Set(pct)
				}
			}
		}
	}
}
