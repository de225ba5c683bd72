package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"signalwatch/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/signalwatch.db"
}

// Writer is a single-goroutine SQLite writer for candles with transaction
// batching, and a journal for emitted signals.
type Writer struct {
	db  *sql.DB
	log *zap.Logger

	// OnCommit observes batch commit latency (optional).
	OnCommit func(time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("sqlite opened", zap.String("path", cfg.DBPath))
	return &Writer{db: db, log: log}, nil
}

func open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol    TEXT    NOT NULL,
			interval  TEXT    NOT NULL,
			open_time INTEGER NOT NULL,
			open      REAL    NOT NULL,
			high      REAL    NOT NULL,
			low       REAL    NOT NULL,
			close     REAL    NOT NULL,
			volume    REAL    NOT NULL,
			PRIMARY KEY (symbol, interval, open_time)
		);

		CREATE TABLE IF NOT EXISTS signals (
			id         TEXT    PRIMARY KEY,
			symbol     TEXT    NOT NULL,
			interval   TEXT    NOT NULL,
			cross_time INTEGER NOT NULL,
			bullish    INTEGER NOT NULL,
			price      REAL    NOT NULL,
			data       TEXT    NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_signals_symbol ON signals (symbol, created_at);
	`)
	return err
}

// Run reads candle updates from ch and upserts them in batched
// transactions, flushing every defaultBatchSize updates or every
// defaultFlushDelay, whichever comes first. Blocks until ctx is cancelled
// or ch is closed.
func (w *Writer) Run(ctx context.Context, ch <-chan model.CandleUpdate) {
	batch := make([]model.CandleUpdate, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.WriteCandles(context.Background(), batch); err != nil {
			w.log.Error("candle batch insert failed", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case u, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, u)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// WriteCandles upserts updates in a single transaction. A later update of
// the same bar replaces the earlier one.
func (w *Writer) WriteCandles(ctx context.Context, updates []model.CandleUpdate) error {
	start := time.Now()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, interval, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, u := range updates {
		c := u.Candle
		if _, err := stmt.ExecContext(ctx, u.Symbol, string(u.Interval), c.OpenTimeMillis, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if w.OnCommit != nil {
		w.OnCommit(time.Since(start))
	}
	return nil
}

// OnSignal journals an emitted signal. It implements notification.AlertSink.
func (w *Writer) OnSignal(ctx context.Context, v model.SignalValidation, symbol string, price float64) error {
	if v.Symbol == "" {
		v.Symbol = symbol
	}
	bullish := 0
	if v.Cross.MACDAboveSignal {
		bullish = 1
	}
	_, err := w.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO signals (id, symbol, interval, cross_time, bullish, price, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.Symbol, string(v.Interval), v.Cross.TimeMillis, bullish, price, string(v.JSON()), v.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite insert signal: %w", err)
	}
	return nil
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
