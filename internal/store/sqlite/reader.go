package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"signalwatch/internal/model"
)

// Reader provides read-only access to the journal and candle tables.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := open(dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Reader{db: db}, nil
}

// LastAlerted returns the crossover key of the newest journaled signal for
// symbol on iv.
func (r *Reader) LastAlerted(ctx context.Context, symbol string, iv model.Interval) (model.CrossKey, bool, error) {
	var (
		crossTime int64
		bullish   int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT cross_time, bullish FROM signals
		WHERE symbol = ? AND interval = ?
		ORDER BY cross_time DESC, created_at DESC
		LIMIT 1
	`, symbol, string(iv)).Scan(&crossTime, &bullish)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CrossKey{}, false, nil
	}
	if err != nil {
		return model.CrossKey{}, false, fmt.Errorf("sqlite last alerted: %w", err)
	}
	return model.CrossKey{TimeMillis: crossTime, Bullish: bullish == 1}, true, nil
}

// RecentSignals returns up to limit journaled signals for symbol, newest
// first.
func (r *Reader) RecentSignals(ctx context.Context, symbol string, limit int) ([]model.SignalValidation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data FROM signals
		WHERE symbol = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query signals: %w", err)
	}
	defer rows.Close()

	var out []model.SignalValidation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite scan signals: %w", err)
		}
		var v model.SignalValidation
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, fmt.Errorf("unmarshal signal: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
