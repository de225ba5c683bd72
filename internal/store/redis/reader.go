package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"signalwatch/internal/model"
)

const lastAlertedScan = 50

// Reader reads back published signals.
type Reader struct {
	client *goredis.Client
}

// NewReader creates a Reader over client.
func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// RecentSignals returns up to n signals for symbol, newest first. Entries
// that fail to decode are skipped.
func (r *Reader) RecentSignals(ctx context.Context, symbol string, n int64) ([]model.SignalValidation, error) {
	msgs, err := r.client.XRevRangeN(ctx, SignalStreamKey(symbol), "+", "-", n).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("redis XREVRANGE %s: %w", SignalStreamKey(symbol), err)
	}

	out := make([]model.SignalValidation, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var v model.SignalValidation
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// LastAlerted returns the crossover key of the newest stored signal for
// symbol on iv, looking back at most lastAlertedScan entries.
func (r *Reader) LastAlerted(ctx context.Context, symbol string, iv model.Interval) (model.CrossKey, bool, error) {
	recent, err := r.RecentSignals(ctx, symbol, lastAlertedScan)
	if err != nil {
		return model.CrossKey{}, false, err
	}
	for _, v := range recent {
		if v.Interval == iv {
			return v.Cross.Key(), true, nil
		}
	}
	return model.CrossKey{}, false, nil
}
