package conn

import (
	"encoding/json"
	"fmt"
	"strconv"

	"signalwatch/internal/model"
)

const tickerEvent = "24hrTicker"

// control is the stream SUBSCRIBE / UNSUBSCRIBE request.
type control struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// tickerFrame is the 24hr rolling window ticker payload. Numeric fields are
// sent as strings.
type tickerFrame struct {
	Event              string `json:"e"`
	EventTime          int64  `json:"E"`
	Symbol             string `json:"s"`
	PriceChange        string `json:"p"`
	PriceChangePercent string `json:"P"`
	LastPrice          string `json:"c"`
	Volume             string `json:"v"`
}

// Channel returns the ticker stream name for a symbol key ("btc" → "btcusdt@ticker").
func Channel(key string) string {
	return key + "usdt@ticker"
}

// ParseTicker decodes one stream frame for key. The frame only carries the
// rolling 24h volume, so the returned tick has Volume24h set and Volume 0;
// the connection derives per-update volume from consecutive frames. ok is false for frames that
// are not ticker events (e.g. subscription acks). Malformed payloads return a
// *MessageParseError; numerically invalid ticks return a
// *model.DataInvariantError.
func ParseTicker(key string, data []byte) (tick model.Tick, ok bool, err error) {
	var f tickerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return model.Tick{}, false, parseErr(key, data, err)
	}
	if f.Event != tickerEvent {
		return model.Tick{}, false, nil
	}

	price, err := strconv.ParseFloat(f.LastPrice, 64)
	if err != nil {
		return model.Tick{}, false, parseErr(key, data, fmt.Errorf("last price: %w", err))
	}
	volume, err := strconv.ParseFloat(f.Volume, 64)
	if err != nil {
		return model.Tick{}, false, parseErr(key, data, fmt.Errorf("volume: %w", err))
	}
	// Change fields are informational; tolerate their absence.
	change, _ := strconv.ParseFloat(f.PriceChange, 64)
	changePct, _ := strconv.ParseFloat(f.PriceChangePercent, 64)

	tick = model.Tick{
		Symbol:             key,
		Price:              price,
		Volume24h:          volume,
		EventTimeMillis:    f.EventTime,
		PriceChange:        change,
		PriceChangePercent: changePct,
	}
	if err := tick.Validate(); err != nil {
		return model.Tick{}, false, err
	}
	return tick, true, nil
}

func parseErr(key string, data []byte, err error) error {
	payload := string(data)
	if len(payload) > 128 {
		payload = payload[:128]
	}
	return &MessageParseError{Key: key, Payload: payload, Err: err}
}

// volumeDelta turns the rolling 24h volume of consecutive frames on one
// stream into per-update volume. The first frame yields 0, and so does a
// shrinking window.
type volumeDelta struct {
	last float64
	seen bool
}

func (v *volumeDelta) next(total float64) float64 {
	prev, seen := v.last, v.seen
	v.last, v.seen = total, true
	if !seen || total <= prev {
		return 0
	}
	return total - prev
}
