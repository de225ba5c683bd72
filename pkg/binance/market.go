package binance

import (
	"context"
	"errors"
	"math"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"signalwatch/internal/model"
)

// Klines fetches the most recent iv.Limit() bars for key. Rows with
// non-numeric, non-finite or non-positive prices (or negative volume) are
// dropped.
func (c *Client) Klines(ctx context.Context, key string, iv model.Interval) ([]model.Candle, error) {
	q := url.Values{}
	q.Set("symbol", PairSymbol(key))
	q.Set("interval", string(iv))
	q.Set("limit", strconv.Itoa(iv.Limit()))

	var rows [][]any
	if err := c.get(ctx, "klines", "/api/v3/klines", q, &rows); err != nil {
		return nil, err
	}

	out := make([]model.Candle, 0, len(rows))
	for _, row := range rows {
		candle, ok := parseKline(row)
		if !ok {
			c.log.Debug("dropping kline row", zap.String("symbol", key), zap.Any("row", row))
			continue
		}
		out = append(out, candle)
	}
	return out, nil
}

// parseKline decodes [openTime, open, high, low, close, volume, ...].
func parseKline(row []any) (model.Candle, bool) {
	if len(row) < 6 {
		return model.Candle{}, false
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return model.Candle{}, false
	}
	var vals [5]float64
	for i := range vals {
		s, ok := row[i+1].(string)
		if !ok {
			return model.Candle{}, false
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return model.Candle{}, false
		}
		vals[i] = v
	}
	for _, p := range vals[:4] {
		if p <= 0 {
			return model.Candle{}, false
		}
	}
	if vals[4] < 0 {
		return model.Candle{}, false
	}
	return model.Candle{
		OpenTimeMillis: int64(openTime),
		Open:           vals[0],
		High:           vals[1],
		Low:            vals[2],
		Close:          vals[3],
		Volume:         vals[4],
	}, true
}

// BookTicker is the best bid/ask for one symbol.
type BookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

// Mid returns (bid+ask)/2.
func (b BookTicker) Mid() (float64, bool) {
	bid, err1 := strconv.ParseFloat(b.BidPrice, 64)
	ask, err2 := strconv.ParseFloat(b.AskPrice, 64)
	if err1 != nil || err2 != nil || !(bid > 0) || !(ask > 0) {
		return 0, false
	}
	mid := (bid + ask) / 2
	if math.IsInf(mid, 0) {
		return 0, false
	}
	return mid, true
}

// BookTicker fetches the best bid/ask for key.
func (c *Client) BookTicker(ctx context.Context, key string) (BookTicker, error) {
	q := url.Values{}
	q.Set("symbol", PairSymbol(key))
	var bt BookTicker
	err := c.get(ctx, "bookTicker", "/api/v3/ticker/bookTicker", q, &bt)
	return bt, err
}

// BookTickers fetches the best bid/ask for every symbol.
func (c *Client) BookTickers(ctx context.Context) ([]BookTicker, error) {
	var out []BookTicker
	err := c.get(ctx, "bookTicker", "/api/v3/ticker/bookTicker", nil, &out)
	return out, err
}

// Ticker24h is the rolling 24h window statistics for one symbol.
type Ticker24h struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
}

// Float parses a numeric string field, returning 0 when malformed.
func Float(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Ticker fetches 24h statistics for key.
func (c *Client) Ticker(ctx context.Context, key string) (Ticker24h, error) {
	q := url.Values{}
	q.Set("symbol", PairSymbol(key))
	var t Ticker24h
	err := c.get(ctx, "ticker24hr", "/api/v3/ticker/24hr", q, &t)
	return t, err
}

// Tickers fetches 24h statistics for every symbol.
func (c *Client) Tickers(ctx context.Context) ([]Ticker24h, error) {
	var out []Ticker24h
	err := c.get(ctx, "ticker24hr", "/api/v3/ticker/24hr", nil, &out)
	return out, err
}

// CurrentPrice returns the book mid price for key, falling back to the 24h
// last price.
func (c *Client) CurrentPrice(ctx context.Context, key string) (float64, error) {
	bt, err := c.BookTicker(ctx, key)
	if err == nil {
		if mid, ok := bt.Mid(); ok {
			return mid, nil
		}
	}
	t, terr := c.Ticker(ctx, key)
	if terr != nil {
		return 0, errors.Join(err, terr)
	}
	if p := Float(t.LastPrice); p > 0 {
		return p, nil
	}
	return 0, &FetchError{Op: "currentPrice", Err: errors.New("no usable price")}
}

// History fetches the kline series for key at iv and replaces the last
// close with the current price, so the forming bar starts from the live
// quote. A failed price lookup keeps the kline close.
func (c *Client) History(ctx context.Context, key string, iv model.Interval) ([]model.Candle, error) {
	candles, err := c.Klines(ctx, key, iv)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return candles, nil
	}
	price, err := c.CurrentPrice(ctx, key)
	if err != nil {
		c.log.Warn("current price unavailable, keeping kline close", zap.String("symbol", key), zap.Error(err))
		return candles, nil
	}
	last := &candles[len(candles)-1]
	last.Close = price
	if price > last.High {
		last.High = price
	}
	if price < last.Low {
		last.Low = price
	}
	return candles, nil
}

// SymbolFilter is the part of exchangeInfo the catalog needs.
type SymbolFilter struct {
	Symbol     string
	Status     string
	BaseAsset  string
	QuoteAsset string
	TickSize   string
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

// ExchangeInfo fetches trading rules for every symbol.
func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolFilter, error) {
	var info exchangeInfo
	if err := c.get(ctx, "exchangeInfo", "/api/v3/exchangeInfo", nil, &info); err != nil {
		return nil, err
	}
	out := make([]SymbolFilter, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		f := SymbolFilter{Symbol: s.Symbol, Status: s.Status, BaseAsset: s.BaseAsset, QuoteAsset: s.QuoteAsset}
		for _, flt := range s.Filters {
			if flt.FilterType == "PRICE_FILTER" {
				f.TickSize = flt.TickSize
			}
		}
		out = append(out, f)
	}
	return out, nil
}
