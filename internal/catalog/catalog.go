// Package catalog lists the tradable USDT pairs with display metadata.
package catalog

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signalwatch/internal/model"
	"signalwatch/pkg/binance"
)

// DefaultLimit is the number of pairs returned when Top is given limit <= 0.
const DefaultLimit = 20

// maxPrecision bounds the decimals derived from a tick size.
const maxPrecision = 8

var names = map[string]string{
	"BTC":   "Bitcoin",
	"ETH":   "Ethereum",
	"BNB":   "Binance Coin",
	"SOL":   "Solana",
	"XRP":   "Ripple",
	"ADA":   "Cardano",
	"AVAX":  "Avalanche",
	"DOGE":  "Dogecoin",
	"DOT":   "Polkadot",
	"MATIC": "Polygon",
}

// DisplayName returns the human name for a base asset, or the asset itself.
func DisplayName(base string) string {
	if n, ok := names[strings.ToUpper(base)]; ok {
		return n
	}
	return strings.ToUpper(base)
}

// Source is the subset of the exchange client the catalog reads.
type Source interface {
	Tickers(ctx context.Context) ([]binance.Ticker24h, error)
	ExchangeInfo(ctx context.Context) ([]binance.SymbolFilter, error)
	BookTickers(ctx context.Context) ([]binance.BookTicker, error)
}

// Catalog builds SymbolInfo lists from exchange market data.
type Catalog struct {
	src Source
	log *zap.Logger
}

// New creates a Catalog reading from src.
func New(src Source, log *zap.Logger) *Catalog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Catalog{src: src, log: log}
}

// Top returns up to limit USDT pairs ordered by 24h quote volume, highest
// first. Pairs without a positive price are skipped, as are pairs the
// exchange reports as not trading.
func (c *Catalog) Top(ctx context.Context, limit int) ([]model.SymbolInfo, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	tickers, err := c.src.Tickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog tickers: %w", err)
	}
	filters, err := c.src.ExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog exchange info: %w", err)
	}
	books, err := c.src.BookTickers(ctx)
	if err != nil {
		// Mid prices only refine the last price; carry on without them.
		c.log.Warn("book tickers unavailable", zap.Error(err))
	}

	rules := make(map[string]binance.SymbolFilter, len(filters))
	for _, f := range filters {
		if isUSDT(f.Symbol) {
			rules[f.Symbol] = f
		}
	}
	mids := make(map[string]float64, len(books))
	for _, b := range books {
		if !isUSDT(b.Symbol) {
			continue
		}
		if mid, ok := b.Mid(); ok {
			mids[b.Symbol] = mid
		}
	}

	out := make([]model.SymbolInfo, 0, len(tickers))
	for _, t := range tickers {
		if !isUSDT(t.Symbol) {
			continue
		}
		rule, known := rules[t.Symbol]
		if known && rule.Status != "" && rule.Status != "TRADING" {
			continue
		}

		base := rule.BaseAsset
		if base == "" {
			base = strings.TrimSuffix(t.Symbol, binance.QuoteAsset)
		}
		price, ok := mids[t.Symbol]
		if !ok {
			price = binance.Float(t.LastPrice)
		}
		if math.IsNaN(price) || price <= 0 {
			continue
		}

		info := model.SymbolInfo{
			Symbol:             t.Symbol,
			BaseAsset:          base,
			QuoteAsset:         binance.QuoteAsset,
			Name:               DisplayName(base),
			TickSize:           rule.TickSize,
			LastPrice:          price,
			Volume24h:          binance.Float(t.Volume) * price,
			PriceChange:        binance.Float(t.PriceChange),
			PriceChangePercent: binance.Float(t.PriceChangePercent),
		}
		if p, err := Precision(rule.TickSize); err == nil {
			info.Precision = p
		} else {
			info.Precision = PrecisionForPrice(price)
		}
		info.LastPrice = Round(price, info.Precision)
		out = append(out, info)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Volume24h > out[j].Volume24h })
	if len(out) > limit {
		out = out[:limit]
	}
	c.log.Debug("catalog built", zap.Int("pairs", len(out)))
	return out, nil
}

func isUSDT(symbol string) bool {
	return strings.HasSuffix(symbol, binance.QuoteAsset)
}

// Precision returns the number of significant decimals in a tick size such
// as "0.01000000" (2) or "1.00000000" (0).
func Precision(tickSize string) (int32, error) {
	d, err := decimal.NewFromString(tickSize)
	if err != nil {
		return 0, fmt.Errorf("tick size %q: %w", tickSize, err)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("tick size %q: not positive", tickSize)
	}
	var p int32
	for p < maxPrecision && !d.Equal(d.Truncate(p)) {
		p++
	}
	return p, nil
}

// PrecisionForPrice picks display decimals from the magnitude of price when
// no tick size is published.
func PrecisionForPrice(price float64) int32 {
	switch {
	case price < 0.00001:
		return 8
	case price < 0.0001:
		return 7
	case price < 0.001:
		return 6
	case price < 0.01:
		return 5
	case price < 1:
		return 4
	case price < 10:
		return 3
	default:
		return 2
	}
}

// Round rounds price half away from zero to the given decimals.
func Round(price float64, precision int32) float64 {
	return decimal.NewFromFloat(price).Round(precision).InexactFloat64()
}

// Format renders price with exactly precision decimals.
func Format(price float64, precision int32) string {
	return decimal.NewFromFloat(price).StringFixed(precision)
}
