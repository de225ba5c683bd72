package model

import "strings"

// SymbolInfo describes a tradable USDT pair from the exchange catalog.
type SymbolInfo struct {
	Symbol             string  `json:"symbol"` // e.g. BTCUSDT
	BaseAsset          string  `json:"base_asset"`
	QuoteAsset         string  `json:"quote_asset"`
	Name               string  `json:"name"`
	TickSize           string  `json:"tick_size"` // PRICE_FILTER tickSize as published
	Precision          int32   `json:"precision"` // display decimals derived from TickSize
	LastPrice          float64 `json:"last_price"`
	Volume24h          float64 `json:"volume_24h"` // quote-denominated
	PriceChange        float64 `json:"price_change"`
	PriceChangePercent float64 `json:"price_change_percent"`
}

// Key returns the lower-case base asset, the stream subscription key.
func (s *SymbolInfo) Key() string {
	return strings.ToLower(s.BaseAsset)
}
