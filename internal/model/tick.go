package model

import (
	"fmt"
	"math"
)

// Tick represents a single 24h-ticker update from the exchange stream.
// Prices are quote-asset floats as delivered by Binance.
type Tick struct {
	Symbol             string  `json:"symbol"`
	Price              float64 `json:"price"`  // last price
	Volume             float64 `json:"volume"`     // base-asset volume traded since the previous update
	Volume24h          float64 `json:"volume_24h"` // rolling 24h base-asset volume as sent
	EventTimeMillis    int64   `json:"event_time"`
	PriceChange        float64 `json:"price_change"`
	PriceChangePercent float64 `json:"price_change_percent"`
}

// DataInvariantError reports a parsed tick whose numeric fields cannot be
// folded into a candle series.
type DataInvariantError struct {
	Symbol string
	Field  string
	Value  float64
}

func (e *DataInvariantError) Error() string {
	return fmt.Sprintf("data invariant: %s %s=%v", e.Symbol, e.Field, e.Value)
}

// Validate rejects NaN/Inf prices and volumes, non-positive prices and
// negative volumes.
func (t Tick) Validate() error {
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return &DataInvariantError{Symbol: t.Symbol, Field: "price", Value: t.Price}
	}
	if math.IsNaN(t.Volume) || math.IsInf(t.Volume, 0) || t.Volume < 0 {
		return &DataInvariantError{Symbol: t.Symbol, Field: "volume", Value: t.Volume}
	}
	if math.IsNaN(t.Volume24h) || math.IsInf(t.Volume24h, 0) || t.Volume24h < 0 {
		return &DataInvariantError{Symbol: t.Symbol, Field: "volume_24h", Value: t.Volume24h}
	}
	if t.EventTimeMillis <= 0 {
		return &DataInvariantError{Symbol: t.Symbol, Field: "event_time", Value: float64(t.EventTimeMillis)}
	}
	return nil
}
