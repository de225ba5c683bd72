// Package binance is a minimal public-market client for Binance spot: a
// websocket dialer for the ticker stream and REST calls for klines, book
// ticker, 24h statistics and exchange info. No private endpoints.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public REST endpoint.
const DefaultBaseURL = "https://api.binance.com"

// QuoteAsset is the quote currency every symbol key is paired with.
const QuoteAsset = "USDT"

// FetchError reports a failed REST call. Callers decide whether to retry.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("binance %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("binance %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Config holds REST client settings. Zero fields take defaults.
type Config struct {
	BaseURL   string
	Timeout   time.Duration // default 10s
	RateLimit rate.Limit    // requests per second, default 10
	Burst     int           // default 20
	Logger    *zap.Logger
}

// Client is a rate-limited REST client. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient creates a REST client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		log:     cfg.Logger.Named("binance"),
	}
}

// PairSymbol converts a symbol key to an exchange pair ("btc" → "BTCUSDT").
func PairSymbol(key string) string {
	return strings.ToUpper(key) + QuoteAsset
}

// get performs GET path?query and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &FetchError{Op: op, Err: err}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &FetchError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &FetchError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return &FetchError{Op: op, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &FetchError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}

	c.log.Debug("fetched", zap.String("op", op), zap.Duration("took", time.Since(start)))
	return nil
}
