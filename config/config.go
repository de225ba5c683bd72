package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"signalwatch/internal/model"
	"signalwatch/internal/signal"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Watched symbols as base assets, e.g. "btc,eth".
	Symbols  string
	Interval string
	MaxBars  int

	// Exchange endpoints
	BinanceRESTURL string
	BinanceWSURL   string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string
	LogLevel      string

	// Alert delivery
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	// Validation thresholds
	VolumeMultiplier float64
	TrendPeriod      int
	ConsecutiveBars  int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first when present;
// variables already set in the environment win.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}

	def := signal.DefaultConfig()
	return &Config{
		Symbols:  getEnv("SYMBOLS", "btc,eth,sol"),
		Interval: getEnv("INTERVAL", string(model.DefaultInterval)),
		MaxBars:  getInt("MAX_BARS", 500),

		BinanceRESTURL: getEnv("BINANCE_REST_URL", "https://api.binance.com"),
		BinanceWSURL:   getEnv("BINANCE_WS_URL", "wss://stream.binance.com:9443/ws"),

		// Setting REDIS_ADDR or SQLITE_PATH to "" disables that store.
		RedisAddr:     lookupEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    lookupEnv("SQLITE_PATH", "data/signalwatch.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		VolumeMultiplier: getFloat("VOLUME_MULTIPLIER", def.VolumeMultiplier),
		TrendPeriod:      getInt("TREND_PERIOD", def.TrendPeriod),
		ConsecutiveBars:  getInt("CONSECUTIVE_BARS", def.ConsecutiveBars),
	}
}

// ParseSymbols splits Symbols into lower-case keys, skipping blanks and
// duplicates.
func (c *Config) ParseSymbols() []string {
	parts := strings.Split(c.Symbols, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ParseInterval validates the configured interval token.
func (c *Config) ParseInterval() (model.Interval, error) {
	iv, err := model.ParseInterval(strings.TrimSpace(c.Interval))
	if err != nil {
		return "", fmt.Errorf("[config] INTERVAL: %w", err)
	}
	return iv, nil
}

// Detector returns the validation thresholds, falling back to the defaults
// for non-positive values.
func (c *Config) Detector() signal.Config {
	cfg := signal.DefaultConfig()
	if c.VolumeMultiplier > 0 {
		cfg.VolumeMultiplier = c.VolumeMultiplier
	}
	if c.TrendPeriod > 0 {
		cfg.TrendPeriod = c.TrendPeriod
	}
	if c.ConsecutiveBars > 0 {
		cfg.ConsecutiveBars = c.ConsecutiveBars
	}
	return cfg
}

// TelegramEnabled reports whether both Telegram credentials are set.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

// lookupEnv is getEnv but an explicitly empty value is kept.
func lookupEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] skipping invalid %s value: %q", key, v)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] skipping invalid %s value: %q", key, v)
		return fallback
	}
	return f
}
