package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalwatch/internal/model"
	"signalwatch/internal/signal"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"SYMBOLS", "INTERVAL", "MAX_BARS", "VOLUME_MULTIPLIER", "TREND_PERIOD", "CONSECUTIVE_BARS"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	assert.Equal(t, []string{"btc", "eth", "sol"}, cfg.ParseSymbols())
	iv, err := cfg.ParseInterval()
	require.NoError(t, err)
	assert.Equal(t, model.Interval1h, iv)
	assert.Equal(t, 500, cfg.MaxBars)
	assert.Equal(t, signal.DefaultConfig(), cfg.Detector())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SYMBOLS", " BTC, eth ,,btc,Doge ")
	t.Setenv("INTERVAL", "15m")
	t.Setenv("MAX_BARS", "300")
	t.Setenv("VOLUME_MULTIPLIER", "2.5")
	t.Setenv("TREND_PERIOD", "notanumber")
	t.Setenv("CONSECUTIVE_BARS", "4")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "token")
	t.Setenv("TELEGRAM_CHAT_ID", "")

	cfg := Load()
	assert.Equal(t, []string{"btc", "eth", "doge"}, cfg.ParseSymbols())
	iv, err := cfg.ParseInterval()
	require.NoError(t, err)
	assert.Equal(t, model.Interval15m, iv)
	assert.Equal(t, 300, cfg.MaxBars)
	assert.Empty(t, cfg.RedisAddr, "explicit empty disables redis")
	assert.False(t, cfg.TelegramEnabled())

	det := cfg.Detector()
	assert.Equal(t, 2.5, det.VolumeMultiplier)
	assert.Equal(t, signal.DefaultConfig().TrendPeriod, det.TrendPeriod)
	assert.Equal(t, 4, det.ConsecutiveBars)
}

func TestParseInterval_Unknown(t *testing.T) {
	cfg := &Config{Interval: "2h"}
	_, err := cfg.ParseInterval()
	assert.ErrorIs(t, err, model.ErrUnknownInterval)
}
