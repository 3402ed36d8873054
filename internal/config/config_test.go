package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("YOUTUBE_API_KEY", "test-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10000, cfg.Quota.DailyBudget)
	assert.Equal(t, "America/Los_Angeles", cfg.Quota.Timezone)
	assert.Equal(t, 24*time.Hour, cfg.Cache.ChannelTTL)
	assert.Equal(t, 3, cfg.Queue.Concurrency["analysis"])
	assert.Equal(t, 5, cfg.Queue.Concurrency["notifications"])
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Queue.BackoffDelay)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention.FinishedJobs)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("YOUTUBE_API_KEY", "test-key")
	t.Setenv("QUOTA_DAILY_BUDGET", "500")
	t.Setenv("CACHE_SEARCH_TTL", "45m")
	t.Setenv("QUEUE_ANALYSIS_CONCURRENCY", "8")
	t.Setenv("QUEUE_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Quota.DailyBudget)
	assert.Equal(t, 45*time.Minute, cfg.Cache.SearchTTL)
	assert.Equal(t, 8, cfg.Queue.Concurrency["analysis"])
	assert.Equal(t, 1.5, cfg.Queue.BackoffMultiplier)
	assert.False(t, cfg.Redis.Enabled)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("YOUTUBE_API_KEY", "test-key")
	t.Setenv("SERVER_PORT", "eighty")
	t.Setenv("CACHE_VIDEO_TTL", "600")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 6*time.Hour, cfg.Cache.VideoTTL)
}

func TestValidate(t *testing.T) {
	t.Setenv("YOUTUBE_API_KEY", "test-key")
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing credentials", func(c *Config) { c.YouTube.APIKey = "" }},
		{"bad timezone", func(c *Config) { c.Quota.Timezone = "Mars/Olympus_Mons" }},
		{"negative budget", func(c *Config) { c.Quota.DailyBudget = -1 }},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"zero concurrency", func(c *Config) { c.Queue.Concurrency["batch"] = 0 }},
		{"zero fan-out", func(c *Config) { c.Pipeline.FanOut = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			cfg.Queue.Concurrency = make(map[string]int, len(base.Queue.Concurrency))
			for k, v := range base.Queue.Concurrency {
				cfg.Queue.Concurrency[k] = v
			}
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}
