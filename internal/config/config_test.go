package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv_Defaults(t *testing.T) {
	t.Setenv("ENV", "production")

	cfg, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "queue", cfg.QueuePrefix)
	assert.Equal(t, 5, cfg.MaxConcurrentJobs)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryBase())
	assert.Equal(t, time.Hour, cfg.MaxRetryDelay())
	assert.Equal(t, time.Minute, cfg.BreakerRequeueDelay())
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout())
	assert.Equal(t, 200*time.Millisecond, cfg.HandlerRetryInitial())
	assert.Equal(t, 2*time.Second, cfg.HandlerRetryMax())
	assert.Equal(t, 7*24*time.Hour, cfg.StatusTTL())
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("MAX_CONCURRENT_JOBS", "12")
	t.Setenv("POLL_INTERVAL_SECONDS", "0.25")
	t.Setenv("BREAKER_MIN_REQUESTS", "4")

	cfg, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, 12, cfg.MaxConcurrentJobs)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, uint32(4), cfg.BreakerMinRequests)
}

func TestLoadEnv_InvalidValue(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("MAX_CONCURRENT_JOBS", "many")

	_, err := LoadEnv()
	assert.Error(t, err)
}
