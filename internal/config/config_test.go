package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 10, cfg.MaxConcurrentJobs)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 10*time.Minute, cfg.SweepMaxProcessingAge)
	assert.Equal(t, "indexnode.events.indexed", cfg.EventTopic)
	assert.False(t, cfg.FirehoseEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("MAX_CONCURRENT_JOBS", "3")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, 3, cfg.MaxConcurrentJobs)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.FirehoseEnabled())
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "not-a-duration")
	_, err := Load()
	assert.Error(t, err)
}
