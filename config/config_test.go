package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsync/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "feedd", cfg.App.Service)
	assert.Equal(t, ":9090", cfg.App.MetricsAddr)
	assert.Equal(t, "233.1.2.6:34331", cfg.Feed.Segment(model.NSEFO).Addr())
	assert.Equal(t, []model.Segment{model.NSECM, model.NSEFO, model.BSECM, model.BSEFO}, cfg.Feed.Enabled())
	assert.Equal(t, 30*time.Second, cfg.Checkpoint.Interval)
	assert.Equal(t, []string{"depth"}, cfg.Kafka.Categories)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.Session.ResetEnabled)
	assert.Empty(t, cfg.Session.Holidays)
	assert.Equal(t, 30*time.Second, cfg.SQLite.ReloadInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FEED_BSEFO_ENABLED", "false")
	t.Setenv("FEED_NSECM_GROUP", "239.9.9.9")
	t.Setenv("FEED_NSECM_PORT", "40000")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CHECKPOINT_INTERVAL", "5s")
	t.Setenv("SQLITE_RELOAD_INTERVAL", "0s")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "239.9.9.9:40000", cfg.Feed.NSECM.Addr())
	assert.Equal(t, []model.Segment{model.NSECM, model.NSEFO, model.BSECM}, cfg.Feed.Enabled())
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 5*time.Second, cfg.Checkpoint.Interval)
	assert.Zero(t, cfg.SQLite.ReloadInterval)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := load(viper.New())
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Feed.NSEFO.Port = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Kafka.Enabled = true
	cfg.Kafka.RingSize = 1000
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Kafka.Categories = []string{"orders"}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Feed.BSEFO.Port = cfg.Feed.BSECM.Port
	assert.Error(t, cfg.Validate(), "two receivers on one port")

	cfg = base()
	cfg.Session.Holidays = []string{"2026-13-01"}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Feed.NSEFO.Enabled = false
	cfg.Feed.NSEFO.Port = 0
	assert.NoError(t, cfg.Validate())
}
