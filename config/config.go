// Package config loads feedd settings from defaults, an optional .env file
// and the process environment, in that order of precedence (lowest first).
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"feedsync/internal/model"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Feed       FeedConfig       `mapstructure:"feed"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Session    SessionConfig    `mapstructure:"session"`
	Profiling  ProfilingConfig  `mapstructure:"profiling"`
}

type AppConfig struct {
	Service     string `mapstructure:"service"`
	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	WSAddr      string `mapstructure:"ws_addr"`
}

// FeedConfig carries one receiver section per segment.
type FeedConfig struct {
	NSECM SegmentConfig `mapstructure:"nsecm"`
	NSEFO SegmentConfig `mapstructure:"nsefo"`
	BSECM SegmentConfig `mapstructure:"bsecm"`
	BSEFO SegmentConfig `mapstructure:"bsefo"`

	// UnknownTokenLogEvery rate-limits the stale contract master warning.
	UnknownTokenLogEvery time.Duration `mapstructure:"unknown_token_log_every"`
}

// SegmentConfig describes the multicast group one segment is received on.
type SegmentConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Group      string `mapstructure:"group"`
	Port       int    `mapstructure:"port"`
	Interface  string `mapstructure:"interface"`
	ReadBuffer int    `mapstructure:"read_buffer"`
}

// Addr is the group:port the receiver binds.
func (s SegmentConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Group, s.Port) }

// Segment returns the section for seg.
func (f FeedConfig) Segment(seg model.Segment) SegmentConfig {
	switch seg {
	case model.NSECM:
		return f.NSECM
	case model.NSEFO:
		return f.NSEFO
	case model.BSECM:
		return f.BSECM
	case model.BSEFO:
		return f.BSEFO
	}
	return SegmentConfig{}
}

// Enabled lists the segments with a receiver turned on, in startup order.
func (f FeedConfig) Enabled() []model.Segment {
	var out []model.Segment
	for _, seg := range model.Segments {
		if f.Segment(seg).Enabled {
			out = append(out, seg)
		}
	}
	return out
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`

	// ReloadInterval is how often the contract master is checked for a
	// replacement; 0 disables runtime reloads.
	ReloadInterval time.Duration `mapstructure:"reload_interval"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	QueueSize int    `mapstructure:"queue_size"`
}

type KafkaConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Brokers    []string `mapstructure:"brokers"`
	Topic      string   `mapstructure:"topic"`
	Categories []string `mapstructure:"categories"`
	RingSize   int      `mapstructure:"ring_size"`
}

type CheckpointConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Dir      string        `mapstructure:"dir"`
	Interval time.Duration `mapstructure:"interval"`
}

// SessionConfig controls the daily cache reset at pre-open.
type SessionConfig struct {
	ResetEnabled bool     `mapstructure:"reset_enabled"`
	Holidays     []string `mapstructure:"holidays"` // extra holidays, 2006-01-02
}

type ProfilingConfig struct {
	ServerAddress string `mapstructure:"server_address"`
}

var baseKeys = []string{
	"app.service", "app.log_level", "app.metrics_addr", "app.ws_addr",
	"feed.unknown_token_log_every",
	"sqlite.path", "sqlite.reload_interval",
	"redis.enabled", "redis.addr", "redis.password", "redis.db", "redis.queue_size",
	"kafka.enabled", "kafka.brokers", "kafka.topic", "kafka.categories", "kafka.ring_size",
	"checkpoint.enabled", "checkpoint.dir", "checkpoint.interval",
	"session.reset_enabled", "session.holidays",
	"profiling.server_address",
}

var segmentDefaults = map[string]struct {
	group string
	port  int
}{
	"nsecm": {"233.1.2.5", 34330},
	"nsefo": {"233.1.2.6", 34331},
	"bsecm": {"227.0.0.21", 12996},
	"bsefo": {"227.0.0.22", 12997},
}

// Load reads configuration. A missing .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] no .env file, using process environment")
	}
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetDefault("app.service", "feedd")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.metrics_addr", ":9090")
	v.SetDefault("app.ws_addr", ":8080")

	v.SetDefault("feed.unknown_token_log_every", 10*time.Second)
	keys := append([]string(nil), baseKeys...)
	for name, d := range segmentDefaults {
		v.SetDefault("feed."+name+".enabled", true)
		v.SetDefault("feed."+name+".group", d.group)
		v.SetDefault("feed."+name+".port", d.port)
		v.SetDefault("feed."+name+".interface", "")
		v.SetDefault("feed."+name+".read_buffer", 4<<20)
		keys = append(keys,
			"feed."+name+".enabled", "feed."+name+".group", "feed."+name+".port",
			"feed."+name+".interface", "feed."+name+".read_buffer")
	}

	v.SetDefault("sqlite.path", "data/contracts.db")
	v.SetDefault("sqlite.reload_interval", 30*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.queue_size", 65536)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "md.depth")
	v.SetDefault("kafka.categories", []string{"depth"})
	v.SetDefault("kafka.ring_size", 16384)

	v.SetDefault("checkpoint.enabled", false)
	v.SetDefault("checkpoint.dir", "data/checkpoint")
	v.SetDefault("checkpoint.interval", 30*time.Second)

	v.SetDefault("session.reset_enabled", true)
	v.SetDefault("session.holidays", []string{})

	v.SetDefault("profiling.server_address", "")

	// "feed.nsefo.group" -> FEED_NSEFO_GROUP
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	for _, seg := range model.Segments {
		s := c.Feed.Segment(seg)
		if !s.Enabled {
			continue
		}
		if s.Group == "" || s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("config: %s feed needs a multicast group and port, got %q:%d", seg, s.Group, s.Port)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka enabled without brokers")
	}
	if c.Kafka.Enabled && (c.Kafka.RingSize <= 0 || c.Kafka.RingSize&(c.Kafka.RingSize-1) != 0) {
		return fmt.Errorf("config: kafka ring_size must be a power of two, got %d", c.Kafka.RingSize)
	}
	for _, name := range c.Kafka.Categories {
		if _, err := model.ParseCategory(name); err != nil {
			return fmt.Errorf("config: kafka categories: %w", err)
		}
	}
	ports := make(map[int]model.Segment, len(model.Segments))
	for _, seg := range c.Feed.Enabled() {
		p := c.Feed.Segment(seg).Port
		if other, dup := ports[p]; dup {
			return fmt.Errorf("config: %s and %s feeds share port %d", other, seg, p)
		}
		ports[p] = seg
	}
	for _, d := range c.Session.Holidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("config: session holiday %q: %w", d, err)
		}
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Interval <= 0 {
		return fmt.Errorf("config: checkpoint interval must be positive")
	}
	return nil
}
