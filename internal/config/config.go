// Package config loads and validates rank engine configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/JakeFAU/rank-tracker/internal/logging"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   logging.Config  `mapstructure:"logging"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// JobsConfig governs job processing and reaping.
type JobsConfig struct {
	PendingTimeout    time.Duration `mapstructure:"pending_timeout"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout"`
	BackfillMonths    int           `mapstructure:"backfill_months"`
	// GapFill enables estimated placeholders for history dates without data.
	GapFill        bool   `mapstructure:"gap_fill"`
	SnapshotPrefix string `mapstructure:"snapshot_prefix"`
}

// ProviderConfig configures the rank provider client. With no login or
// password the engine runs in simulation mode.
type ProviderConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Login              string        `mapstructure:"login"`
	Password           string        `mapstructure:"password"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RPS                float64       `mapstructure:"rps"`
	Burst              int           `mapstructure:"burst"`
	MaxTasksPerRequest int           `mapstructure:"max_tasks_per_request"`
	Depth              int           `mapstructure:"depth"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Simulated reports whether provider credentials are absent.
func (p ProviderConfig) Simulated() bool {
	return p.Login == "" || p.Password == ""
}

// SchedulerConfig holds the cron specs for periodic triggers.
type SchedulerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DailySpec  string `mapstructure:"daily"`
	WeeklySpec string `mapstructure:"weekly"`
	ReapSpec   string `mapstructure:"reap"`
}

// DatabaseConfig controls Postgres access. An empty DSN selects the
// in-memory stores.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig configures the keyword metrics cache. An empty Addr disables it.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	MetricsTTL time.Duration `mapstructure:"metrics_ttl"`
}

// Storage backends.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// StorageConfig selects where SERP snapshots are archived.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	LocalDir string `mapstructure:"local_dir"`
}

// PubSubConfig holds the job notification target. An empty ProjectID keeps
// notifications in memory.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	LogEvents      bool          `mapstructure:"log_events"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("jobs.pending_timeout", 5*time.Minute)
	v.SetDefault("jobs.processing_timeout", 15*time.Minute)
	v.SetDefault("jobs.backfill_months", 6)
	v.SetDefault("jobs.gap_fill", true)
	v.SetDefault("jobs.snapshot_prefix", "snapshots")
	v.SetDefault("provider.base_url", "https://api.dataforseo.com")
	v.SetDefault("provider.login", "")
	v.SetDefault("provider.password", "")
	v.SetDefault("provider.timeout", 60*time.Second)
	v.SetDefault("provider.rps", 2.0)
	v.SetDefault("provider.burst", 2)
	v.SetDefault("provider.max_tasks_per_request", 100)
	v.SetDefault("provider.depth", 100)
	v.SetDefault("provider.max_retries", 2)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.daily", "0 3 * * *")
	v.SetDefault("scheduler.weekly", "0 4 * * 1")
	v.SetDefault("scheduler.reap", "@every 5m")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate_on_start", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.metrics_ttl", 7*24*time.Hour)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.local_dir", "./data/snapshots")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "rank-job-events")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait", time.Second)
	v.SetDefault("progress.log_events", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Jobs.PendingTimeout <= 0 || c.Jobs.ProcessingTimeout <= 0 {
		errs = append(errs, errors.New("jobs timeouts must be > 0"))
	}
	if c.Jobs.BackfillMonths < 0 {
		errs = append(errs, errors.New("jobs.backfill_months must be >= 0"))
	}
	if c.Provider.RPS <= 0 {
		errs = append(errs, errors.New("provider.rps must be > 0"))
	}
	if c.Provider.MaxTasksPerRequest <= 0 || c.Provider.MaxTasksPerRequest > 100 {
		errs = append(errs, errors.New("provider.max_tasks_per_request must be in 1..100"))
	}
	if c.Provider.MaxRetries < 0 {
		errs = append(errs, errors.New("provider.max_retries must be >= 0"))
	}
	if c.Scheduler.Enabled {
		for name, spec := range map[string]string{
			"scheduler.daily":  c.Scheduler.DailySpec,
			"scheduler.weekly": c.Scheduler.WeeklySpec,
			"scheduler.reap":   c.Scheduler.ReapSpec,
		} {
			if spec == "" {
				continue
			}
			if _, err := cron.ParseStandard(spec); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for the local backend"))
		}
	case StorageGCS:
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of none, memory, local, gcs", c.Storage.Backend))
	}
	if c.PubSub.ProjectID != "" && c.PubSub.Topic == "" {
		errs = append(errs, errors.New("pubsub.topic is required when pubsub.project_id is set"))
	}
	return errors.Join(errs...)
}
