// Package config loads and validates crawlqueue configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Index     IndexConfig     `mapstructure:"index"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StoreConfig selects and configures the work item store.
type StoreConfig struct {
	Backend     string         `mapstructure:"backend"`
	AutoMigrate bool           `mapstructure:"auto_migrate"`
	SQLite      SQLiteConfig   `mapstructure:"sqlite"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig points at the sqlite database file.
type SQLiteConfig struct {
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// SchedulerConfig governs leases, retries and admission defaults.
type SchedulerConfig struct {
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	SweepSchedule   string        `mapstructure:"sweep_schedule"`
	SweepBatchSize  int           `mapstructure:"sweep_batch_size"`
	MaxRetries      int           `mapstructure:"max_retries"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	BackoffJitter   bool          `mapstructure:"backoff_jitter"`
	DefaultPriority int           `mapstructure:"default_priority"`
	ReenqueueFailed bool          `mapstructure:"reenqueue_failed"`
}

// WorkerConfig configures the reusable worker runtime.
type WorkerConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	Kind        string `mapstructure:"kind"`
	// ServerURL points workers at a remote server; empty runs them against
	// the local store.
	ServerURL         string        `mapstructure:"server_url"`
	PermanentExitCode int           `mapstructure:"permanent_exit_code"`
	ClaimRPS          float64       `mapstructure:"claim_rps"`
	ClaimBurst        int           `mapstructure:"claim_burst"`
	IdleBackoff       time.Duration `mapstructure:"idle_backoff"`
	MaxIdleBackoff    time.Duration `mapstructure:"max_idle_backoff"`
	HandlerTimeout    time.Duration `mapstructure:"handler_timeout"`
}

// IndexConfig enables the Redis url index.
type IndexConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogEvents      bool          `mapstructure:"log_events"`
	Audit          bool          `mapstructure:"audit"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// LoadEnvFile exports the variables in a dotenv file. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLQUEUE")
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
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.auto_migrate", true)
	v.SetDefault("store.sqlite.path", "crawlqueue.db")
	v.SetDefault("store.sqlite.busy_timeout", "5s")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")
	v.SetDefault("scheduler.lease_duration", "10m")
	v.SetDefault("scheduler.sweep_schedule", "@every 30s")
	v.SetDefault("scheduler.sweep_batch_size", 100)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.backoff_base", "0s")
	v.SetDefault("scheduler.backoff_max", "5m")
	v.SetDefault("scheduler.backoff_jitter", false)
	v.SetDefault("scheduler.default_priority", 1)
	v.SetDefault("scheduler.reenqueue_failed", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.kind", "listing")
	v.SetDefault("worker.server_url", "")
	v.SetDefault("worker.permanent_exit_code", 2)
	v.SetDefault("worker.claim_rps", 0)
	v.SetDefault("worker.claim_burst", 1)
	v.SetDefault("worker.idle_backoff", "1s")
	v.SetDefault("worker.max_idle_backoff", "30s")
	v.SetDefault("worker.handler_timeout", "5m")
	v.SetDefault("index.enabled", false)
	v.SetDefault("index.address", "localhost:6379")
	v.SetDefault("index.password", "")
	v.SetDefault("index.db", 0)
	v.SetDefault("index.ttl", "24h")
	v.SetDefault("progress.buffer_size", 2048)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.log_events", true)
	v.SetDefault("progress.audit", true)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("telemetry.service_name", "crawlqueue")
	v.SetDefault("telemetry.sample_ratio", 0.1)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path must be set for the sqlite backend")
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, sqlite, postgres (got %q)", c.Store.Backend)
	}
	if c.Scheduler.LeaseDuration <= 0 {
		return fmt.Errorf("scheduler.lease_duration must be > 0")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Scheduler.BackoffBase < 0 || c.Scheduler.BackoffMax < 0 {
		return fmt.Errorf("scheduler.backoff_base and scheduler.backoff_max must be >= 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if _, err := queue.ParseKind(c.Worker.Kind); err != nil {
		return fmt.Errorf("worker.kind: %w", err)
	}
	if c.Index.Enabled && c.Index.Address == "" {
		return fmt.Errorf("index.address must be set when the index is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
