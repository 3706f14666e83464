// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database holds connection settings for the storage adapter.
type Database struct {
	Driver          string        `mapstructure:"driver"` // "postgres" or "sqlite3"
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Lifecycle holds the task-lifecycle tunables from spec.md §6.
type Lifecycle struct {
	ClaimTimeout       time.Duration `mapstructure:"claim_timeout"`
	MaxTaskAttempts    int           `mapstructure:"max_task_attempts"`
	MaxRequestSize     int64         `mapstructure:"max_request_size"`
	HistoryEnabled     bool          `mapstructure:"history_enabled"`
	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	DeadlockMaxRetries int           `mapstructure:"deadlock_max_retries"`
}

// Server holds HTTP listener tunables.
type Server struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequestDeadline time.Duration `mapstructure:"request_deadline"`
}

// Auth holds the fixed-key API auth and the admin-surface JWT secret.
type Auth struct {
	APIKey    string `mapstructure:"api_key"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// RateLimit configures the token-bucket limiter applied per API key.
type RateLimit struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Audit configures the rotating audit log.
type Audit struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// CircuitBreaker gates retries against a misbehaving storage backend.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// ReclaimSweep configures the periodic ReclaimExpired cron job.
type ReclaimSweep struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"` // robfig/cron spec
}

type Observability struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	LogLevel    string `mapstructure:"log_level"`
}

type Config struct {
	Database       Database       `mapstructure:"database"`
	Server         Server         `mapstructure:"server"`
	Lifecycle      Lifecycle      `mapstructure:"lifecycle"`
	Auth           Auth           `mapstructure:"auth"`
	RateLimit      RateLimit      `mapstructure:"rate_limit"`
	Audit          Audit          `mapstructure:"audit"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	ReclaimSweep   ReclaimSweep   `mapstructure:"reclaim_sweep"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Database: Database{
			Driver:          "postgres",
			DSN:             "postgres://localhost:5432/taskqueue?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			RequestDeadline: 30 * time.Second,
		},
		Lifecycle: Lifecycle{
			ClaimTimeout:       300 * time.Second,
			MaxTaskAttempts:    3,
			MaxRequestSize:     1 << 20,
			HistoryEnabled:     true,
			SlowQueryThreshold: 100 * time.Millisecond,
			DeadlockMaxRetries: 2,
		},
		Auth: Auth{},
		RateLimit: RateLimit{
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Audit: Audit{
			Path:       "./data/audit.log",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		ReclaimSweep: ReclaimSweep{
			Enabled:  true,
			Schedule: "@every 30s",
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads configuration from a YAML file, applying env-var overrides
// under the TASKQUEUE_ prefix.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TASKQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("database.driver", def.Database.Driver)
	v.SetDefault("database.dsn", def.Database.DSN)
	v.SetDefault("database.max_open_conns", def.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", def.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", def.Database.ConnMaxLifetime)

	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("server.request_deadline", def.Server.RequestDeadline)

	v.SetDefault("lifecycle.claim_timeout", def.Lifecycle.ClaimTimeout)
	v.SetDefault("lifecycle.max_task_attempts", def.Lifecycle.MaxTaskAttempts)
	v.SetDefault("lifecycle.max_request_size", def.Lifecycle.MaxRequestSize)
	v.SetDefault("lifecycle.history_enabled", def.Lifecycle.HistoryEnabled)
	v.SetDefault("lifecycle.slow_query_threshold", def.Lifecycle.SlowQueryThreshold)
	v.SetDefault("lifecycle.deadlock_max_retries", def.Lifecycle.DeadlockMaxRetries)

	v.SetDefault("auth.api_key", def.Auth.APIKey)
	v.SetDefault("auth.jwt_secret", def.Auth.JWTSecret)

	v.SetDefault("rate_limit.requests_per_second", def.RateLimit.RequestsPerSecond)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)

	v.SetDefault("audit.path", def.Audit.Path)
	v.SetDefault("audit.max_size_mb", def.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", def.Audit.MaxBackups)
	v.SetDefault("audit.max_age_days", def.Audit.MaxAgeDays)
	v.SetDefault("audit.compress", def.Audit.Compress)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("reclaim_sweep.enabled", def.ReclaimSweep.Enabled)
	v.SetDefault("reclaim_sweep.schedule", def.ReclaimSweep.Schedule)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants the zero value can't express.
func Validate(cfg *Config) error {
	if cfg.Database.Driver != "postgres" && cfg.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be postgres or sqlite3, got %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	if cfg.Lifecycle.ClaimTimeout <= 0 {
		return fmt.Errorf("lifecycle.claim_timeout must be > 0")
	}
	if cfg.Lifecycle.MaxTaskAttempts < 1 {
		return fmt.Errorf("lifecycle.max_task_attempts must be >= 1")
	}
	if cfg.Lifecycle.MaxRequestSize <= 0 {
		return fmt.Errorf("lifecycle.max_request_size must be > 0")
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.CircuitBreaker.MinSamples < 1 {
		return fmt.Errorf("circuit_breaker.min_samples must be >= 1")
	}
	return nil
}
