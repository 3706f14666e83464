// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("TASKQUEUE_LIFECYCLE_MAX_TASK_ATTEMPTS")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Lifecycle.MaxTaskAttempts != 3 {
		t.Fatalf("expected default max_task_attempts 3, got %d", cfg.Lifecycle.MaxTaskAttempts)
	}
	if cfg.Database.DSN == "" {
		t.Fatalf("expected default database dsn")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Database.Driver = "mysql"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}

	cfg = defaultConfig()
	cfg.Lifecycle.MaxTaskAttempts = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_task_attempts < 1")
	}

	cfg = defaultConfig()
	cfg.RateLimit.RequestsPerSecond = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for rate_limit.requests_per_second <= 0")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 70000
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for out-of-range metrics_port")
	}
}
