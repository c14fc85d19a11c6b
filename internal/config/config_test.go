package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	data := []byte(`
log:
  level: DEBUG
  format: text
work_queues:
  stale_after: 90s
scheduler:
  port: "9000"
  max_runs: 5
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Log.Level != "DEBUG" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.WorkQueues.StaleAfter != 90*time.Second {
		t.Errorf("stale_after = %v", cfg.WorkQueues.StaleAfter)
	}
	if cfg.Scheduler.Port != "9000" || cfg.Scheduler.MaxRuns != 5 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	// Незаданные поля сохраняют значения по умолчанию
	if cfg.Effects.MaxAttempts != Default().Effects.MaxAttempts {
		t.Errorf("effects.max_attempts = %d", cfg.Effects.MaxAttempts)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conductor.yaml")
	if err := os.WriteFile(path, []byte("api:\n  port: \"7000\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	t.Setenv("CONDUCTOR_CONFIG", path)
	t.Setenv("DB_URL", "postgresql://x@db/conductor")
	t.Setenv("SCHED_INTERVAL", "3s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.Port != "7000" {
		t.Errorf("api port = %s, want 7000", cfg.API.Port)
	}
	if cfg.Database.URL != "postgresql://x@db/conductor" {
		t.Errorf("db url = %s", cfg.Database.URL)
	}
	if cfg.Scheduler.Interval != 3*time.Second {
		t.Errorf("scheduler interval = %v", cfg.Scheduler.Interval)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_CONFIG", "")
	t.Setenv("SCHED_INTERVAL", "soon")

	if _, err := Load(); err == nil {
		t.Error("expected error for unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad level", func(c *Config) { c.Log.Level = "TRACE" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"no db", func(c *Config) { c.Database.URL = " " }},
		{"no retries", func(c *Config) { c.Orchestration.MaxCommitRetries = 0 }},
		{"zero stale", func(c *Config) { c.WorkQueues.StaleAfter = 0 }},
		{"zero max runs", func(c *Config) { c.Scheduler.MaxRuns = 0 }},
		{"zero tick interval", func(c *Config) { c.Scheduler.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
