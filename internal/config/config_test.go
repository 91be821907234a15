package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/liamcoop/tenantrules/internal/logger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Database.Driver != DriverMemory {
		t.Errorf("Expected memory driver, got %s", cfg.Database.Driver)
	}
	if cfg.Cache.TTL() != 300*time.Second {
		t.Errorf("Expected 300s TTL, got %v", cfg.Cache.TTL())
	}
	if cfg.Database.Timeout() != 5*time.Second {
		t.Errorf("Expected 5s repository timeout, got %v", cfg.Database.Timeout())
	}
	if cfg.Rules.DefaultRuleType != "product_mapping" {
		t.Errorf("Expected default rule type product_mapping, got %s", cfg.Rules.DefaultRuleType)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: sqlite
  url: /tmp/rules.db
cache:
  ttl_seconds: 60
  sweep_schedule: "@every 5m"
rules:
  default_condition_type: or
`)
	t.Setenv("CACHE_TTL_SECONDS", "120")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.URL != "/tmp/rules.db" {
		t.Errorf("Unexpected database config: %+v", cfg.Database)
	}
	if cfg.Cache.TTLSeconds != 120 {
		t.Errorf("Expected env override TTL 120, got %d", cfg.Cache.TTLSeconds)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Log.Level)
	}
	if got := cfg.Rules.ParserConfig().DefaultConditionType; got != "OR" {
		t.Errorf("Expected OR default condition type, got %s", got)
	}
}

func TestLoad_DatabaseURLImpliesPostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/rules")

	cfg, err := load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.Driver != DriverPostgres {
		t.Errorf("Expected postgres driver, got %s", cfg.Database.Driver)
	}
}

func TestLoad_LogSettings(t *testing.T) {
	path := writeConfig(t, "log:\n  level: warn\n  sample_rate: 10\n")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_SERVICE_NAME", "pos-rules")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	opts := cfg.Log.LoggerOptions()
	if opts.Level != logger.LevelWarning || opts.SampleRate != 10 {
		t.Errorf("Unexpected level or sample rate: %+v", opts)
	}
	if !opts.OTEL || opts.ServiceName != "pos-rules" {
		t.Errorf("Expected OTEL export as pos-rules, got %+v", opts)
	}

	t.Setenv("OTEL_ENABLED", "maybe")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for a non-boolean OTEL_ENABLED")
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"missing url", func(c *Config) { c.Database.Driver = DriverPostgres }, "database.url"},
		{"negative ttl", func(c *Config) { c.Cache.TTLSeconds = -1 }, "ttl_seconds"},
		{"bad schedule", func(c *Config) { c.Cache.SweepSchedule = "every so often" }, "cron"},
		{"bad condition type", func(c *Config) { c.Rules.DefaultConditionType = "XOR" }, "AND or OR"},
		{"bad log level", func(c *Config) { c.Log.Level = "LOUD" }, "log level"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad sample rate", func(c *Config) { c.Log.SampleRate = -5 }, "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestLoader_ReloadNotifiesListeners(t *testing.T) {
	path := writeConfig(t, "cache:\n  ttl_seconds: 30\n")

	loader, err := NewLoader(path)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	if loader.Config().Cache.TTLSeconds != 30 {
		t.Fatalf("Expected TTL 30, got %d", loader.Config().Cache.TTLSeconds)
	}

	var seen atomic.Int64
	loader.OnChange(func(c *Config) { seen.Store(int64(c.Cache.TTLSeconds)) })

	if err := os.WriteFile(path, []byte("cache:\n  ttl_seconds: 90\n"), 0o600); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	if _, err := loader.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if seen.Load() != 90 {
		t.Errorf("Expected listener to see TTL 90, got %d", seen.Load())
	}
	if loader.Config().Cache.TTLSeconds != 90 {
		t.Errorf("Expected current TTL 90, got %d", loader.Config().Cache.TTLSeconds)
	}
}

func TestLoader_LogsThroughLoggerInstalledAfterCreation(t *testing.T) {
	path := writeConfig(t, "cache:\n  ttl_seconds: 30\n")

	loader, err := NewLoader(path)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	var buf bytes.Buffer
	prev := logger.GetLevel()
	t.Cleanup(func() { logger.Setup(context.Background(), logger.Options{Level: prev}) })
	if err := logger.Setup(context.Background(), logger.Options{Level: logger.LevelInfo, Output: &buf}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if _, err := loader.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !strings.Contains(buf.String(), "configuration reloaded") {
		t.Errorf("Expected reload to be logged by the configured logger, got %q", buf.String())
	}
}

func TestLoader_InvalidReloadKeepsPrevious(t *testing.T) {
	path := writeConfig(t, "cache:\n  ttl_seconds: 30\n")

	loader, err := NewLoader(path)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	if err := os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0o600); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}
	if _, err := loader.Reload(); err == nil {
		t.Fatal("Expected reload to fail for invalid driver")
	}
	if loader.Config().Cache.TTLSeconds != 30 {
		t.Errorf("Expected previous config to be kept, got TTL %d", loader.Config().Cache.TTLSeconds)
	}
}

func TestLoader_WatchPicksUpWrites(t *testing.T) {
	path := writeConfig(t, "cache:\n  ttl_seconds: 30\n")

	loader, err := NewLoader(path)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	changed := make(chan int, 4)
	loader.OnChange(func(c *Config) {
		select {
		case changed <- c.Cache.TTLSeconds:
		default:
		}
	})

	stop, err := loader.Watch()
	if err != nil {
		t.Fatalf("Failed to watch config: %v", err)
	}
	defer stop()

	if err := os.WriteFile(path, []byte("cache:\n  ttl_seconds: 45\n"), 0o600); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ttl := <-changed:
			if ttl == 45 {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for config reload")
		}
	}
}
