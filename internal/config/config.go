// Package config loads service configuration from a YAML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/tenantrules/internal/logger"
	"github.com/liamcoop/tenantrules/rules"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Rules    RulesConfig    `yaml:"rules"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutMs   int `yaml:"read_timeout_ms"`
	WriteTimeoutMs  int `yaml:"write_timeout_ms"`
	ShutdownTimeout int `yaml:"shutdown_timeout_seconds"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
	// TimeoutMs bounds each repository call. Negative disables the bound.
	TimeoutMs int `yaml:"timeout_ms"`
	// BusyTimeoutMs applies to the sqlite driver only.
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`
}

type CacheConfig struct {
	TTLSeconds    int    `yaml:"ttl_seconds"`
	SweepSchedule string `yaml:"sweep_schedule"`
}

type RulesConfig struct {
	DefaultRuleType      string `yaml:"default_rule_type"`
	DefaultConditionType string `yaml:"default_condition_type"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// SampleRate N writes one in N warnings and errors.
	SampleRate  int    `yaml:"sample_rate"`
	OTELEnabled bool   `yaml:"otel_enabled"`
	ServiceName string `yaml:"service_name"`
}

// Timeout returns the repository call bound.
func (d DatabaseConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// TTL returns the cache time-to-live.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// LoggerOptions converts the log section for logger.Setup. The level must
// already have passed Validate.
func (l LogConfig) LoggerOptions() logger.Options {
	level, _ := logger.ParseLevel(l.Level)
	return logger.Options{
		Level:       level,
		SampleRate:  l.SampleRate,
		OTEL:        l.OTELEnabled,
		ServiceName: l.ServiceName,
	}
}

// ParserConfig converts the rule defaults for the parser.
func (r RulesConfig) ParserConfig() rules.ParserConfig {
	return rules.ParserConfig{
		DefaultRuleType:      r.DefaultRuleType,
		DefaultConditionType: rules.ConditionType(strings.ToUpper(r.DefaultConditionType)),
	}
}

// Default returns a configuration that runs without any external service.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the configuration. A .env file in the working directory is
// loaded first if present. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return load(path)
}

func load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
		if c.Database.Driver == "" {
			c.Database.Driver = DriverPostgres
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("CACHE_TTL_SECONDS"); v != "" {
		ttl, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CACHE_TTL_SECONDS: %w", err)
		}
		c.Cache.TTLSeconds = ttl
	}
	if v := os.Getenv("CACHE_SWEEP_SCHEDULE"); v != "" {
		c.Cache.SweepSchedule = v
	}
	if v := os.Getenv("DEFAULT_RULE_TYPE"); v != "" {
		c.Rules.DefaultRuleType = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("ERROR_SAMPLE_RATE"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ERROR_SAMPLE_RATE: %w", err)
		}
		c.Log.SampleRate = rate
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OTEL_ENABLED: %w", err)
		}
		c.Log.OTELEnabled = enabled
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Log.ServiceName = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutMs == 0 {
		c.Server.ReadTimeoutMs = 15000
	}
	if c.Server.WriteTimeoutMs == 0 {
		c.Server.WriteTimeoutMs = 15000
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DriverMemory
	}
	if c.Database.TimeoutMs == 0 {
		c.Database.TimeoutMs = int(rules.DefaultRepositoryTimeout / time.Millisecond)
	}
	if c.Database.BusyTimeoutMs == 0 {
		c.Database.BusyTimeoutMs = 5000
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = int(rules.DefaultCacheTTL / time.Second)
	}
	defaults := rules.DefaultParserConfig()
	if c.Rules.DefaultRuleType == "" {
		c.Rules.DefaultRuleType = defaults.DefaultRuleType
	}
	if c.Rules.DefaultConditionType == "" {
		c.Rules.DefaultConditionType = string(defaults.DefaultConditionType)
	}
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	if c.Log.SampleRate == 0 {
		c.Log.SampleRate = 1
	}
	if c.Log.ServiceName == "" {
		c.Log.ServiceName = logger.DefaultServiceName
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("database.url is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be one of memory, postgres, sqlite", c.Database.Driver))
	}
	if c.Cache.TTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_seconds must not be negative"))
	}
	if c.Cache.SweepSchedule != "" {
		if err := rules.ValidateSchedule(c.Cache.SweepSchedule); err != nil {
			errs = append(errs, err)
		}
	}
	if !c.Rules.ParserConfig().DefaultConditionType.Valid() {
		errs = append(errs, fmt.Errorf("rules.default_condition_type %q must be AND or OR", c.Rules.DefaultConditionType))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.SampleRate < 1 {
		errs = append(errs, fmt.Errorf("log.sample_rate must be at least 1"))
	}
	return errors.Join(errs...)
}
