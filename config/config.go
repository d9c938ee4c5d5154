// Package config provides configuration loading, validation and hot reload.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/metergate/app"
	"github.com/artpar/metergate/domain/tier"
	"github.com/artpar/metergate/domain/window"
)

// Config is the root configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Usage      UsageConfig      `yaml:"usage"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Tiers      []TierConfig     `yaml:"tiers"`
	Categories []CategoryConfig `yaml:"categories"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisConfig configures the shared counter store connection.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password,omitempty"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// DatabaseConfig configures the usage database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite"
	DSN    string `yaml:"dsn"`
}

// RateLimitConfig configures admission control.
type RateLimitConfig struct {
	Windows       []string      `yaml:"windows"`        // subset of minute/hour/day
	Grace         time.Duration `yaml:"grace"`          // counter ttl slack for clock skew
	StoreTimeout  time.Duration `yaml:"store_timeout"`  // bound on the store round trips per check
	FailurePolicy string        `yaml:"failure_policy"` // "open" or "closed"
}

// UsageConfig configures the asynchronous usage recorder.
type UsageConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Workers       int           `yaml:"workers"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	RetentionDays int           `yaml:"retention_days"`
}

// AggregatorConfig configures rollups.
type AggregatorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	BatchSize     int           `yaml:"batch_size"`
	FinalizeAfter time.Duration `yaml:"finalize_after"`
	RetentionDays int           `yaml:"retention_days"`
}

// TierConfig configures one subscription tier.
type TierConfig struct {
	Name           string  `yaml:"name"`
	LimitPerMinute int64   `yaml:"limit_per_minute"`
	LimitPerHour   int64   `yaml:"limit_per_hour"`
	LimitPerDay    int64   `yaml:"limit_per_day"` // -1 = unlimited
	RatePerRequest float64 `yaml:"rate_per_request"`
	RatePerCompute float64 `yaml:"rate_per_compute_unit"`
	RatePerToken   float64 `yaml:"rate_per_token"`
	RatePerByte    float64 `yaml:"rate_per_byte"`
	BaseFee        float64 `yaml:"base_fee"`
}

// CategoryConfig configures the cost function for one endpoint category.
type CategoryConfig struct {
	Name          string  `yaml:"name"`
	Weight        float64 `yaml:"weight"`
	CharsPerToken int     `yaml:"chars_per_token"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets METERGATE_* variables override file values, for
// container deployments.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("METERGATE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("METERGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("METERGATE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("METERGATE_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("METERGATE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("METERGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("METERGATE_FAILURE_POLICY"); v != "" {
		cfg.RateLimit.FailurePolicy = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Redis.DialTimeout == 0 {
		cfg.Redis.DialTimeout = 5 * time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "metergate.db"
	}
	if len(cfg.RateLimit.Windows) == 0 {
		cfg.RateLimit.Windows = []string{"minute", "hour", "day"}
	}
	if cfg.RateLimit.Grace == 0 {
		cfg.RateLimit.Grace = 5 * time.Second
	}
	if cfg.RateLimit.StoreTimeout == 0 {
		cfg.RateLimit.StoreTimeout = 50 * time.Millisecond
	}
	if cfg.RateLimit.FailurePolicy == "" {
		cfg.RateLimit.FailurePolicy = "open"
	}
	if cfg.Usage.QueueSize == 0 {
		cfg.Usage.QueueSize = 10000
	}
	if cfg.Usage.BatchSize == 0 {
		cfg.Usage.BatchSize = 100
	}
	if cfg.Usage.FlushInterval == 0 {
		cfg.Usage.FlushInterval = 5 * time.Second
	}
	if cfg.Usage.Workers == 0 {
		cfg.Usage.Workers = 2
	}
	if cfg.Usage.MaxRetries == 0 {
		cfg.Usage.MaxRetries = 3
	}
	if cfg.Usage.RetryBackoff == 0 {
		cfg.Usage.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.Usage.RetentionDays == 0 {
		cfg.Usage.RetentionDays = 90
	}
	if cfg.Aggregator.Interval == 0 {
		cfg.Aggregator.Interval = time.Hour
	}
	if cfg.Aggregator.BatchSize == 0 {
		cfg.Aggregator.BatchSize = 500
	}
	if cfg.Aggregator.FinalizeAfter == 0 {
		cfg.Aggregator.FinalizeAfter = 6 * time.Hour
	}
	if cfg.Aggregator.RetentionDays == 0 {
		cfg.Aggregator.RetentionDays = 365
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = defaultTiers()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func defaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "free", LimitPerMinute: 10, LimitPerHour: 100, LimitPerDay: 500},
		{Name: "basic", LimitPerMinute: 100, LimitPerHour: 2000, LimitPerDay: 10000,
			RatePerRequest: 0.001, RatePerCompute: 0.01, RatePerToken: 0.00001, RatePerByte: 0.00000001, BaseFee: 10},
		{Name: "pro", LimitPerMinute: 600, LimitPerHour: 20000, LimitPerDay: 100000,
			RatePerRequest: 0.0005, RatePerCompute: 0.005, RatePerToken: 0.000005, RatePerByte: 0.00000001, BaseFee: 50},
		{Name: "enterprise", LimitPerMinute: 5000, LimitPerHour: 100000, LimitPerDay: -1, BaseFee: 500},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Database.Driver != "sqlite" {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.RateLimit.FailurePolicy {
	case "open", "closed":
	default:
		return fmt.Errorf("failure_policy must be \"open\" or \"closed\", got %q", c.RateLimit.FailurePolicy)
	}
	for _, w := range c.RateLimit.Windows {
		if !window.Kind(w).Valid() {
			return fmt.Errorf("unknown rate limit window %q", w)
		}
	}
	if _, err := c.PolicySet(); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	return nil
}

// PolicySet builds the validated tier policy table from configuration.
func (c *Config) PolicySet() (*tier.PolicySet, error) {
	policies := make([]tier.Policy, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		policies = append(policies, tier.Policy{
			Tier:           tier.Tier(t.Name),
			LimitPerMinute: t.LimitPerMinute,
			LimitPerHour:   t.LimitPerHour,
			LimitPerDay:    t.LimitPerDay,
			Rates: tier.Rates{
				PerRequest:     t.RatePerRequest,
				PerComputeUnit: t.RatePerCompute,
				PerToken:       t.RatePerToken,
				PerByte:        t.RatePerByte,
				BaseFee:        t.BaseFee,
			},
		})
	}
	return tier.NewPolicySet(policies)
}

// Windows returns the configured window kinds.
func (c *Config) Windows() []window.Kind {
	kinds := make([]window.Kind, 0, len(c.RateLimit.Windows))
	for _, w := range c.RateLimit.Windows {
		kinds = append(kinds, window.Kind(w))
	}
	return kinds
}

// FailurePolicy returns the configured limiter failure policy.
func (c *Config) FailurePolicy() app.FailurePolicy {
	if c.RateLimit.FailurePolicy == "closed" {
		return app.FailClosed
	}
	return app.FailOpen
}

// CostTable builds the cost function table from configuration.
func (c *Config) CostTable() *app.CostTable {
	categories := make(map[string]app.CategoryCost, len(c.Categories))
	for _, cat := range c.Categories {
		categories[cat.Name] = app.CategoryCost{
			Weight:        cat.Weight,
			CharsPerToken: cat.CharsPerToken,
		}
	}
	return app.NewCostTable(categories)
}
