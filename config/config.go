// Package config loads suremq client configuration from TOML files with
// environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variables overriding file
// configuration, e.g. SUREMQ_BROKER_URL
const EnvPrefix = "SUREMQ_"

// Config holds all configuration for a suremq client
type Config struct {
	Broker   BrokerConfig   `koanf:"broker"`
	Retry    RetryConfig    `koanf:"retry"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Storage  StorageConfig  `koanf:"storage"`
	Delivery DeliveryConfig `koanf:"delivery"`
}

// BrokerConfig describes the broker session
type BrokerConfig struct {
	URL            string        `koanf:"url"`
	ClientID       string        `koanf:"client_id"`
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	KeepAlive      time.Duration `koanf:"keep_alive"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	CleanSession   bool          `koanf:"clean_session"`
}

// RetryConfig describes the reconnect backoff policy
type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	Jitter      bool          `koanf:"jitter"`
}

// BreakerConfig describes the connect circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout"`
}

// StorageConfig describes the outbound message store
type StorageConfig struct {
	// Driver is "sqlite" (durable) or "memory" (volatile)
	Driver string `koanf:"driver"`
	// Path is the SQLite database file, ignored for the memory driver
	Path string `koanf:"path"`
	// MaxRetries bounds per-message republish attempts
	MaxRetries int `koanf:"max_retries"`
	// Retention is how long terminal records are kept before purge
	Retention time.Duration `koanf:"retention"`
}

// DeliveryConfig describes tracking and sweep behavior
type DeliveryConfig struct {
	DedupTTL      time.Duration `koanf:"dedup_ttl"`
	DedupSize     int           `koanf:"dedup_size"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	DrainBatch    int           `koanf:"drain_batch"`
}

// Default returns the configuration used when a field is not set
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:            "tcp://localhost:1883",
			ClientID:       "suremq-client",
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 10,
			BaseDelay:   1 * time.Second,
			MaxDelay:    2 * time.Minute,
			Multiplier:  2.0,
			Jitter:      true,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			Path:       "suremq-outbound.db",
			MaxRetries: 5,
			Retention:  24 * time.Hour,
		},
		Delivery: DeliveryConfig{
			DedupTTL:      10 * time.Minute,
			DedupSize:     8192,
			SweepInterval: 5 * time.Second,
			DrainBatch:    100,
		},
	}
}

// Load reads configuration from the given TOML file (optional, pass ""
// to skip) and applies SUREMQ_* environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("config: failed to load %s: %w", path, err)
		}
	}

	// SUREMQ_BROKER_URL -> broker.url
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		return strings.Replace(s, "_", ".", 1)
	}), nil); err != nil {
		return nil, fmt.Errorf("config: failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the client cannot run with
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("config: broker.url is required")
	}
	if c.Broker.ClientID == "" {
		return fmt.Errorf("config: broker.client_id is required")
	}
	if c.Retry.MaxAttempts == 0 {
		return fmt.Errorf("config: retry.max_attempts must not be zero (use a negative value for unbounded retries)")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("config: retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("config: retry.max_delay must not be below retry.base_delay")
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("config: retry.multiplier must be at least 1.0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("config: breaker.failure_threshold must be positive")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: breaker.recovery_timeout must be positive")
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Storage.MaxRetries < 0 {
		return fmt.Errorf("config: storage.max_retries must not be negative")
	}
	if c.Delivery.SweepInterval <= 0 {
		return fmt.Errorf("config: delivery.sweep_interval must be positive")
	}
	return nil
}
