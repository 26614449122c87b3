// Package config loads task-sync configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the sync server
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Bus      BusConfig      `mapstructure:"bus"`
	Notify   NotifyConfig   `mapstructure:"notify"`
}

// ServerConfig contains process-level settings
type ServerConfig struct {
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains the Postgres connection settings
type DatabaseConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig contains the idempotency cache settings
type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Address    string        `mapstructure:"address"`
	Password   string        `mapstructure:"password"`
	Database   int           `mapstructure:"database"`
	OutcomeTTL time.Duration `mapstructure:"outcome_ttl"`
}

// BusConfig contains event bus settings
type BusConfig struct {
	QueueSize           int           `mapstructure:"queue_size"`
	AckTimeout          time.Duration `mapstructure:"ack_timeout"`
	MaxDeliveryAttempts int           `mapstructure:"max_delivery_attempts"`
	RedeliveryDelay     time.Duration `mapstructure:"redelivery_delay"`
}

// NotifyConfig contains notification dispatcher settings
type NotifyConfig struct {
	RateWindow        time.Duration `mapstructure:"rate_window"`
	RateMaxCount      int           `mapstructure:"rate_max_count"`
	AggregationWindow time.Duration `mapstructure:"aggregation_window"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

// Load reads configuration from the given file, if any, applying
// TASKSYNC_-prefixed environment overrides on top.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.outcome_ttl", 24*time.Hour)
	v.SetDefault("bus.queue_size", 256)
	v.SetDefault("bus.ack_timeout", 5*time.Second)
	v.SetDefault("bus.max_delivery_attempts", 3)
	v.SetDefault("bus.redelivery_delay", 100*time.Millisecond)
	v.SetDefault("notify.rate_window", time.Minute)
	v.SetDefault("notify.rate_max_count", 30)
	v.SetDefault("notify.aggregation_window", 30*time.Second)
	v.SetDefault("notify.max_attempts", 4)

	v.SetEnvPrefix("TASKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
