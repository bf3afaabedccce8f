// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package config defines the runtime configuration surface and loads it from
// defaults, an optional YAML file, and MCP_CORE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/iteasy-ops-dev/automation-system-v3.1-sub002/pkg/model"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// MCP_CORE_MAX_CONNECTIONS=10.
const EnvPrefix = "MCP_CORE"

// StorageKind selects the persistence backend.
type StorageKind string

// Supported storage backends.
const (
	StorageMemory   StorageKind = "memory"
	StorageSQLite   StorageKind = "sqlite"
	StoragePostgres StorageKind = "postgres"
)

// BusKind selects the event bus backend behind the event sink.
type BusKind string

// Supported bus backends.
const (
	BusMemory BusKind = "memory"
	BusKafka  BusKind = "kafka"
	BusRedis  BusKind = "redis"
	BusNATS   BusKind = "nats"
)

// Config holds every tunable of the integration core. Durations are stored
// as time.Duration; the external surface (file keys, env vars) uses
// milliseconds.
type Config struct {
	// Pool and transport behaviour.
	MaxConnections     int
	ConnectionTimeout  time.Duration
	RequestTimeout     time.Duration
	RequestTimeoutMax  time.Duration
	HealthInterval     time.Duration
	DiscoveryInterval  time.Duration
	IdleEvict          time.Duration
	MaxRetries         int
	RetryDelay         time.Duration
	ExecutionStuck     time.Duration
	ExecutionRetention time.Duration
	EventSinkBuffer    int

	// Engine worker pool.
	MaxWorkers   int
	MaxQueueSize int

	// Storage backend.
	Storage     StorageKind
	SQLitePath  string
	PostgresDSN string

	// Event bus backend.
	Bus          BusKind
	KafkaBrokers []string
	KafkaPrefix  string
	KafkaGroup   string
	RedisAddr    string
	RedisDB      int
	NATSURL      string

	// Observability.
	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("max-connections", 50)
	v.SetDefault("connection-timeout-ms", 30_000)
	v.SetDefault("request-timeout-ms", 30_000)
	v.SetDefault("request-timeout-max-ms", 600_000)
	v.SetDefault("health-interval-ms", 60_000)
	v.SetDefault("discovery-interval-ms", 900_000)
	v.SetDefault("idle-evict-ms", 1_800_000)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-delay-ms", 1_000)
	v.SetDefault("execution-stuck-ms", 300_000)
	v.SetDefault("execution-retention-ms", 2_592_000_000) // 30 days
	v.SetDefault("event-sink-buffer", 1024)
	v.SetDefault("max-workers", 64)
	v.SetDefault("max-queue-size", 1024)
	v.SetDefault("storage", string(StorageMemory))
	v.SetDefault("sqlite-path", "mcp-core.db")
	v.SetDefault("postgres-dsn", "")
	v.SetDefault("bus", string(BusMemory))
	v.SetDefault("kafka-brokers", []string{"localhost:9092"})
	v.SetDefault("kafka-prefix", "mcp-core.")
	v.SetDefault("kafka-group", "")
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("redis-db", 0)
	v.SetDefault("nats-url", "nats://localhost:4222")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-format", "text")
	v.SetDefault("metrics-listen-address", "")
}

// Load builds a Config from defaults, the optional config file at path (YAML),
// and MCP_CORE_* environment variables. Environment variables use upper snake
// case: max-connections becomes MCP_CORE_MAX_CONNECTIONS.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration, ignoring files and the
// environment. Used by tests and as a base when embedding the core.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		MaxConnections:     v.GetInt("max-connections"),
		ConnectionTimeout:  time.Duration(v.GetInt64("connection-timeout-ms")) * time.Millisecond,
		RequestTimeout:     time.Duration(v.GetInt64("request-timeout-ms")) * time.Millisecond,
		RequestTimeoutMax:  time.Duration(v.GetInt64("request-timeout-max-ms")) * time.Millisecond,
		HealthInterval:     time.Duration(v.GetInt64("health-interval-ms")) * time.Millisecond,
		DiscoveryInterval:  time.Duration(v.GetInt64("discovery-interval-ms")) * time.Millisecond,
		IdleEvict:          time.Duration(v.GetInt64("idle-evict-ms")) * time.Millisecond,
		MaxRetries:         v.GetInt("max-retries"),
		RetryDelay:         time.Duration(v.GetInt64("retry-delay-ms")) * time.Millisecond,
		ExecutionStuck:     time.Duration(v.GetInt64("execution-stuck-ms")) * time.Millisecond,
		ExecutionRetention: time.Duration(v.GetInt64("execution-retention-ms")) * time.Millisecond,
		EventSinkBuffer:    v.GetInt("event-sink-buffer"),
		MaxWorkers:         v.GetInt("max-workers"),
		MaxQueueSize:       v.GetInt("max-queue-size"),
		Storage:            StorageKind(v.GetString("storage")),
		SQLitePath:         v.GetString("sqlite-path"),
		PostgresDSN:        v.GetString("postgres-dsn"),
		Bus:                BusKind(v.GetString("bus")),
		KafkaBrokers:       v.GetStringSlice("kafka-brokers"),
		KafkaPrefix:        v.GetString("kafka-prefix"),
		KafkaGroup:         v.GetString("kafka-group"),
		RedisAddr:          v.GetString("redis-addr"),
		RedisDB:            v.GetInt("redis-db"),
		NATSURL:            v.GetString("nats-url"),
		LogLevel:           v.GetString("log-level"),
		LogFormat:          v.GetString("log-format"),
		MetricsAddr:        v.GetString("metrics-listen-address"),
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.MaxConnections <= 0 {
		return model.Validationf("max-connections must be positive, got %d", c.MaxConnections)
	}
	if c.ConnectionTimeout <= 0 {
		return model.Validationf("connection-timeout-ms must be positive")
	}
	if c.RequestTimeout <= 0 || c.RequestTimeoutMax < c.RequestTimeout {
		return model.Validationf("request timeout bounds are inconsistent")
	}
	if c.ExecutionRetention < 0 {
		return model.Validationf("execution-retention-ms must not be negative")
	}
	if c.EventSinkBuffer <= 0 {
		return model.Validationf("event-sink-buffer must be positive, got %d", c.EventSinkBuffer)
	}
	if c.MaxWorkers <= 0 || c.MaxQueueSize <= 0 {
		return model.Validationf("worker pool sizes must be positive")
	}
	switch c.Storage {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return model.Validationf("postgres storage requires postgres-dsn")
		}
	default:
		return model.Validationf("unknown storage backend %q", c.Storage)
	}
	switch c.Bus {
	case BusMemory, BusKafka, BusRedis, BusNATS:
	default:
		return model.Validationf("unknown bus backend %q", c.Bus)
	}
	return nil
}

// ClampRequestTimeout applies the [1s, RequestTimeoutMax] bound from the
// execution options contract. Zero means "use the default".
func (c *Config) ClampRequestTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.RequestTimeout
	}
	if requested < time.Second {
		return time.Second
	}
	if requested > c.RequestTimeoutMax {
		return c.RequestTimeoutMax
	}
	return requested
}
