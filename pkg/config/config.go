// Package config loads process configuration from the environment and an
// optional .env / config.env file through viper. Environment variables win.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config groups all settings used by cmd/server and cmd/worker.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	DB        DBConfig
	Stock     StockConfig
	Reference ReferenceConfig
	AMQP      AMQPConfig
	Outbox    OutboxConfig
}

// AppConfig general application settings.
type AppConfig struct {
	Env      string // development, staging, production
	LogLevel string
}

// IsDevelopment enables the colour console logger and gin debug mode.
func (c AppConfig) IsDevelopment() bool {
	return c.Env == "development"
}

// HTTPConfig HTTP listener settings.
type HTTPConfig struct {
	Port            int
	ShutdownTimeout time.Duration
}

// Addr returns the listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// DBConfig storage settings.
type DBConfig struct {
	Driver      string
	URL         string
	MaxConns    int32
	MinConns    int32
	AutoMigrate bool
}

// StockConfig tunes the posting engine.
type StockConfig struct {
	LockTimeout   time.Duration
	CommitTimeout time.Duration
}

// ReferenceConfig sizes the reference lookup cache.
type ReferenceConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// AMQPConfig broker settings for the outbox worker.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// OutboxConfig outbox relay polling.
type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
}

// Load reads configuration from the environment (and optionally from file).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional

	v.SetConfigName("config")
	v.AddConfigPath("./config")
	_ = v.ReadInConfig() // optional

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Env:      v.GetString("APP_ENV"),
			LogLevel: v.GetString("LOG_LEVEL"),
		},
		HTTP: HTTPConfig{
			Port:            v.GetInt("HTTP_PORT"),
			ShutdownTimeout: v.GetDuration("HTTP_SHUTDOWN_TIMEOUT"),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(v.GetString("STORAGE_DRIVER")),
			URL:         v.GetString("DATABASE_URL"),
			MaxConns:    v.GetInt32("DB_MAX_CONNS"),
			MinConns:    v.GetInt32("DB_MIN_CONNS"),
			AutoMigrate: v.GetBool("DB_AUTO_MIGRATE"),
		},
		Stock: StockConfig{
			LockTimeout:   v.GetDuration("STOCK_LOCK_TIMEOUT"),
			CommitTimeout: v.GetDuration("STOCK_COMMIT_TIMEOUT"),
		},
		Reference: ReferenceConfig{
			CacheSize: v.GetInt("REFERENCE_CACHE_SIZE"),
			CacheTTL:  v.GetDuration("REFERENCE_CACHE_TTL"),
		},
		AMQP: AMQPConfig{
			URL:      v.GetString("AMQP_URL"),
			Exchange: v.GetString("AMQP_EXCHANGE"),
		},
		Outbox: OutboxConfig{
			PollInterval: v.GetDuration("OUTBOX_POLL_INTERVAL"),
			BatchSize:    v.GetInt("OUTBOX_BATCH_SIZE"),
			MaxRetries:   v.GetInt("OUTBOX_MAX_RETRIES"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for storage driver %q", c.DB.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown STORAGE_DRIVER %q", c.DB.Driver)
	}
	if c.Stock.LockTimeout <= 0 {
		return fmt.Errorf("config: STOCK_LOCK_TIMEOUT must be positive")
	}
	if c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("config: DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DB.MinConns, c.DB.MaxConns)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", "30s")
	v.SetDefault("STORAGE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 25)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", false)
	v.SetDefault("STOCK_LOCK_TIMEOUT", "5s")
	v.SetDefault("STOCK_COMMIT_TIMEOUT", "30s")
	v.SetDefault("REFERENCE_CACHE_SIZE", 4096)
	v.SetDefault("REFERENCE_CACHE_TTL", "1m")
	v.SetDefault("AMQP_EXCHANGE", "stock.events")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "500ms")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
}
