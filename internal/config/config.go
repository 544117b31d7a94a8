// Package config provides unified configuration loading for the extraction engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the extraction engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Model         ModelConfig         `yaml:"model"`
	Extraction    ExtractionConfig    `yaml:"extraction"`
	Events        EventsConfig        `yaml:"events"`
	Webhook       WebhookConfig       `yaml:"webhook"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout of zero leaves streaming responses (SSE, WebSocket)
	// open indefinitely.
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Driver     string        `yaml:"driver"` // memory or redis
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
	Redis      RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ModelConfig holds extraction model API settings.
type ModelConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Name           string        `yaml:"name"`
	MaxTokens      int           `yaml:"max_tokens"`
	Temperature    float64       `yaml:"temperature"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
}

// ExtractionConfig holds extraction pipeline settings.
type ExtractionConfig struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
	JobRetention      time.Duration `yaml:"job_retention"`
	StreamBufferSize  int           `yaml:"stream_buffer_size"`
}

// EventsConfig holds event relay settings.
type EventsConfig struct {
	RelayEnabled bool   `yaml:"relay_enabled"`
	RelayChannel string `yaml:"relay_channel"`
}

// WebhookConfig holds batch completion webhook settings.
type WebhookConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8084,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     0,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "/tmp/extraction-engine.db",
				MaxOpenConns: 1,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver:     "memory",
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				DB:        0,
				PoolSize:  10,
				KeyPrefix: "ee:",
			},
		},
		Model: ModelConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			Name:           "openai/gpt-4o-mini",
			MaxTokens:      4096,
			Temperature:    0.0,
			RequestTimeout: 120 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   time.Second,
		},
		Extraction: ExtractionConfig{
			MaxConcurrentJobs: 5,
			MaxBatchSize:      100,
			JobRetention:      time.Hour,
			StreamBufferSize:  64,
		},
		Events: EventsConfig{
			RelayEnabled: false,
			RelayChannel: "events",
		},
		Webhook: WebhookConfig{
			Timeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.Extraction.MaxConcurrentJobs < 1 || c.Extraction.MaxConcurrentJobs > 50 {
		return fmt.Errorf("max_concurrent_jobs must be between 1 and 50")
	}

	if c.Extraction.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Model.BaseURL == "" {
		return fmt.Errorf("model base_url is required")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Database.Driver == "sqlite"
}

// DatabaseDSN returns the appropriate database connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "sqlite" {
		return c.Database.SQLite.Path
	}
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}

	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Database.Postgres.DSN = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		// Parse redis://host:port format
		addr := strings.TrimPrefix(v, "redis://")
		cfg.Cache.Redis.Addr = addr
	}

	if v := os.Getenv("MODEL_BASE_URL"); v != "" {
		cfg.Model.BaseURL = v
	}

	if v := os.Getenv("MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}

	if v := os.Getenv("MODEL_NAME"); v != "" {
		cfg.Model.Name = v
	}

	if v := os.Getenv("WEBHOOK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Webhook.Timeout = d
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
