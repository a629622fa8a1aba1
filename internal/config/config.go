// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	Identity IdentityConfig `yaml:"identity"`
	History  HistoryConfig  `yaml:"history"`
	News     NewsConfig     `yaml:"news"`
	Market   MarketConfig   `yaml:"market"`
	Cache    CacheConfig    `yaml:"cache"`
	CORS     CORSConfig     `yaml:"cors"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RelayConfig contains upstream LLM provider settings.
// API keys are supplied per request by the caller, never configured here.
type RelayConfig struct {
	OpenAIBaseURL       string        `yaml:"openai_base_url"`
	GeminiBaseURL       string        `yaml:"gemini_base_url"`
	MaxCompletionTokens int           `yaml:"max_completion_tokens"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	StallTimeout        time.Duration `yaml:"stall_timeout"`
	MaxRequestBytes     int64         `yaml:"max_request_bytes"`
}

// IdentityConfig contains bearer token verification settings.
// An empty secret disables identity resolution; requests proceed anonymously.
type IdentityConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// HistoryConfig selects and configures the history store.
type HistoryConfig struct {
	Driver   string         `yaml:"driver"` // postgres, memory
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// NewsConfig contains NewsAPI proxy settings.
type NewsConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// MarketConfig contains Alpha Vantage proxy settings.
type MarketConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// CacheConfig selects the cache backend for the proxy endpoints.
type CacheConfig struct {
	Backend string      `yaml:"backend"` // memory, redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// CORSConfig contains cross-origin settings. The relay is called directly
// from browsers, so the default policy is permissive.
type CORSConfig struct {
	Enabled      bool          `yaml:"enabled"`
	AllowOrigins []string      `yaml:"allow_origins"`
	AllowHeaders []string      `yaml:"allow_headers"`
	AllowMethods []string      `yaml:"allow_methods"`
	MaxAge       time.Duration `yaml:"max_age"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			ReadTimeout: 30 * time.Second,
			// Streaming responses can legitimately run for minutes.
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Relay: RelayConfig{
			OpenAIBaseURL:       "https://api.openai.com",
			GeminiBaseURL:       "https://generativelanguage.googleapis.com",
			MaxCompletionTokens: 1000,
			ConnectTimeout:      15 * time.Second,
			StallTimeout:        60 * time.Second,
			MaxRequestBytes:     1 << 20,
		},
		History: HistoryConfig{
			Driver: "memory",
			Postgres: PostgresConfig{
				Host:         "localhost",
				Port:         5432,
				Database:     "askrelay",
				SSLMode:      "disable",
				MaxOpenConns: 25,
				MaxIdleConns: 5,
				ConnLifetime: 5 * time.Minute,
			},
		},
		News: NewsConfig{
			BaseURL:           "https://newsapi.org",
			Timeout:           10 * time.Second,
			CacheTTL:          5 * time.Minute,
			RequestsPerMinute: 30,
		},
		Market: MarketConfig{
			BaseURL: "https://www.alphavantage.co",
			Timeout: 10 * time.Second,
			// Alpha Vantage's free tier allows 5 requests per minute.
			CacheTTL:          15 * time.Minute,
			RequestsPerMinute: 5,
		},
		Cache: CacheConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				Namespace:    "askrelay",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				PoolSize:     10,
			},
		},
		CORS: CORSConfig{
			Enabled:      true,
			AllowOrigins: []string{"*"},
			AllowHeaders: []string{"authorization", "x-client-info", "apikey", "content-type"},
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			MaxAge:       10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Relay.OpenAIBaseURL == "" {
		return fmt.Errorf("relay.openai_base_url is required")
	}
	if c.Relay.GeminiBaseURL == "" {
		return fmt.Errorf("relay.gemini_base_url is required")
	}
	if c.Relay.MaxCompletionTokens <= 0 {
		return fmt.Errorf("relay.max_completion_tokens must be positive")
	}
	if c.Relay.StallTimeout < 0 {
		return fmt.Errorf("relay.stall_timeout cannot be negative")
	}

	switch c.History.Driver {
	case "postgres":
		if c.History.Postgres.Host == "" {
			return fmt.Errorf("history.postgres.host is required")
		}
		if c.History.Postgres.Database == "" {
			return fmt.Errorf("history.postgres.database is required")
		}
	case "memory":
	default:
		return fmt.Errorf("history.driver must be postgres or memory, got %q", c.History.Driver)
	}

	switch c.Cache.Backend {
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required")
		}
	case "memory":
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}

	if c.News.RequestsPerMinute < 0 {
		return fmt.Errorf("news.requests_per_minute cannot be negative")
	}
	if c.Market.RequestsPerMinute < 0 {
		return fmt.Errorf("market.requests_per_minute cannot be negative")
	}

	return nil
}
