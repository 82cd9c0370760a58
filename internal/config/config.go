// Package config loads despatchflow settings. Values are layered: built-in
// defaults, then an optional YAML file, then a .env file, then DESPATCH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"despatchflow/internal/history"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "DESPATCH"

type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Endpoints EndpointsConfig `yaml:"endpoints" envconfig:"ENDPOINTS"`
	Ingest    IngestConfig    `yaml:"ingest" envconfig:"INGEST"`
	Session   SessionConfig   `yaml:"session" envconfig:"SESSION"`
	History   HistoryConfig   `yaml:"history" envconfig:"HISTORY"`
	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr" envconfig:"ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" envconfig:"READ_HEADER_TIMEOUT"`
	ReadTimeout       time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// EndpointsConfig points at the two remote services.
type EndpointsConfig struct {
	ConversionURL string        `yaml:"conversion_url" envconfig:"CONVERSION_URL"`
	EmailURL      string        `yaml:"email_url" envconfig:"EMAIL_URL"`
	Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

type IngestConfig struct {
	MaxBytes int64 `yaml:"max_bytes" envconfig:"MAX_BYTES"`
	// WatchDir is the inbox watched by `despatchctl watch` when no
	// directory is given on the command line.
	WatchDir string `yaml:"watch_dir" envconfig:"WATCH_DIR"`
}

type SessionConfig struct {
	CookieName      string        `yaml:"cookie_name" envconfig:"COOKIE_NAME"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" envconfig:"CLEANUP_INTERVAL"`
	SecureCookie    bool          `yaml:"secure_cookie" envconfig:"SECURE_COOKIE"`
}

// HistoryConfig selects where activity history is kept. Backend is
// "memory" or "redis".
type HistoryConfig struct {
	Backend       string        `yaml:"backend" envconfig:"BACKEND"`
	MaxPerOwner   int           `yaml:"max_per_owner" envconfig:"MAX_PER_OWNER"`
	RedisAddr     string        `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" envconfig:"REDIS_DB"`
	RedisPrefix   string        `yaml:"redis_prefix" envconfig:"REDIS_PREFIX"`
	TTL           time.Duration `yaml:"ttl" envconfig:"TTL"`
}

// Redis returns the store settings for history.Open.
func (h HistoryConfig) Redis() history.RedisConfig {
	return history.RedisConfig{
		Addr:        h.RedisAddr,
		Password:    h.RedisPassword,
		DB:          h.RedisDB,
		Prefix:      h.RedisPrefix,
		MaxPerOwner: h.MaxPerOwner,
		TTL:         h.TTL,
	}
}

type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"` // json or console
}

// Default returns a configuration with sensible defaults. Endpoints have no
// default and must be configured.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Endpoints: EndpointsConfig{
			Timeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBytes: 10 * 1024 * 1024,
			WatchDir: "inbox",
		},
		Session: SessionConfig{
			CookieName:      "despatch_session",
			IdleTimeout:     2 * time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		History: HistoryConfig{
			Backend:     "memory",
			MaxPerOwner: 50,
			RedisAddr:   "localhost:6379",
			RedisPrefix: "despatchflow:history:",
			TTL:         30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// A missing .env file is fine.
	_ = godotenv.Load()

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := checkURL("endpoints.conversion_url", c.Endpoints.ConversionURL); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("endpoints.email_url", c.Endpoints.EmailURL); err != nil {
		errs = append(errs, err)
	}
	if c.Endpoints.Timeout <= 0 {
		errs = append(errs, errors.New("endpoints.timeout must be positive"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Ingest.MaxBytes <= 0 {
		errs = append(errs, errors.New("ingest.max_bytes must be positive"))
	}
	if c.Session.CookieName == "" {
		errs = append(errs, errors.New("session.cookie_name is required"))
	}
	if c.Session.IdleTimeout <= 0 || c.Session.CleanupInterval <= 0 {
		errs = append(errs, errors.New("session timeouts must be positive"))
	}

	switch c.History.Backend {
	case "memory":
	case "redis":
		if c.History.RedisAddr == "" {
			errs = append(errs, errors.New("history.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is not supported", c.History.Backend))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported", c.Log.Format))
	}

	return errors.Join(errs...)
}

func checkURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", name)
	}
	return nil
}
