// Package config loads service settings from built-in defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every setting of the bridge service and its clients
type Config struct {
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Redis       RedisConfig       `yaml:"redis"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Database    DatabaseConfig    `yaml:"database"`
	Health      HealthConfig      `yaml:"health"`
	Log         LogConfig         `yaml:"log"`
	APIKeys     []string          `yaml:"api_keys" env:"API_KEYS" envSeparator:","`
	// RequireAuth refuses requests that carry no API key
	RequireAuth bool              `yaml:"require_auth" env:"REQUIRE_AUTH"`
}

// RabbitMQConfig locates the broker. URL wins over the individual parts.
type RabbitMQConfig struct {
	URL             string        `yaml:"url" env:"RABBITMQ_URL"`
	Host            string        `yaml:"host" env:"RABBITMQ_HOST"`
	Port            int           `yaml:"port" env:"RABBITMQ_PORT"`
	Username        string        `yaml:"username" env:"RABBITMQ_USERNAME"`
	Password        string        `yaml:"password" env:"RABBITMQ_PASSWORD"`
	VHost           string        `yaml:"vhost" env:"RABBITMQ_VHOST"`
	QueuePrefix     string        `yaml:"queue_prefix" env:"QUEUE_PREFIX"`
	ConnectAttempts int           `yaml:"connect_attempts" env:"CONNECT_ATTEMPTS"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	Heartbeat       time.Duration `yaml:"heartbeat" env:"RABBITMQ_HEARTBEAT"`
}

// RedisConfig locates the Redis idempotency backend
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// IdempotencyConfig selects and tunes the idempotency store
type IdempotencyConfig struct {
	Backend   string        `yaml:"backend" env:"IDEMPOTENCY_BACKEND"`
	TTL       time.Duration `yaml:"ttl" env:"IDEMPOTENCY_TTL"`
	KeyPrefix string        `yaml:"key_prefix" env:"IDEMPOTENCY_KEY_PREFIX"`
	Timeout   time.Duration `yaml:"timeout" env:"IDEMPOTENCY_TIMEOUT"`
}

// DispatcherConfig tunes the request dispatcher
type DispatcherConfig struct {
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay     time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	PrefetchCount  int           `yaml:"prefetch_count" env:"PREFETCH_COUNT"`
	Consumers      int           `yaml:"consumers" env:"CONSUMERS"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`

	// DisabledActions are answered with BUSINESS_ERROR instead of running
	DisabledActions []string `yaml:"disabled_actions" env:"DISABLED_ACTIONS" envSeparator:","`
}

// DatabaseConfig locates the sqlite database of the library actions
type DatabaseConfig struct {
	Path string `yaml:"path" env:"DB_PATH"`
}

// HealthConfig configures the health HTTP endpoint. An empty Addr disables it.
type HealthConfig struct {
	Addr    string        `yaml:"addr" env:"HEALTH_ADDR"`
	Timeout time.Duration `yaml:"timeout" env:"HEALTH_TIMEOUT"`
}

// LogConfig selects the log level and handler
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		RabbitMQ: RabbitMQConfig{
			Host:            "localhost",
			Port:            5672,
			Username:        "guest",
			Password:        "guest",
			VHost:           "/",
			QueuePrefix:     "api",
			ConnectAttempts: 10,
			ReconnectDelay:  2 * time.Second,
			Heartbeat:       10 * time.Second,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Idempotency: IdempotencyConfig{
			Backend:   "redis",
			TTL:       time.Hour,
			KeyPrefix: "idempotency:",
			Timeout:   2 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			MaxRetries:     3,
			RetryDelay:     5 * time.Second,
			PrefetchCount:  10,
			Consumers:      1,
			HandlerTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "library.db",
		},
		Health: HealthConfig{
			Addr:    ":8081",
			Timeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		APIKeys: []string{"test-api-key", "admin-key-123", "client-key-456"},
	}
}

// Load builds a Config from the defaults, the YAML file at path when path
// is not empty, and the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	cfg.APIKeys = compact(cfg.APIKeys)
	cfg.Dispatcher.DisabledActions = compact(cfg.Dispatcher.DisabledActions)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with
func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.RabbitMQ.URL != "" {
		u, err := url.Parse(c.RabbitMQ.URL)
		if err != nil || (u.Scheme != "amqp" && u.Scheme != "amqps") {
			invalid("rabbitmq url must be an amqp:// or amqps:// URL")
		}
	} else if c.RabbitMQ.Host == "" {
		invalid("rabbitmq host is required")
	}
	if c.RabbitMQ.URL == "" && (c.RabbitMQ.Port < 1 || c.RabbitMQ.Port > 65535) {
		invalid("rabbitmq port %d is out of range", c.RabbitMQ.Port)
	}
	if c.RabbitMQ.QueuePrefix == "" {
		invalid("queue prefix is required")
	}
	if c.RabbitMQ.ConnectAttempts < 1 {
		invalid("connect attempts must be at least 1")
	}

	switch c.Idempotency.Backend {
	case "redis":
		if c.Redis.Host == "" {
			invalid("redis host is required for the redis backend")
		}
		if c.Redis.DB < 0 {
			invalid("redis db must not be negative")
		}
	case "memory":
	default:
		invalid("idempotency backend %q is not one of redis, memory", c.Idempotency.Backend)
	}
	if c.Idempotency.TTL <= 0 {
		invalid("idempotency ttl must be positive")
	}

	if c.Dispatcher.MaxRetries < 0 {
		invalid("max retries must not be negative")
	}
	if c.Dispatcher.RetryDelay <= 0 {
		invalid("retry delay must be positive")
	}
	if c.Dispatcher.PrefetchCount < 1 {
		invalid("prefetch count must be at least 1")
	}
	if c.Dispatcher.Consumers < 1 {
		invalid("consumers must be at least 1")
	}
	if c.Database.Path == "" {
		invalid("database path is required")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		invalid("log format %q is not one of text, json", c.Log.Format)
	}

	return errors.Join(errs...)
}

// AMQPURL returns the broker URL
func (c RabbitMQConfig) AMQPURL() string {
	if c.URL != "" {
		return c.URL
	}

	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + strings.TrimPrefix(c.VHost, "/"),
	}
	if c.VHost == "/" || c.VHost == "" {
		u.Path = "/"
	}
	return u.String()
}

// Addr returns the Redis host:port
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ParseLevel maps a level name to a slog level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("%w: log level %q", ErrInvalidConfig, level)
	}
	return l, nil
}

// NewLogger builds the logger described by c
func (c LogConfig) NewLogger() *slog.Logger {
	level, err := ParseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func compact(keys []string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
