// Package config provides environment-aware configuration for the edge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/Defman/unleash-edge/pkg/logger"
)

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host" env:"EDGE_HOST"`
	Port            int           `json:"port" yaml:"port" env:"EDGE_PORT"`
	ShutdownGrace   time.Duration `json:"shutdown_grace" yaml:"shutdown_grace" env:"EDGE_SHUTDOWN_GRACE"`
	RequestsPerSec  float64       `json:"requests_per_sec" yaml:"requests_per_sec" env:"EDGE_REQUESTS_PER_SEC"`
	RateLimitBurst  int           `json:"rate_limit_burst" yaml:"rate_limit_burst" env:"EDGE_RATE_LIMIT_BURST"`
	WorkerThreads   int           `json:"worker_threads" yaml:"worker_threads" env:"EDGE_WORKER_THREADS"`
	CORSAllowOrigin string        `json:"cors_allow_origin" yaml:"cors_allow_origin" env:"EDGE_CORS_ALLOW_ORIGIN"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}

// UpstreamConfig controls the control-plane client.
type UpstreamConfig struct {
	URL       string        `json:"url" yaml:"url" env:"UPSTREAM_URL"`
	AuthToken string        `json:"auth_token" yaml:"auth_token" env:"UPSTREAM_AUTH_TOKEN"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" env:"UPSTREAM_TIMEOUT"`
	AppName   string        `json:"app_name" yaml:"app_name" env:"EDGE_APP_NAME"`
}

// RefreshConfig controls the feature refresher.
type RefreshConfig struct {
	Interval    time.Duration `json:"interval" yaml:"interval" env:"REFRESH_INTERVAL"`
	MaxInFlight int           `json:"max_in_flight" yaml:"max_in_flight" env:"REFRESH_MAX_IN_FLIGHT"`
}

// MetricsConfig controls the SDK metrics sink.
type MetricsConfig struct {
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval" env:"METRICS_FLUSH_INTERVAL"`
}

// PersistenceConfig selects and wires the snapshot backend.
type PersistenceConfig struct {
	Backend  string `json:"backend" yaml:"backend" env:"PERSISTENCE_BACKEND"`
	Schedule string `json:"schedule" yaml:"schedule" env:"PERSISTENCE_SCHEDULE"`

	// file backend
	Directory string `json:"directory" yaml:"directory" env:"PERSISTENCE_DIRECTORY"`

	// redis backend
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr" env:"PERSISTENCE_REDIS_ADDR"`
	RedisPassword string `json:"redis_password" yaml:"redis_password" env:"PERSISTENCE_REDIS_PASSWORD"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db" env:"PERSISTENCE_REDIS_DB"`

	// s3 backend
	S3Bucket string `json:"s3_bucket" yaml:"s3_bucket" env:"PERSISTENCE_S3_BUCKET"`
	S3Prefix string `json:"s3_prefix" yaml:"s3_prefix" env:"PERSISTENCE_S3_PREFIX"`
	S3Region string `json:"s3_region" yaml:"s3_region" env:"PERSISTENCE_S3_REGION"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig         `json:"server" yaml:"server"`
	Upstream    UpstreamConfig       `json:"upstream" yaml:"upstream"`
	Refresh     RefreshConfig        `json:"refresh" yaml:"refresh"`
	Metrics     MetricsConfig        `json:"metrics" yaml:"metrics"`
	Persistence PersistenceConfig    `json:"persistence" yaml:"persistence"`
	Logging     logger.LoggingConfig `json:"logging" yaml:"logging"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           3063,
			ShutdownGrace:  5 * time.Second,
			RequestsPerSec: 0,
			WorkerThreads:  0,
		},
		Upstream: UpstreamConfig{
			Timeout: 5 * time.Second,
			AppName: "unleash-edge",
		},
		Refresh: RefreshConfig{
			Interval:    15 * time.Second,
			MaxInFlight: 5,
		},
		Metrics: MetricsConfig{
			FlushInterval: 60 * time.Second,
		},
		Persistence: PersistenceConfig{
			Backend:  "none",
			Schedule: "@every 30s",
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load loads configuration from file (if present) and environment variables.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if trimmed := strings.TrimSpace(path); trimmed != "" {
		if err := loadFromFile(trimmed, cfg); err != nil {
			return nil, err
		}
	} else if env := strings.TrimSpace(os.Getenv("CONFIG_FILE")); env != "" {
		if err := loadFromFile(env, cfg); err != nil {
			return nil, err
		}
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields no component can default away.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Upstream.URL) == "" {
		return fmt.Errorf("upstream url is required")
	}
	if _, err := cron.ParseStandard(c.Persistence.Schedule); err != nil {
		return fmt.Errorf("invalid persistence schedule %q: %w", c.Persistence.Schedule, err)
	}
	switch c.Persistence.Backend {
	case "none", "file", "redis", "s3":
	default:
		return fmt.Errorf("unknown persistence backend %q (expected none, file, redis, or s3)", c.Persistence.Backend)
	}
	if c.Persistence.Backend == "file" && strings.TrimSpace(c.Persistence.Directory) == "" {
		return fmt.Errorf("file persistence requires a directory")
	}
	if c.Persistence.Backend == "redis" && strings.TrimSpace(c.Persistence.RedisAddr) == "" {
		return fmt.Errorf("redis persistence requires an address")
	}
	if c.Persistence.Backend == "s3" && strings.TrimSpace(c.Persistence.S3Bucket) == "" {
		return fmt.Errorf("s3 persistence requires a bucket")
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// yaml.Unmarshal also accepts JSON, so one decoder covers both formats.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
