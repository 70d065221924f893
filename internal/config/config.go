// Package config loads the engine configuration from YAML with environment
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/plurapp/ai-engine/internal/ai"
	"github.com/plurapp/ai-engine/internal/jobs"
	"github.com/plurapp/ai-engine/pkg/logger"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// RequestsPerSecond and Burst bound the per-client HTTP rate limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	// URL is a postgres connection string. Overridden by DATABASE_URL.
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig configures the job queue backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	QueueKey string `yaml:"queue_key"`
}

// StorageConfig selects where generated artifacts live.
type StorageConfig struct {
	// Driver is "s3" or "memory".
	Driver     string `yaml:"driver"`
	Bucket     string `yaml:"bucket"`
	Prefix     string `yaml:"prefix"`
	PublicBase string `yaml:"public_base"`
}

// AuthConfig configures request authentication.
type AuthConfig struct {
	// JWTSecret verifies bearer tokens. Overridden by JWT_SECRET.
	JWTSecret string `yaml:"jwt_secret"`
}

// ReconcileConfig configures the periodic sweeps.
type ReconcileConfig struct {
	Schedule   string        `yaml:"schedule"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Database  DatabaseConfig       `yaml:"database"`
	Redis     RedisConfig          `yaml:"redis"`
	Storage   StorageConfig        `yaml:"storage"`
	Auth      AuthConfig           `yaml:"auth"`
	Providers ai.Config            `yaml:"providers"`
	Limits    jobs.Limits          `yaml:"limits"`
	Reconcile ReconcileConfig      `yaml:"reconcile"`
	Logging   logger.LoggingConfig `yaml:"logging"`
}

// Load reads config/engine.yaml relative to the working directory.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "engine.yaml"))
}

// LoadFromPath reads and validates a configuration file, then applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads the default config file, falling back to built-in
// defaults when the file does not exist.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			QueueKey: "ai_engine:jobs",
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Providers: ai.DefaultConfig(),
		Limits:    jobs.DefaultLimits(),
		Reconcile: ReconcileConfig{
			Schedule:   "@every 5m",
			StaleAfter: 2 * time.Minute,
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		c.Storage.Bucket = v
		c.Storage.Driver = "s3"
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Storage.Driver {
	case "memory":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
	if c.Providers.LLM.Default == "" || c.Providers.Image.Default == "" {
		return fmt.Errorf("providers.llm.default and providers.image.default are required")
	}
	for _, route := range []string{c.Providers.LLM.Default, c.Providers.LLM.Fallback, c.Providers.Image.Default, c.Providers.Image.Fallback} {
		if route == "" {
			continue
		}
		if _, ok := c.Providers.Models[route]; !ok {
			return fmt.Errorf("provider route references unknown model: %s", route)
		}
	}
	return nil
}
