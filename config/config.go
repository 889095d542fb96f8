// Package config loads engine configuration from YAML with environment
// overrides and turns it into a wired repository, logger and engine options.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Repository drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

var drivers = []string{DriverMemory, DriverFile, DriverSQLite, DriverPostgres, DriverRedis}

type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Repository RepositoryConfig `yaml:"repository"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type EngineConfig struct {
	Owner string `yaml:"owner"`
	// MaxAttempts fails a saga permanently once a step failed this many
	// times. Zero retries without bound.
	MaxAttempts   int  `yaml:"max_attempts"`
	SkipCompleted bool `yaml:"skip_completed"`
}

type RepositoryConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	DSN    string      `yaml:"dsn"`
	Redis  RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.Engine.SkipCompleted = true
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies SAGA_* environment overrides and defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies SAGA_* environment overrides and defaults.
func Parse(data []byte) (Config, error) {
	cfg := Config{Engine: EngineConfig{SkipCompleted: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Engine.Owner = GetEnv("SAGA_OWNER", c.Engine.Owner)
	c.Engine.MaxAttempts = GetEnvInt("SAGA_MAX_ATTEMPTS", c.Engine.MaxAttempts)
	c.Engine.SkipCompleted = GetEnvBool("SAGA_SKIP_COMPLETED", c.Engine.SkipCompleted)
	c.Repository.Driver = GetEnv("SAGA_REPOSITORY_DRIVER", c.Repository.Driver)
	c.Repository.Path = GetEnv("SAGA_REPOSITORY_PATH", c.Repository.Path)
	c.Repository.DSN = GetEnv("SAGA_REPOSITORY_DSN", c.Repository.DSN)
	c.Repository.Redis.Addr = GetEnv("SAGA_REDIS_ADDR", c.Repository.Redis.Addr)
	c.Repository.Redis.Password = GetEnv("SAGA_REDIS_PASSWORD", c.Repository.Redis.Password)
	c.Repository.Redis.DB = GetEnvInt("SAGA_REDIS_DB", c.Repository.Redis.DB)
	c.Repository.Redis.Prefix = GetEnv("SAGA_REDIS_PREFIX", c.Repository.Redis.Prefix)
	c.Log.Level = GetEnv("SAGA_LOG_LEVEL", c.Log.Level)
	c.Log.Format = GetEnv("SAGA_LOG_FORMAT", c.Log.Format)
	c.Metrics.Enabled = GetEnvBool("SAGA_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = GetEnv("SAGA_METRICS_NAMESPACE", c.Metrics.Namespace)
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Engine.Owner) == "" {
		c.Engine.Owner = "saga"
	}
	if strings.TrimSpace(c.Repository.Driver) == "" {
		c.Repository.Driver = DriverMemory
	}
	if c.Repository.Driver == DriverFile && c.Repository.Path == "" {
		c.Repository.Path = "sagas"
	}
	if c.Repository.Driver == DriverSQLite && c.Repository.DSN == "" {
		c.Repository.DSN = "sagas.db"
	}
	if c.Repository.Redis.Prefix == "" {
		c.Repository.Redis.Prefix = "saga:"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "saga"
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Engine.MaxAttempts < 0 {
		return fmt.Errorf("engine.max_attempts must not be negative")
	}
	if !slices.Contains(drivers, c.Repository.Driver) {
		return fmt.Errorf("repository.driver %q is not one of %s", c.Repository.Driver, strings.Join(drivers, ", "))
	}
	switch c.Repository.Driver {
	case DriverFile:
		if strings.TrimSpace(c.Repository.Path) == "" {
			return fmt.Errorf("repository.path is required for the file driver")
		}
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.Repository.DSN) == "" {
			return fmt.Errorf("repository.dsn is required for the %s driver", c.Repository.Driver)
		}
	case DriverRedis:
		if strings.TrimSpace(c.Repository.Redis.Addr) == "" {
			return fmt.Errorf("repository.redis.addr is required for the redis driver")
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format must be json or console")
	}
	return nil
}
