package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/redisstore"
	"github.com/fortressi/saga/sqlstore"
)

func parseLevel(level string) (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the logger described by cfg. A nil w writes to stderr.
func NewLogger(cfg LogConfig, w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// OpenRepository connects the configured repository. The returned close
// function releases its connections and is never nil.
func OpenRepository(ctx context.Context, cfg RepositoryConfig) (saga.Repository, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case DriverMemory, "":
		return saga.NewMemoryRepository(), noop, nil
	case DriverFile:
		repo, err := saga.NewFileRepository(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return repo, noop, nil
	case DriverSQLite, DriverPostgres:
		dialect := sqlstore.SQLite
		if cfg.Driver == DriverPostgres {
			dialect = sqlstore.Postgres
		}
		store, err := sqlstore.Open(ctx, dialect, cfg.DSN)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return redisstore.New(client, cfg.Redis.Prefix), client.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown repository driver %q", cfg.Driver)
	}
}

// EngineOptions translates the engine, log and metrics sections into engine
// options. Metrics are registered with reg when enabled.
func (c Config) EngineOptions(logger zerolog.Logger, reg prometheus.Registerer) []saga.Option {
	opts := []saga.Option{
		saga.WithLogger(logger.With().Str("owner", c.Engine.Owner).Logger()),
	}

	var interceptors []saga.Interceptor
	if c.Engine.SkipCompleted {
		interceptors = append(interceptors, saga.SkipCompletedSteps())
	}
	if c.Engine.MaxAttempts > 0 {
		interceptors = append(interceptors, saga.MaxAttempts(c.Engine.MaxAttempts))
	}
	if len(interceptors) > 0 {
		opts = append(opts, saga.WithInterceptors(interceptors...))
	}

	if c.Metrics.Enabled && reg != nil {
		opts = append(opts, saga.WithMetrics(saga.NewMetrics(c.Metrics.Namespace, reg)))
	}
	return opts
}
