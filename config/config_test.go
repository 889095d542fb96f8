package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/redisstore"
	"github.com/fortressi/saga/sqlstore"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "saga", cfg.Engine.Owner)
	assert.True(t, cfg.Engine.SkipCompleted)
	assert.Equal(t, DriverMemory, cfg.Repository.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "saga", cfg.Metrics.Namespace)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cfg, Default())
}

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(`
engine:
  owner: clouddriver
  max_attempts: 5
  skip_completed: false
repository:
  driver: redis
  redis:
    addr: localhost:6379
    db: 2
log:
  level: debug
  format: console
metrics:
  enabled: true
  namespace: deploy
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "clouddriver", cfg.Engine.Owner)
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)
	assert.False(t, cfg.Engine.SkipCompleted)
	assert.Equal(t, "localhost:6379", cfg.Repository.Redis.Addr)
	assert.Equal(t, 2, cfg.Repository.Redis.DB)
	assert.Equal(t, "saga:", cfg.Repository.Redis.Prefix)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SAGA_REPOSITORY_DRIVER", "sqlite")
	t.Setenv("SAGA_REPOSITORY_DSN", ":memory:")
	t.Setenv("SAGA_MAX_ATTEMPTS", "3")
	t.Setenv("SAGA_SKIP_COMPLETED", "false")
	t.Setenv("SAGA_LOG_LEVEL", "warn")

	cfg, err := Parse([]byte("repository:\n  driver: file\n"))
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Repository.Driver)
	assert.Equal(t, ":memory:", cfg.Repository.DSN)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.False(t, cfg.Engine.SkipCompleted)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative attempts", func(c *Config) { c.Engine.MaxAttempts = -1 }, "max_attempts"},
		{"unknown driver", func(c *Config) { c.Repository.Driver = "etcd" }, "repository.driver"},
		{"postgres without dsn", func(c *Config) { c.Repository.Driver = DriverPostgres }, "repository.dsn"},
		{"redis without addr", func(c *Config) { c.Repository.Driver = DriverRedis }, "repository.redis.addr"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saga.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  owner: loader\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "loader", cfg.Engine.Owner)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Str("saga_id", "s-1").Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"saga_id":"s-1"`)
}

func TestOpenRepository(t *testing.T) {
	ctx := context.Background()

	repo, closeFn, err := OpenRepository(ctx, RepositoryConfig{Driver: DriverMemory})
	require.NoError(t, err)
	assert.IsType(t, &saga.MemoryRepository{}, repo)
	require.NoError(t, closeFn())

	repo, closeFn, err = OpenRepository(ctx, RepositoryConfig{Driver: DriverFile, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &saga.FileRepository{}, repo)
	require.NoError(t, closeFn())

	repo, closeFn, err = OpenRepository(ctx, RepositoryConfig{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	assert.IsType(t, &sqlstore.Store{}, repo)
	require.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	repo, closeFn, err = OpenRepository(ctx, RepositoryConfig{
		Driver: DriverRedis,
		Redis:  RedisConfig{Addr: mr.Addr(), Prefix: "cfg:"},
	})
	require.NoError(t, err)
	assert.IsType(t, &redisstore.Store{}, repo)
	require.NoError(t, closeFn())

	_, _, err = OpenRepository(ctx, RepositoryConfig{Driver: "etcd"})
	require.Error(t, err)
}

func TestEngineOptions(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxAttempts = 2
	cfg.Metrics.Enabled = true

	reg := prometheus.NewRegistry()
	engine := saga.NewEngine(saga.NewMemoryRepository(), cfg.EngineOptions(zerolog.Nop(), reg)...)

	calls := 0
	step := saga.NewStep("fails", "Fails", func(context.Context, saga.StepContext) (*saga.StepResult, error) {
		calls++
		return nil, assert.AnError
	})
	s, err := saga.New("configured", nil, []*saga.Step{step})
	require.NoError(t, err)

	result := saga.Process(context.Background(), engine, s, func(*saga.State) (int, error) { return 0, nil })
	var fatal *saga.FatalPolicyError
	require.ErrorAs(t, result.Err, &fatal)
	assert.Equal(t, 2, calls)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
