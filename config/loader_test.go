package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 3, cfg.Engine.MaxReplanIterations)
	assert.InDelta(t, 0.85, cfg.Engine.CompressionThreshold, 1e-9)
	assert.Equal(t, 128_000, cfg.Engine.MaxContextTokens)
	assert.Equal(t, "file", cfg.Checkpoint.Backend)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  max_retries: 5
  breakpoints_enabled: true
checkpoint:
  backend: memory
  history_limit: 7
database:
  driver: postgres
  host: db.internal
  port: 5432
  user: taskflow
  name: taskflow
  ssl_mode: disable
log:
  level: debug
`), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.True(t, cfg.Engine.BreakpointsEnabled)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.Equal(t, 7, cfg.Checkpoint.HistoryLimit)
	assert.Equal(t, "debug", cfg.Log.Level)
	// 未覆盖的字段保持默认值
	assert.Equal(t, 3, cfg.Engine.MaxReplanIterations)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/taskflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TASKFLOW_ENGINE_MAX_RETRIES", "7")
	t.Setenv("TASKFLOW_ENGINE_COMPRESSION_THRESHOLD", "0.9")
	t.Setenv("TASKFLOW_ENGINE_BREAKPOINTS_ENABLED", "true")
	t.Setenv("TASKFLOW_CHECKPOINT_BACKEND", "redis")
	t.Setenv("TASKFLOW_CHECKPOINT_TTL", "30m")
	t.Setenv("TASKFLOW_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("TASKFLOW_SUPERVISOR_MAX_CONCURRENT", "16")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Engine.MaxRetries)
	assert.InDelta(t, 0.9, cfg.Engine.CompressionThreshold, 1e-9)
	assert.True(t, cfg.Engine.BreakpointsEnabled)
	assert.Equal(t, "redis", cfg.Checkpoint.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Checkpoint.TTL)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, int64(16), cfg.Supervisor.MaxConcurrent)
}

func TestLoadEnvBeatsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_retries: 5\n"), 0o644))
	t.Setenv("TASKFLOW_ENGINE_MAX_RETRIES", "9")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Engine.MaxRetries)
}

func TestLoadCustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_ENGINE_MAX_RETRIES", "4")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.MaxRetries)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"zero retries":         func(c *Config) { c.Engine.MaxRetries = 0 },
		"threshold too high":   func(c *Config) { c.Engine.CompressionThreshold = 1.0 },
		"threshold negative":   func(c *Config) { c.Engine.CompressionThreshold = -0.1 },
		"unknown backend":      func(c *Config) { c.Checkpoint.Backend = "s3" },
		"unknown driver":       func(c *Config) { c.Database.Driver = "oracle" },
		"zero concurrency":     func(c *Config) { c.Supervisor.MaxConcurrent = 0 },
		"invalid metrics port": func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadInvalidEnvValue(t *testing.T) {
	t.Setenv("TASKFLOW_ENGINE_MAX_RETRIES", "not-a-number")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestCustomValidator(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(c *Config) error {
			if c.Database.Driver == "sqlite" {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.Error(t, err)

	cfg, err := NewLoader().
		WithValidator(func(c *Config) error { return nil }).
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)
}

func TestDatabaseDSN(t *testing.T) {
	pg := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432,
		User: "u", Password: "p", Name: "taskflow", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=db port=5432 user=u password=p dbname=taskflow sslmode=disable",
		pg.DSN())

	my := DatabaseConfig{
		Driver: "mysql", Host: "db", Port: 3306,
		User: "u", Password: "p", Name: "taskflow",
	}
	assert.Equal(t, "u:p@tcp(db:3306)/taskflow?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "taskflow.db"}
	assert.Equal(t, "taskflow.db", lite.DSN())

	assert.Empty(t, (&DatabaseConfig{Driver: "oracle"}).DSN())
}
