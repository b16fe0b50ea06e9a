package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workfloworchestrator/orchestrator-core-sub000/storage"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
	"github.com/workfloworchestrator/orchestrator-core-sub000/worker"
	"github.com/workfloworchestrator/orchestrator-core-sub000/workflow"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, workflow.DefaultRetryPolicy, cfg.Retry)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
log:
  level: DEBUG
  format: json
storage:
  backend: sqlite
  sqlite:
    dsn: /var/lib/orchestrator/db.sqlite
executor:
  strategy: priority
  workers: 8
  task_workers: 2
retry:
  max_attempts: 5
  base_delay: 250ms
retention:
  max_age: 720h
  interval: 1h
  statuses: [completed]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)
	assert.Equal(t, storage.BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/orchestrator/db.sqlite", cfg.Storage.SQLite.DSN)
	assert.Equal(t, worker.Options{Strategy: worker.StrategyPriority, Workers: 8, TaskWorkers: 2}, cfg.Executor)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, workflow.DefaultRetryPolicy.MaxDelay, cfg.Retry.MaxDelay)
	assert.Equal(t, 720*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, time.Hour, cfg.Retention.Interval)
	assert.Equal(t, []types.ProcessStatus{types.ProcessCompleted}, cfg.Retention.Statuses)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  backend: sqlite
executor:
  strategy: shared
  workers: 2
`)
	t.Setenv("ORCHESTRATOR_STORAGE_BACKEND", "redis")
	t.Setenv("ORCHESTRATOR_REDIS_ADDR", "localhost:6379")
	t.Setenv("ORCHESTRATOR_REDIS_DB", "3")
	t.Setenv("ORCHESTRATOR_EXECUTOR_WORKERS", " 16 ")
	t.Setenv("ORCHESTRATOR_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, storage.BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 3, cfg.Storage.Redis.DB)
	assert.Equal(t, worker.StrategyShared, cfg.Executor.Strategy)
	assert.Equal(t, 16, cfg.Executor.Workers)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "storage: [not, a, map]"))
	assert.ErrorContains(t, err, "parse config file")

	t.Setenv("ORCHESTRATOR_EXECUTOR_WORKERS", "many")
	_, err = Load("")
	assert.ErrorContains(t, err, "ORCHESTRATOR_EXECUTOR_WORKERS")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	cfg.Storage.Backend = "postgres"
	cfg.Executor.Strategy = "threads"
	cfg.Executor.Workers = -1
	cfg.Retry.MaxAttempts = 0
	cfg.Retry.BaseDelay = time.Second
	cfg.Retry.MaxDelay = time.Millisecond

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	msg := err.Error()
	for _, want := range []string{
		`log.format "xml"`,
		"storage.postgres.url is required",
		`unknown executor strategy "threads"`,
		"must not be negative",
		"retry.max_attempts",
		"retry.max_delay",
	} {
		assert.True(t, strings.Contains(msg, want), want)
	}

	assert.NoError(t, Default().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "process_id", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"process_id":7`)
}
