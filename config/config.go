package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/workfloworchestrator/orchestrator-core-sub000/storage"
	"github.com/workfloworchestrator/orchestrator-core-sub000/worker"
	"github.com/workfloworchestrator/orchestrator-core-sub000/workflow"
)

// EnvPrefix starts the name of every environment override.
const EnvPrefix = "ORCHESTRATOR_"

// ErrInvalid is wrapped by every Validate error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the configuration of a host program.
type Config struct {
	Log       LogConfig            `yaml:"log"`
	Storage   storage.Options      `yaml:"storage"`
	Executor  worker.Options       `yaml:"executor"`
	Retry     workflow.RetryPolicy `yaml:"retry"`
	Retention RetentionConfig      `yaml:"retention"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// RetentionConfig schedules storage.Prune. A zero Interval disables it.
type RetentionConfig struct {
	storage.Retention `yaml:",inline"`
	Interval          time.Duration `yaml:"interval"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Storage:  storage.Options{Backend: storage.BackendMemory},
		Executor: worker.Options{Strategy: worker.StrategyInline},
		Retry:    workflow.DefaultRetryPolicy,
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("REDIS_ADDR", &c.Storage.Redis.Addr)
	str("REDIS_PASSWORD", &c.Storage.Redis.Password)
	str("SQLITE_DSN", &c.Storage.SQLite.DSN)
	str("POSTGRES_URL", &c.Storage.Postgres.URL)
	str("EXECUTOR_STRATEGY", &c.Executor.Strategy)
	return errors.Join(
		num("REDIS_DB", &c.Storage.Redis.DB),
		num("EXECUTOR_WORKERS", &c.Executor.Workers),
		num("EXECUTOR_TASK_WORKERS", &c.Executor.TaskWorkers),
		num("EXECUTOR_QUEUE_SIZE", &c.Executor.QueueSize),
	)
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = storage.BackendMemory
	}
	if c.Executor.Strategy == "" {
		c.Executor.Strategy = worker.StrategyInline
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = workflow.DefaultRetryPolicy.MaxAttempts
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = workflow.DefaultRetryPolicy.BaseDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = workflow.DefaultRetryPolicy.MaxDelay
	}
}

// Validate reports every problem in c.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format %q is not text or json", c.Log.Format)
	}

	switch c.Storage.Backend {
	case storage.BackendMemory, storage.BackendSQLite:
	case storage.BackendRedis:
		if c.Storage.Redis.Addr == "" {
			add("storage.redis.addr is required")
		}
	case storage.BackendPostgres:
		if c.Storage.Postgres.URL == "" {
			add("storage.postgres.url is required")
		}
	default:
		add("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Executor.Strategy {
	case worker.StrategyInline, worker.StrategyShared, worker.StrategyPriority:
	default:
		add("unknown executor strategy %q", c.Executor.Strategy)
	}
	if c.Executor.Workers < 0 || c.Executor.TaskWorkers < 0 || c.Executor.QueueSize < 0 {
		add("executor sizes must not be negative")
	}

	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		add("retry.max_delay %s is below retry.base_delay %s", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Retention.Interval < 0 || c.Retention.MaxAge < 0 {
		add("retention durations must not be negative")
	}
	return errors.Join(errs...)
}

// NewLogger returns a logger writing to w as configured.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}
