package storage

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend  string          `yaml:"backend"`
	Redis    RedisOptions    `yaml:"redis"`
	SQLite   SQLiteOptions   `yaml:"sqlite"`
	Postgres PostgresOptions `yaml:"postgres"`
}

// Open returns the backend named by opts.Backend. An empty name selects
// the memory store.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStorage(), nil
	case BackendRedis:
		s, err := NewRedisStorage(opts.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendSQLite:
		dsn := opts.SQLite.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		s, err := NewSQLiteStorage(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := NewPostgresStorage(ctx, opts.Postgres)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

var (
	_ Store = (*MemoryStorage)(nil)
	_ Store = (*RedisStorage)(nil)
	_ Store = (*SQLiteStorage)(nil)
	_ Store = (*PostgresStorage)(nil)
)
