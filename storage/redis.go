package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

const (
	workflowPrefix     = "workflow:"
	workflowIndex      = "workflows"
	processPrefix      = "process:"
	processIndex       = "processes"
	stepsPrefix        = "steps:"
	subscriptionPrefix = "subscription:"
	dependentsPrefix   = "dependents:"
)

// maxWatchRetries bounds how often a write is retried when an unrelated
// key in the same WATCH set changes underneath it.
const maxWatchRetries = 3

// RedisStorage is a Redis-backed implementation of Store.
//
// Processes are JSON documents guarded by WATCH/MULTI for optimistic
// locking; step records are kept in one list per process.
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// KeyPrefix namespaces every key; defaults to "orchestrator:".
	KeyPrefix string `yaml:"key_prefix"`
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return NewRedisStorageFromClient(client, opts.KeyPrefix), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = "orchestrator:"
	}
	return &RedisStorage{client: client, prefix: keyPrefix}
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

func (s *RedisStorage) processKey(id uint64) string { return s.key(processPrefix, uintKey(id)) }

func (s *RedisStorage) stepsKey(id uint64) string { return s.key(stepsPrefix, uintKey(id)) }

// saveToRedis saves a value to Redis under key.
func (s *RedisStorage) saveToRedis(ctx context.Context, key string, value any) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals the value stored under key. A miss
// is reported as miss.
func getFromRedis[T any](ctx context.Context, client getter, key string, miss error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, miss
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// watch runs fn under WATCH on keys and maps a lost race to ErrConflict.
func (s *RedisStorage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrConflict
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowRecord) error {
	if err := s.saveToRedis(ctx, s.key(workflowPrefix, wf.Name), wf); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key(workflowIndex), wf.Name).Err()
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, name string) (types.WorkflowRecord, error) {
	return getFromRedis[types.WorkflowRecord](ctx, s.client, s.key(workflowPrefix, name), workflowNotFound(name))
}

// ListWorkflows returns all workflows ordered by name.
func (s *RedisStorage) ListWorkflows(ctx context.Context) ([]types.WorkflowRecord, error) {
	names, err := s.client.SMembers(ctx, s.key(workflowIndex)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %v", err)
	}
	sort.Strings(names)
	out := make([]types.WorkflowRecord, 0, len(names))
	for _, name := range names {
		wf, err := s.GetWorkflow(ctx, name)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// CreateProcess stores p with version 1 unless the id is taken.
func (s *RedisStorage) CreateProcess(ctx context.Context, p *types.Process) error {
	key := s.processKey(p.ID)
	p.Version = 1
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal process %d: %v", p.ID, err)
	}
	return withContextError(ctx, func() error {
		ok, err := s.client.SetNX(ctx, key, data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to create %s: %v", key, err)
		}
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrExists, p.ID)
		}
		return s.client.ZAdd(ctx, s.key(processIndex), &redis.Z{Score: 0, Member: uintKey(p.ID)}).Err()
	})
}

// GetProcess retrieves a process from Redis.
func (s *RedisStorage) GetProcess(ctx context.Context, id uint64) (*types.Process, error) {
	p, err := getFromRedis[types.Process](ctx, s.client, s.processKey(id), processNotFound(id))
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// replace writes p inside a WATCH transaction. stage, when set, runs its
// reads on tx before MULTI and returns the commands to queue alongside the
// process write.
func (s *RedisStorage) replace(ctx context.Context, p *types.Process, stage func(tx *redis.Tx) (func(pipe redis.Pipeliner), error)) error {
	key := s.processKey(p.ID)
	var version int64
	err := s.watch(ctx, func(tx *redis.Tx) error {
		stored, err := getFromRedis[types.Process](ctx, tx, key, processNotFound(p.ID))
		if err != nil {
			return err
		}
		version, err = nextVersion(stored.Version, p.Version)
		if err != nil {
			return err
		}
		next := p.Clone()
		next.Version = version
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal process %d: %v", p.ID, err)
		}
		var queue func(pipe redis.Pipeliner)
		if stage != nil {
			if queue, err = stage(tx); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if queue != nil {
				queue(pipe)
			}
			return nil
		})
		return err
	}, key, s.stepsKey(p.ID))
	if err != nil {
		return err
	}
	p.Version = version
	return nil
}

// UpdateProcess replaces a process if its version still matches.
func (s *RedisStorage) UpdateProcess(ctx context.Context, p *types.Process) error {
	return s.replace(ctx, p, nil)
}

// CommitStep appends rec to the process's list and replaces p in one
// MULTI block.
func (s *RedisStorage) CommitStep(ctx context.Context, p *types.Process, rec *types.StepRecord) error {
	var seq int
	err := s.replace(ctx, p, func(tx *redis.Tx) (func(pipe redis.Pipeliner), error) {
		n, err := tx.LLen(ctx, s.stepsKey(p.ID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count step records: %v", err)
		}
		seq = int(n) + 1
		stored := *rec
		stored.ProcessID = p.ID
		stored.Seq = seq
		data, err := json.Marshal(&stored)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal step record: %v", err)
		}
		return func(pipe redis.Pipeliner) {
			pipe.RPush(ctx, s.stepsKey(p.ID), data)
		}, nil
	})
	if err != nil {
		return err
	}
	rec.ProcessID = p.ID
	rec.Seq = seq
	return nil
}

// ListSteps returns the step records of a process.
func (s *RedisStorage) ListSteps(ctx context.Context, processID uint64) ([]*types.StepRecord, error) {
	return withContext(ctx, func() ([]*types.StepRecord, error) {
		items, err := s.client.LRange(ctx, s.stepsKey(processID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read step records: %v", err)
		}
		out := make([]*types.StepRecord, 0, len(items))
		for _, item := range items {
			var rec types.StepRecord
			if err := json.Unmarshal([]byte(item), &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal step record: %v", err)
			}
			out = append(out, &rec)
		}
		return out, nil
	})
}

// ListProcesses scans the process index and filters in the client.
func (s *RedisStorage) ListProcesses(ctx context.Context, f ProcessFilter) ([]*types.Process, error) {
	ids, err := s.client.ZRange(ctx, s.key(processIndex), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan process index: %v", err)
	}
	var out []*types.Process
	for _, raw := range ids {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			continue
		}
		p, err := s.GetProcess(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		if f.Match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteProcess removes a process and its step records.
func (s *RedisStorage) DeleteProcess(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		del := pipe.Del(ctx, s.processKey(id))
		pipe.Del(ctx, s.stepsKey(id))
		pipe.ZRem(ctx, s.key(processIndex), uintKey(id))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		if del.Val() == 0 {
			return processNotFound(id)
		}
		return nil
	})
}

// GetSubscription implements subscription.Repository.
func (s *RedisStorage) GetSubscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	sub, err := getFromRedis[subscription.Subscription](ctx, s.client, s.key(subscriptionPrefix, id.String()), subscriptionNotFound(id))
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// SaveSubscription implements subscription.Repository. The reverse
// dependency sets are kept consistent with DependsOn.
func (s *RedisStorage) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	key := s.key(subscriptionPrefix, sub.ID.String())
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription %s: %v", sub.ID, err)
	}
	return s.watch(ctx, func(tx *redis.Tx) error {
		var previous []uuid.UUID
		old, err := getFromRedis[subscription.Subscription](ctx, tx, key, ErrNotFound)
		if err == nil {
			previous = old.DependsOn
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			for _, dep := range previous {
				pipe.SRem(ctx, s.key(dependentsPrefix, dep.String()), sub.ID.String())
			}
			for _, dep := range sub.DependsOn {
				pipe.SAdd(ctx, s.key(dependentsPrefix, dep.String()), sub.ID.String())
			}
			return nil
		})
		return err
	}, key)
}

// SetInsync implements subscription.Repository.
func (s *RedisStorage) SetInsync(ctx context.Context, id uuid.UUID, from, to bool) error {
	key := s.key(subscriptionPrefix, id.String())
	return s.watch(ctx, func(tx *redis.Tx) error {
		sub, err := getFromRedis[subscription.Subscription](ctx, tx, key, subscriptionNotFound(id))
		if err != nil {
			return err
		}
		if sub.Insync != from {
			return insyncConflict(id, from)
		}
		sub.Insync = to
		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("failed to marshal subscription %s: %v", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
}

// DependentsOf implements subscription.Repository.
func (s *RedisStorage) DependentsOf(ctx context.Context, id uuid.UUID) ([]*subscription.Subscription, error) {
	members, err := s.client.SMembers(ctx, s.key(dependentsPrefix, id.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dependents of %s: %v", id, err)
	}
	sort.Strings(members)
	var out []*subscription.Subscription
	for _, m := range members {
		depID, err := uuid.Parse(m)
		if err != nil {
			continue
		}
		sub, err := s.GetSubscription(ctx, depID)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
