package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

//go:embed migrations/postgres.sql
var postgresMigration string

// PostgresOptions holds PostgreSQL connection configuration.
type PostgresOptions struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

// PostgresStorage implements Store backed by PostgreSQL.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to PostgreSQL and applies the schema.
func NewPostgresStorage(ctx context.Context, opts PostgresOptions) (*PostgresStorage, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = opts.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigration); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflows (name, target, description, is_task, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			target = EXCLUDED.target,
			description = EXCLUDED.description,
			is_task = EXCLUDED.is_task`,
		wf.Name, string(wf.Target), wf.Description, wf.IsTask, wf.CreatedAt)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func scanPGWorkflow(row pgx.Row) (types.WorkflowRecord, error) {
	var (
		wf     types.WorkflowRecord
		target string
	)
	if err := row.Scan(&wf.Name, &target, &wf.Description, &wf.IsTask, &wf.CreatedAt); err != nil {
		return types.WorkflowRecord{}, err
	}
	wf.Target = types.Target(target)
	return wf, nil
}

func (s *PostgresStorage) GetWorkflow(ctx context.Context, name string) (types.WorkflowRecord, error) {
	wf, err := scanPGWorkflow(s.pool.QueryRow(ctx, `
		SELECT name, target, description, is_task, created_at FROM workflows WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.WorkflowRecord{}, workflowNotFound(name)
	}
	if err != nil {
		return types.WorkflowRecord{}, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *PostgresStorage) ListWorkflows(ctx context.Context) ([]types.WorkflowRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, target, description, is_task, created_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []types.WorkflowRecord
	for rows.Next() {
		wf, err := scanPGWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) CreateProcess(ctx context.Context, p *types.Process) error {
	p.Version = 1
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal process: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO processes (id, workflow_name, subscription_id, status, version, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		int64(p.ID), p.WorkflowName, p.SubscriptionID, string(p.Status), p.Version, p.UpdatedAt, data)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id=%d", ErrExists, p.ID)
	}
	return nil
}

func (s *PostgresStorage) GetProcess(ctx context.Context, id uint64) (*types.Process, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM processes WHERE id = $1`, int64(id)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, processNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	return decodeProcess(string(data))
}

func (s *PostgresStorage) replace(ctx context.Context, tx pgx.Tx, p *types.Process) (int64, error) {
	next := p.Clone()
	next.Version = p.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("marshal process: %w", err)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE processes SET workflow_name = $2, subscription_id = $3, status = $4, version = $5, updated_at = $6, data = $7
		WHERE id = $1 AND version = $8`,
		int64(p.ID), p.WorkflowName, p.SubscriptionID, string(p.Status), next.Version, p.UpdatedAt, data, p.Version)
	if err != nil {
		return 0, fmt.Errorf("update process: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return next.Version, nil
	}
	var exists int
	err = tx.QueryRow(ctx, `SELECT 1 FROM processes WHERE id = $1`, int64(p.ID)).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, processNotFound(p.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("check process: %w", err)
	}
	return 0, ErrConflict
}

func (s *PostgresStorage) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStorage) UpdateProcess(ctx context.Context, p *types.Process) error {
	var version int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		version, err = s.replace(ctx, tx, p)
		return err
	})
	if err != nil {
		return err
	}
	p.Version = version
	return nil
}

func (s *PostgresStorage) CommitStep(ctx context.Context, p *types.Process, rec *types.StepRecord) error {
	var (
		version int64
		seq     int
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		if version, err = s.replace(ctx, tx, p); err != nil {
			return err
		}
		// The version check above holds the row lock, so seq cannot race.
		if err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM process_steps WHERE process_id = $1`, int64(p.ID)).Scan(&seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		stored := *rec
		stored.ProcessID = p.ID
		stored.Seq = seq
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal step record: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO process_steps (process_id, seq, data) VALUES ($1, $2, $3)`, int64(p.ID), seq, data); err != nil {
			return fmt.Errorf("insert step record: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.Version = version
	rec.ProcessID = p.ID
	rec.Seq = seq
	return nil
}

func (s *PostgresStorage) ListSteps(ctx context.Context, processID uint64) ([]*types.StepRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM process_steps WHERE process_id = $1 ORDER BY seq ASC`, int64(processID))
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*types.StepRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		var rec types.StepRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal step record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) ListProcesses(ctx context.Context, f ProcessFilter) ([]*types.Process, error) {
	query := `SELECT data FROM processes WHERE 1=1`
	args := []any{}
	idx := 1

	if f.WorkflowName != "" {
		query += fmt.Sprintf(` AND workflow_name = $%d`, idx)
		args = append(args, f.WorkflowName)
		idx++
	}
	if f.SubscriptionID != nil {
		query += fmt.Sprintf(` AND subscription_id = $%d`, idx)
		args = append(args, *f.SubscriptionID)
		idx++
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(` AND status = ANY($%d)`, idx)
		args = append(args, statuses)
		idx++
	}
	if !f.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(` AND updated_at < $%d`, idx)
		args = append(args, f.UpdatedBefore)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var out []*types.Process
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		p, err := decodeProcess(string(data))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStorage) DeleteProcess(ctx context.Context, id uint64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processes WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("delete process: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return processNotFound(id)
	}
	return nil
}

func (s *PostgresStorage) GetSubscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM subscriptions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subscriptionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	var sub subscription.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

func (s *PostgresStorage) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO subscriptions (id, data) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, sub.ID, data); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM subscription_dependencies WHERE subscription_id = $1`, sub.ID); err != nil {
			return fmt.Errorf("clear dependencies: %w", err)
		}
		for _, dep := range sub.DependsOn {
			if _, err := tx.Exec(ctx, `
				INSERT INTO subscription_dependencies (subscription_id, depends_on) VALUES ($1, $2)
				ON CONFLICT DO NOTHING`, sub.ID, dep); err != nil {
				return fmt.Errorf("save dependency: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStorage) SetInsync(ctx context.Context, id uuid.UUID, from, to bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscriptions SET data = jsonb_set(data, '{insync}', to_jsonb($2::boolean))
		WHERE id = $1 AND (data->>'insync')::boolean = $3`, id, to, from)
	if err != nil {
		return fmt.Errorf("set insync: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetSubscription(ctx, id); err != nil {
		return err
	}
	return insyncConflict(id, from)
}

func (s *PostgresStorage) DependentsOf(ctx context.Context, id uuid.UUID) ([]*subscription.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.data FROM subscriptions s
		JOIN subscription_dependencies d ON d.subscription_id = s.id
		WHERE d.depends_on = $1
		ORDER BY s.id`, id)
	if err != nil {
		return nil, fmt.Errorf("list dependents: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		var sub subscription.Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return nil, fmt.Errorf("unmarshal subscription: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}
