package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite.sql
var sqliteMigration string

// SQLiteOptions configures the SQLite backend.
type SQLiteOptions struct {
	// DSN is a file path or ":memory:".
	DSN string `yaml:"dsn"`
}

// SQLiteStorage implements Store on an SQLite database. Writes are
// serialised on a single connection.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens dsn and applies the schema. Use ":memory:" for an
// in-memory database.
func NewSQLiteStorage(dsn string) (*SQLiteStorage, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if dsn == ":memory:" {
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	if _, err := db.Exec(sqliteMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (name, target, description, is_task, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			target = excluded.target,
			description = excluded.description,
			is_task = excluded.is_task`,
		wf.Name, string(wf.Target), wf.Description, wf.IsTask, wf.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func scanWorkflow(scan func(dest ...any) error) (types.WorkflowRecord, error) {
	var (
		wf        types.WorkflowRecord
		target    string
		createdAt string
	)
	if err := scan(&wf.Name, &target, &wf.Description, &wf.IsTask, &createdAt); err != nil {
		return types.WorkflowRecord{}, err
	}
	wf.Target = types.Target(target)
	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return types.WorkflowRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	wf.CreatedAt = t
	return wf, nil
}

func (s *SQLiteStorage) GetWorkflow(ctx context.Context, name string) (types.WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, target, description, is_task, created_at FROM workflows WHERE name = ?`, name)
	wf, err := scanWorkflow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WorkflowRecord{}, workflowNotFound(name)
	}
	if err != nil {
		return types.WorkflowRecord{}, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

func (s *SQLiteStorage) ListWorkflows(ctx context.Context) ([]types.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, target, description, is_task, created_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []types.WorkflowRecord
	for rows.Next() {
		wf, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func nullableSubscription(p *types.Process) any {
	if p.SubscriptionID == nil {
		return nil
	}
	return p.SubscriptionID.String()
}

func (s *SQLiteStorage) CreateProcess(ctx context.Context, p *types.Process) error {
	p.Version = 1
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal process: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (id, workflow_name, subscription_id, status, version, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		int64(p.ID), p.WorkflowName, nullableSubscription(p), string(p.Status), p.Version, p.UpdatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id=%d", ErrExists, p.ID)
	}
	return nil
}

func decodeProcess(data string) (*types.Process, error) {
	var p types.Process
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("unmarshal process: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStorage) GetProcess(ctx context.Context, id uint64) (*types.Process, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM processes WHERE id = ?`, int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, processNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	return decodeProcess(data)
}

// replace performs the versioned update of p within tx.
func (s *SQLiteStorage) replace(ctx context.Context, tx *sql.Tx, p *types.Process) (int64, error) {
	next := p.Clone()
	next.Version = p.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return 0, fmt.Errorf("marshal process: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE processes SET workflow_name = ?, subscription_id = ?, status = ?, version = ?, updated_at = ?, data = ?
		WHERE id = ? AND version = ?`,
		p.WorkflowName, nullableSubscription(p), string(p.Status), next.Version, p.UpdatedAt.UnixNano(), string(data),
		int64(p.ID), p.Version)
	if err != nil {
		return 0, fmt.Errorf("update process: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return next.Version, nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM processes WHERE id = ?`, int64(p.ID)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, processNotFound(p.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("check process: %w", err)
	}
	return 0, ErrConflict
}

func (s *SQLiteStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) UpdateProcess(ctx context.Context, p *types.Process) error {
	var version int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
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

func (s *SQLiteStorage) CommitStep(ctx context.Context, p *types.Process, rec *types.StepRecord) error {
	var (
		version int64
		seq     int
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if version, err = s.replace(ctx, tx, p); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM process_steps WHERE process_id = ?`, int64(p.ID)).Scan(&seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}
		stored := *rec
		stored.ProcessID = p.ID
		stored.Seq = seq
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal step record: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO process_steps (process_id, seq, data) VALUES (?, ?, ?)`, int64(p.ID), seq, string(data)); err != nil {
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

func (s *SQLiteStorage) ListSteps(ctx context.Context, processID uint64) ([]*types.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM process_steps WHERE process_id = ? ORDER BY seq ASC`, int64(processID))
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var out []*types.StepRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		var rec types.StepRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal step record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ListProcesses(ctx context.Context, f ProcessFilter) ([]*types.Process, error) {
	query := `SELECT data FROM processes WHERE 1=1`
	var args []any
	if f.WorkflowName != "" {
		query += ` AND workflow_name = ?`
		args = append(args, f.WorkflowName)
	}
	if f.SubscriptionID != nil {
		query += ` AND subscription_id = ?`
		args = append(args, f.SubscriptionID.String())
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(f.Statuses)-1) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, f.UpdatedBefore.UnixNano())
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var out []*types.Process
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		p, err := decodeProcess(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) DeleteProcess(ctx context.Context, id uint64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM process_steps WHERE process_id = ?`, int64(id)); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM processes WHERE id = ?`, int64(id))
		if err != nil {
			return fmt.Errorf("delete process: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return processNotFound(id)
		}
		return nil
	})
}

func (s *SQLiteStorage) GetSubscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM subscriptions WHERE id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, subscriptionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	var sub subscription.Subscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription: %w", err)
	}
	return &sub, nil
}

func (s *SQLiteStorage) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO subscriptions (id, data) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET data = excluded.data`, sub.ID.String(), string(data)); err != nil {
			return fmt.Errorf("save subscription: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM subscription_dependencies WHERE subscription_id = ?`, sub.ID.String()); err != nil {
			return fmt.Errorf("clear dependencies: %w", err)
		}
		for _, dep := range sub.DependsOn {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO subscription_dependencies (subscription_id, depends_on) VALUES (?, ?)`,
				sub.ID.String(), dep.String()); err != nil {
				return fmt.Errorf("save dependency: %w", err)
			}
		}
		return nil
	})
}

// SetInsync implements subscription.Repository. json_extract yields 1 or 0
// for JSON booleans.
func (s *SQLiteStorage) SetInsync(ctx context.Context, id uuid.UUID, from, to bool) error {
	expected := 0
	if from {
		expected = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET data = json_set(data, '$.insync', json(?))
		WHERE id = ? AND json_extract(data, '$.insync') = ?`,
		strconv.FormatBool(to), id.String(), expected)
	if err != nil {
		return fmt.Errorf("set insync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetSubscription(ctx, id); err != nil {
		return err
	}
	return insyncConflict(id, from)
}

func (s *SQLiteStorage) DependentsOf(ctx context.Context, id uuid.UUID) ([]*subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.data FROM subscriptions s
		JOIN subscription_dependencies d ON d.subscription_id = s.id
		WHERE d.depends_on = ?
		ORDER BY s.id`, id.String())
	if err != nil {
		return nil, fmt.Errorf("list dependents: %w", err)
	}
	defer rows.Close()

	var out []*subscription.Subscription
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		var sub subscription.Subscription
		if err := json.Unmarshal([]byte(data), &sub); err != nil {
			return nil, fmt.Errorf("unmarshal subscription: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}
