package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

const (
	tableWorkflows     = "workflows"
	tableProcesses     = "processes"
	tableSteps         = "steps"
	tableSubscriptions = "subscriptions"
)

// Rows wrap the domain values with the flat fields memdb indexes on.
type processRow struct {
	ID             uint64
	WorkflowName   string
	SubscriptionID string
	Process        *types.Process
}

type stepRow struct {
	Key       string
	ProcessID uint64
	Record    *types.StepRecord
}

type subscriptionRow struct {
	ID           string
	DependsOn    []string
	Subscription *subscription.Subscription
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableWorkflows: {
				Name: tableWorkflows,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Name"}},
				},
			},
			tableProcesses: {
				Name: tableProcesses,
				Indexes: map[string]*memdb.IndexSchema{
					"id":           {Name: "id", Unique: true, Indexer: &memdb.UintFieldIndex{Field: "ID"}},
					"workflow":     {Name: "workflow", Indexer: &memdb.StringFieldIndex{Field: "WorkflowName"}},
					"subscription": {Name: "subscription", AllowMissing: true, Indexer: &memdb.StringFieldIndex{Field: "SubscriptionID"}},
				},
			},
			tableSteps: {
				Name: tableSteps,
				Indexes: map[string]*memdb.IndexSchema{
					"id":      {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Key"}},
					"process": {Name: "process", Indexer: &memdb.UintFieldIndex{Field: "ProcessID"}},
				},
			},
			tableSubscriptions: {
				Name: tableSubscriptions,
				Indexes: map[string]*memdb.IndexSchema{
					"id":         {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
					"depends_on": {Name: "depends_on", AllowMissing: true, Indexer: &memdb.StringSliceFieldIndex{Field: "DependsOn"}},
				},
			},
		},
	}
}

// MemoryStorage is an in-memory implementation of Store built on go-memdb.
// Every write runs in a single memdb transaction.
type MemoryStorage struct {
	db *memdb.MemDB
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		panic(fmt.Sprintf("MemoryStorage initialization failed: %v", err))
	}
	return &MemoryStorage{db: db}
}

func newProcessRow(p *types.Process) *processRow {
	row := &processRow{ID: p.ID, WorkflowName: p.WorkflowName, Process: p.Clone()}
	if p.SubscriptionID != nil {
		row.SubscriptionID = p.SubscriptionID.String()
	}
	return row
}

func stepKey(processID uint64, seq int) string {
	return fmt.Sprintf("%020d/%09d", processID, seq)
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowRecord) error {
	return withContextError(ctx, func() error {
		txn := s.db.Txn(true)
		defer txn.Abort()
		rec := wf
		if err := txn.Insert(tableWorkflows, &rec); err != nil {
			return fmt.Errorf("insert workflow %s: %w", wf.Name, err)
		}
		txn.Commit()
		return nil
	})
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, name string) (types.WorkflowRecord, error) {
	return withContext(ctx, func() (types.WorkflowRecord, error) {
		txn := s.db.Txn(false)
		raw, err := txn.First(tableWorkflows, "id", name)
		if err != nil {
			return types.WorkflowRecord{}, err
		}
		if raw == nil {
			return types.WorkflowRecord{}, workflowNotFound(name)
		}
		return *raw.(*types.WorkflowRecord), nil
	})
}

// ListWorkflows returns every workflow ordered by name.
func (s *MemoryStorage) ListWorkflows(ctx context.Context) ([]types.WorkflowRecord, error) {
	return withContext(ctx, func() ([]types.WorkflowRecord, error) {
		txn := s.db.Txn(false)
		it, err := txn.Get(tableWorkflows, "id")
		if err != nil {
			return nil, err
		}
		var out []types.WorkflowRecord
		for obj := it.Next(); obj != nil; obj = it.Next() {
			out = append(out, *obj.(*types.WorkflowRecord))
		}
		return out, nil
	})
}

// CreateProcess stores p with version 1.
func (s *MemoryStorage) CreateProcess(ctx context.Context, p *types.Process) error {
	return withContextError(ctx, func() error {
		txn := s.db.Txn(true)
		defer txn.Abort()
		existing, err := txn.First(tableProcesses, "id", p.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: id=%d", ErrExists, p.ID)
		}
		p.Version = 1
		if err := txn.Insert(tableProcesses, newProcessRow(p)); err != nil {
			return fmt.Errorf("insert process %d: %w", p.ID, err)
		}
		txn.Commit()
		return nil
	})
}

// GetProcess retrieves a process from memory.
func (s *MemoryStorage) GetProcess(ctx context.Context, id uint64) (*types.Process, error) {
	return withContext(ctx, func() (*types.Process, error) {
		txn := s.db.Txn(false)
		raw, err := txn.First(tableProcesses, "id", id)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, processNotFound(id)
		}
		return raw.(*processRow).Process.Clone(), nil
	})
}

// replace checks the version of the stored process and writes p in txn.
func (s *MemoryStorage) replace(txn *memdb.Txn, p *types.Process) (int64, error) {
	raw, err := txn.First(tableProcesses, "id", p.ID)
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, processNotFound(p.ID)
	}
	version, err := nextVersion(raw.(*processRow).Process.Version, p.Version)
	if err != nil {
		return 0, err
	}
	row := newProcessRow(p)
	row.Process.Version = version
	if err := txn.Insert(tableProcesses, row); err != nil {
		return 0, fmt.Errorf("update process %d: %w", p.ID, err)
	}
	return version, nil
}

// UpdateProcess replaces a process if its version still matches.
func (s *MemoryStorage) UpdateProcess(ctx context.Context, p *types.Process) error {
	return withContextError(ctx, func() error {
		txn := s.db.Txn(true)
		defer txn.Abort()
		version, err := s.replace(txn, p)
		if err != nil {
			return err
		}
		txn.Commit()
		p.Version = version
		return nil
	})
}

// CommitStep appends rec and replaces p in one transaction.
func (s *MemoryStorage) CommitStep(ctx context.Context, p *types.Process, rec *types.StepRecord) error {
	return withContextError(ctx, func() error {
		txn := s.db.Txn(true)
		defer txn.Abort()
		version, err := s.replace(txn, p)
		if err != nil {
			return err
		}
		it, err := txn.Get(tableSteps, "process", p.ID)
		if err != nil {
			return err
		}
		seq := 1
		for obj := it.Next(); obj != nil; obj = it.Next() {
			seq++
		}
		stored := *rec
		stored.ProcessID = p.ID
		stored.Seq = seq
		if err := txn.Insert(tableSteps, &stepRow{Key: stepKey(p.ID, seq), ProcessID: p.ID, Record: &stored}); err != nil {
			return fmt.Errorf("insert step record: %w", err)
		}
		txn.Commit()
		p.Version = version
		rec.ProcessID = p.ID
		rec.Seq = seq
		return nil
	})
}

// ListSteps returns the step records of a process.
func (s *MemoryStorage) ListSteps(ctx context.Context, processID uint64) ([]*types.StepRecord, error) {
	return withContext(ctx, func() ([]*types.StepRecord, error) {
		txn := s.db.Txn(false)
		it, err := txn.Get(tableSteps, "process", processID)
		if err != nil {
			return nil, err
		}
		var out []*types.StepRecord
		for obj := it.Next(); obj != nil; obj = it.Next() {
			rec := *obj.(*stepRow).Record
			out = append(out, &rec)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
		return out, nil
	})
}

// ListProcesses returns the processes matching f.
func (s *MemoryStorage) ListProcesses(ctx context.Context, f ProcessFilter) ([]*types.Process, error) {
	return withContext(ctx, func() ([]*types.Process, error) {
		txn := s.db.Txn(false)
		var (
			it  memdb.ResultIterator
			err error
		)
		switch {
		case f.SubscriptionID != nil:
			it, err = txn.Get(tableProcesses, "subscription", f.SubscriptionID.String())
		case f.WorkflowName != "":
			it, err = txn.Get(tableProcesses, "workflow", f.WorkflowName)
		default:
			it, err = txn.Get(tableProcesses, "id")
		}
		if err != nil {
			return nil, err
		}
		var out []*types.Process
		for obj := it.Next(); obj != nil; obj = it.Next() {
			p := obj.(*processRow).Process
			if f.Match(p) {
				out = append(out, p.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// DeleteProcess removes a process and its step records.
func (s *MemoryStorage) DeleteProcess(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		txn := s.db.Txn(true)
		defer txn.Abort()
		raw, err := txn.First(tableProcesses, "id", id)
		if err != nil {
			return err
		}
		if raw == nil {
			return processNotFound(id)
		}
		if err := txn.Delete(tableProcesses, raw); err != nil {
			return err
		}
		if _, err := txn.DeleteAll(tableSteps, "process", id); err != nil {
			return err
		}
		txn.Commit()
		return nil
	})
}

// GetSubscription implements subscription.Repository.
func (s *MemoryStorage) GetSubscription(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error) {
	return withContext(ctx, func() (*subscription.Subscription, error) {
		txn := s.db.Txn(false)
		raw, err := txn.First(tableSubscriptions, "id", id.String())
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, subscriptionNotFound(id)
		}
		return raw.(*subscriptionRow).Subscription.Clone(), nil
	})
}

// SaveSubscription implements subscription.Repository.
func (s *MemoryStorage) SaveSubscription(ctx context.Context, sub *subscription.Subscription) error {
	return withContextError(ctx, func() error {
		row := &subscriptionRow{ID: sub.ID.String(), Subscription: sub.Clone()}
		for _, dep := range sub.DependsOn {
			row.DependsOn = append(row.DependsOn, dep.String())
		}
		txn := s.db.Txn(true)
		defer txn.Abort()
		if err := txn.Insert(tableSubscriptions, row); err != nil {
			return fmt.Errorf("insert subscription %s: %w", sub.ID, err)
		}
		txn.Commit()
		return nil
	})
}

// SetInsync implements subscription.Repository. Write transactions are
// serialized, so the check and the write cannot interleave with another.
func (s *MemoryStorage) SetInsync(ctx context.Context, id uuid.UUID, from, to bool) error {
	return withContextError(ctx, func() error {
		txn := s.db.Txn(true)
		defer txn.Abort()
		raw, err := txn.First(tableSubscriptions, "id", id.String())
		if err != nil {
			return err
		}
		if raw == nil {
			return subscriptionNotFound(id)
		}
		old := raw.(*subscriptionRow)
		if old.Subscription.Insync != from {
			return insyncConflict(id, from)
		}
		row := &subscriptionRow{ID: old.ID, DependsOn: old.DependsOn, Subscription: old.Subscription.Clone()}
		row.Subscription.Insync = to
		if err := txn.Insert(tableSubscriptions, row); err != nil {
			return fmt.Errorf("update subscription %s: %w", id, err)
		}
		txn.Commit()
		return nil
	})
}

// DependentsOf implements subscription.Repository.
func (s *MemoryStorage) DependentsOf(ctx context.Context, id uuid.UUID) ([]*subscription.Subscription, error) {
	return withContext(ctx, func() ([]*subscription.Subscription, error) {
		txn := s.db.Txn(false)
		it, err := txn.Get(tableSubscriptions, "depends_on", id.String())
		if err != nil {
			return nil, err
		}
		var out []*subscription.Subscription
		for obj := it.Next(); obj != nil; obj = it.Next() {
			out = append(out, obj.(*subscriptionRow).Subscription.Clone())
		}
		return out, nil
	})
}

// Close is a no-op for the memory store.
func (s *MemoryStorage) Close() error { return nil }
