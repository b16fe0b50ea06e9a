// Package storage persists workflows, processes and their append-only step
// records. Every backend also serves as the subscription repository.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

var (
	// ErrNotFound is matched by every lookup miss.
	ErrNotFound = errors.New("resource not found")
	// ErrWorkflowNotFound is returned for unknown workflow names.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrProcessNotFound is returned for unknown process ids.
	ErrProcessNotFound = errors.New("process not found")
	// ErrConflict is returned when a process was changed since it was read.
	ErrConflict = errors.New("process was modified concurrently")
	// ErrExists is returned when creating a process whose id is taken.
	ErrExists = errors.New("process already exists")
)

// ProcessFilter selects processes. Zero fields match everything.
type ProcessFilter struct {
	WorkflowName   string
	SubscriptionID *uuid.UUID
	Statuses       []types.ProcessStatus
	// UpdatedBefore keeps processes last updated strictly before the time.
	UpdatedBefore time.Time
}

// Match reports whether p passes the filter.
func (f ProcessFilter) Match(p *types.Process) bool {
	if f.WorkflowName != "" && p.WorkflowName != f.WorkflowName {
		return false
	}
	if f.SubscriptionID != nil && (p.SubscriptionID == nil || *p.SubscriptionID != *f.SubscriptionID) {
		return false
	}
	if len(f.Statuses) > 0 && !hasStatus(f.Statuses, p.Status) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !p.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

func hasStatus(statuses []types.ProcessStatus, s types.ProcessStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Storage defines the interface for persisting workflows, processes and
// step records.
//
// Process versions implement optimistic locking: CreateProcess stores
// version 1, and UpdateProcess and CommitStep succeed only when the stored
// version equals p.Version, after which p.Version is incremented in place.
type Storage interface {
	// SaveWorkflow inserts or replaces a workflow record.
	SaveWorkflow(ctx context.Context, wf types.WorkflowRecord) error

	// GetWorkflow retrieves a workflow record by name.
	GetWorkflow(ctx context.Context, name string) (types.WorkflowRecord, error)

	// ListWorkflows returns all workflow records ordered by name.
	ListWorkflows(ctx context.Context) ([]types.WorkflowRecord, error)

	// CreateProcess stores a new process.
	CreateProcess(ctx context.Context, p *types.Process) error

	// GetProcess retrieves a process by id.
	GetProcess(ctx context.Context, id uint64) (*types.Process, error)

	// UpdateProcess replaces a process without appending a step record.
	UpdateProcess(ctx context.Context, p *types.Process) error

	// CommitStep appends rec to the process's step records and replaces the
	// process in one atomic write. rec.Seq is assigned by the store.
	CommitStep(ctx context.Context, p *types.Process, rec *types.StepRecord) error

	// ListSteps returns the step records of a process in Seq order.
	ListSteps(ctx context.Context, processID uint64) ([]*types.StepRecord, error)

	// ListProcesses returns processes matching f ordered by id.
	ListProcesses(ctx context.Context, f ProcessFilter) ([]*types.Process, error)

	// DeleteProcess removes a process and its step records.
	DeleteProcess(ctx context.Context, id uint64) error
}

// Store is a complete backend.
type Store interface {
	Storage
	subscription.Repository
	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// notFound wraps a specific miss so it also matches ErrNotFound.
type notFound struct {
	kind error
	key  string
}

func (e *notFound) Error() string { return e.kind.Error() + ": " + e.key }

func (e *notFound) Is(target error) bool { return target == ErrNotFound || target == e.kind }

func processNotFound(id uint64) error {
	return &notFound{kind: ErrProcessNotFound, key: uintKey(id)}
}

func workflowNotFound(name string) error {
	return &notFound{kind: ErrWorkflowNotFound, key: name}
}

func subscriptionNotFound(id uuid.UUID) error {
	return &notFound{kind: subscription.ErrNotFound, key: id.String()}
}

func insyncConflict(id uuid.UUID, from bool) error {
	return fmt.Errorf("%w: subscription %s has insync %t", subscription.ErrInsyncConflict, id, !from)
}

func uintKey(id uint64) string { return strconv.FormatUint(id, 10) }

// nextVersion checks the optimistic lock and returns the version to store.
func nextVersion(stored, expected int64) (int64, error) {
	if stored != expected {
		return 0, ErrConflict
	}
	return expected + 1, nil
}
