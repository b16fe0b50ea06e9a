package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/workfloworchestrator/orchestrator-core-sub000/storage"
)

// Registry holds the workflows a host program registered at start-up.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	order     []string
	sealed    bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*Workflow)}
}

// Register adds wf. Names are unique and registration ends with Seal.
func (r *Registry) Register(wf *Workflow) error {
	if wf == nil {
		return fmt.Errorf("%w: nil workflow", ErrInvalidDefinition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, wf.Name)
	}
	if _, ok := r.workflows[wf.Name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateWorkflow, wf.Name)
	}
	r.workflows[wf.Name] = wf
	r.order = append(r.order, wf.Name)
	return nil
}

// MustRegister is Register for start-up code; it panics on error.
func (r *Registry) MustRegister(wfs ...*Workflow) {
	for _, wf := range wfs {
		if err := r.Register(wf); err != nil {
			panic(err)
		}
	}
}

// Seal stops further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Get returns the workflow called name.
func (r *Registry) Get(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrWorkflowNotFound, name)
	}
	return wf, nil
}

// Names returns workflow names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// SyncDefinitions writes a row for every registered workflow missing from
// store. Existing rows are left untouched.
func (r *Registry) SyncDefinitions(ctx context.Context, store storage.Storage) error {
	now := time.Now().UTC()
	for _, name := range r.Names() {
		wf, err := r.Get(name)
		if err != nil {
			return err
		}
		_, err = store.GetWorkflow(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("read workflow %q: %w", name, err)
		}
		rec := wf.Record()
		rec.CreatedAt = now
		if err := store.SaveWorkflow(ctx, rec); err != nil {
			return fmt.Errorf("save workflow %q: %w", name, err)
		}
	}
	return nil
}
