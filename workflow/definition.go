package workflow

import (
	"fmt"

	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

// Workflow is an immutable named definition. Build it with New or one of
// the target helpers and register it before the engine starts.
type Workflow struct {
	Name        string
	Description string
	Target      types.Target
	Steps       StepList

	// Auth decides who may start the workflow. RetryAuth, when set, decides
	// who may retry before any checkpoint overrides it.
	Auth      Authorizer
	RetryAuth Authorizer

	RunPredicate RunPredicate

	// AllowedLifecycles restricts the subscription lifecycle at start.
	// Empty means active, or any lifecycle for terminate workflows.
	AllowedLifecycles   []subscription.Lifecycle
	RunWhileOutOfSync   bool
	BlockedByDependents bool

	// Schema is used by the builtin lifecycle steps.
	Schema subscription.Schema
}

// IsTask reports whether the workflow is an unbound background task.
func (w *Workflow) IsTask() bool {
	return w.Target == types.TargetSystem
}

// Bound reports whether starting the workflow requires an existing
// subscription.
func (w *Workflow) Bound() bool {
	return w.Target != types.TargetSystem && w.Target != types.TargetCreate
}

// Record returns the persisted description of w.
func (w *Workflow) Record() types.WorkflowRecord {
	return types.WorkflowRecord{
		Name:        w.Name,
		Target:      w.Target,
		Description: w.Description,
		IsTask:      w.IsTask(),
	}
}

func (w *Workflow) lifecycleAllowed(l subscription.Lifecycle) bool {
	if len(w.AllowedLifecycles) == 0 {
		return w.Target == types.TargetTerminate || l == subscription.Active
	}
	for _, allowed := range w.AllowedLifecycles {
		if allowed == l {
			return true
		}
	}
	return false
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithDescription sets the human readable description.
func WithDescription(d string) Option {
	return func(w *Workflow) {
		w.Description = d
	}
}

// WithAuth sets the start authorizer.
func WithAuth(a Authorizer) Option {
	return func(w *Workflow) {
		w.Auth = a
	}
}

// WithWorkflowRetryAuth sets the workflow level retry authorizer.
func WithWorkflowRetryAuth(a Authorizer) Option {
	return func(w *Workflow) {
		w.RetryAuth = a
	}
}

// WithRunPredicate sets the start predicate.
func WithRunPredicate(p RunPredicate) Option {
	return func(w *Workflow) {
		w.RunPredicate = p
	}
}

// WithAllowedLifecycles overrides the lifecycles accepted at start.
func WithAllowedLifecycles(ls ...subscription.Lifecycle) Option {
	return func(w *Workflow) {
		w.AllowedLifecycles = append([]subscription.Lifecycle(nil), ls...)
	}
}

// WithRunWhileOutOfSync allows starting on an out-of-sync subscription.
func WithRunWhileOutOfSync() Option {
	return func(w *Workflow) {
		w.RunWhileOutOfSync = true
	}
}

// WithBlockedByDependents refuses to start while a subscription using the
// target is not terminated.
func WithBlockedByDependents() Option {
	return func(w *Workflow) {
		w.BlockedByDependents = true
	}
}

// WithSchema sets the schema used by lifecycle steps.
func WithSchema(s subscription.Schema) Option {
	return func(w *Workflow) {
		w.Schema = s
	}
}

// New validates and returns a workflow executing steps as given.
func New(name string, target types.Target, steps StepList, opts ...Option) (*Workflow, error) {
	return build(name, target, opts, func(*Workflow) StepList { return steps })
}

// Create wraps body with init and done.
func Create(name string, body StepList, opts ...Option) (*Workflow, error) {
	return build(name, types.TargetCreate, opts, func(*Workflow) StepList {
		return Begin(Init).Then(body...).Then(Done)
	})
}

// Modify wraps body so the subscription is out of sync while it runs.
func Modify(name string, body StepList, opts ...Option) (*Workflow, error) {
	return build(name, types.TargetModify, opts, func(w *Workflow) StepList {
		return Begin(Init, unsyncFor(w)).Then(body...).Then(Resync, Done)
	})
}

// Terminate is Modify with a final transition to the terminated lifecycle.
func Terminate(name string, body StepList, opts ...Option) (*Workflow, error) {
	return build(name, types.TargetTerminate, opts, func(w *Workflow) StepList {
		return Begin(Init, unsyncFor(w)).
			Then(body...).
			Then(SetLifecycle(subscription.Terminated, w.Schema), Resync, Done)
	})
}

// Validate wraps a read-only check of a subscription.
func Validate(name string, body StepList, opts ...Option) (*Workflow, error) {
	return build(name, types.TargetValidate, opts, func(w *Workflow) StepList {
		return Begin(Init, unsyncFor(w)).Then(body...).Then(Resync, Done)
	})
}

// Task wraps body as an unbound background task.
func Task(name string, body StepList, opts ...Option) (*Workflow, error) {
	return build(name, types.TargetSystem, opts, func(*Workflow) StepList {
		return Begin(Init).Then(body...).Then(Done)
	})
}

func unsyncFor(w *Workflow) *Step {
	if w.RunWhileOutOfSync {
		return UnsyncUnchecked
	}
	return Unsync
}

func build(name string, target types.Target, opts []Option, steps func(*Workflow) StepList) (*Workflow, error) {
	w := &Workflow{Name: name, Target: target}
	for _, opt := range opts {
		opt(w)
	}
	w.Steps = steps(w)
	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Workflow) validate() error {
	if w.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	switch w.Target {
	case types.TargetCreate, types.TargetModify, types.TargetTerminate, types.TargetValidate, types.TargetSystem:
	default:
		return fmt.Errorf("%w: workflow %q has unknown target %q", ErrInvalidDefinition, w.Name, w.Target)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("%w: workflow %q has no steps", ErrInvalidDefinition, w.Name)
	}
	for _, l := range w.AllowedLifecycles {
		if !l.Valid() {
			return fmt.Errorf("%w: workflow %q allows unknown lifecycle %q", ErrInvalidDefinition, w.Name, l)
		}
	}

	seen := make(map[string]bool)
	for _, s := range w.Steps {
		if err := validateStep(s, seen, false); err != nil {
			return fmt.Errorf("%w: workflow %q: %v", ErrInvalidDefinition, w.Name, err)
		}
	}
	return nil
}

func validateStep(s *Step, seen map[string]bool, nested bool) error {
	if s == nil {
		return fmt.Errorf("nil step")
	}
	if s.Name == "" {
		return fmt.Errorf("step without name")
	}
	if seen[s.Name] {
		return fmt.Errorf("duplicate step name %q", s.Name)
	}
	seen[s.Name] = true

	switch s.Kind {
	case KindStep, KindRetryStep:
		if s.Func == nil {
			return fmt.Errorf("step %q has no function", s.Name)
		}
	case KindInputStep, KindCallbackStep:
		if nested {
			return fmt.Errorf("checkpoint %q inside a group or conditional", s.Name)
		}
		if s.Kind == KindInputStep && s.Form == nil {
			return fmt.Errorf("inputstep %q has no form", s.Name)
		}
	case KindConditional:
		if s.Predicate == nil || s.Inner == nil {
			return fmt.Errorf("conditional %q needs a predicate and a step", s.Name)
		}
		// The inner step usually shares the conditional's name.
		if s.Inner.Name == s.Name {
			delete(seen, s.Name)
		}
		if err := validateStep(s.Inner, seen, true); err != nil {
			return err
		}
	case KindStepGroup:
		if len(s.Steps) == 0 {
			return fmt.Errorf("group %q is empty", s.Name)
		}
		for _, sub := range s.Steps {
			if err := validateStep(sub, seen, true); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("step %q has unknown kind %q", s.Name, s.Kind)
	}
	return nil
}
