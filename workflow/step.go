package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/workfloworchestrator/orchestrator-core-sub000/rules"
	"github.com/workfloworchestrator/orchestrator-core-sub000/state"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

// StepKind identifies how the engine treats a step.
type StepKind string

const (
	KindStep         StepKind = "step"
	KindRetryStep    StepKind = "retrystep"
	KindInputStep    StepKind = "inputstep"
	KindCallbackStep StepKind = "callbackstep"
	KindConditional  StepKind = "conditional"
	KindStepGroup    StepKind = "stepgroup"
)

// StepFunc computes a partial State update from the declared parameters.
type StepFunc func(ctx context.Context, params state.Params) (state.Update, error)

// Validator checks the validated form values of a checkpoint as a whole.
type Validator func(ctx context.Context, values map[string]any) error

// Predicate decides whether a conditional step runs.
type Predicate func(ctx context.Context, s *state.State) (bool, error)

// RetryPolicy bounds the automatic re-attempts of a retrystep.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultRetryPolicy is used by RetryStep when no policy is given.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Step is one unit of work in a step list.
type Step struct {
	Name string
	Kind StepKind

	// Requires and Optional name the State keys passed to Func or Action.
	Requires []string
	Optional []string
	Func     StepFunc

	// Retry applies to retrystep only.
	Retry RetryPolicy

	// Checkpoint fields (inputstep, callbackstep).
	Form       *types.InputForm
	Validate   Validator
	Action     StepFunc
	ResumeAuth Authorizer
	RetryAuth  Authorizer

	// Conditional fields.
	Predicate Predicate
	Inner     *Step

	// Group fields.
	Steps    StepList
	Parallel bool
}

// IsCheckpoint reports whether the step can suspend the process.
func (s *Step) IsCheckpoint() bool {
	return s.Kind == KindInputStep || s.Kind == KindCallbackStep
}

// StepOption configures a Step.
type StepOption func(*Step)

// WithRequires declares required State keys.
func WithRequires(keys ...string) StepOption {
	return func(s *Step) {
		s.Requires = append(s.Requires, keys...)
	}
}

// WithOptional declares State keys passed when present.
func WithOptional(keys ...string) StepOption {
	return func(s *Step) {
		s.Optional = append(s.Optional, keys...)
	}
}

// WithResumeAuth sets who may resume at this checkpoint. It also becomes
// the ambient resume authorizer for later checkpoints.
func WithResumeAuth(a Authorizer) StepOption {
	return func(s *Step) {
		s.ResumeAuth = a
	}
}

// WithRetryAuth sets who may retry steps following this checkpoint.
func WithRetryAuth(a Authorizer) StepOption {
	return func(s *Step) {
		s.RetryAuth = a
	}
}

// WithValidator adds a whole-form validator to a checkpoint.
func WithValidator(v Validator) StepOption {
	return func(s *Step) {
		s.Validate = v
	}
}

// WithAction sets the function a callbackstep runs on entry. Its output is
// held on the suspension and merged with the callback payload.
func WithAction(f StepFunc) StepOption {
	return func(s *Step) {
		s.Action = f
	}
}

// WithRetryPolicy overrides the retrystep policy.
func WithRetryPolicy(p RetryPolicy) StepOption {
	return func(s *Step) {
		s.Retry = p
	}
}

func newStep(name string, kind StepKind, opts []StepOption) *Step {
	s := &Step{Name: name, Kind: kind}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewStep returns an ordinary step.
func NewStep(name string, f StepFunc, opts ...StepOption) *Step {
	s := newStep(name, KindStep, opts)
	s.Func = f
	return s
}

// RetryStep returns a step that is re-attempted with exponential backoff
// before its failure reaches the process.
func RetryStep(name string, f StepFunc, opts ...StepOption) *Step {
	s := newStep(name, KindRetryStep, opts)
	s.Func = f
	s.Retry = s.Retry.withDefaults()
	return s
}

// InputStep returns a checkpoint that suspends until the caller supplies
// input matching form.
func InputStep(name string, form *types.InputForm, opts ...StepOption) *Step {
	s := newStep(name, KindInputStep, opts)
	s.Form = form
	return s
}

// CallbackStep returns a checkpoint that suspends until an external system
// delivers a payload. form may be nil to accept any payload.
func CallbackStep(name string, form *types.InputForm, opts ...StepOption) *Step {
	s := newStep(name, KindCallbackStep, opts)
	s.Form = form
	return s
}

// Conditional runs inner only when pred holds. The step takes inner's name.
func Conditional(pred Predicate, inner *Step) *Step {
	return &Step{
		Name:      inner.Name,
		Kind:      KindConditional,
		Predicate: pred,
		Inner:     inner,
	}
}

// ConditionalExpr is Conditional with an expression over the State.
func ConditionalExpr(evaluator rules.Evaluator, expression string, inner *Step) *Step {
	return Conditional(func(_ context.Context, s *state.State) (bool, error) {
		ok, err := evaluator.Evaluate(expression, s.ToMap())
		if err != nil {
			return false, fmt.Errorf("condition %q: %w", expression, err)
		}
		return ok, nil
	}, inner)
}

// StepGroup returns a group whose steps run in order against a scratch
// State and commit as one record.
func StepGroup(name string, steps ...*Step) *Step {
	return &Step{
		Name:  name,
		Kind:  KindStepGroup,
		Steps: StepList(steps),
	}
}

// ParallelGroup is a StepGroup whose steps run concurrently against the same
// input. Outputs are merged in declaration order.
func ParallelGroup(name string, steps ...*Step) *Step {
	g := StepGroup(name, steps...)
	g.Parallel = true
	return g
}
