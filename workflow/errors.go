package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

// Standard error definitions
var (
	ErrWorkflowNotFound    = errors.New("workflow not found")
	ErrProcessNotFound     = errors.New("process not found")
	ErrInvalidDefinition   = errors.New("invalid workflow definition")
	ErrDuplicateWorkflow   = errors.New("workflow already registered")
	ErrRegistrySealed      = errors.New("registry is sealed")
	ErrInvalidTransition   = errors.New("invalid process status transition")
	ErrNotSuspended        = fmt.Errorf("%w: process is not suspended", ErrInvalidTransition)
	ErrStepFailed          = errors.New("step failed")
	ErrValidation          = errors.New("input validation failed")
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrStartPredicate      = errors.New("start predicate rejected the workflow")
	ErrNoSubscriptions     = errors.New("no subscription repository configured")

	ErrSubscriptionOutOfSync  = errors.New("subscription is out of sync")
	ErrSubscriptionLifecycle  = fmt.Errorf("%w: lifecycle not allowed", ErrSubscriptionOutOfSync)
	ErrUnterminatedDependents = fmt.Errorf("%w: unterminated dependent subscriptions", ErrSubscriptionOutOfSync)
)

// StepError is returned by Start, Resume and Retry when a step failed and
// the process moved to FAILED.
type StepError struct {
	ProcessID uint64
	Step      string
	Err       error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("process %d: step %q failed: %v", e.ProcessID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == ErrStepFailed }

// ValidationError reports input that does not satisfy a checkpoint's form.
// Form is re-presented to the caller so it can collect the missing values.
type ValidationError struct {
	Step string
	Form *types.InputForm
	// Fields maps a field name to what is wrong with it.
	Fields map[string]string
	// Reason is set when a custom validator rejected the input as a whole.
	Reason string
}

func (e *ValidationError) Error() string {
	var parts []string
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		parts = append(parts, name+": "+e.Fields[name])
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return fmt.Sprintf("invalid input for step %q: %s", e.Step, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// AuthorizationError is returned when the actor may not perform Action.
type AuthorizationError struct {
	Action   Action
	Workflow string
	Actor    string
}

func (e *AuthorizationError) Error() string {
	actor := e.Actor
	if actor == "" {
		actor = "<unauthenticated>"
	}
	return fmt.Sprintf("%s of workflow %q denied for %s", e.Action, e.Workflow, actor)
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrAuthorizationDenied }

// StartPredicateError carries the reason a run predicate gave.
type StartPredicateError struct {
	Workflow string
	Reason   string
}

func (e *StartPredicateError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("workflow %q may not be started", e.Workflow)
	}
	return fmt.Sprintf("workflow %q may not be started: %s", e.Workflow, e.Reason)
}

func (e *StartPredicateError) Is(target error) bool { return target == ErrStartPredicate }

// SyncError is returned by the subscription guard. Kind is one of
// ErrSubscriptionOutOfSync, ErrSubscriptionLifecycle or
// ErrUnterminatedDependents.
type SyncError struct {
	Kind           error
	SubscriptionID uuid.UUID
	Detail         string
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%v: subscription %s", e.Kind, e.SubscriptionID)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *SyncError) Unwrap() error { return e.Kind }
