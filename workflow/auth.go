package workflow

import (
	"context"

	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

// Authorizer decides whether actor may perform an action. A nil Authorizer
// admits any authenticated actor.
type Authorizer func(ctx context.Context, actor types.Actor) bool

// Action names an authorized engine operation.
type Action string

const (
	ActionStart  Action = "start"
	ActionResume Action = "resume"
	ActionRetry  Action = "retry"
	ActionAbort  Action = "abort"
)

// RequireRoles admits actors holding at least one of roles.
func RequireRoles(roles ...string) Authorizer {
	return func(_ context.Context, actor types.Actor) bool {
		for _, r := range roles {
			if actor.HasRole(r) {
				return true
			}
		}
		return false
	}
}

// Allow reports whether a admits actor. Unauthenticated actors are always
// denied.
func Allow(ctx context.Context, a Authorizer, actor types.Actor) bool {
	if !actor.Authenticated() {
		return false
	}
	if a == nil {
		return true
	}
	return a(ctx, actor)
}

// StartAuthorizer returns who may start the workflow.
func (w *Workflow) StartAuthorizer() Authorizer {
	return w.Auth
}

// ResumeAuthorizer returns who may resume a process whose next step is at
// cursor. The latest checkpoint at or before cursor with a resume
// authorizer wins, else the start authorizer applies.
func (w *Workflow) ResumeAuthorizer(cursor int) Authorizer {
	ambient := w.Auth
	for i, s := range w.Steps {
		if i > cursor {
			break
		}
		if s.IsCheckpoint() && s.ResumeAuth != nil {
			ambient = s.ResumeAuth
		}
	}
	return ambient
}

// RetryAuthorizer returns who may retry a process whose first unfinished
// step is at cursor. Checkpoints before cursor override the workflow level
// setting with their retry authorizer, falling back to their resume
// authorizer.
func (w *Workflow) RetryAuthorizer(cursor int) Authorizer {
	r := w.RetryAuth
	if r == nil {
		r = w.Auth
	}
	for i, s := range w.Steps {
		if i >= cursor {
			break
		}
		if !s.IsCheckpoint() {
			continue
		}
		switch {
		case s.RetryAuth != nil:
			r = s.RetryAuth
		case s.ResumeAuth != nil:
			r = s.ResumeAuth
		}
	}
	return r
}

func (w *Workflow) authorizerFor(action Action, cursor int) Authorizer {
	switch action {
	case ActionResume:
		return w.ResumeAuthorizer(cursor)
	case ActionRetry, ActionAbort:
		return w.RetryAuthorizer(cursor)
	default:
		return w.StartAuthorizer()
	}
}

func (w *Workflow) authorize(ctx context.Context, action Action, cursor int, actor types.Actor) error {
	if Allow(ctx, w.authorizerFor(action, cursor), actor) {
		return nil
	}
	return &AuthorizationError{Action: action, Workflow: w.Name, Actor: actor.Name}
}
