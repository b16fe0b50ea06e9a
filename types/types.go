package types

import (
	"time"

	"github.com/google/uuid"

	"github.com/workfloworchestrator/orchestrator-core-sub000/state"
)

// ProcessStatus is the lifecycle status of a process.
type ProcessStatus string

const (
	ProcessCreated           ProcessStatus = "created"
	ProcessRunning           ProcessStatus = "running"
	ProcessSuspendedInput    ProcessStatus = "suspended_input"
	ProcessSuspendedCallback ProcessStatus = "suspended_callback"
	ProcessFailed            ProcessStatus = "failed"
	ProcessCompleted         ProcessStatus = "completed"
	ProcessAborted           ProcessStatus = "aborted"
)

// Terminal reports whether no further transition is possible.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessCompleted || s == ProcessAborted
}

// Suspended reports whether the process waits for input or a callback.
func (s ProcessStatus) Suspended() bool {
	return s == ProcessSuspendedInput || s == ProcessSuspendedCallback
}

// Active reports whether the process still holds its target entity:
// everything except the terminal statuses.
func (s ProcessStatus) Active() bool {
	return !s.Terminal()
}

// StepStatus is the outcome recorded for one step.
type StepStatus string

const (
	StepCompleted        StepStatus = "completed"
	StepSkipped          StepStatus = "skipped"
	StepSuspended        StepStatus = "suspended"
	StepAwaitingCallback StepStatus = "awaiting_callback"
	StepFailed           StepStatus = "failed"
	StepAborted          StepStatus = "aborted"
)

// Done reports whether the step counts as passed for retry purposes.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepSkipped
}

// Target is the kind of change a workflow makes to its entity.
type Target string

const (
	TargetCreate    Target = "create"
	TargetModify    Target = "modify"
	TargetTerminate Target = "terminate"
	TargetValidate  Target = "validate"
	// TargetSystem marks an unbound background task.
	TargetSystem Target = "system"
)

// Actor is the identity performing an operation. An empty Name means the
// caller is not authenticated.
type Actor struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// Authenticated reports whether the actor carries an identity.
func (a Actor) Authenticated() bool {
	return a.Name != ""
}

// HasRole reports whether the actor has role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// SystemActor is used by schedulers and other internal callers.
var SystemActor = Actor{Name: "SYSTEM", Roles: []string{"system"}}

// FieldType is the expected type of an input form field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldUUID   FieldType = "uuid"
	FieldObject FieldType = "object"
	FieldList   FieldType = "list"
	FieldAny    FieldType = "any"
)

// FormField describes one field a caller must or may supply.
type FormField struct {
	Name        string    `json:"name"`
	Type        FieldType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
	Default     any       `json:"default,omitempty"`
	Choices     []string  `json:"choices,omitempty"`
}

// InputForm is the machine-readable description of the input a suspended
// step needs.
type InputForm struct {
	Title  string      `json:"title,omitempty"`
	Fields []FormField `json:"fields"`
}

// Field returns the field named name.
func (f *InputForm) Field(name string) (FormField, bool) {
	if f == nil {
		return FormField{}, false
	}
	for _, fld := range f.Fields {
		if fld.Name == name {
			return fld, true
		}
	}
	return FormField{}, false
}

// Suspension describes why a process is suspended.
type Suspension struct {
	Step string     `json:"step"`
	Kind string     `json:"kind"`
	Form *InputForm `json:"form,omitempty"`
	// Pending holds output produced by a callback step's action; it is
	// merged together with the callback payload.
	Pending map[string]any `json:"pending,omitempty"`
}

// Failure is the error attached to a failed process.
type Failure struct {
	Step    string `json:"step"`
	Message string `json:"message"`
}

// Process is one execution of a workflow.
type Process struct {
	ID             uint64        `json:"id"`
	WorkflowName   string        `json:"workflow_name"`
	Target         Target        `json:"target"`
	IsTask         bool          `json:"is_task"`
	SubscriptionID *uuid.UUID    `json:"subscription_id,omitempty"`
	Status         ProcessStatus `json:"status"`
	// Cursor is the index of the next top-level step to execute.
	Cursor      int    `json:"cursor"`
	CurrentStep string `json:"current_step,omitempty"`
	// State is the output of the last successfully completed step.
	State        *state.State `json:"state"`
	InitialState *state.State `json:"initial_state"`
	Suspension   *Suspension  `json:"suspension,omitempty"`
	Failure      *Failure     `json:"failure,omitempty"`
	CreatedBy    string       `json:"created_by"`
	// LastModifiedBy is the actor of the last start, resume, retry or abort.
	LastModifiedBy string    `json:"last_modified_by"`
	Version        int64     `json:"version"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a copy that can be mutated without affecting p. State values
// are immutable and shared.
func (p *Process) Clone() *Process {
	if p == nil {
		return nil
	}
	c := *p
	if p.SubscriptionID != nil {
		id := *p.SubscriptionID
		c.SubscriptionID = &id
	}
	if p.Suspension != nil {
		s := *p.Suspension
		c.Suspension = &s
	}
	if p.Failure != nil {
		f := *p.Failure
		c.Failure = &f
	}
	return &c
}

// StepRecord is the append-only audit entry for one step outcome.
type StepRecord struct {
	ProcessID uint64     `json:"process_id"`
	Seq       int        `json:"seq"`
	StepName  string     `json:"step_name"`
	Status    StepStatus `json:"status"`
	// State is the snapshot at completion, or the last good State for records
	// that did not complete.
	State      *state.State  `json:"state"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	CreatedBy  string        `json:"created_by"`
	ExecutedAt time.Time     `json:"executed_at"`
	Duration   time.Duration `json:"duration"`
}

// WorkflowRecord is the persisted, read-only description of a registered
// workflow.
type WorkflowRecord struct {
	Name        string    `json:"name"`
	Target      Target    `json:"target"`
	Description string    `json:"description,omitempty"`
	IsTask      bool      `json:"is_task"`
	CreatedAt   time.Time `json:"created_at"`
}
