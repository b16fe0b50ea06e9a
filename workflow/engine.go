package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/workfloworchestrator/orchestrator-core-sub000/events"
	"github.com/workfloworchestrator/orchestrator-core-sub000/state"
	"github.com/workfloworchestrator/orchestrator-core-sub000/storage"
	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

const (
	tracerName = "github.com/workfloworchestrator/orchestrator-core-sub000/workflow"

	// maxAbortAttempts bounds how often Abort re-reads a process that a
	// running drive keeps committing.
	maxAbortAttempts = 5
)

// JobKind separates workflow from task processes for executors with
// independent queues.
type JobKind string

const (
	JobWorkflow JobKind = "workflow"
	JobTask     JobKind = "task"
)

// Job drives one process to its next suspension or terminal point.
type Job struct {
	Kind      JobKind
	ProcessID uint64
	Workflow  string
	Run       func(ctx context.Context)
}

// Executor runs jobs outside the caller's goroutine.
type Executor interface {
	Submit(ctx context.Context, job Job) error
}

// Result describes where a process stands after an engine call.
type Result struct {
	ProcessID uint64
	Status    types.ProcessStatus
	// Form is set while the process waits for input or a callback.
	Form    *types.InputForm
	Failure *types.Failure
	State   *state.State
}

func resultOf(p *types.Process) *Result {
	r := &Result{
		ProcessID: p.ID,
		Status:    p.Status,
		Failure:   p.Failure,
		State:     p.State,
	}
	if p.Suspension != nil {
		r.Form = p.Suspension.Form
	}
	return r
}

// Engine starts and drives processes.
type Engine struct {
	registry      *Registry
	store         storage.Storage
	subscriptions subscription.Repository
	generate      generator.Generator
	eventBus      *events.EventBus
	ownsBus       bool
	logger        *slog.Logger
	tracer        trace.Tracer
	executor      Executor
	now           func() time.Time

	// startLocks serializes the start gates per workflow and subscription.
	startLocks sync.Map
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRegistry sets the registry workflows are looked up in.
func WithRegistry(r *Registry) EngineOption {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithSubscriptions sets the repository the guard and the builtin steps
// use. By default the store is used when it implements the repository.
func WithSubscriptions(repo subscription.Repository) EngineOption {
	return func(e *Engine) {
		e.subscriptions = repo
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithEventBus publishes notifications on bus. The caller stops it.
func WithEventBus(bus *events.EventBus) EngineOption {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

// WithTracerProvider sets where step spans are recorded.
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// WithExecutor drives processes on ex instead of the calling goroutine.
func WithExecutor(ex Executor) EngineOption {
	return func(e *Engine) {
		e.executor = ex
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine. A nil store selects in-memory storage.
func NewEngine(generate generator.Generator, store storage.Storage, opts ...EngineOption) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}

	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		store:    store,
		generate: generate,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.registry == nil {
		e.registry = NewRegistry()
	}
	if e.subscriptions == nil {
		if repo, ok := store.(subscription.Repository); ok {
			e.subscriptions = repo
		}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
		e.ownsBus = true
	}
	return e, nil
}

// Registry returns the registry the engine resolves workflows from.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) (unsubscribe func()) {
	return e.eventBus.Subscribe(eventType, handler)
}

// Stop releases engine resources. Processes are not touched.
func (e *Engine) Stop() {
	if e.ownsBus {
		e.eventBus.Stop()
	}
}

// Start runs the gates for workflow name and, when they pass, creates a
// process and drives it. No process exists when an error is returned
// before the drive began.
func (e *Engine) Start(ctx context.Context, name string, input map[string]any, actor types.Actor) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	wf, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}
	subID, idErr := targetSubscription(wf, input)

	keys := []string{"workflow:" + wf.Name}
	if subID != nil {
		keys = append(keys, "subscription:"+subID.String())
	}
	unlock := e.lockStart(keys...)
	defer unlock()

	if wf.RunPredicate != nil {
		ok, reason := wf.RunPredicate(ctx, PredicateContext{
			Workflow:  wf.Name,
			Target:    wf.Target,
			Actor:     actor,
			Input:     input,
			Processes: e.store,
		})
		if !ok {
			e.logger.Info("start rejected by predicate",
				slog.String("workflow", wf.Name),
				slog.String("reason", reason),
			)
			return nil, &StartPredicateError{Workflow: wf.Name, Reason: reason}
		}
	}
	if err := wf.authorize(ctx, ActionStart, 0, actor); err != nil {
		return nil, err
	}
	if idErr != nil {
		return nil, idErr
	}
	if err := e.checkStart(ctx, wf, subID); err != nil {
		return nil, err
	}

	var leading *checkpointInput
	if step, idx := leadingInputStep(wf); step != nil {
		values, err := validateInput(ctx, step, input)
		if err != nil {
			return nil, err
		}
		leading = &checkpointInput{index: idx, values: values}
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("generate process id: %w", err)
	}

	now := e.now()
	initial := state.FromMap(input)
	p := &types.Process{
		ID:             id,
		WorkflowName:   wf.Name,
		Target:         wf.Target,
		IsTask:         wf.IsTask(),
		SubscriptionID: subID,
		Status:         types.ProcessCreated,
		CurrentStep:    wf.Steps[0].Name,
		State:          initial,
		InitialState:   initial,
		CreatedBy:      actor.Name,
		LastModifiedBy: actor.Name,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	// The process is stored already running so no write can leave it
	// created.
	created := p.Clone()
	previous, err := transition(p, triggerStart)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateProcess(ctx, p); err != nil {
		return nil, fmt.Errorf("create process: %w", err)
	}
	e.notifyStatus(ctx, created, "", actor)
	e.notifyStatus(ctx, p, previous, actor)
	unlock()

	e.logger.Info("process started",
		slog.Uint64("process_id", p.ID),
		slog.String("workflow", wf.Name),
		slog.String("actor", actor.Name),
	)
	return e.dispatch(ctx, wf, p, leading, actor)
}

// Resume continues a suspended process with input for the step it waits
// at. Invalid input leaves the process unchanged.
func (e *Engine) Resume(ctx context.Context, id uint64, input map[string]any, actor types.Actor) (*Result, error) {
	p, wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.Status.Suspended() {
		return resultOf(p), fmt.Errorf("%w: process %d is %s", ErrNotSuspended, p.ID, p.Status)
	}
	if err := wf.authorize(ctx, ActionResume, p.Cursor, actor); err != nil {
		return nil, err
	}
	if err := e.checkContinue(ctx, wf, p); err != nil {
		return nil, err
	}
	if p.Cursor >= len(wf.Steps) {
		return resultOf(p), fmt.Errorf("%w: process %d has no step at %d", ErrInvalidTransition, p.ID, p.Cursor)
	}

	step := wf.Steps[p.Cursor]
	values, err := validateInput(ctx, step, input)
	if err != nil {
		return resultOf(p), err
	}
	supplied := make(map[string]any, len(values))
	if p.Suspension != nil {
		for k, v := range p.Suspension.Pending {
			supplied[k] = v
		}
	}
	for k, v := range values {
		supplied[k] = v
	}

	previous, err := transition(p, triggerResume)
	if err != nil {
		return resultOf(p), err
	}
	p.Suspension = nil
	p.LastModifiedBy = actor.Name
	p.UpdatedAt = e.now()
	if err := e.store.UpdateProcess(ctx, p); err != nil {
		return nil, fmt.Errorf("resume process %d: %w", p.ID, err)
	}
	e.notifyStatus(ctx, p, previous, actor)

	e.logger.Info("process resumed",
		slog.Uint64("process_id", p.ID),
		slog.String("step", step.Name),
		slog.String("actor", actor.Name),
	)
	return e.dispatch(ctx, wf, p, &checkpointInput{index: p.Cursor, values: supplied}, actor)
}

// Retry re-enters a failed or suspended process at its first unfinished
// step, using the State of the last finished one.
func (e *Engine) Retry(ctx context.Context, id uint64, actor types.Actor) (*Result, error) {
	p, wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListSteps(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps of process %d: %w", p.ID, err)
	}
	last, cursor := progress(p, records)

	if err := wf.authorize(ctx, ActionRetry, cursor, actor); err != nil {
		return nil, err
	}
	if err := e.checkContinue(ctx, wf, p); err != nil {
		return nil, err
	}

	previous, err := transition(p, triggerRetry)
	if err != nil {
		return resultOf(p), err
	}
	p.State = last
	p.Cursor = cursor
	if cursor < len(wf.Steps) {
		p.CurrentStep = wf.Steps[cursor].Name
	}
	p.Failure = nil
	p.Suspension = nil
	p.LastModifiedBy = actor.Name
	p.UpdatedAt = e.now()
	if err := e.store.UpdateProcess(ctx, p); err != nil {
		return nil, fmt.Errorf("retry process %d: %w", p.ID, err)
	}
	e.notifyStatus(ctx, p, previous, actor)

	e.logger.Info("process retried",
		slog.Uint64("process_id", p.ID),
		slog.Int("cursor", cursor),
		slog.String("actor", actor.Name),
	)
	return e.dispatch(ctx, wf, p, nil, actor)
}

// Abort ends a non-terminal process for good. Subscriptions are not
// touched.
func (e *Engine) Abort(ctx context.Context, id uint64, actor types.Actor) error {
	for attempt := 1; ; attempt++ {
		p, wf, err := e.load(ctx, id)
		if err != nil {
			return err
		}
		if err := wf.authorize(ctx, ActionAbort, p.Cursor, actor); err != nil {
			return err
		}

		next := p.Clone()
		previous, err := transition(next, triggerAbort)
		if err != nil {
			return err
		}
		now := e.now()
		next.Suspension = nil
		next.LastModifiedBy = actor.Name
		next.UpdatedAt = now

		stepName := next.CurrentStep
		if stepName == "" {
			stepName = string(ActionAbort)
		}
		rec := &types.StepRecord{
			ProcessID:  p.ID,
			StepName:   stepName,
			Status:     types.StepAborted,
			State:      p.State,
			Error:      "aborted by " + actor.Name,
			CreatedBy:  actor.Name,
			ExecutedAt: now,
		}
		err = e.store.CommitStep(ctx, next, rec)
		if errors.Is(err, storage.ErrConflict) && attempt < maxAbortAttempts {
			continue
		}
		if err != nil {
			return fmt.Errorf("abort process %d: %w", p.ID, err)
		}

		e.notifyStatus(ctx, next, previous, actor)
		e.logger.Info("process aborted",
			slog.Uint64("process_id", p.ID),
			slog.String("actor", actor.Name),
		)
		return nil
	}
}

// GetStatus returns the process and its step records in order.
func (e *Engine) GetStatus(ctx context.Context, id uint64) (*types.Process, []*types.StepRecord, error) {
	p, err := e.store.GetProcess(ctx, id)
	if err != nil {
		return nil, nil, e.processErr(id, err)
	}
	records, err := e.store.ListSteps(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list steps of process %d: %w", id, err)
	}
	return p, records, nil
}

// ListProcesses returns the processes matching f.
func (e *Engine) ListProcesses(ctx context.Context, f storage.ProcessFilter) ([]*types.Process, error) {
	return e.store.ListProcesses(ctx, f)
}

// ProcessesOf returns the processes bound to a subscription.
func (e *Engine) ProcessesOf(ctx context.Context, id uuid.UUID) ([]*types.Process, error) {
	return e.store.ListProcesses(ctx, storage.ProcessFilter{SubscriptionID: &id})
}

func (e *Engine) load(ctx context.Context, id uint64) (*types.Process, *Workflow, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}
	p, err := e.store.GetProcess(ctx, id)
	if err != nil {
		return nil, nil, e.processErr(id, err)
	}
	wf, err := e.registry.Get(p.WorkflowName)
	if err != nil {
		return nil, nil, err
	}
	return p, wf, nil
}

func (e *Engine) processErr(id uint64, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrProcessNotFound, id)
	}
	return fmt.Errorf("get process %d: %w", id, err)
}

// dispatch drives p inline or hands it to the executor. The drive is
// detached from the caller's cancellation.
func (e *Engine) dispatch(ctx context.Context, wf *Workflow, p *types.Process, in *checkpointInput, actor types.Actor) (*Result, error) {
	if e.executor == nil {
		return e.drive(context.WithoutCancel(ctx), wf, p, in, actor)
	}

	res := resultOf(p)
	kind := JobWorkflow
	if wf.IsTask() {
		kind = JobTask
	}
	job := Job{
		Kind:      kind,
		ProcessID: p.ID,
		Workflow:  wf.Name,
		Run: func(ctx context.Context) {
			if _, err := e.drive(ctx, wf, p, in, actor); err != nil && !errors.Is(err, ErrStepFailed) {
				e.logger.Error("drive failed",
					slog.Uint64("process_id", p.ID),
					slog.String("error", err.Error()),
				)
			}
		},
	}
	if err := e.executor.Submit(ctx, job); err != nil {
		submitErr := fmt.Errorf("submit process %d: %w", p.ID, err)
		if ferr := e.failUnscheduled(context.WithoutCancel(ctx), p, submitErr, actor); ferr != nil {
			return res, errors.Join(submitErr, ferr)
		}
		return resultOf(p), submitErr
	}
	return res, nil
}

// failUnscheduled records a process the executor refused as failed so it
// can be retried.
func (e *Engine) failUnscheduled(ctx context.Context, p *types.Process, cause error, actor types.Actor) error {
	next := p.Clone()
	previous, err := transition(next, triggerFail)
	if err != nil {
		return err
	}
	now := e.now()
	next.Failure = &types.Failure{Step: p.CurrentStep, Message: cause.Error()}
	next.UpdatedAt = now
	rec := &types.StepRecord{
		ProcessID:  p.ID,
		StepName:   p.CurrentStep,
		Status:     types.StepFailed,
		State:      p.State,
		Error:      cause.Error(),
		CreatedBy:  actor.Name,
		ExecutedAt: now,
	}
	if err := e.store.CommitStep(ctx, next, rec); err != nil {
		return err
	}
	*p = *next
	e.notifyStatus(ctx, p, previous, actor)
	return nil
}

func (e *Engine) lockStart(keys ...string) (unlock func()) {
	mus := make([]*sync.Mutex, 0, len(keys))
	for _, k := range keys {
		v, _ := e.startLocks.LoadOrStore(k, &sync.Mutex{})
		mu := v.(*sync.Mutex)
		mu.Lock()
		mus = append(mus, mu)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(mus) - 1; i >= 0; i-- {
				mus[i].Unlock()
			}
		})
	}
}

// leadingInputStep returns the inputstep whose input is collected at start:
// the first step after any Init.
func leadingInputStep(wf *Workflow) (*Step, int) {
	for i, s := range wf.Steps {
		if s == Init {
			continue
		}
		if s.Kind == KindInputStep {
			return s, i
		}
		return nil, -1
	}
	return nil, -1
}

// progress derives the resume point from the step records: the State of the
// last finished step and the number of finished top-level steps.
func progress(p *types.Process, records []*types.StepRecord) (*state.State, int) {
	last := p.InitialState
	if last == nil {
		last = state.New()
	}
	cursor := 0
	for _, r := range records {
		if r.Status.Done() {
			last = r.State
			cursor++
		}
	}
	return last, cursor
}

func (e *Engine) notifyStatus(ctx context.Context, p *types.Process, previous types.ProcessStatus, actor types.Actor) {
	e.eventBus.Notify(ctx, events.Event{
		Type:      events.StatusChanged,
		ProcessID: p.ID,
		Data: map[string]any{
			events.DataWorkflow: p.WorkflowName,
			events.DataStatus:   string(p.Status),
			events.DataPrevious: string(previous),
			events.DataActor:    actor.Name,
		},
	})
}

func (e *Engine) notifyStep(ctx context.Context, p *types.Process, rec *types.StepRecord) {
	eventType := events.StepCompleted
	data := map[string]any{
		events.DataWorkflow: p.WorkflowName,
		events.DataStep:     rec.StepName,
		events.DataStatus:   string(rec.Status),
		events.DataDuration: rec.Duration,
	}
	if rec.Status == types.StepFailed {
		eventType = events.StepFailed
		data[events.DataError] = rec.Error
	}
	e.eventBus.Notify(ctx, events.Event{Type: eventType, ProcessID: p.ID, Data: data})
}
