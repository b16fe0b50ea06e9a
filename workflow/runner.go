package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/workfloworchestrator/orchestrator-core-sub000/state"
	"github.com/workfloworchestrator/orchestrator-core-sub000/storage"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

// checkpointInput is the validated input for the checkpoint at index.
type checkpointInput struct {
	index  int
	values map[string]any
}

// outcome is the result of running one step.
type outcome struct {
	status types.StepStatus
	// next is the State after the step. update is what the step added, used
	// to merge parallel group members.
	next     *state.State
	update   state.Update
	pending  map[string]any
	err      error
	attempts int
}

func completed(current *state.State, update state.Update, attempts int) outcome {
	return outcome{
		status:   types.StepCompleted,
		next:     current.Merge(update),
		update:   update,
		attempts: attempts,
	}
}

func failed(err error, attempts int) outcome {
	return outcome{status: types.StepFailed, err: err, attempts: attempts}
}

// drive executes steps from the cursor until the process suspends, fails
// or completes. Every step outcome is committed together with the process.
// Steps see ctx, but commits outlive its cancellation so an interrupted
// step is recorded as failed.
func (e *Engine) drive(ctx context.Context, wf *Workflow, p *types.Process, in *checkpointInput, actor types.Actor) (*Result, error) {
	p = p.Clone()
	ctx = withSubscriptions(ctx, e.subscriptions)
	persist := context.WithoutCancel(ctx)

	if p.Cursor >= len(wf.Steps) && p.Status == types.ProcessRunning {
		previous, err := transition(p, triggerComplete)
		if err != nil {
			return resultOf(p), err
		}
		p.CurrentStep = ""
		p.UpdatedAt = e.now()
		if err := e.store.UpdateProcess(persist, p); err != nil {
			return resultOf(p), fmt.Errorf("complete process %d: %w", p.ID, err)
		}
		e.notifyStatus(persist, p, previous, actor)
		return resultOf(p), nil
	}

	for p.Cursor < len(wf.Steps) {
		step := wf.Steps[p.Cursor]
		var supplied map[string]any
		if in != nil && in.index == p.Cursor {
			supplied = in.values
			in = nil
		}

		started := e.now()
		var out outcome
		if err := ctx.Err(); err != nil {
			out = failed(fmt.Errorf("interrupted before %s: %w", step.Name, err), 0)
		} else {
			out = e.runStep(withProcess(ctx, p), wf, p, step, p.State, supplied)
		}
		finished := e.now()

		rec := &types.StepRecord{
			ProcessID:  p.ID,
			StepName:   step.Name,
			Status:     out.status,
			State:      p.State,
			Attempts:   out.attempts,
			CreatedBy:  actor.Name,
			ExecutedAt: finished,
			Duration:   finished.Sub(started),
		}
		next := p.Clone()
		next.UpdatedAt = finished

		var t trigger
		switch out.status {
		case types.StepCompleted, types.StepSkipped:
			if out.next != nil {
				next.State = out.next
			}
			rec.State = next.State
			next.Cursor++
			next.Suspension = nil
			bindSubscription(next)
			if next.Cursor == len(wf.Steps) {
				t = triggerComplete
				next.CurrentStep = ""
			} else {
				next.CurrentStep = wf.Steps[next.Cursor].Name
			}
		case types.StepSuspended, types.StepAwaitingCallback:
			t = triggerSuspendInput
			if out.status == types.StepAwaitingCallback {
				t = triggerSuspendCallback
			}
			next.CurrentStep = step.Name
			next.Suspension = &types.Suspension{
				Step:    step.Name,
				Kind:    string(step.Kind),
				Form:    step.Form,
				Pending: out.pending,
			}
		default:
			t = triggerFail
			rec.Error = out.err.Error()
			next.CurrentStep = step.Name
			next.Failure = &types.Failure{Step: step.Name, Message: out.err.Error()}
		}

		var previous types.ProcessStatus
		if t != "" {
			var err error
			if previous, err = transition(next, t); err != nil {
				return resultOf(p), err
			}
		}

		if err := e.store.CommitStep(persist, next, rec); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				if current, gerr := e.store.GetProcess(persist, p.ID); gerr == nil && current.Status == types.ProcessAborted {
					e.logger.Info("drive stopped, process was aborted",
						slog.Uint64("process_id", p.ID),
						slog.String("step", step.Name),
					)
					return resultOf(current), nil
				}
			}
			return resultOf(p), fmt.Errorf("commit step %q of process %d: %w", step.Name, p.ID, err)
		}
		p = next

		e.notifyStep(persist, p, rec)
		if t != "" {
			e.notifyStatus(persist, p, previous, actor)
		}

		switch out.status {
		case types.StepFailed:
			e.logger.Warn("step failed",
				slog.Uint64("process_id", p.ID),
				slog.String("workflow", wf.Name),
				slog.String("step", step.Name),
				slog.Int("attempts", out.attempts),
				slog.String("error", out.err.Error()),
			)
			return resultOf(p), &StepError{ProcessID: p.ID, Step: step.Name, Err: out.err}
		case types.StepSuspended, types.StepAwaitingCallback:
			e.logger.Info("process suspended",
				slog.Uint64("process_id", p.ID),
				slog.String("step", step.Name),
				slog.String("status", string(p.Status)),
			)
			return resultOf(p), nil
		}
		e.logger.Debug("step done",
			slog.Uint64("process_id", p.ID),
			slog.String("step", step.Name),
			slog.String("status", string(out.status)),
			slog.Duration("duration", rec.Duration),
		)
	}

	e.logger.Info("process completed",
		slog.Uint64("process_id", p.ID),
		slog.String("workflow", wf.Name),
	)
	return resultOf(p), nil
}

// bindSubscription attaches the subscription a create workflow produced.
func bindSubscription(p *types.Process) {
	if p.SubscriptionID != nil || p.State == nil {
		return
	}
	if v, ok := p.State.Get(SubscriptionIDKey); ok {
		if id, ok := subscriptionIDFrom(v); ok {
			p.SubscriptionID = &id
		}
	}
}

func (e *Engine) runStep(ctx context.Context, wf *Workflow, p *types.Process, step *Step, current *state.State, supplied map[string]any) (out outcome) {
	ctx, span := e.tracer.Start(ctx, "workflow.step."+step.Name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.name", wf.Name),
			attribute.String("workflow.process_id", strconv.FormatUint(p.ID, 10)),
			attribute.String("workflow.step.name", step.Name),
			attribute.String("workflow.step.type", string(step.Kind)),
		),
	)
	defer func() {
		span.SetAttributes(attribute.String("workflow.step.status", string(out.status)))
		if out.err != nil {
			span.RecordError(out.err)
			span.SetStatus(codes.Error, out.err.Error())
		}
		span.End()
	}()

	switch step.Kind {
	case KindStep:
		return call(ctx, step, step.Func, current, 1)
	case KindRetryStep:
		return e.callWithRetry(ctx, wf, p, step, current)
	case KindInputStep:
		if supplied == nil {
			return outcome{status: types.StepSuspended}
		}
		return completed(current, state.Update(supplied), 1)
	case KindCallbackStep:
		if supplied != nil {
			return completed(current, state.Update(supplied), 1)
		}
		var pending map[string]any
		if step.Action != nil {
			act := call(ctx, step, step.Action, current, 1)
			if act.err != nil {
				return act
			}
			pending = act.update
		}
		return outcome{status: types.StepAwaitingCallback, pending: pending, attempts: 1}
	case KindConditional:
		ok, err := evaluate(ctx, step.Predicate, current)
		if err != nil {
			return failed(err, 1)
		}
		if !ok {
			return outcome{status: types.StepSkipped, next: current}
		}
		return e.runStep(ctx, wf, p, step.Inner, current, nil)
	case KindStepGroup:
		return e.runGroup(ctx, wf, p, step, current)
	}
	return failed(fmt.Errorf("unknown step kind %q", step.Kind), 0)
}

// call runs f with the declared parameters. Panics become failures.
func call(ctx context.Context, step *Step, f StepFunc, current *state.State, attempt int) outcome {
	params, err := current.Params(step.Requires, step.Optional)
	if err != nil {
		var missing *state.MissingStateKeyError
		if errors.As(err, &missing) {
			missing.Step = step.Name
		}
		return failed(err, attempt)
	}
	update, err := safeCall(ctx, f, params)
	if err != nil {
		return failed(err, attempt)
	}
	return completed(current, update, attempt)
}

func safeCall(ctx context.Context, f StepFunc, params state.Params) (update state.Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f(ctx, params)
}

func evaluate(ctx context.Context, pred Predicate, current *state.State) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in condition: %v", r)
		}
	}()
	return pred(ctx, current)
}

// callWithRetry re-attempts a retrystep with capped exponential backoff.
// Missing parameters are not retried.
func (e *Engine) callWithRetry(ctx context.Context, wf *Workflow, p *types.Process, step *Step, current *state.State) outcome {
	policy := step.Retry.withDefaults()
	backoff := retry.NewExponential(policy.BaseDelay)
	backoff = retry.WithCappedDuration(policy.MaxDelay, backoff)
	backoff = retry.WithMaxRetries(uint64(policy.MaxAttempts-1), backoff)

	var last outcome
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		last = call(ctx, step, step.Func, current, attempts)
		if last.err == nil {
			return nil
		}
		if errors.Is(last.err, state.ErrMissingKey) {
			return last.err
		}
		e.logger.Debug("step attempt failed",
			slog.Uint64("process_id", p.ID),
			slog.String("workflow", wf.Name),
			slog.String("step", step.Name),
			slog.Int("attempt", attempts),
			slog.String("error", last.err.Error()),
		)
		return retry.RetryableError(last.err)
	})
	if err != nil && last.err == nil {
		last = failed(err, attempts)
	}
	if last.err != nil && attempts > 1 {
		last.err = fmt.Errorf("after %d attempts: %w", attempts, last.err)
	}
	last.attempts = attempts
	return last
}

// runGroup runs the group's steps as one unit. Any failure discards the
// output of every member.
func (e *Engine) runGroup(ctx context.Context, wf *Workflow, p *types.Process, g *Step, current *state.State) outcome {
	if !g.Parallel {
		scratch := current
		update := state.Update{}
		for _, sub := range g.Steps {
			out := e.runStep(ctx, wf, p, sub, scratch, nil)
			if out.status == types.StepFailed {
				return failed(fmt.Errorf("%s: %w", sub.Name, out.err), 1)
			}
			if out.next != nil {
				scratch = out.next
			}
			for k, v := range out.update {
				update[k] = v
			}
		}
		return outcome{status: types.StepCompleted, next: scratch, update: update, attempts: 1}
	}

	outs := make([]outcome, len(g.Steps))
	grp, gctx := errgroup.WithContext(ctx)
	for i, sub := range g.Steps {
		grp.Go(func() error {
			outs[i] = e.runStep(gctx, wf, p, sub, current, nil)
			if outs[i].status == types.StepFailed {
				return fmt.Errorf("%s: %w", sub.Name, outs[i].err)
			}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return failed(err, 1)
	}

	next := current
	update := state.Update{}
	for _, out := range outs {
		next = next.Merge(out.update)
		for k, v := range out.update {
			update[k] = v
		}
	}
	return outcome{status: types.StepCompleted, next: next, update: update, attempts: 1}
}
