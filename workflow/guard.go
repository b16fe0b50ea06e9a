package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/workfloworchestrator/orchestrator-core-sub000/storage"
	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

var subscriptionIDForm = &types.InputForm{
	Title: "Select subscription",
	Fields: []types.FormField{
		{Name: SubscriptionIDKey, Type: types.FieldUUID, Required: true},
	},
}

// targetSubscription reads the subscription id a bound workflow runs on.
func targetSubscription(wf *Workflow, input map[string]any) (*uuid.UUID, error) {
	if !wf.Bound() {
		if v, ok := input[SubscriptionIDKey]; ok {
			if id, ok := subscriptionIDFrom(v); ok {
				return &id, nil
			}
		}
		return nil, nil
	}
	v, ok := input[SubscriptionIDKey]
	if !ok || v == nil {
		return nil, &ValidationError{
			Form:   subscriptionIDForm,
			Fields: map[string]string{SubscriptionIDKey: "required"},
		}
	}
	id, ok := subscriptionIDFrom(v)
	if !ok {
		return nil, &ValidationError{
			Form:   subscriptionIDForm,
			Fields: map[string]string{SubscriptionIDKey: "not a valid uuid"},
		}
	}
	return &id, nil
}

// checkStart applies the full guard to a subscription a new process would
// be bound to. It only reads.
func (e *Engine) checkStart(ctx context.Context, wf *Workflow, id *uuid.UUID) error {
	if !wf.Bound() || id == nil {
		return nil
	}
	if e.subscriptions == nil {
		return ErrNoSubscriptions
	}
	sub, err := e.subscriptions.GetSubscription(ctx, *id)
	if err != nil {
		return fmt.Errorf("guard %s: %w", *id, err)
	}

	if !wf.RunWhileOutOfSync {
		if !sub.Insync {
			return &SyncError{Kind: ErrSubscriptionOutOfSync, SubscriptionID: sub.ID}
		}
		// A process created under the start lock may not have unsynced yet.
		if err := e.checkHolders(ctx, sub.ID, 0); err != nil {
			return err
		}
	}
	if !wf.lifecycleAllowed(sub.Status) {
		return &SyncError{
			Kind:           ErrSubscriptionLifecycle,
			SubscriptionID: sub.ID,
			Detail:         fmt.Sprintf("lifecycle %s", sub.Status),
		}
	}
	if wf.BlockedByDependents {
		deps, err := e.subscriptions.DependentsOf(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("guard %s: dependents: %w", sub.ID, err)
		}
		var open []string
		for _, d := range deps {
			if d.Status != subscription.Terminated {
				open = append(open, d.ID.String())
			}
		}
		if len(open) > 0 {
			return &SyncError{
				Kind:           ErrUnterminatedDependents,
				SubscriptionID: sub.ID,
				Detail:         "used by " + strings.Join(open, ", "),
			}
		}
	}
	return nil
}

// checkContinue is the guard for resume and retry. Only the sync flag is
// checked, and a process that itself holds the subscription passes.
func (e *Engine) checkContinue(ctx context.Context, wf *Workflow, p *types.Process) error {
	if !wf.Bound() || p.SubscriptionID == nil || wf.RunWhileOutOfSync {
		return nil
	}
	if e.subscriptions == nil {
		return ErrNoSubscriptions
	}
	sub, err := e.subscriptions.GetSubscription(ctx, *p.SubscriptionID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotFound) {
			// Nothing left to guard, e.g. a step removed it.
			return nil
		}
		return fmt.Errorf("guard %s: %w", *p.SubscriptionID, err)
	}
	if sub.Insync {
		return nil
	}

	return e.checkHolders(ctx, sub.ID, p.ID)
}

// checkHolders fails when a workflow process other than self holds the
// subscription. A process that failed at unsync never took it.
func (e *Engine) checkHolders(ctx context.Context, id uuid.UUID, self uint64) error {
	holders, err := e.store.ListProcesses(ctx, storage.ProcessFilter{
		SubscriptionID: &id,
		Statuses:       activeStatuses,
	})
	if err != nil {
		return fmt.Errorf("guard %s: list processes: %w", id, err)
	}
	for _, h := range holders {
		if h.ID == self || h.IsTask {
			continue
		}
		if h.Status == types.ProcessFailed && h.Failure != nil && h.Failure.Step == Unsync.Name {
			continue
		}
		return &SyncError{
			Kind:           ErrSubscriptionOutOfSync,
			SubscriptionID: id,
			Detail:         fmt.Sprintf("held by process %d", h.ID),
		}
	}
	return nil
}
