package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/workfloworchestrator/orchestrator-core-sub000/state"
	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
)

// SubscriptionIDKey is the State and input key holding the target
// subscription id.
const SubscriptionIDKey = "subscription_id"

var (
	// Init opens every workflow built by the target helpers.
	Init = NewStep("init", noop)

	// Done closes every workflow built by the target helpers.
	Done = NewStep("done", noop)

	// Unsync marks the subscription out of sync, taking exclusive use of it.
	// It fails when the subscription is already out of sync.
	Unsync = NewStep("unsync", setInsync(false, true), WithRequires(SubscriptionIDKey))

	// UnsyncUnchecked is Unsync for workflows that may run while out of sync.
	UnsyncUnchecked = NewStep("unsync_unchecked", setInsync(false, false), WithRequires(SubscriptionIDKey))

	// Resync marks the subscription in sync again.
	Resync = NewStep("resync", setInsync(true, false), WithRequires(SubscriptionIDKey))
)

func noop(context.Context, state.Params) (state.Update, error) {
	return nil, nil
}

// setInsync moves the flag from !insync to insync in one compare-and-set.
// Unless strict, finding the flag already at insync is not an error.
func setInsync(insync, strict bool) StepFunc {
	return func(ctx context.Context, params state.Params) (state.Update, error) {
		repo, ok := SubscriptionsFromContext(ctx)
		if !ok {
			return nil, ErrNoSubscriptions
		}
		id, err := SubscriptionIDFromParams(params)
		if err != nil {
			return nil, err
		}
		err = repo.SetInsync(ctx, id, !insync, insync)
		switch {
		case err == nil:
		case errors.Is(err, subscription.ErrInsyncConflict):
			if strict {
				return nil, fmt.Errorf("subscription %s is already out of sync: %w", id, err)
			}
		default:
			return nil, fmt.Errorf("set insync of subscription %s: %w", id, err)
		}
		return nil, nil
	}
}

// SetLifecycle returns a step moving the subscription to lifecycle to. The
// subscription must satisfy schema for the new lifecycle.
func SetLifecycle(to subscription.Lifecycle, schema subscription.Schema) *Step {
	return NewStep("set_status_"+string(to), func(ctx context.Context, params state.Params) (state.Update, error) {
		repo, sub, err := loadSubscription(ctx, params)
		if err != nil {
			return nil, err
		}
		if err := schema.Transition(sub, to, time.Now().UTC()); err != nil {
			return nil, err
		}
		if err := repo.SaveSubscription(ctx, sub); err != nil {
			return nil, fmt.Errorf("save subscription %s: %w", sub.ID, err)
		}
		return state.Update{"subscription_status": string(sub.Status)}, nil
	}, WithRequires(SubscriptionIDKey))
}

func loadSubscription(ctx context.Context, params state.Params) (subscription.Repository, *subscription.Subscription, error) {
	repo, ok := SubscriptionsFromContext(ctx)
	if !ok {
		return nil, nil, ErrNoSubscriptions
	}
	id, err := SubscriptionIDFromParams(params)
	if err != nil {
		return nil, nil, err
	}
	sub, err := repo.GetSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return repo, sub, nil
}

// SubscriptionIDFromParams reads the subscription id parameter.
func SubscriptionIDFromParams(params state.Params) (uuid.UUID, error) {
	v, ok := params[SubscriptionIDKey]
	if !ok {
		return uuid.Nil, errors.New("subscription_id parameter not declared")
	}
	id, ok := subscriptionIDFrom(v)
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid subscription_id %v", v)
	}
	return id, nil
}

func subscriptionIDFrom(v any) (uuid.UUID, bool) {
	switch id := v.(type) {
	case uuid.UUID:
		return id, id != uuid.Nil
	case *uuid.UUID:
		if id == nil {
			return uuid.Nil, false
		}
		return *id, *id != uuid.Nil
	case string:
		parsed, err := uuid.Parse(id)
		if err != nil {
			return uuid.Nil, false
		}
		return parsed, parsed != uuid.Nil
	}
	return uuid.Nil, false
}
