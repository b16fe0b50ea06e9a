package workflow

import (
	"context"

	"github.com/workfloworchestrator/orchestrator-core-sub000/subscription"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

type ctxKey int

const (
	processKey ctxKey = iota
	subscriptionsKey
)

func withProcess(ctx context.Context, p *types.Process) context.Context {
	return context.WithValue(ctx, processKey, p.Clone())
}

// ProcessFromContext returns a copy of the process the running step belongs
// to. Process metadata reaches steps this way rather than through State.
func ProcessFromContext(ctx context.Context) (*types.Process, bool) {
	p, ok := ctx.Value(processKey).(*types.Process)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func withSubscriptions(ctx context.Context, repo subscription.Repository) context.Context {
	if repo == nil {
		return ctx
	}
	return context.WithValue(ctx, subscriptionsKey, repo)
}

// SubscriptionsFromContext returns the repository the engine was
// configured with.
func SubscriptionsFromContext(ctx context.Context) (subscription.Repository, bool) {
	repo, ok := ctx.Value(subscriptionsKey).(subscription.Repository)
	return repo, ok
}
