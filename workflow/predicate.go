package workflow

import (
	"context"
	"fmt"

	"github.com/workfloworchestrator/orchestrator-core-sub000/rules"
	"github.com/workfloworchestrator/orchestrator-core-sub000/storage"
	"github.com/workfloworchestrator/orchestrator-core-sub000/types"
)

// ProcessLister is the read access predicates get to persisted processes.
type ProcessLister interface {
	ListProcesses(ctx context.Context, filter storage.ProcessFilter) ([]*types.Process, error)
}

// PredicateContext is what a run predicate may look at.
type PredicateContext struct {
	Workflow  string
	Target    types.Target
	Actor     types.Actor
	Input     map[string]any
	Processes ProcessLister
}

// RunPredicate vetoes a start. It is evaluated once, before any process is
// created. reason is reported to the caller when allowed is false.
type RunPredicate func(ctx context.Context, pc PredicateContext) (allowed bool, reason string)

var activeStatuses = []types.ProcessStatus{
	types.ProcessCreated,
	types.ProcessRunning,
	types.ProcessSuspendedInput,
	types.ProcessSuspendedCallback,
	types.ProcessFailed,
}

// NoUncompletedInstance rejects the start while a process of any of names
// (default: the workflow being started) has not completed or been aborted.
func NoUncompletedInstance(names ...string) RunPredicate {
	return func(ctx context.Context, pc PredicateContext) (bool, string) {
		if pc.Processes == nil {
			return false, "no process store available"
		}
		targets := names
		if len(targets) == 0 {
			targets = []string{pc.Workflow}
		}
		for _, name := range targets {
			ps, err := pc.Processes.ListProcesses(ctx, storage.ProcessFilter{
				WorkflowName: name,
				Statuses:     activeStatuses,
			})
			if err != nil {
				return false, fmt.Sprintf("list processes of %s: %v", name, err)
			}
			if len(ps) > 0 {
				return false, fmt.Sprintf("an uncompleted instance of %s exists (process %d)", name, ps[0].ID)
			}
		}
		return true, ""
	}
}

// ExprPredicate evaluates expression with workflow, target, actor, roles and
// input in scope. An evaluation error rejects the start.
func ExprPredicate(evaluator rules.Evaluator, expression, reason string) RunPredicate {
	return func(_ context.Context, pc PredicateContext) (bool, string) {
		env := map[string]any{
			"workflow": pc.Workflow,
			"target":   string(pc.Target),
			"actor":    pc.Actor.Name,
			"roles":    pc.Actor.Roles,
			"input":    pc.Input,
		}
		ok, err := evaluator.Evaluate(expression, env)
		if err != nil {
			return false, err.Error()
		}
		if !ok {
			return false, reason
		}
		return true, ""
	}
}
