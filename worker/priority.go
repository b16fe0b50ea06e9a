package worker

import (
	"context"
	"errors"

	"github.com/workfloworchestrator/orchestrator-core-sub000/workflow"
)

// PriorityPool keeps workflow and task jobs in independent queues, each with
// its own workers, so a backlog of tasks never delays user workflows.
type PriorityPool struct {
	workflows *Pool
	tasks     *Pool
}

// NewPriorityPool starts a pool with workflowWorkers goroutines for workflow
// jobs and taskWorkers for task jobs. opts apply to both queues.
func NewPriorityPool(workflowWorkers, taskWorkers int, opts ...Option) *PriorityPool {
	return &PriorityPool{
		workflows: NewPool(append(append([]Option(nil), opts...), WithName("workflows"), WithWorkers(workflowWorkers))...),
		tasks:     NewPool(append(append([]Option(nil), opts...), WithName("tasks"), WithWorkers(taskWorkers))...),
	}
}

// Submit routes job by its kind.
func (p *PriorityPool) Submit(ctx context.Context, job workflow.Job) error {
	if job.Kind == workflow.JobTask {
		return p.tasks.Submit(ctx, job)
	}
	return p.workflows.Submit(ctx, job)
}

// Pending returns the queued job counts per queue.
func (p *PriorityPool) Pending() (workflows, tasks int) {
	return p.workflows.Pending(), p.tasks.Pending()
}

// Stop stops both queues.
func (p *PriorityPool) Stop(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- p.tasks.Stop(ctx) }()
	err := p.workflows.Stop(ctx)
	return errors.Join(err, <-errc)
}
