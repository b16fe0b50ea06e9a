package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/workfloworchestrator/orchestrator-core-sub000/workflow"
)

// Strategy names accepted by Open.
const (
	StrategyInline   = "inline"
	StrategyShared   = "shared"
	StrategyPriority = "priority"
)

// Options selects and sizes an execution strategy.
type Options struct {
	Strategy string `yaml:"strategy"`
	// Workers sizes the shared pool, or the workflow queue of the
	// priority pool.
	Workers     int `yaml:"workers"`
	TaskWorkers int `yaml:"task_workers"`
	QueueSize   int `yaml:"queue_size"`
}

// Executor is a workflow.Executor that owns goroutines.
type Executor interface {
	workflow.Executor
	Stop(ctx context.Context) error
}

// Open returns the executor named by opts.Strategy. The inline strategy
// returns nil, which makes the engine drive processes on the caller.
func Open(opts Options, logger *slog.Logger) (Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	common := []Option{WithLogger(logger)}
	if opts.QueueSize > 0 {
		common = append(common, WithQueueSize(opts.QueueSize))
	}
	switch opts.Strategy {
	case "", StrategyInline:
		return nil, nil
	case StrategyShared:
		return NewPool(append(common, WithWorkers(opts.Workers))...), nil
	case StrategyPriority:
		return NewPriorityPool(opts.Workers, opts.TaskWorkers, common...), nil
	default:
		return nil, fmt.Errorf("unknown executor strategy %q", opts.Strategy)
	}
}

var (
	_ Executor = (*Pool)(nil)
	_ Executor = (*PriorityPool)(nil)
)
