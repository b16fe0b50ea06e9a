package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/workfloworchestrator/orchestrator-core-sub000/workflow"
)

// ErrStopped is returned by Submit once Stop was called.
var ErrStopped = errors.New("worker pool stopped")

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

type queued struct {
	ctx context.Context
	job workflow.Job
}

// Pool runs jobs from a single FIFO queue on a fixed number of goroutines.
// Workflow and task jobs share the queue.
type Pool struct {
	name      string
	workers   int
	queueSize int
	logger    *slog.Logger

	queue chan queued
	wg    sync.WaitGroup

	// base is cancelled when Stop runs out of time.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	stopped  bool
	stopping chan struct{}
	once     sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) Option {
	return func(p *Pool) { p.workers = n }
}

// WithQueueSize sets how many jobs may wait before Submit blocks.
func WithQueueSize(n int) Option {
	return func(p *Pool) { p.queueSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithName labels the pool in log records.
func WithName(name string) Option {
	return func(p *Pool) { p.name = name }
}

// NewPool starts a pool. Call Stop to release its goroutines.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		name:      "shared",
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		logger:    slog.Default(),
		stopping:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers <= 0 {
		p.workers = defaultWorkers
	}
	if p.queueSize < 0 {
		p.queueSize = 0
	}
	p.queue = make(chan queued, p.queueSize)
	p.base, p.cancel = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		slog.String("pool", p.name),
		slog.Int("workers", p.workers),
		slog.Int("queue_size", p.queueSize),
	)
	for range p.workers {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

// Submit queues job. The job runs under a context that keeps ctx's values
// but not its cancellation. Submit blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, job workflow.Job) error {
	if job.Run == nil {
		return fmt.Errorf("job for process %d has nothing to run", job.ProcessID)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- queued{ctx: context.WithoutCancel(ctx), job: job}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopping:
		return ErrStopped
	}
}

// Pending returns the number of queued jobs not yet picked up.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Stop refuses new jobs and waits for queued and running ones. When ctx ends
// first, running jobs are cancelled and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.once.Do(func() {
		close(p.stopping)
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()
		p.logger.Info("worker pool stopping", slog.String("pool", p.name))
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling jobs", slog.String("pool", p.name))
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for q := range p.queue {
		p.run(q)
	}
}

func (p *Pool) run(q queued) {
	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()
	stop := context.AfterFunc(p.base, cancel)
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job panicked",
				slog.String("pool", p.name),
				slog.Uint64("process_id", q.job.ProcessID),
				slog.String("workflow", q.job.Workflow),
				slog.Any("panic", r),
			)
		}
	}()
	q.job.Run(ctx)
}
