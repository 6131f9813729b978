package trigger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	apperrors "github.com/muaviaUsmani/jobsync/internal/errors"
	"github.com/muaviaUsmani/jobsync/internal/logger"
)

var (
	// ErrPoolFull is returned by Submit when the task queue has no room
	ErrPoolFull = errors.New("dispatch pool is full")

	// ErrPoolStopped is returned by Submit after Stop was called
	ErrPoolStopped = errors.New("dispatch pool is stopped")
)

// Task is a unit of work run by the pool
type Task func(ctx context.Context)

// Pool runs submitted tasks on a fixed number of goroutines reading from a
// bounded queue
type Pool struct {
	concurrency int
	tasks       chan Task
	log         logger.Logger

	mu      sync.RWMutex
	stopped bool
	started bool

	wg            sync.WaitGroup
	activeWorkers atomic.Int64
}

// NewPool creates a pool with the given number of workers and queue size
func NewPool(concurrency, queueSize int, log logger.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = &logger.NoOpLogger{}
	}
	return &Pool{
		concurrency: concurrency,
		tasks:       make(chan Task, queueSize),
		log:         log.WithComponent(logger.ComponentTrigger),
	}
}

// Start launches the worker goroutines. ctx is handed to every task.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	p.log.Info("Starting dispatch pool", "workers", p.concurrency, "queue_size", cap(p.tasks))
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i+1)
	}
}

// Submit queues a task without blocking
func (p *Pool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrPoolFull
	}
}

// Active returns the number of tasks currently running
func (p *Pool) Active() int64 {
	return p.activeWorkers.Load()
}

// Stop rejects new tasks, lets workers drain the queue, and waits for them
// until ctx is done
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.log.Info("Stopping dispatch pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("Dispatch pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.log.Warn("Dispatch pool shutdown timed out", "active", p.activeWorkers.Load())
		return ctx.Err()
	}
}

func (p *Pool) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for t := range p.tasks {
		p.run(ctx, workerID, t)
	}
}

// run executes one task, keeping the worker alive if it panics
func (p *Pool) run(ctx context.Context, workerID int, t Task) {
	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	defer func() {
		if pe := apperrors.FromPanic(recover()); pe != nil {
			p.log.Error("Dispatch task panicked",
				"worker_id", workerID,
				"panic_value", pe.Value,
				"stack_trace", pe.Stacktrace)
		}
	}()

	t(ctx)
}
