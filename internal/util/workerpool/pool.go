// Package workerpool provides the bounded goroutine pools the daemon
// runs its off-main-loop work on: event phase-A, blocked-operation
// pre-compute, and peer-exchange requests.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task is a unit of work submitted to a pool
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Pool is a bounded pool of worker goroutines
type Pool struct {
	name    string
	workers int
	tasks   chan Task
	logger  *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	active    atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
}

// Config holds pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
}

// New creates a pool and starts its workers
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		tasks:   make(chan Task, cfg.QueueSize),
		logger:  logger,
		stopped: make(chan struct{}),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		case task := <-p.tasks:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeRun(task)
	if err != nil {
		p.failed.Add(1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(context.Background())
}

// Submit queues fn for execution, assigning it a task id. Returns an
// error when the pool is stopped or its queue is full.
func (p *Pool) Submit(fn func(context.Context) error) error {
	task := Task{ID: uuid.NewString(), Fn: fn}
	select {
	case <-p.stopped:
		return fmt.Errorf("worker pool %q is stopped", p.name)
	default:
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return fmt.Errorf("worker pool %q queue is full", p.name)
	}
}

// Stop drains the workers, waiting up to timeout for in-flight tasks
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopped)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timed out after %v", p.name, timeout)
		}
	})
	return err
}

// Stats reports pool counters
func (p *Pool) Stats() (active int32, completed, failed uint64) {
	return p.active.Load(), p.completed.Load(), p.failed.Load()
}
