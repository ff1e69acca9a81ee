package concurrency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grainflow/grainflow/pkg/core"
)

// Task is a unit of work submitted to a WorkerPool.
type Task interface {
	Name() string
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) error
}

func (t TaskFunc) Name() string { return t.TaskName }

func (t TaskFunc) Execute(ctx context.Context) error { return t.Fn(ctx) }

// WorkerPoolConfig configures a WorkerPool.
type WorkerPoolConfig struct {
	Workers   int
	QueueSize int
	Logger    core.Logger
}

// WorkerPool runs submitted tasks on a fixed set of goroutines. Submit is
// non-blocking and rejects with ErrMailboxFull when the queue is saturated.
type WorkerPool struct {
	workers int
	tasks   chan Task
	logger  core.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	running int32
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewWorkerPool creates a stopped pool; call Start to launch the workers.
func NewWorkerPool(ctx context.Context, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NewDefaultLogger()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		workers: cfg.Workers,
		tasks:   make(chan Task, cfg.QueueSize),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if atomic.LoadInt32(&wp.running) == 1 {
		return fmt.Errorf("worker pool already running")
	}
	atomic.StoreInt32(&wp.running, 1)
	wp.wg.Add(wp.workers)
	for i := 0; i < wp.workers; i++ {
		go wp.worker(i)
	}
	return nil
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for {
		select {
		case task, ok := <-wp.tasks:
			if !ok {
				return
			}
			if err := task.Execute(wp.ctx); err != nil {
				wp.logger.Errorf("worker %d: task %s failed: %v", id, task.Name(), err)
			}
		case <-wp.ctx.Done():
			return
		}
	}
}

// Submit enqueues a task without blocking.
func (wp *WorkerPool) Submit(task Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if atomic.LoadInt32(&wp.running) == 0 {
		return fmt.Errorf("worker pool is not running")
	}
	select {
	case wp.tasks <- task:
		return nil
	case <-wp.ctx.Done():
		return wp.ctx.Err()
	default:
		return ErrMailboxFull
	}
}

// Stop cancels the workers and waits for in-flight tasks up to ctx deadline.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !atomic.CompareAndSwapInt32(&wp.running, 1, 0) {
		return nil
	}
	wp.cancel()
	close(wp.tasks)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

// Workers returns the configured worker count.
func (wp *WorkerPool) Workers() int { return wp.workers }

// IsRunning reports whether the pool is started and not stopped.
func (wp *WorkerPool) IsRunning() bool { return atomic.LoadInt32(&wp.running) == 1 }
