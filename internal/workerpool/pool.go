package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Task is a unit of work run by the pool.
type Task func()

var ErrPoolClosed = errors.New("worker pool is closed")

// Pool runs tasks on a fixed set of goroutines fed by a bounded queue.
// Queued tasks still run after Shutdown is called; new ones are refused.
type Pool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	running   atomic.Int64
	logger    *slog.Logger
}

// New starts workers goroutines sharing a queue of queueSize tasks.
func New(workers int, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}

	pool := &Pool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		logger:    logger.With("component", "workerpool"),
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Worker pool started",
		"workers", workers,
		"queue_size", queueSize)

	return pool
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	p.running.Add(1)
	defer p.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panic recovered",
				"worker_id", id,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	task()
}

// Submit queues task, blocking while the queue is full until ctx is done.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues task without blocking and reports whether it was accepted.
func (p *Pool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Pending returns the number of queued plus running tasks.
func (p *Pool) Pending() int {
	return len(p.taskQueue) + int(p.running.Load())
}

// Shutdown refuses new tasks, lets queued ones finish and waits for the
// workers to exit.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool shutdown completed")
}
