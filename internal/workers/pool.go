// Package workers runs independent tasks, such as isolated backtest runs,
// on a bounded set of goroutines.
package workers

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// Pool manages a pool of worker goroutines
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	mu      sync.RWMutex // guards running against the queue close
	running bool
	started atomic.Bool

	metrics PoolMetrics
}

// PoolConfig configures the worker pool
type PoolConfig struct {
	Name            string        // Pool name for logging
	NumWorkers      int           // Number of worker goroutines
	QueueSize       int           // Size of the task queue
	ShutdownTimeout time.Duration // Timeout for graceful shutdown
}

// DefaultPoolConfig sizes the pool to the CPUs, since runs are CPU bound
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      runtime.NumCPU(),
		QueueSize:       1024,
		ShutdownTimeout: 30 * time.Second,
	}
}

// PoolMetrics tracks task outcomes
type PoolMetrics struct {
	TasksSubmitted atomic.Int64
	TasksCompleted atomic.Int64
	TasksFailed    atomic.Int64
	PanicRecovered atomic.Int64
}

// PoolStats contains pool statistics
type PoolStats struct {
	TasksSubmitted int64 `json:"tasksSubmitted"`
	TasksCompleted int64 `json:"tasksCompleted"`
	TasksFailed    int64 `json:"tasksFailed"`
	PanicRecovered int64 `json:"panicRecovered"`
	QueueLength    int   `json:"queueLength"`
}

// NewPool creates a new worker pool
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pool{
		logger:    logger.Named("pool").With(zap.String("pool", config.Name)),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	if p.started.Swap(true) {
		return
	}
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()

	p.logger.Debug("Starting worker pool",
		zap.Int("workers", p.config.NumWorkers),
		zap.Int("queueSize", p.config.QueueSize))

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// run is the worker's main loop; it exits once the queue is closed and empty
func (p *Pool) run(id int) {
	defer p.wg.Done()
	for task := range p.taskQueue {
		p.execute(id, task)
	}
}

func (p *Pool) execute(id int, task Task) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.metrics.PanicRecovered.Add(1)
				p.logger.Error("Worker recovered from panic",
					zap.Int("workerId", id),
					zap.Any("panic", r))
				err = &PanicError{Recovered: r}
			}
		}()
		err = task.Execute()
	}()

	if err != nil {
		p.metrics.TasksFailed.Add(1)
		p.logger.Debug("Task failed", zap.Int("workerId", id), zap.Error(err))
		return
	}
	p.metrics.TasksCompleted.Add(1)
}

// Submit queues a task without blocking
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		p.metrics.TasksSubmitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait queues a task, blocking while the queue is full, until ctx ends
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	for {
		err := p.Submit(task)
		if err != ErrQueueFull {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// SubmitFunc submits a function as a task
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// Stop stops accepting tasks and waits for queued ones to finish
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.taskQueue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("Worker pool stopped",
			zap.Int64("completed", p.metrics.TasksCompleted.Load()),
			zap.Int64("failed", p.metrics.TasksFailed.Load()))
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out",
			zap.Duration("timeout", p.config.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

// IsRunning returns whether the pool accepts tasks
func (p *Pool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Stats returns current pool statistics
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: p.metrics.TasksSubmitted.Load(),
		TasksCompleted: p.metrics.TasksCompleted.Load(),
		TasksFailed:    p.metrics.TasksFailed.Load(),
		PanicRecovered: p.metrics.PanicRecovered.Load(),
		QueueLength:    len(p.taskQueue),
	}
}

// Errors
var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Recovered)
}
