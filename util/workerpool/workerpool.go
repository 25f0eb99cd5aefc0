package workerpool

import (
	"context"
	"sync"
)

// Task represents a unit of work to be executed by the worker pool
type Task func(ctx context.Context) error

// Result represents the result of a task execution
type Result struct {
	Err error
}

// WorkerPool is a fixed-size pool of goroutines that execute tasks. Shard
// processors use one pool per shard to bound the number of concurrent sends
// within a delivery batch.
type WorkerPool struct {
	numWorkers int
	tasks      chan taskWrapper
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

// taskWrapper wraps a task with its result channel
type taskWrapper struct {
	task   Task
	result chan error
}

// New creates a new worker pool with the specified number of workers.
// The provided context is the base context for all task executions.
func New(ctx context.Context, numWorkers int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	ctx, cancel := context.WithCancel(ctx)

	// Small queue so submission rarely blocks while workers are busy
	wp := &WorkerPool{
		numWorkers: numWorkers,
		tasks:      make(chan taskWrapper, numWorkers*2),
		ctx:        ctx,
		cancel:     cancel,
	}

	return wp
}

// Start initializes and starts all worker goroutines
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker is the main loop for each worker goroutine
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case tw, ok := <-wp.tasks:
			if !ok {
				return
			}
			err := tw.task(wp.ctx)
			select {
			case tw.result <- err:
			case <-wp.ctx.Done():
				return
			}
		}
	}
}

// Submit adds a task to the worker pool for execution and returns a channel
// that will receive the result. If the pool has been stopped, the channel
// carries the pool's context error instead.
func (wp *WorkerPool) Submit(task Task) <-chan error {
	result := make(chan error, 1)

	select {
	case <-wp.ctx.Done():
		result <- wp.ctx.Err()
	case wp.tasks <- taskWrapper{task: task, result: result}:
	}

	return result
}

// SubmitAndWait submits multiple tasks and waits for all to complete.
// Results are returned in completion order, not submission order.
func (wp *WorkerPool) SubmitAndWait(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return nil
	}

	results := make([]Result, 0, len(tasks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, task := range tasks {
		wg.Add(1)

		go func(t Task) {
			defer wg.Done()

			resultChan := wp.Submit(t)

			select {
			case <-ctx.Done():
				mu.Lock()
				results = append(results, Result{Err: ctx.Err()})
				mu.Unlock()
			case err := <-resultChan:
				mu.Lock()
				results = append(results, Result{Err: err})
				mu.Unlock()
			}
		}(task)
	}

	wg.Wait()
	return results
}

// Stop shuts down the worker pool and waits for all workers to finish.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.cancel()
		wp.wg.Wait()
	})
}
