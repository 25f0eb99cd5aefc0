package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_ExecutesTask(t *testing.T) {
	wp := New(context.Background(), 2)
	wp.Start()
	defer wp.Stop()

	done := make(chan struct{})
	resultChan := wp.Submit(func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("task was not executed within 1s")
	}

	if err := <-resultChan; err != nil {
		t.Fatalf("task returned error: %v", err)
	}
}

func TestWorkerPool_ReturnsTaskError(t *testing.T) {
	wp := New(context.Background(), 1)
	wp.Start()
	defer wp.Stop()

	wantErr := errors.New("send failed")
	resultChan := wp.Submit(func(ctx context.Context) error {
		return wantErr
	})

	if err := <-resultChan; !errors.Is(err, wantErr) {
		t.Fatalf("result = %v, want %v", err, wantErr)
	}
}

func TestWorkerPool_SubmitAndWait(t *testing.T) {
	wp := New(context.Background(), 4)
	wp.Start()
	defer wp.Stop()

	var executed atomic.Int64
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			executed.Add(1)
			return nil
		}
	}

	results := wp.SubmitAndWait(context.Background(), tasks)

	if len(results) != 20 {
		t.Fatalf("got %d results, want 20", len(results))
	}
	if executed.Load() != 20 {
		t.Fatalf("executed %d tasks, want 20", executed.Load())
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected task error: %v", r.Err)
		}
	}
}

func TestWorkerPool_SubmitAndWaitEmpty(t *testing.T) {
	wp := New(context.Background(), 1)
	wp.Start()
	defer wp.Stop()

	if results := wp.SubmitAndWait(context.Background(), nil); results != nil {
		t.Fatalf("SubmitAndWait(nil) = %v, want nil", results)
	}
}

func TestWorkerPool_BoundedConcurrency(t *testing.T) {
	const numWorkers = 3
	wp := New(context.Background(), numWorkers)
	wp.Start()
	defer wp.Stop()

	var current, peak atomic.Int64
	tasks := make([]Task, 30)
	for i := range tasks {
		tasks[i] = func(ctx context.Context) error {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}
	}

	wp.SubmitAndWait(context.Background(), tasks)

	if p := peak.Load(); p > numWorkers {
		t.Fatalf("peak concurrency = %d, want <= %d", p, numWorkers)
	}
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	wp := New(context.Background(), 1)
	wp.Start()
	wp.Stop()

	resultChan := wp.Submit(func(ctx context.Context) error {
		return fmt.Errorf("should not run")
	})

	select {
	case err := <-resultChan:
		if err == nil {
			t.Fatalf("Submit after Stop should yield a context error")
		}
	case <-time.After(time.Second):
		t.Fatalf("Submit after Stop did not yield a result")
	}
}

func TestWorkerPool_StopIsIdempotent(t *testing.T) {
	wp := New(context.Background(), 2)
	wp.Start()
	wp.Stop()
	wp.Stop()
}
