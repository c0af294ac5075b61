package workerpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/veilware/veil-agent/internal/logging"
)

var log = logging.L("workerpool")

// Task is a named unit of work executed by a Batch.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Batch runs tasks with bounded parallelism and collects per-task failures.
// A zero or negative worker count runs tasks one at a time.
type Batch struct {
	workers int
}

// NewBatch creates a batch runner with the given parallelism.
func NewBatch(workers int) *Batch {
	if workers < 1 {
		workers = 1
	}
	return &Batch{workers: workers}
}

// Run executes all tasks and returns one error string per failed task.
// A panicking task is recorded as a failure, it never takes down the batch.
// Tasks not yet started when ctx is cancelled are recorded as skipped.
func (b *Batch) Run(ctx context.Context, tasks []Task) []string {
	sem := make(chan struct{}, b.workers)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []string
	)

	fail := func(msg string) {
		mu.Lock()
		errs = append(errs, msg)
		mu.Unlock()
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			fail(fmt.Sprintf("%s: skipped: %v", task.Name, err))
			continue
		}

		select {
		case <-ctx.Done():
			fail(fmt.Sprintf("%s: skipped: %v", task.Name, ctx.Err()))
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					log.Error("task panic", "task", t.Name, "error", r)
					fail(fmt.Sprintf("%s: panic: %v", t.Name, r))
				}
			}()

			if err := t.Fn(ctx); err != nil {
				fail(fmt.Sprintf("%s: %v", t.Name, err))
			}
		}(task)
	}

	wg.Wait()
	return errs
}
