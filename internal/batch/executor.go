package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// ErrTaskPanicked is reported in the slot of a task that panicked
var ErrTaskPanicked = errors.New("batch task panicked")

// Task is one unit of work
type Task func(ctx context.Context) error

// Observer is notified around every task; the metrics collector implements it
type Observer interface {
	TaskStarted(pool string)
	TaskFinished(pool string, err error, duration time.Duration)
}

// Option configures an Executor
type Option func(*Executor)

// WithObserver attaches an observer
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// Stats tracks executor activity
type Stats struct {
	Runs     int64 `json:"runs"`
	Tasks    int64 `json:"tasks"`
	Failures int64 `json:"failures"`
	Panics   int64 `json:"panics"`
}

// Executor is a reusable bounded-concurrency task runner
type Executor struct {
	name     string
	limit    int
	observer Observer

	mu    sync.Mutex
	stats Stats
}

// New creates an executor. limit <= 0 means one goroutine per task.
func New(name string, limit int, opts ...Option) *Executor {
	e := &Executor{
		name:  name,
		limit: limit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the executor name
func (e *Executor) Name() string { return e.name }

// Limit returns the configured concurrency limit
func (e *Executor) Limit() int { return e.limit }

// Run executes all tasks and returns their errors in input order.
func (e *Executor) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}

	workers := len(tasks)
	if e.limit > 0 && e.limit < workers {
		workers = e.limit
	}

	p := pool.New().WithMaxGoroutines(workers)
	for i, task := range tasks {
		i, task := i, task
		p.Go(func() {
			errs[i] = e.runTask(ctx, task)
		})
	}
	p.Wait()

	e.record(errs)
	return errs
}

func (e *Executor) runTask(ctx context.Context, task Task) (err error) {
	start := time.Now()
	if e.observer != nil {
		e.observer.TaskStarted(e.name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
		}
		if e.observer != nil {
			e.observer.TaskFinished(e.name, err, time.Since(start))
		}
	}()

	return task(ctx)
}

func (e *Executor) record(errs []error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Runs++
	e.stats.Tasks += int64(len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		e.stats.Failures++
		if errors.Is(err, ErrTaskPanicked) {
			e.stats.Panics++
		}
	}
}

// GetStats returns current executor statistics
func (e *Executor) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
