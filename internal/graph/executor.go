package graph

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Event reports one finished task to the OnDone callback.
type Event struct {
	Task Task
	// Value is the task's return value, nil when the task failed.
	Value    any
	Err      error
	Duration time.Duration
}

// Config configures an Executor.
type Config struct {
	// Parallelism bounds how many tasks run concurrently within one
	// execution level. Zero or negative means GOMAXPROCS.
	Parallelism int
	// Logger receives task-level debug logs. Defaults to a discard logger.
	Logger *slog.Logger
	// OnDone, when set, is called after every task finishes, successful
	// or not. It may be called from multiple goroutines.
	OnDone func(Event)
}

// Executor runs a task graph level by level, memoizing each task's value
// under its key and releasing values once their last consumer finishes.
type Executor struct {
	parallelism int
	logger      *slog.Logger
	onDone      func(Event)
}

// NewExecutor creates an executor from config.
func NewExecutor(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	return &Executor{
		parallelism: parallelism,
		logger:      logger,
		onDone:      cfg.OnDone,
	}
}

// Run executes every task in the graph, dependencies first, and returns
// the values of the graph's root tasks keyed by task key. The first task
// error aborts the run.
func (e *Executor) Run(ctx context.Context, g *Graph) (map[string]any, error) {
	levels := g.ExecutionLevels()

	state := &runState{
		values:   make(map[string]any, g.TaskCount()),
		refcount: make(map[string]int, g.TaskCount()),
	}
	// Every dependent holds one reference; roots hold one more so their
	// values survive until Run returns.
	for key := range g.tasks {
		state.refcount[key] = len(g.children[key])
	}
	for _, key := range g.roots {
		state.refcount[key]++
	}

	e.logger.Debug("executing task graph",
		"tasks", g.TaskCount(),
		"levels", len(levels),
		"parallelism", e.parallelism)

	for i, level := range levels {
		eg, groupCtx := errgroup.WithContext(ctx)
		eg.SetLimit(e.parallelism)
		e.logger.Debug("executing level", "level", i, "tasks", len(level))

		for _, key := range level {
			task := g.tasks[key]
			eg.Go(func() error {
				if err := groupCtx.Err(); err != nil {
					return err
				}
				return e.runTask(groupCtx, g, state, task)
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
	}

	results := make(map[string]any, len(g.roots))
	state.mu.Lock()
	for _, key := range g.roots {
		results[key] = state.values[key]
	}
	state.mu.Unlock()
	return results, nil
}

type runState struct {
	mu       sync.Mutex
	values   map[string]any
	refcount map[string]int
}

func (e *Executor) runTask(ctx context.Context, g *Graph, state *runState, task Task) error {
	inputs := task.Inputs()
	values := make([]any, len(inputs))
	state.mu.Lock()
	for i, in := range inputs {
		values[i] = state.values[in.Key()]
	}
	state.mu.Unlock()

	start := time.Now()
	value, err := task.Run(ctx, values)
	elapsed := time.Since(start)

	if e.onDone != nil {
		e.onDone(Event{Task: task, Value: value, Err: err, Duration: elapsed})
	}
	if err != nil {
		e.logger.Debug("task failed", "key", task.Key(), "error", err)
		return fmt.Errorf("task %s: %w", task.Key(), err)
	}

	state.mu.Lock()
	state.values[task.Key()] = value
	// Drop input values nobody else will read again. Each dependent holds
	// one reference per distinct input.
	released := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		key := in.Key()
		if released[key] {
			continue
		}
		released[key] = true
		state.refcount[key]--
		if state.refcount[key] <= 0 {
			delete(state.values, key)
		}
	}
	state.mu.Unlock()
	return nil
}
