package workflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/faceblur/orchestrator/internal/model"
	"github.com/faceblur/orchestrator/internal/task"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunnerOption configures a Runner
type RunnerOption func(*Runner)

// WithSleep replaces the wait used between polls and retries
func WithSleep(fn SleepFunc) RunnerOption {
	return func(r *Runner) { r.sleep = fn }
}

// WithMaxAttempts sets how many times a retryable task error is tried
func WithMaxAttempts(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRetryBackoff sets the wait before the first retry; it doubles after each
func WithRetryBackoff(d time.Duration) RunnerOption {
	return func(r *Runner) { r.backoff = d }
}

// WithObserver is called after every step that moved the execution
func WithObserver(fn func(exec *model.Execution)) RunnerOption {
	return func(r *Runner) { r.observe = fn }
}

// Runner drives one execution to a terminal state inside the calling
// goroutine. It is the in-process host; the queue worker is the durable one.
type Runner struct {
	engine      *Engine
	sleep       SleepFunc
	maxAttempts int
	backoff     time.Duration
	observe     func(exec *model.Execution)
}

// NewRunner creates a runner around engine
func NewRunner(engine *Engine, opts ...RunnerOption) *Runner {
	r := &Runner{
		engine:      engine,
		sleep:       Sleep,
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run steps exec until it is terminal. It returns an error only when ctx is
// cancelled or the engine reports a broken invariant; task failures end up
// in the execution's outcome instead.
func (r *Runner) Run(ctx context.Context, exec *model.Execution) error {
	attempts := 0

	for !exec.IsTerminal() {
		seq := exec.Sequence
		directive, err := r.engine.Step(ctx, exec)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !task.IsRetryable(err) {
				return fmt.Errorf("execution %s: %w", exec.ID, err)
			}

			attempts++
			if attempts >= r.maxAttempts {
				log.Printf("[Runner] ✗ %s: giving up in %s after %d attempts: %v", exec.ID, exec.State, attempts, err)
				if ferr := r.engine.Fail(exec, TaskDiagnostic(TaskFor(exec.State), err)); ferr != nil {
					return ferr
				}
				r.notify(exec)
				return nil
			}

			log.Printf("[Runner] %s: retrying %s (%d/%d): %v", exec.ID, exec.State, attempts, r.maxAttempts, err)
			if err := r.sleep(ctx, r.backoff<<(attempts-1)); err != nil {
				return err
			}
			continue
		}

		attempts = 0
		if exec.Sequence != seq {
			r.notify(exec)
		}

		switch directive.Kind {
		case Suspend:
			if err := r.sleep(ctx, directive.Delay); err != nil {
				return err
			}
		case Done:
			return nil
		}
	}
	return nil
}

func (r *Runner) notify(exec *model.Execution) {
	if r.observe != nil {
		r.observe(exec)
	}
}

// TaskFor names the task run from state
func TaskFor(state model.ExecutionState) task.Name {
	switch state {
	case model.StateFetching:
		return task.FetchResults
	case model.StateRendering:
		return task.Render
	default:
		return task.CheckStatus
	}
}
