package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/faceblur/orchestrator/internal/metrics"
	"github.com/faceblur/orchestrator/internal/model"
	"github.com/faceblur/orchestrator/internal/service"
	"github.com/faceblur/orchestrator/internal/store"
	"github.com/faceblur/orchestrator/internal/task"
	"github.com/faceblur/orchestrator/internal/workflow"
)

// Notifier publishes execution updates. *websocket.Hub satisfies it.
type Notifier interface {
	BroadcastProgress(exec *model.Execution)
	BroadcastComplete(executionID string, result interface{})
	BroadcastError(executionID string, code, message string)
}

// WorkflowWorker advances executions one step task at a time
type WorkflowWorker struct {
	engine       *workflow.Engine
	store        service.ExecutionStore
	archive      service.Archive
	enqueuer     service.Enqueuer
	notifier     Notifier
	pollInterval time.Duration
	maxRetry     int
	retries      func(ctx context.Context) (retried, max int)
}

// Diagnostic of an execution whose next step could not be enqueued within
// the task's retry budget
const (
	StepNotScheduledCause = "Step Not Scheduled"
	StepNotScheduledError = "SchedulingFailed"
)

// NewWorkflowWorker creates a new workflow worker. archive and notifier may be nil.
func NewWorkflowWorker(engine *workflow.Engine, s service.ExecutionStore, archive service.Archive, enqueuer service.Enqueuer, notifier Notifier, pollInterval time.Duration, maxRetry int) *WorkflowWorker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxRetry <= 0 {
		maxRetry = 3
	}
	w := &WorkflowWorker{
		engine:       engine,
		store:        s,
		archive:      archive,
		enqueuer:     enqueuer,
		notifier:     notifier,
		pollInterval: pollInterval,
		maxRetry:     maxRetry,
	}
	w.retries = w.asynqRetries
	return w
}

// asynqRetries reads the delivery's retry state, falling back to the
// configured budget outside of an asynq handler
func (w *WorkflowWorker) asynqRetries(ctx context.Context) (int, int) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = w.maxRetry
	}
	return retried, maxRetry
}

// ProcessTask handles a workflow:step task. It steps the execution until
// it suspends or reaches a terminal state, saving after every transition.
func (w *WorkflowWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.StepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal step payload: %v: %w", err, asynq.SkipRetry)
	}

	exec, err := w.store.Get(ctx, payload.ExecutionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[Worker] ✗ execution %s is gone, dropping step", payload.ExecutionID)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}

	if exec.IsTerminal() {
		return nil
	}

	// A redelivered step for an execution that already suspended again:
	// its own step is pending, so only make sure it really is.
	if payload.Sequence < exec.Sequence && exec.State == model.StateWaiting {
		log.Printf("[Worker] %s: stale step %d, current %d", exec.ID, payload.Sequence, exec.Sequence)
		return w.enqueue(ctx, exec, w.pollInterval)
	}

	for {
		seq, checks := exec.Sequence, exec.StatusChecks

		directive, err := w.engine.Step(ctx, exec)
		if err != nil {
			return w.stepFailed(ctx, exec, err)
		}

		if exec.StatusChecks != checks && exec.LastStatus != nil {
			metrics.StatusChecksTotal.WithLabelValues(exec.LastStatus.String()).Inc()
		}
		if exec.Sequence != seq {
			if err := w.store.Save(ctx, exec); err != nil {
				return fmt.Errorf("failed to save execution %s: %w", exec.ID, err)
			}
		}

		switch directive.Kind {
		case workflow.Continue:
			w.notifyProgress(exec)
		case workflow.Suspend:
			w.notifyProgress(exec)
			return w.enqueue(ctx, exec, directive.Delay)
		case workflow.Done:
			w.finish(ctx, exec)
			return nil
		}
	}
}

func (w *WorkflowWorker) stepFailed(ctx context.Context, exec *model.Execution, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if !task.IsRetryable(err) {
		// engine invariant broken, retrying cannot help
		log.Printf("[Worker] ✗ %s in %s: %v", exec.ID, exec.State, err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	retried, maxRetry := w.retries(ctx)
	if retried >= maxRetry {
		log.Printf("[Worker] ✗ %s: retries exhausted in %s: %v", exec.ID, exec.State, err)
		return w.abandon(ctx, exec, workflow.TaskDiagnostic(workflow.TaskFor(exec.State), err))
	}

	// keep transitions made before the failing task
	if serr := w.store.Save(ctx, exec); serr != nil {
		log.Printf("[Worker] ✗ failed to save %s before retry: %v", exec.ID, serr)
	}
	metrics.StepRetriesTotal.WithLabelValues(string(exec.State)).Inc()
	log.Printf("[Worker] %s: %s failed (retry %d/%d): %v", exec.ID, exec.State, retried, maxRetry, err)
	return err
}

// enqueue schedules the next step of a saved, suspended execution. When the
// last delivery of this task cannot schedule it, nothing else would, so the
// execution is ended instead.
func (w *WorkflowWorker) enqueue(ctx context.Context, exec *model.Execution, delay time.Duration) error {
	err := service.EnqueueStep(ctx, w.enqueuer, exec, delay, w.maxRetry)
	if err == nil || ctx.Err() != nil {
		return err
	}

	retried, maxRetry := w.retries(ctx)
	if retried < maxRetry {
		log.Printf("[Worker] %s: scheduling failed (retry %d/%d): %v", exec.ID, retried, maxRetry, err)
		return err
	}

	log.Printf("[Worker] ✗ %s: could not schedule the next step: %v", exec.ID, err)
	return w.abandon(ctx, exec, model.Diagnostic{
		Cause:   StepNotScheduledCause,
		Error:   StepNotScheduledError,
		Message: err.Error(),
	})
}

// abandon ends exec as TIMED_OUT past its deadline and FAILED otherwise
func (w *WorkflowWorker) abandon(ctx context.Context, exec *model.Execution, diag model.Diagnostic) error {
	if err := w.engine.Abandon(exec, diag); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err := w.store.Save(ctx, exec); err != nil {
		return fmt.Errorf("failed to save execution %s: %w", exec.ID, err)
	}
	w.finish(ctx, exec)
	return nil
}

func (w *WorkflowWorker) finish(ctx context.Context, exec *model.Execution) {
	metrics.ObserveTerminal(exec)

	if w.archive != nil {
		if err := w.archive.Put(ctx, exec); err != nil {
			log.Printf("[Worker] ✗ failed to archive %s: %v", exec.ID, err)
		}
	}

	switch exec.Outcome {
	case model.OutcomeSucceeded:
		log.Printf("[Worker] ← %s succeeded: %d detections, %s", exec.ID, exec.Detections, exec.Destination)
		if w.notifier != nil {
			w.notifier.BroadcastComplete(exec.ID, &model.ExecutionResultResponse{
				ExecutionID: exec.ID,
				Destination: *exec.Destination,
				Detections:  exec.Detections,
			})
		}
	default:
		code, message := string(exec.Outcome), ""
		if exec.Diagnostic != nil {
			code, message = exec.Diagnostic.Error, exec.Diagnostic.Cause
		}
		log.Printf("[Worker] ✗ %s ended %s: %s (%s)", exec.ID, exec.Outcome, message, code)
		if w.notifier != nil {
			w.notifier.BroadcastError(exec.ID, code, message)
		}
	}
}

func (w *WorkflowWorker) notifyProgress(exec *model.Execution) {
	if w.notifier != nil {
		w.notifier.BroadcastProgress(exec)
	}
}
