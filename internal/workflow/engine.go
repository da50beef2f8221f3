package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/faceblur/orchestrator/internal/model"
	"github.com/faceblur/orchestrator/internal/task"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrExecutionTerminal = errors.New("execution already terminal")
)

// Tasks are the capabilities the engine drives after submission
type Tasks interface {
	CheckStatus(ctx context.Context, in task.CheckStatusInput) (task.CheckStatusOutput, error)
	FetchResults(ctx context.Context, in task.FetchResultsInput) (task.FetchResultsOutput, error)
	Render(ctx context.Context, in task.RenderInput) (task.RenderOutput, error)
}

// Config tunes the polling loop and the execution deadline
type Config struct {
	PollInterval time.Duration
	Deadline     time.Duration
	Now          func() time.Time
}

// DirectiveKind tells the host what to do after a step
type DirectiveKind int

const (
	// Continue means run the next step right away
	Continue DirectiveKind = iota
	// Suspend means run the next step after Delay
	Suspend
	// Done means the execution is terminal
	Done
)

// Directive is the result of one step
type Directive struct {
	Kind  DirectiveKind
	Delay time.Duration
}

// Engine advances executions through the workflow graph one state at a time.
// It holds no per-execution state, so one engine serves every execution.
type Engine struct {
	tasks Tasks
	cfg   Config
}

// NewEngine creates an engine
func NewEngine(tasks Tasks, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 15 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{tasks: tasks, cfg: cfg}
}

// transitions lists the legal edges of the graph
var transitions = map[model.ExecutionState][]model.ExecutionState{
	model.StateSubmitted: {model.StateChecking, model.StateFailed, model.StateTimedOut},
	model.StateChecking:  {model.StateWaiting, model.StateFetching, model.StateFailed, model.StateTimedOut},
	model.StateWaiting:   {model.StateChecking, model.StateFailed, model.StateTimedOut},
	model.StateFetching:  {model.StateRendering, model.StateFailed, model.StateTimedOut},
	model.StateRendering: {model.StateSucceeded, model.StateFailed, model.StateTimedOut},
}

func isValidTransition(from, to model.ExecutionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step performs the work of the execution's current state and moves it to
// the next one. A retryable task error is returned as is and leaves the
// execution where it was; the host decides whether to retry.
func (e *Engine) Step(ctx context.Context, exec *model.Execution) (Directive, error) {
	if exec.IsTerminal() {
		return Directive{Kind: Done}, ErrExecutionTerminal
	}

	if exec.Context == nil {
		exec.Context = model.WorkflowContext{}
	}
	now := e.cfg.Now()

	if exec.State == model.StateSubmitted {
		deadline := now.Add(e.cfg.Deadline)
		exec.CheckingStartedAt = &now
		exec.Deadline = &deadline
		return Directive{Kind: Continue}, e.transition(exec, model.StateChecking, now)
	}

	if exec.Deadline == nil {
		return Directive{}, fmt.Errorf("execution %s in %s without a deadline: %w", exec.ID, exec.State, ErrInvalidTransition)
	}
	if !now.Before(*exec.Deadline) {
		return e.timeOut(exec, now)
	}

	switch exec.State {
	case model.StateWaiting:
		return Directive{Kind: Continue}, e.transition(exec, model.StateChecking, now)
	case model.StateChecking:
		return e.checkStatus(ctx, exec)
	case model.StateFetching:
		return e.fetchResults(ctx, exec)
	case model.StateRendering:
		return e.render(ctx, exec)
	default:
		return Directive{}, fmt.Errorf("unknown state %q: %w", exec.State, ErrInvalidTransition)
	}
}

// Fail forces a live execution into FAILED. Hosts use it once their own
// retry policy for a task error is exhausted.
func (e *Engine) Fail(exec *model.Execution, diag model.Diagnostic) error {
	if exec.IsTerminal() {
		return ErrExecutionTerminal
	}
	exec.Diagnostic = &diag
	return e.transition(exec, model.StateFailed, e.cfg.Now())
}

// Abandon ends a live execution its host can no longer drive. It times out
// when the deadline has passed and fails with diag otherwise.
func (e *Engine) Abandon(exec *model.Execution, diag model.Diagnostic) error {
	if exec.IsTerminal() {
		return ErrExecutionTerminal
	}
	now := e.cfg.Now()
	if exec.Deadline != nil && !now.Before(*exec.Deadline) {
		_, err := e.timeOut(exec, now)
		return err
	}
	exec.Diagnostic = &diag
	return e.transition(exec, model.StateFailed, now)
}

func (e *Engine) checkStatus(ctx context.Context, exec *model.Execution) (Directive, error) {
	taskCtx, cancel := e.taskContext(ctx, exec)
	defer cancel()

	out, err := e.tasks.CheckStatus(taskCtx, task.CheckStatusInput{Handle: exec.Handle})
	if err != nil {
		return e.taskFailed(ctx, taskCtx, exec, task.CheckStatus, err)
	}

	now := e.cfg.Now()
	status := out.Status
	exec.StatusChecks++
	exec.LastStatus = &status
	if err := task.Record(exec.Context, task.CheckStatus, out, now); err != nil {
		return Directive{}, err
	}

	switch Evaluate(status) {
	case BranchPoll:
		if err := e.transition(exec, model.StateWaiting, now); err != nil {
			return Directive{}, err
		}
		delay := e.cfg.PollInterval
		if remaining := exec.Deadline.Sub(now); remaining < delay {
			delay = remaining
		}
		return Directive{Kind: Suspend, Delay: delay}, nil
	case BranchProceed:
		return Directive{Kind: Continue}, e.transition(exec, model.StateFetching, now)
	default:
		diag := DetectionFailed
		if out.StatusMessage != "" {
			diag.Message = fmt.Sprintf("%s (%s: %s)", diag.Message, out.RawStatus, out.StatusMessage)
		}
		exec.Diagnostic = &diag
		return Directive{Kind: Done}, e.transition(exec, model.StateFailed, now)
	}
}

func (e *Engine) fetchResults(ctx context.Context, exec *model.Execution) (Directive, error) {
	observed, err := task.Output[task.CheckStatusOutput](exec.Context, task.CheckStatus)
	if err != nil {
		return e.taskFailed(ctx, nil, exec, task.FetchResults, err)
	}

	taskCtx, cancel := e.taskContext(ctx, exec)
	defer cancel()

	out, err := e.tasks.FetchResults(taskCtx, task.FetchResultsInput{
		Handle: exec.Handle,
		Status: observed.Status,
	})
	if err != nil {
		return e.taskFailed(ctx, taskCtx, exec, task.FetchResults, err)
	}

	now := e.cfg.Now()
	if err := task.Record(exec.Context, task.FetchResults, out, now); err != nil {
		return Directive{}, err
	}
	exec.Detections = len(out.Detections)
	return Directive{Kind: Continue}, e.transition(exec, model.StateRendering, now)
}

func (e *Engine) render(ctx context.Context, exec *model.Execution) (Directive, error) {
	fetched, err := task.Output[task.FetchResultsOutput](exec.Context, task.FetchResults)
	if err != nil {
		return e.taskFailed(ctx, nil, exec, task.Render, err)
	}
	if fetched.Handle.JobID != exec.Handle.JobID {
		return e.taskFailed(ctx, nil, exec, task.Render, &task.Error{
			Task: task.Render,
			Code: task.CodeContractViolation,
			Err:  fmt.Errorf("detections belong to job %s: %w", fetched.Handle.JobID, task.ErrContractViolation),
		})
	}

	taskCtx, cancel := e.taskContext(ctx, exec)
	defer cancel()

	out, err := e.tasks.Render(taskCtx, task.RenderInput{
		Handle:     exec.Handle,
		Detections: fetched.Detections,
	})
	if err != nil {
		return e.taskFailed(ctx, taskCtx, exec, task.Render, err)
	}

	now := e.cfg.Now()
	if err := task.Record(exec.Context, task.Render, out, now); err != nil {
		return Directive{}, err
	}
	dest := out.Destination
	exec.Destination = &dest
	return Directive{Kind: Done}, e.transition(exec, model.StateSucceeded, now)
}

// taskContext bounds a task call by the time left before the deadline
func (e *Engine) taskContext(ctx context.Context, exec *model.Execution) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, exec.Deadline.Sub(e.cfg.Now()))
}

// taskFailed routes a task error: host cancellation and retryable errors go
// back to the caller untouched, an expired deadline times the execution out,
// and anything else fails it. taskCtx is nil when no call was made.
func (e *Engine) taskFailed(ctx, taskCtx context.Context, exec *model.Execution, name task.Name, err error) (Directive, error) {
	if ctx.Err() != nil {
		return Directive{}, ctx.Err()
	}

	now := e.cfg.Now()
	if !now.Before(*exec.Deadline) || (taskCtx != nil && errors.Is(taskCtx.Err(), context.DeadlineExceeded)) {
		return e.timeOut(exec, now)
	}

	if task.IsRetryable(err) {
		return Directive{}, err
	}

	diag := TaskDiagnostic(name, err)
	exec.Diagnostic = &diag
	return Directive{Kind: Done}, e.transition(exec, model.StateFailed, now)
}

func (e *Engine) timeOut(exec *model.Execution, now time.Time) (Directive, error) {
	exec.Diagnostic = &model.Diagnostic{
		Cause:   TimedOutCause,
		Error:   TimedOutError,
		Message: fmt.Sprintf("no terminal state within %s of checking start (last state %s)", e.cfg.Deadline, exec.State),
	}
	return Directive{Kind: Done}, e.transition(exec, model.StateTimedOut, now)
}

func (e *Engine) transition(exec *model.Execution, to model.ExecutionState, now time.Time) error {
	if !isValidTransition(exec.State, to) {
		return fmt.Errorf("%s -> %s: %w", exec.State, to, ErrInvalidTransition)
	}

	exec.History = append(exec.History, model.Transition{From: exec.State, To: to, At: now})
	exec.State = to
	exec.Sequence++

	if to.IsTerminal() {
		exec.Outcome = model.OutcomeFor(to)
		exec.CompletedAt = &now
	}
	return nil
}

// TaskDiagnostic describes a task error that ended an execution
func TaskDiagnostic(name task.Name, err error) model.Diagnostic {
	code := task.CodeRejected
	var taskErr *task.Error
	if errors.As(err, &taskErr) {
		code = taskErr.Code
	}
	return model.Diagnostic{
		Cause:   fmt.Sprintf("Task %s Failed", name),
		Error:   code,
		Message: err.Error(),
	}
}
