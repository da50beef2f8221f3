package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/faceblur/orchestrator/internal/client"
	"github.com/faceblur/orchestrator/internal/model"
	"github.com/faceblur/orchestrator/internal/service"
	"github.com/faceblur/orchestrator/internal/store"
	"github.com/faceblur/orchestrator/internal/task"
	"github.com/faceblur/orchestrator/internal/workflow"
)

type enqueued struct {
	task  *asynq.Task
	id    string
	delay time.Duration
}

// fakeEnqueuer rejects a task ID it has already accepted, like asynq does
type fakeEnqueuer struct {
	tasks []enqueued
	seen  map[string]bool
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	e := enqueued{task: t}
	for _, opt := range opts {
		switch opt.Type() {
		case asynq.TaskIDOpt:
			e.id = opt.Value().(string)
		case asynq.ProcessInOpt:
			e.delay = opt.Value().(time.Duration)
		}
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	if f.seen[e.id] {
		return nil, asynq.ErrTaskIDConflict
	}
	f.seen[e.id] = true
	f.tasks = append(f.tasks, e)
	return &asynq.TaskInfo{ID: e.id}, nil
}

type scriptedTasks struct {
	statuses []model.JobStatus
	checks   int
	renders  int
	checkErr error
}

func (s *scriptedTasks) CheckStatus(ctx context.Context, in task.CheckStatusInput) (task.CheckStatusOutput, error) {
	if s.checkErr != nil {
		return task.CheckStatusOutput{}, s.checkErr
	}
	i := s.checks
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	s.checks++
	return task.CheckStatusOutput{Handle: in.Handle, Status: s.statuses[i], RawStatus: s.statuses[i].String()}, nil
}

func (s *scriptedTasks) FetchResults(ctx context.Context, in task.FetchResultsInput) (task.FetchResultsOutput, error) {
	return task.FetchResultsOutput{
		Handle:     in.Handle,
		Detections: []model.DetectionRecord{{TimestampMs: 0, Confidence: 99}, {TimestampMs: 40, Confidence: 98}},
	}, nil
}

func (s *scriptedTasks) Render(ctx context.Context, in task.RenderInput) (task.RenderOutput, error) {
	s.renders++
	return task.RenderOutput{
		Handle:      in.Handle,
		Destination: model.ObjectRef{Bucket: "output", Key: "out/" + in.Handle.Source.Key},
	}, nil
}

type recordingNotifier struct {
	progress []model.ExecutionState
	complete int
	errors   []string
}

func (n *recordingNotifier) BroadcastProgress(exec *model.Execution) {
	n.progress = append(n.progress, exec.State)
}

func (n *recordingNotifier) BroadcastComplete(executionID string, result interface{}) {
	n.complete++
}

func (n *recordingNotifier) BroadcastError(executionID string, code, message string) {
	n.errors = append(n.errors, code)
}

type fixture struct {
	worker   *WorkflowWorker
	store    *store.ExecutionStore
	enqueuer *fakeEnqueuer
	notifier *recordingNotifier
}

func newFixture(t *testing.T, tasks workflow.Tasks) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		store:    store.NewExecutionStore(rdb, time.Hour),
		enqueuer: &fakeEnqueuer{},
		notifier: &recordingNotifier{},
	}
	engine := workflow.NewEngine(tasks, workflow.Config{PollInterval: time.Second, Deadline: 15 * time.Minute})
	f.worker = NewWorkflowWorker(engine, f.store, nil, f.enqueuer, f.notifier, time.Second, 3)
	return f
}

func (f *fixture) start(t *testing.T) *model.Execution {
	t.Helper()
	exec := model.NewExecution("exec-1", model.JobHandle{
		JobID:  "job-1",
		Source: model.ObjectRef{Bucket: "input", Key: "clip1.mp4"},
	}, time.Now())
	if err := f.store.Save(context.Background(), exec); err != nil {
		t.Fatalf("save: %v", err)
	}
	return exec
}

func stepTask(t *testing.T, id string, seq int) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(service.StepPayload{ExecutionID: id, Sequence: seq})
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(service.TaskTypeWorkflowStep, data)
}

func (f *fixture) load(t *testing.T) *model.Execution {
	t.Helper()
	exec, err := f.store.Get(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return exec
}

func TestProcessTaskSuspendsOncePerPoll(t *testing.T) {
	tasks := &scriptedTasks{statuses: []model.JobStatus{model.JobStatusInProgress, model.JobStatusSucceeded}}
	f := newFixture(t, tasks)
	f.start(t)
	ctx := context.Background()

	if err := f.worker.ProcessTask(ctx, stepTask(t, "exec-1", 0)); err != nil {
		t.Fatalf("first step: %v", err)
	}

	exec := f.load(t)
	if exec.State != model.StateWaiting || exec.StatusChecks != 1 {
		t.Fatalf("after first step: state = %s, checks = %d", exec.State, exec.StatusChecks)
	}
	if len(f.enqueuer.tasks) != 1 {
		t.Fatalf("enqueued %d steps, want 1", len(f.enqueuer.tasks))
	}
	next := f.enqueuer.tasks[0]
	if next.delay != time.Second {
		t.Errorf("delay = %s, want 1s", next.delay)
	}
	if next.id != service.StepTaskID("exec-1", exec.Sequence) {
		t.Errorf("task id = %q", next.id)
	}

	if err := f.worker.ProcessTask(ctx, next.task); err != nil {
		t.Fatalf("second step: %v", err)
	}

	exec = f.load(t)
	if exec.Outcome != model.OutcomeSucceeded {
		t.Fatalf("outcome = %q, diagnostic = %+v", exec.Outcome, exec.Diagnostic)
	}
	if exec.Destination == nil || exec.Destination.Key != "out/clip1.mp4" {
		t.Errorf("destination = %v", exec.Destination)
	}
	if len(f.enqueuer.tasks) != 1 {
		t.Errorf("enqueued %d steps, want no more after terminal", len(f.enqueuer.tasks))
	}
	if f.notifier.complete != 1 {
		t.Errorf("complete notifications = %d, want 1", f.notifier.complete)
	}

	// a late duplicate of a finished execution changes nothing
	if err := f.worker.ProcessTask(ctx, next.task); err != nil {
		t.Fatalf("duplicate step: %v", err)
	}
	if tasks.renders != 1 {
		t.Errorf("renders = %d, want 1", tasks.renders)
	}
}

func TestProcessTaskStaleRedelivery(t *testing.T) {
	tasks := &scriptedTasks{statuses: []model.JobStatus{model.JobStatusInProgress}}
	f := newFixture(t, tasks)
	f.start(t)
	ctx := context.Background()

	first := stepTask(t, "exec-1", 0)
	if err := f.worker.ProcessTask(ctx, first); err != nil {
		t.Fatalf("first step: %v", err)
	}
	if err := f.worker.ProcessTask(ctx, first); err != nil {
		t.Fatalf("redelivered step: %v", err)
	}

	exec := f.load(t)
	if exec.StatusChecks != 1 || tasks.checks != 1 {
		t.Errorf("checks = %d (tasks %d), want 1", exec.StatusChecks, tasks.checks)
	}
	if len(f.enqueuer.tasks) != 1 {
		t.Errorf("enqueued %d steps, want 1", len(f.enqueuer.tasks))
	}
}

func TestProcessTaskFailedJob(t *testing.T) {
	tasks := &scriptedTasks{statuses: []model.JobStatus{model.JobStatusFailed}}
	f := newFixture(t, tasks)
	f.start(t)

	if err := f.worker.ProcessTask(context.Background(), stepTask(t, "exec-1", 0)); err != nil {
		t.Fatalf("step: %v", err)
	}

	exec := f.load(t)
	if exec.Outcome != model.OutcomeFailed {
		t.Fatalf("outcome = %q, want FAILED", exec.Outcome)
	}
	if len(f.enqueuer.tasks) != 0 {
		t.Errorf("enqueued %d steps after FAILED", len(f.enqueuer.tasks))
	}
	if len(f.notifier.errors) != 1 || f.notifier.errors[0] != workflow.DetectionFailed.Error {
		t.Errorf("error notifications = %v", f.notifier.errors)
	}
}

func TestProcessTaskRetryableError(t *testing.T) {
	tasks := &scriptedTasks{checkErr: &task.Error{
		Task:      task.CheckStatus,
		Code:      task.CodeTransient,
		Retryable: true,
		Err:       &client.ServiceError{Service: "rekognition", StatusCode: 503},
	}}
	f := newFixture(t, tasks)
	f.start(t)

	err := f.worker.ProcessTask(context.Background(), stepTask(t, "exec-1", 0))
	if !task.IsRetryable(err) {
		t.Fatalf("error = %v, want the retryable task error", err)
	}

	exec := f.load(t)
	if exec.State != model.StateChecking {
		t.Errorf("state = %s, want CHECKING kept for the retry", exec.State)
	}
	if exec.IsTerminal() || len(f.enqueuer.tasks) != 0 {
		t.Error("retryable error must leave the execution to the queue's retry")
	}
}

func TestProcessTaskMissingExecution(t *testing.T) {
	f := newFixture(t, &scriptedTasks{statuses: []model.JobStatus{model.JobStatusInProgress}})

	err := f.worker.ProcessTask(context.Background(), stepTask(t, "missing", 0))
	if err == nil {
		t.Fatal("expected an error for a missing execution")
	}
}

func exhausted(ctx context.Context) (int, int) { return 3, 3 }

func TestProcessTaskEnqueueFailure(t *testing.T) {
	tasks := &scriptedTasks{statuses: []model.JobStatus{model.JobStatusInProgress}}
	f := newFixture(t, tasks)
	f.start(t)
	f.enqueuer.err = errors.New("redis: connection reset")
	ctx := context.Background()
	step := stepTask(t, "exec-1", 0)

	if err := f.worker.ProcessTask(ctx, step); err == nil {
		t.Fatal("expected the enqueue error while retries remain")
	}
	if exec := f.load(t); exec.State != model.StateWaiting {
		t.Fatalf("state = %s, want WAITING kept for the retry", exec.State)
	}

	// the redelivery cannot schedule either and is the last one
	f.worker.retries = exhausted
	if err := f.worker.ProcessTask(ctx, step); err != nil {
		t.Fatalf("last delivery: %v", err)
	}

	exec := f.load(t)
	if exec.Outcome != model.OutcomeFailed {
		t.Fatalf("outcome = %q, want FAILED", exec.Outcome)
	}
	if exec.Diagnostic == nil || exec.Diagnostic.Error != StepNotScheduledError {
		t.Errorf("diagnostic = %+v", exec.Diagnostic)
	}
	if tasks.checks != 1 {
		t.Errorf("checks = %d, want 1", tasks.checks)
	}
	if len(f.notifier.errors) != 1 || f.notifier.errors[0] != StepNotScheduledError {
		t.Errorf("error notifications = %v", f.notifier.errors)
	}
}

func TestProcessTaskEnqueueFailurePastDeadline(t *testing.T) {
	f := newFixture(t, &scriptedTasks{statuses: []model.JobStatus{model.JobStatusInProgress}})
	f.start(t)
	ctx := context.Background()
	step := stepTask(t, "exec-1", 0)

	if err := f.worker.ProcessTask(ctx, step); err != nil {
		t.Fatalf("first step: %v", err)
	}

	exec := f.load(t)
	past := time.Now().Add(-time.Second)
	exec.Deadline = &past
	if err := f.store.Save(ctx, exec); err != nil {
		t.Fatalf("save: %v", err)
	}

	f.enqueuer.err = errors.New("redis: connection reset")
	f.worker.retries = exhausted
	if err := f.worker.ProcessTask(ctx, step); err != nil {
		t.Fatalf("last delivery: %v", err)
	}

	if exec := f.load(t); exec.Outcome != model.OutcomeTimedOut {
		t.Errorf("outcome = %q, want TIMED_OUT", exec.Outcome)
	}
}

func TestProcessTaskRetriesExhausted(t *testing.T) {
	tasks := &scriptedTasks{checkErr: &task.Error{
		Task:      task.CheckStatus,
		Code:      task.CodeTransient,
		Retryable: true,
		Err:       &client.ServiceError{Service: "rekognition", StatusCode: 503},
	}}
	f := newFixture(t, tasks)
	f.start(t)
	f.worker.retries = exhausted

	if err := f.worker.ProcessTask(context.Background(), stepTask(t, "exec-1", 0)); err != nil {
		t.Fatalf("step: %v", err)
	}

	exec := f.load(t)
	if exec.Outcome != model.OutcomeFailed || exec.Diagnostic.Error != task.CodeTransient {
		t.Errorf("outcome = %q, diagnostic = %+v", exec.Outcome, exec.Diagnostic)
	}
}
