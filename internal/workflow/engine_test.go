package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/faceblur/orchestrator/internal/client"
	"github.com/faceblur/orchestrator/internal/model"
	"github.com/faceblur/orchestrator/internal/task"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.now = c.now.Add(d)
	return ctx.Err()
}

// scriptedDetector returns statuses in order and repeats the last one
type scriptedDetector struct {
	statuses []string
	faces    []model.DetectionRecord
	checks   int
	fetches  int
	err      error
}

func (d *scriptedDetector) StartFaceDetection(ctx context.Context, source model.ObjectRef, clientToken string) (string, error) {
	return "job-1", nil
}

func (d *scriptedDetector) GetFaceDetection(ctx context.Context, jobID, nextToken string, maxResults int32) (*client.FaceDetectionPage, error) {
	if d.err != nil {
		return nil, d.err
	}
	if maxResults == 1 {
		i := d.checks
		if i >= len(d.statuses) {
			i = len(d.statuses) - 1
		}
		d.checks++
		return &client.FaceDetectionPage{Status: d.statuses[i]}, nil
	}
	d.fetches++
	return &client.FaceDetectionPage{Status: "SUCCEEDED", Faces: d.faces}, nil
}

type recordingRenderer struct {
	calls int
	err   error
	got   *client.BlurRequest
}

func (r *recordingRenderer) Blur(ctx context.Context, req *client.BlurRequest) (*client.BlurResponse, error) {
	r.calls++
	r.got = req
	if r.err != nil {
		return nil, r.err
	}
	return &client.BlurResponse{Output: req.Destination}, nil
}

func (r *recordingRenderer) HealthCheck(ctx context.Context) error { return nil }

var clip = model.ObjectRef{Bucket: "input", Key: "clip1.mp4"}

func threeFaces() []model.DetectionRecord {
	return []model.DetectionRecord{
		{TimestampMs: 0, Confidence: 99.1, Box: model.BoundingBox{Left: 0.1, Top: 0.1, Width: 0.2, Height: 0.2}},
		{TimestampMs: 40, Confidence: 98.7, Box: model.BoundingBox{Left: 0.12, Top: 0.1, Width: 0.2, Height: 0.2}},
		{TimestampMs: 80, Confidence: 97.3, Box: model.BoundingBox{Left: 0.14, Top: 0.1, Width: 0.2, Height: 0.2}},
	}
}

func newTestRunner(d *scriptedDetector, r *recordingRenderer, clock *fakeClock, opts ...RunnerOption) (*Engine, *Runner) {
	adapters := task.NewAdapters(d, nil, r, task.Options{OutputBucket: "output", OutputPrefix: "out/"})
	engine := NewEngine(adapters, Config{
		PollInterval: time.Second,
		Deadline:     15 * time.Minute,
		Now:          clock.Now,
	})
	opts = append([]RunnerOption{WithSleep(clock.Sleep)}, opts...)
	return engine, NewRunner(engine, opts...)
}

func newExecution(clock *fakeClock) *model.Execution {
	return model.NewExecution("exec-1", model.JobHandle{JobID: "job-1", Source: clip}, clock.Now())
}

func TestRunSucceedsAfterPolling(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	d := &scriptedDetector{
		statuses: []string{"IN_PROGRESS", "IN_PROGRESS", "SUCCEEDED"},
		faces:    threeFaces(),
	}
	r := &recordingRenderer{}
	_, runner := newTestRunner(d, r, clock)

	exec := newExecution(clock)
	if err := runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}

	if exec.Outcome != model.OutcomeSucceeded {
		t.Fatalf("outcome = %q, diagnostic = %+v", exec.Outcome, exec.Diagnostic)
	}
	if exec.StatusChecks != 3 {
		t.Errorf("status checks = %d, want 3", exec.StatusChecks)
	}
	if exec.Detections != 3 || len(r.got.Detections) != 3 {
		t.Errorf("detections = %d, rendered with %d, want 3", exec.Detections, len(r.got.Detections))
	}
	want := model.ObjectRef{Bucket: "output", Key: "out/clip1.mp4"}
	if exec.Destination == nil || *exec.Destination != want {
		t.Errorf("destination = %v, want %v", exec.Destination, want)
	}
	if r.got.Source != clip {
		t.Errorf("rendered source = %v, want %v", r.got.Source, clip)
	}

	wantStates := []model.ExecutionState{
		model.StateChecking, model.StateWaiting,
		model.StateChecking, model.StateWaiting,
		model.StateChecking, model.StateFetching, model.StateRendering, model.StateSucceeded,
	}
	if len(exec.History) != len(wantStates) {
		t.Fatalf("history = %+v", exec.History)
	}
	for i, tr := range exec.History {
		if tr.To != wantStates[i] {
			t.Errorf("history[%d].To = %s, want %s", i, tr.To, wantStates[i])
		}
	}
	if exec.Sequence != len(exec.History) {
		t.Errorf("sequence = %d, want %d", exec.Sequence, len(exec.History))
	}

	if _, ok := exec.Context[string(task.FetchResults)]; !ok {
		t.Error("fetchResults output missing from context")
	}
	out, err := task.Output[task.CheckStatusOutput](exec.Context, task.CheckStatus)
	if err != nil || out.Status != model.JobStatusSucceeded {
		t.Errorf("latest checkStatus output = %+v, %v", out, err)
	}
}

func TestRunFailsImmediatelyOnFailedJob(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	d := &scriptedDetector{statuses: []string{"FAILED"}}
	r := &recordingRenderer{}
	_, runner := newTestRunner(d, r, clock)

	exec := newExecution(clock)
	if err := runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}

	if exec.Outcome != model.OutcomeFailed {
		t.Fatalf("outcome = %q, want FAILED", exec.Outcome)
	}
	if exec.StatusChecks != 1 {
		t.Errorf("status checks = %d, want 1", exec.StatusChecks)
	}
	if d.fetches != 0 || r.calls != 0 {
		t.Errorf("fetches = %d, renders = %d, want none", d.fetches, r.calls)
	}
	if exec.Diagnostic == nil || exec.Diagnostic.Cause != "Face Detection Failed" ||
		exec.Diagnostic.Error != "Could not get job_status = 'SUCCEEDED'" {
		t.Errorf("diagnostic = %+v", exec.Diagnostic)
	}
}

func TestRunFailsClosedOnUnknownStatus(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	d := &scriptedDetector{statuses: []string{"IN_PROGRESS", "PAUSED"}}
	r := &recordingRenderer{}
	_, runner := newTestRunner(d, r, clock)

	exec := newExecution(clock)
	if err := runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}

	if exec.Outcome != model.OutcomeFailed {
		t.Fatalf("outcome = %q, want FAILED", exec.Outcome)
	}
	if exec.LastStatus == nil || *exec.LastStatus != model.JobStatusUnknown {
		t.Errorf("last status = %v, want UNKNOWN", exec.LastStatus)
	}
	if d.fetches != 0 || r.calls != 0 {
		t.Error("nothing may run after an unknown status")
	}
}

func TestRunTimesOut(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	d := &scriptedDetector{statuses: []string{"IN_PROGRESS"}}
	r := &recordingRenderer{}
	_, runner := newTestRunner(d, r, clock)

	exec := newExecution(clock)
	start := clock.Now()
	if err := runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}

	if exec.Outcome != model.OutcomeTimedOut {
		t.Fatalf("outcome = %q, want TIMED_OUT", exec.Outcome)
	}
	if elapsed := exec.CompletedAt.Sub(start); elapsed != 15*time.Minute {
		t.Errorf("completed after %s, want 15m", elapsed)
	}
	// one check per second of the 15 minute window
	if exec.StatusChecks != 900 {
		t.Errorf("status checks = %d, want 900", exec.StatusChecks)
	}
	if d.fetches != 0 || r.calls != 0 {
		t.Error("nothing may run after a timeout")
	}
}

func TestRenderOnlyAfterFetch(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	d := &scriptedDetector{statuses: []string{"SUCCEEDED"}, faces: threeFaces()}
	r := &recordingRenderer{}
	engine, _ := newTestRunner(d, r, clock)

	exec := newExecution(clock)
	for exec.State != model.StateRendering {
		if _, err := engine.Step(context.Background(), exec); err != nil {
			t.Fatalf("step in %s: %v", exec.State, err)
		}
	}
	if r.calls != 0 {
		t.Fatal("renderer called before RENDERING was reached")
	}

	// the renderer must never see a context without detections
	delete(exec.Context, string(task.FetchResults))
	if _, err := engine.Step(context.Background(), exec); err != nil {
		t.Fatalf("step: %v", err)
	}
	if r.calls != 0 {
		t.Error("renderer called without fetched detections")
	}
	if exec.Outcome != model.OutcomeFailed || exec.Diagnostic.Error != task.CodeMalformedOutput {
		t.Errorf("outcome = %q, diagnostic = %+v", exec.Outcome, exec.Diagnostic)
	}
}

func TestRunRetriesTransientErrors(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	d := &scriptedDetector{statuses: []string{"SUCCEEDED"}, faces: threeFaces()}
	r := &recordingRenderer{err: &client.ServiceError{Service: "renderer", StatusCode: 503}}
	_, runner := newTestRunner(d, r, clock, WithMaxAttempts(3))

	exec := newExecution(clock)
	if err := runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}

	if r.calls != 3 {
		t.Errorf("render attempts = %d, want 3", r.calls)
	}
	if exec.Outcome != model.OutcomeFailed {
		t.Fatalf("outcome = %q, want FAILED", exec.Outcome)
	}
	if exec.Diagnostic.Error != task.CodeTransient {
		t.Errorf("diagnostic = %+v", exec.Diagnostic)
	}
}

func TestRunFailsOnRejectedRender(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	d := &scriptedDetector{statuses: []string{"SUCCEEDED"}, faces: threeFaces()}
	r := &recordingRenderer{err: &client.ServiceError{Service: "renderer", StatusCode: 422, Body: "unsupported codec"}}
	_, runner := newTestRunner(d, r, clock)

	exec := newExecution(clock)
	if err := runner.Run(context.Background(), exec); err != nil {
		t.Fatalf("run: %v", err)
	}

	if r.calls != 1 {
		t.Errorf("render attempts = %d, want 1", r.calls)
	}
	if exec.Outcome != model.OutcomeFailed || exec.Diagnostic.Error != task.CodeRejected {
		t.Errorf("outcome = %q, diagnostic = %+v", exec.Outcome, exec.Diagnostic)
	}
	if exec.Destination != nil {
		t.Error("failed execution must not report a destination")
	}
}

func TestRunCancelled(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	d := &scriptedDetector{statuses: []string{"IN_PROGRESS"}}
	_, runner := newTestRunner(d, &recordingRenderer{}, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := newExecution(clock)
	if err := runner.Run(ctx, exec); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if exec.IsTerminal() {
		t.Errorf("cancelled execution ended in %s", exec.State)
	}
}

func TestStepTerminal(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	engine, _ := newTestRunner(&scriptedDetector{statuses: []string{"FAILED"}}, &recordingRenderer{}, clock)

	exec := newExecution(clock)
	exec.State = model.StateSucceeded

	if _, err := engine.Step(context.Background(), exec); !errors.Is(err, ErrExecutionTerminal) {
		t.Errorf("error = %v, want ErrExecutionTerminal", err)
	}
	if err := engine.Fail(exec, DetectionFailed); !errors.Is(err, ErrExecutionTerminal) {
		t.Errorf("fail error = %v, want ErrExecutionTerminal", err)
	}
}

func TestSuspendDelayClampedToDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	d := &scriptedDetector{statuses: []string{"IN_PROGRESS"}}
	adapters := task.NewAdapters(d, nil, &recordingRenderer{}, task.Options{OutputBucket: "output"})
	engine := NewEngine(adapters, Config{PollInterval: time.Minute, Deadline: 90 * time.Second, Now: clock.Now})

	exec := newExecution(clock)
	if _, err := engine.Step(context.Background(), exec); err != nil {
		t.Fatalf("submit step: %v", err)
	}
	clock.now = clock.now.Add(time.Minute)

	directive, err := engine.Step(context.Background(), exec)
	if err != nil {
		t.Fatalf("check step: %v", err)
	}
	if directive.Kind != Suspend || directive.Delay != 30*time.Second {
		t.Errorf("directive = %+v, want suspend for 30s", directive)
	}
}

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from, to model.ExecutionState
		want     bool
	}{
		{model.StateSubmitted, model.StateChecking, true},
		{model.StateChecking, model.StateWaiting, true},
		{model.StateWaiting, model.StateChecking, true},
		{model.StateChecking, model.StateFetching, true},
		{model.StateFetching, model.StateRendering, true},
		{model.StateRendering, model.StateSucceeded, true},
		{model.StateChecking, model.StateRendering, false},
		{model.StateWaiting, model.StateFetching, false},
		{model.StateSubmitted, model.StateSucceeded, false},
		{model.StateSucceeded, model.StateChecking, false},
		{model.StateFailed, model.StateChecking, false},
	}

	for _, tt := range tests {
		if got := isValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("isValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
