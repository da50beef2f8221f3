package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/faceblur/orchestrator/internal/client"
	"github.com/faceblur/orchestrator/internal/metrics"
	"github.com/faceblur/orchestrator/internal/model"
	"github.com/faceblur/orchestrator/internal/store"
	"github.com/faceblur/orchestrator/internal/task"
)

const (
	TaskTypeWorkflowStep = "workflow:step"
	QueueWorkflow        = "workflow"
)

// Trigger labels for started executions
const (
	TriggerSubmit = "submit"
	TriggerStart  = "start"
	TriggerEvent  = "event"
)

// ErrNotSucceeded is returned when a result is requested too early
var ErrNotSucceeded = errors.New("execution has not succeeded")

// Enqueuer schedules step tasks. *asynq.Client satisfies it.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Submitter starts a detection job. *task.Adapters satisfies it.
type Submitter interface {
	Submit(ctx context.Context, in task.SubmitInput) (task.SubmitOutput, error)
}

// ExecutionStore is the live execution storage
type ExecutionStore interface {
	Save(ctx context.Context, exec *model.Execution) error
	Get(ctx context.Context, id string) (*model.Execution, error)
	ClaimHandle(ctx context.Context, jobID, executionID string) (string, error)
	ReleaseHandle(ctx context.Context, jobID, executionID string) error
}

// Archive holds terminal executions once they leave the live store
type Archive interface {
	Put(ctx context.Context, exec *model.Execution) error
	Get(ctx context.Context, id string) (*model.Execution, error)
}

// Options configures the execution service
type Options struct {
	PresignExpiry time.Duration
	StepMaxRetry  int
}

// ExecutionService starts executions and answers questions about them
type ExecutionService struct {
	store     ExecutionStore
	archive   Archive
	submitter Submitter
	storage   client.StorageClient
	enqueuer  Enqueuer
	opts      Options
}

// NewExecutionService creates the service. archive and storage may be nil.
func NewExecutionService(s ExecutionStore, archive Archive, submitter Submitter, storage client.StorageClient, enqueuer Enqueuer, opts Options) *ExecutionService {
	if opts.PresignExpiry <= 0 {
		opts.PresignExpiry = time.Hour
	}
	if opts.StepMaxRetry <= 0 {
		opts.StepMaxRetry = 3
	}
	return &ExecutionService{
		store:     s,
		archive:   archive,
		submitter: submitter,
		storage:   storage,
		enqueuer:  enqueuer,
		opts:      opts,
	}
}

// Submit starts a detection job for a stored video and an execution to follow it
func (s *ExecutionService) Submit(ctx context.Context, req *model.SubmitRequest) (*model.StartExecutionResponse, error) {
	return s.submit(ctx, model.ObjectRef{Bucket: req.Bucket, Key: req.Key}, TriggerSubmit)
}

// Start creates an execution for a job that was submitted elsewhere.
// Starting the same job twice returns the first execution.
func (s *ExecutionService) Start(ctx context.Context, req *model.StartExecutionRequest) (*model.StartExecutionResponse, error) {
	return s.start(ctx, model.JobHandle{JobID: req.JobID, Source: req.Source}, TriggerStart)
}

// GetStatus returns the current state of an execution
func (s *ExecutionService) GetStatus(ctx context.Context, id string) (*model.ExecutionStatusResponse, error) {
	exec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	return &model.ExecutionStatusResponse{
		ExecutionID:  exec.ID,
		JobID:        exec.Handle.JobID,
		Source:       exec.Handle.Source,
		State:        exec.State,
		Outcome:      exec.Outcome,
		StatusChecks: exec.StatusChecks,
		LastStatus:   exec.LastStatus,
		Diagnostic:   exec.Diagnostic,
		CreatedAt:    exec.CreatedAt,
		Deadline:     exec.Deadline,
		CompletedAt:  exec.CompletedAt,
	}, nil
}

// GetResult returns the destination of a SUCCEEDED execution with a
// temporary download link
func (s *ExecutionService) GetResult(ctx context.Context, id string) (*model.ExecutionResultResponse, error) {
	exec, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if exec.State != model.StateSucceeded || exec.Destination == nil {
		return nil, fmt.Errorf("%s is %s: %w", id, exec.State, ErrNotSucceeded)
	}

	result := &model.ExecutionResultResponse{
		ExecutionID: exec.ID,
		Destination: *exec.Destination,
		Detections:  exec.Detections,
	}

	if s.storage != nil {
		signed, err := s.storage.GetSignedURL(ctx, *exec.Destination, s.opts.PresignExpiry)
		if err != nil {
			return nil, fmt.Errorf("failed to sign download URL: %w", err)
		}
		expiresAt := time.Now().Add(s.opts.PresignExpiry)
		result.DownloadURL = signed
		result.ExpiresAt = &expiresAt
	}

	return result, nil
}

// HandleObjectCreated starts an execution for every new video in a storage
// event. Records that are not new .mov or .mp4 objects are reported as ignored.
func (s *ExecutionService) HandleObjectCreated(ctx context.Context, event *model.S3EventNotification) (*model.ObjectCreatedResponse, error) {
	accepted, ignored := FilterObjectCreated(event)
	resp := &model.ObjectCreatedResponse{
		Started: make([]model.StartExecutionResponse, 0, len(accepted)),
		Ignored: ignored,
	}

	for _, ref := range accepted {
		started, err := s.submit(ctx, ref, TriggerEvent)
		if err != nil {
			if task.IsRetryable(err) {
				return nil, err
			}
			log.Printf("[Executions] ✗ not starting %s: %v", ref, err)
			resp.Ignored = append(resp.Ignored, ref)
			continue
		}
		resp.Started = append(resp.Started, *started)
	}

	if n := len(resp.Ignored); n > 0 {
		metrics.EventsIgnoredTotal.Add(float64(n))
	}
	return resp, nil
}

// FilterObjectCreated splits event records into videos that start an
// execution and everything else
func FilterObjectCreated(event *model.S3EventNotification) (accepted, ignored []model.ObjectRef) {
	accepted = make([]model.ObjectRef, 0, len(event.Records))
	ignored = make([]model.ObjectRef, 0)

	for _, record := range event.Records {
		key, err := url.QueryUnescape(record.S3.Object.Key)
		if err != nil {
			key = record.S3.Object.Key
		}
		ref := model.ObjectRef{Bucket: record.S3.Bucket.Name, Key: key}

		if !isObjectCreated(record.EventName) || ref.Bucket == "" || !model.IsSupportedVideoKey(ref.Key) {
			ignored = append(ignored, ref)
			continue
		}
		accepted = append(accepted, ref)
	}
	return accepted, ignored
}

func isObjectCreated(eventName string) bool {
	return strings.HasPrefix(strings.TrimPrefix(eventName, "s3:"), "ObjectCreated:")
}

func (s *ExecutionService) submit(ctx context.Context, source model.ObjectRef, trigger string) (*model.StartExecutionResponse, error) {
	out, err := s.submitter.Submit(ctx, task.SubmitInput{Source: source})
	if err != nil {
		return nil, err
	}
	log.Printf("[Executions] submitted %s as job %s", source, out.Handle.JobID)
	return s.start(ctx, out.Handle, trigger)
}

func (s *ExecutionService) start(ctx context.Context, handle model.JobHandle, trigger string) (*model.StartExecutionResponse, error) {
	id := uuid.New().String()

	owner, err := s.store.ClaimHandle(ctx, handle.JobID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", handle.JobID, err)
	}
	if owner != id {
		existing, err := s.resume(ctx, handle.JobID, owner)
		if err == nil {
			return startResponse(existing), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		// the owner was never saved, take the job over
		log.Printf("[Executions] job %s claimed by missing execution %s, reclaiming", handle.JobID, owner)
		if err := s.store.ReleaseHandle(ctx, handle.JobID, owner); err != nil {
			return nil, fmt.Errorf("failed to release job %s: %w", handle.JobID, err)
		}
		if owner, err = s.store.ClaimHandle(ctx, handle.JobID, id); err != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", handle.JobID, err)
		}
		if owner != id {
			existing, err := s.resume(ctx, handle.JobID, owner)
			if err != nil {
				return nil, err
			}
			return startResponse(existing), nil
		}
	}

	exec := model.NewExecution(id, handle, time.Now())
	if err := s.store.Save(ctx, exec); err != nil {
		if rerr := s.store.ReleaseHandle(ctx, handle.JobID, id); rerr != nil {
			log.Printf("[Executions] ✗ failed to release job %s: %v", handle.JobID, rerr)
		}
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	metrics.ExecutionsStartedTotal.WithLabelValues(trigger).Inc()
	metrics.ExecutionsInFlight.Inc()

	// a lost first step is enqueued again by the next start of the same job
	if err := EnqueueStep(ctx, s.enqueuer, exec, 0, s.opts.StepMaxRetry); err != nil {
		return nil, err
	}

	log.Printf("[Executions] started %s for job %s (%s)", exec.ID, handle.JobID, trigger)

	return startResponse(exec), nil
}

// resume returns the execution that already follows a job. One still in
// SUBMITTED may have lost its first step, so that step is enqueued again;
// a step that is already pending makes this a no-op.
func (s *ExecutionService) resume(ctx context.Context, jobID, owner string) (*model.Execution, error) {
	existing, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	log.Printf("[Executions] job %s already followed by %s", jobID, owner)

	if existing.State == model.StateSubmitted {
		if err := EnqueueStep(ctx, s.enqueuer, existing, 0, s.opts.StepMaxRetry); err != nil {
			return nil, err
		}
	}
	return existing, nil
}

func (s *ExecutionService) load(ctx context.Context, id string) (*model.Execution, error) {
	exec, err := s.store.Get(ctx, id)
	if err == nil {
		return exec, nil
	}
	if errors.Is(err, store.ErrNotFound) && s.archive != nil {
		return s.archive.Get(ctx, id)
	}
	return nil, err
}

func startResponse(exec *model.Execution) *model.StartExecutionResponse {
	return &model.StartExecutionResponse{
		ExecutionID: exec.ID,
		JobID:       exec.Handle.JobID,
		State:       exec.State,
		CreatedAt:   exec.CreatedAt,
	}
}

// StepPayload is the body of a workflow step task
type StepPayload struct {
	ExecutionID string `json:"executionId"`
	Sequence    int    `json:"sequence"`
}

// StepTaskID identifies the step that runs after the given transition
// count, so one execution never has two pending steps
func StepTaskID(executionID string, sequence int) string {
	return fmt.Sprintf("%s:%d", executionID, sequence)
}

// EnqueueStep schedules the next step of exec after delay
func EnqueueStep(ctx context.Context, enqueuer Enqueuer, exec *model.Execution, delay time.Duration, maxRetry int) error {
	data, err := json.Marshal(StepPayload{ExecutionID: exec.ID, Sequence: exec.Sequence})
	if err != nil {
		return fmt.Errorf("failed to marshal step payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(QueueWorkflow),
		asynq.TaskID(StepTaskID(exec.ID, exec.Sequence)),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(time.Hour),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	_, err = enqueuer.EnqueueContext(ctx, asynq.NewTask(TaskTypeWorkflowStep, data), opts...)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("failed to enqueue step for %s: %w", exec.ID, err)
	}
	return nil
}
