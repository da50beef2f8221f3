package model

import "time"

// SubmitRequest asks the service to submit a detection job for a video
type SubmitRequest struct {
	Bucket string `json:"bucket" validate:"required,min=3,max=63"`
	Key    string `json:"key" validate:"required,max=1024"`
}

// StartExecutionRequest starts a workflow for an already submitted job
type StartExecutionRequest struct {
	JobID  string    `json:"jobId" validate:"required"`
	Source ObjectRef `json:"source" validate:"required"`
}

// StartExecutionResponse is returned when an execution is accepted
type StartExecutionResponse struct {
	ExecutionID string         `json:"executionId"`
	JobID       string         `json:"jobId"`
	State       ExecutionState `json:"state"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// ExecutionStatusResponse reports where an execution currently is
type ExecutionStatusResponse struct {
	ExecutionID  string         `json:"executionId"`
	JobID        string         `json:"jobId"`
	Source       ObjectRef      `json:"source"`
	State        ExecutionState `json:"state"`
	Outcome      Outcome        `json:"outcome,omitempty"`
	StatusChecks int            `json:"statusChecks"`
	LastStatus   *JobStatus     `json:"lastStatus,omitempty"`
	Diagnostic   *Diagnostic    `json:"diagnostic,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	Deadline     *time.Time     `json:"deadline,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
}

// ExecutionResultResponse is the output of a SUCCEEDED execution
type ExecutionResultResponse struct {
	ExecutionID string     `json:"executionId"`
	Destination ObjectRef  `json:"destination"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
	Detections  int        `json:"detections"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// ObjectCreatedResponse summarizes what a storage event triggered
type ObjectCreatedResponse struct {
	Started []StartExecutionResponse `json:"started"`
	Ignored []ObjectRef              `json:"ignored"`
}
