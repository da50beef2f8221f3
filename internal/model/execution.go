package model

import (
	"encoding/json"
	"time"
)

// StepOutput is the JSON payload one task produced, nested under "body"
type StepOutput struct {
	Body       json.RawMessage `json:"body"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// WorkflowContext maps a task name to the latest output of that task
type WorkflowContext map[string]StepOutput

// Diagnostic explains a FAILED or TIMED_OUT outcome
type Diagnostic struct {
	Cause   string `json:"cause"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Transition records one move of the state machine
type Transition struct {
	From ExecutionState `json:"from"`
	To   ExecutionState `json:"to"`
	At   time.Time      `json:"at"`
}

// Execution is one run of the workflow for one JobHandle
type Execution struct {
	ID                string          `json:"id"`
	Handle            JobHandle       `json:"handle"`
	State             ExecutionState  `json:"state"`
	Outcome           Outcome         `json:"outcome,omitempty"`
	Context           WorkflowContext `json:"context"`
	StatusChecks      int             `json:"statusChecks"`
	LastStatus        *JobStatus      `json:"lastStatus,omitempty"`
	Detections        int             `json:"detections"`
	Destination       *ObjectRef      `json:"destination,omitempty"`
	Diagnostic        *Diagnostic     `json:"diagnostic,omitempty"`
	History           []Transition    `json:"history"`
	Sequence          int             `json:"sequence"`
	CreatedAt         time.Time       `json:"createdAt"`
	CheckingStartedAt *time.Time      `json:"checkingStartedAt,omitempty"`
	Deadline          *time.Time      `json:"deadline,omitempty"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
}

// NewExecution creates an execution in the SUBMITTED state
func NewExecution(id string, handle JobHandle, now time.Time) *Execution {
	return &Execution{
		ID:        id,
		Handle:    handle,
		State:     StateSubmitted,
		Context:   WorkflowContext{},
		CreatedAt: now,
	}
}

// IsTerminal reports whether the execution has reached its outcome
func (e *Execution) IsTerminal() bool {
	return e.State.IsTerminal()
}
