package model

import "strings"

// JobStatus is the state reported by the external face detection job.
// It is a closed set: anything the service reports that is not one of the
// known values decodes to JobStatusUnknown.
type JobStatus int

const (
	JobStatusUnknown JobStatus = iota
	JobStatusInProgress
	JobStatusSucceeded
	JobStatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobStatusInProgress:
		return "IN_PROGRESS"
	case JobStatusSucceeded:
		return "SUCCEEDED"
	case JobStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParseJobStatus maps a wire value onto the closed status set.
func ParseJobStatus(raw string) JobStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "IN_PROGRESS":
		return JobStatusInProgress
	case "SUCCEEDED":
		return JobStatusSucceeded
	case "FAILED":
		return JobStatusFailed
	default:
		return JobStatusUnknown
	}
}

func (s JobStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *JobStatus) UnmarshalText(text []byte) error {
	*s = ParseJobStatus(string(text))
	return nil
}

// ExecutionState is a node of the workflow graph
type ExecutionState string

const (
	StateSubmitted ExecutionState = "SUBMITTED"
	StateChecking  ExecutionState = "CHECKING"
	StateWaiting   ExecutionState = "WAITING"
	StateFetching  ExecutionState = "FETCHING"
	StateRendering ExecutionState = "RENDERING"
	StateSucceeded ExecutionState = "SUCCEEDED"
	StateFailed    ExecutionState = "FAILED"
	StateTimedOut  ExecutionState = "TIMED_OUT"
)

// IsTerminal reports whether no transition leaves the state.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut:
		return true
	default:
		return false
	}
}

// Outcome is the terminal result of an execution
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeTimedOut  Outcome = "TIMED_OUT"
)

// OutcomeFor returns the outcome recorded when an execution lands in state.
func OutcomeFor(state ExecutionState) Outcome {
	switch state {
	case StateSucceeded:
		return OutcomeSucceeded
	case StateFailed:
		return OutcomeFailed
	case StateTimedOut:
		return OutcomeTimedOut
	default:
		return OutcomeNone
	}
}

// Supported source video extensions
var VideoExtensions = []string{".mov", ".mp4"}

// IsSupportedVideoKey reports whether an object key names a supported video.
func IsSupportedVideoKey(key string) bool {
	lower := strings.ToLower(key)
	for _, ext := range VideoExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
