package workflow

import "github.com/faceblur/orchestrator/internal/model"

// Branch is the path chosen after a status observation
type Branch int

const (
	BranchFail Branch = iota
	BranchPoll
	BranchProceed
)

func (b Branch) String() string {
	switch b {
	case BranchPoll:
		return "poll"
	case BranchProceed:
		return "proceed"
	default:
		return "fail"
	}
}

// Evaluate picks the next path for the latest job status. Only IN_PROGRESS
// keeps polling and only SUCCEEDED proceeds; every other value, including
// ones the detection service may add later, fails closed.
func Evaluate(status model.JobStatus) Branch {
	switch status {
	case model.JobStatusInProgress:
		return BranchPoll
	case model.JobStatusSucceeded:
		return BranchProceed
	default:
		return BranchFail
	}
}

// DetectionFailed is recorded when the job does not resolve to SUCCEEDED
var DetectionFailed = model.Diagnostic{
	Cause:   "Face Detection Failed",
	Error:   "Could not get job_status = 'SUCCEEDED'",
	Message: "job status did not resolve to SUCCEEDED",
}

const (
	TimedOutCause = "Execution Timed Out"
	TimedOutError = "DeadlineExceeded"
)
