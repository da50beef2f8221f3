package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/faceblur/orchestrator/internal/model"
)

// Record stores a task output in the workflow context under its name
func Record(wc model.WorkflowContext, name Name, out any, at time.Time) error {
	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode %s output: %w", name, err)
	}
	wc[string(name)] = model.StepOutput{Body: body, RecordedAt: at}
	return nil
}

// Output decodes the recorded output of a task. A missing or malformed
// entry is reported as a non-retryable task error.
func Output[T any](wc model.WorkflowContext, name Name) (T, error) {
	var out T

	step, ok := wc[string(name)]
	if !ok || len(step.Body) == 0 {
		return out, &Error{
			Task: name,
			Code: CodeMalformedOutput,
			Err:  fmt.Errorf("no %s output recorded: %w", name, ErrContractViolation),
		}
	}

	if err := json.Unmarshal(step.Body, &out); err != nil {
		return out, &Error{
			Task: name,
			Code: CodeMalformedOutput,
			Err:  fmt.Errorf("malformed %s output: %v: %w", name, err, ErrContractViolation),
		}
	}

	return out, nil
}
