package task

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/faceblur/orchestrator/internal/client"
	"github.com/faceblur/orchestrator/internal/model"
)

// Func is one typed external capability
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

// NewValidator returns a validator that knows the task contract tags
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("job_succeeded", func(fl validator.FieldLevel) bool {
		status, ok := fl.Field().Interface().(model.JobStatus)
		return ok && status == model.JobStatusSucceeded
	})
	return v
}

// Invoke checks in against its contract, calls fn, and checks the result
// before handing it back. Nothing partially formed crosses the boundary.
func Invoke[In, Out any](ctx context.Context, v *validator.Validate, name Name, fn Func[In, Out], in In) (Out, error) {
	var zero Out

	if err := v.StructCtx(ctx, in); err != nil {
		return zero, contractError(name, "input", err)
	}

	out, err := fn(ctx, in)
	if err != nil {
		return zero, classify(name, err)
	}

	if err := v.StructCtx(ctx, out); err != nil {
		return zero, contractError(name, "output", err)
	}

	return out, nil
}

func classify(name Name, err error) error {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return err
	}

	if errors.Is(err, client.ErrMalformedResponse) {
		return &Error{Task: name, Code: CodeMalformedOutput, Err: err}
	}
	if client.IsTransient(err) {
		return &Error{Task: name, Code: CodeTransient, Retryable: true, Err: err}
	}
	return &Error{Task: name, Code: CodeRejected, Err: err}
}
