package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/faceblur/orchestrator/internal/service"
	"github.com/faceblur/orchestrator/internal/store"
	"github.com/faceblur/orchestrator/internal/task"
	"github.com/faceblur/orchestrator/pkg/response"
)

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}

// serviceError maps an execution service error onto the response envelope
func serviceError(c *fiber.Ctx, err error) error {
	var taskErr *task.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Execution not found")
	case errors.Is(err, service.ErrNotSucceeded):
		return response.NotReady(c, "Execution has not succeeded", nil)
	case errors.Is(err, task.ErrUnsupportedMedia):
		return response.UnsupportedMedia(c, "Only .mov and .mp4 videos are supported")
	case errors.Is(err, task.ErrContractViolation):
		return response.ValidationError(c, err.Error(), nil)
	case errors.As(err, &taskErr):
		if taskErr.Code == task.CodeSourceNotFound {
			return response.NotFound(c, "Source video not found")
		}
		return response.UpstreamError(c, err.Error())
	default:
		return response.ServiceError(c, err.Error())
	}
}
