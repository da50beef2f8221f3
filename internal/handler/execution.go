package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/faceblur/orchestrator/internal/model"
	"github.com/faceblur/orchestrator/internal/service"
	"github.com/faceblur/orchestrator/pkg/response"
)

type ExecutionHandler struct {
	service   *service.ExecutionService
	validator *validator.Validate
}

func NewExecutionHandler(svc *service.ExecutionService, v *validator.Validate) *ExecutionHandler {
	return &ExecutionHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/executions/submit
// @Summary      Submit a video
// @Description  Start face detection for a stored video and follow it to a blurred copy
// @Tags         Executions
// @Accept       json
// @Produce      json
// @Param        request body model.SubmitRequest true "Source video"
// @Success      202 {object} model.StartExecutionResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      415 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/executions/submit [post]
func (h *ExecutionHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.UserContext(), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, result)
}

// Start handles POST /api/executions
// @Summary      Start an execution
// @Description  Follow a detection job that was already submitted
// @Tags         Executions
// @Accept       json
// @Produce      json
// @Param        request body model.StartExecutionRequest true "Job handle"
// @Success      202 {object} model.StartExecutionResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/executions [post]
func (h *ExecutionHandler) Start(c *fiber.Ctx) error {
	var req model.StartExecutionRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Start(c.UserContext(), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/executions/:id
// @Summary      Get execution status
// @Tags         Executions
// @Produce      json
// @Param        id path string true "Execution ID"
// @Success      200 {object} model.ExecutionStatusResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/executions/{id} [get]
func (h *ExecutionHandler) Status(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Execution ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), id)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}

// Result handles GET /api/executions/:id/result
// @Summary      Get execution result
// @Description  Destination of the blurred video with a temporary download link
// @Tags         Executions
// @Produce      json
// @Param        id path string true "Execution ID"
// @Success      200 {object} model.ExecutionResultResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/executions/{id}/result [get]
func (h *ExecutionHandler) Result(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return response.ValidationError(c, "Execution ID is required", nil)
	}

	result, err := h.service.GetResult(c.UserContext(), id)
	if err != nil {
		return serviceError(c, err)
	}

	return response.OK(c, result)
}
