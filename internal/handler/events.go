package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/faceblur/orchestrator/internal/model"
	"github.com/faceblur/orchestrator/internal/service"
	"github.com/faceblur/orchestrator/pkg/response"
)

type EventHandler struct {
	service *service.ExecutionService
}

func NewEventHandler(svc *service.ExecutionService) *EventHandler {
	return &EventHandler{service: svc}
}

// ObjectCreated handles POST /events/object-created with an S3 event
// notification document
func (h *EventHandler) ObjectCreated(c *fiber.Ctx) error {
	var event model.S3EventNotification
	if err := c.BodyParser(&event); err != nil {
		return response.ValidationError(c, "Invalid event notification", nil)
	}

	result, err := h.service.HandleObjectCreated(c.UserContext(), &event)
	if err != nil {
		return serviceError(c, err)
	}

	if len(result.Started) == 0 {
		return response.OK(c, result)
	}
	return response.Accepted(c, result)
}
