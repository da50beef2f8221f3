package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/faceblur/orchestrator/pkg/response"
)

// GatewayAuthMiddleware reads the caller identity from the X-Caller-Id
// header set by the API gateway after it verified the request.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		callerID := c.Get("X-Caller-Id")
		if callerID == "" {
			return response.Unauthorized(c, "Missing caller identity header")
		}

		c.Locals("callerId", callerID)
		return c.Next()
	}
}
