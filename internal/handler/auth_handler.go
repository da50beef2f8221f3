package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/faceblur/orchestrator/internal/auth"
	"github.com/faceblur/orchestrator/internal/middleware"
)

// AuthHandler handles ForwardAuth verification for the API gateway
type AuthHandler struct {
	jwtSecret string
}

// NewAuthHandler creates a new auth handler for ForwardAuth verification
func NewAuthHandler(jwtSecret string) *AuthHandler {
	return &AuthHandler{jwtSecret: jwtSecret}
}

// Verify handles GET /auth/verify, called by the gateway before it forwards
// a request. Returns 200 with X-Caller-Id on success, 401 otherwise.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	tokenString, ok := middleware.BearerToken(c)
	if !ok || h.jwtSecret == "" {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	claims, err := auth.ValidateToken(tokenString, h.jwtSecret)
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-Caller-Id", claims.CallerID)
	return c.SendStatus(fiber.StatusOK)
}
