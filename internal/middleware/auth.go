package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/faceblur/orchestrator/internal/auth"
	"github.com/faceblur/orchestrator/pkg/response"
)

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	jwtSecret string
}

// NewAuthMiddleware creates auth middleware for HMAC-signed caller tokens
func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: jwtSecret}
}

// Authenticate validates JWT token from Authorization header
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m.jwtSecret == "" {
			return response.Unauthorized(c, "Authentication not configured")
		}

		tokenString, ok := BearerToken(c)
		if !ok {
			return response.Unauthorized(c, "Missing or malformed authorization header")
		}

		claims, err := auth.ValidateToken(tokenString, m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}

		c.Locals("callerId", claims.CallerID)
		c.Locals("claims", claims)
		return c.Next()
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header
func BearerToken(c *fiber.Ctx) (string, bool) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetCallerID extracts the authenticated caller from context
func GetCallerID(c *fiber.Ctx) string {
	if callerID, ok := c.Locals("callerId").(string); ok {
		return callerID
	}
	return ""
}
