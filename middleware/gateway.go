// middleware/gateway.go
package middleware

import (
	"crypto/subtle"
	"strings"

	"battle-orchestrator/observability"

	"github.com/gofiber/fiber/v2"
)

// GatewayAuthMiddleware validates the Bearer token forwarded by the API
// gateway. An empty expected token disables the check.
func GatewayAuthMiddleware(expectedToken string) fiber.Handler {
	logger := observability.NewLogger("gateway_auth")
	if expectedToken == "" {
		logger.Warn().Msg("GATEWAY_SERVICE_TOKEN is not set, gateway authentication disabled")
		return func(c *fiber.Ctx) error { return c.Next() }
	}

	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			logger.Warn().Str("path", c.Path()).Msg("missing authorization header")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "gateway authentication token missing",
			})
		}

		// Accept "Bearer <token>" or the raw token.
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
			logger.Warn().Str("path", c.Path()).Msg("invalid gateway token")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid gateway authentication token",
			})
		}
		return c.Next()
	}
}
