// middleware/auth.go
package middleware

import (
	"strings"

	"battle-orchestrator/models"
	"battle-orchestrator/observability"

	"github.com/gofiber/fiber/v2"
)

const (
	LocalUserAddress = "user_address"
	LocalUserRoles   = "user_roles"

	RoleAdmin = "admin"
)

// UserContextMiddleware reads the wallet identity and roles set by the
// gateway. Requests without X-Wallet-Address are rejected.
func UserContextMiddleware() fiber.Handler {
	logger := observability.NewLogger("user_context")

	return func(c *fiber.Ctx) error {
		addr := models.NormalizeAddress(c.Get("X-Wallet-Address"))
		if addr == "" {
			logger.Warn().Str("path", c.Path()).Msg("X-Wallet-Address missing on secured route")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "missing X-Wallet-Address, request must come through gateway with auth context",
			})
		}

		var roles []string
		for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, strings.ToLower(r))
			}
		}

		c.Locals(LocalUserAddress, addr)
		c.Locals(LocalUserRoles, roles)
		logger.Debug().Str("user_address", addr).Strs("roles", roles).Str("path", c.Path()).Msg("user context attached")
		return c.Next()
	}
}

// RequireRole rejects requests whose user context lacks role. It must run
// after UserContextMiddleware.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		roles, _ := c.Locals(LocalUserRoles).([]string)
		for _, r := range roles {
			if r == role {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": role + " role required",
		})
	}
}

// UserAddress returns the wallet address attached by UserContextMiddleware.
func UserAddress(c *fiber.Ctx) string {
	addr, _ := c.Locals(LocalUserAddress).(string)
	return addr
}
