package middleware

import (
	"strings"

	"github.com/billsub/backend/internal/auth"
	"github.com/billsub/backend/internal/config"
	"github.com/billsub/backend/internal/rbac"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	CtxPayer = "payer"
	CtxRole  = "role"
)

// AuthMiddleware accepts a Bearer JWT or a static X-API-Key. API keys map
// to a role directly; JWTs carry the role in their claims.
func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if key := c.Get("X-API-Key"); key != "" {
			switch {
			case cfg.IsOperatorKey(key):
				c.Locals(CtxRole, auth.RoleOperator)
			case cfg.IsUserKey(key):
				c.Locals(CtxRole, auth.RoleUser)
			default:
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unknown api key"})
			}
			return c.Next()
		}

		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxPayer, claims.Payer)
		c.Locals(CtxRole, claims.Role)

		return c.Next()
	}
}

func GetPayer(c *fiber.Ctx) string {
	payer, _ := c.Locals(CtxPayer).(string)
	return payer
}

func GetRole(c *fiber.Ctx) string {
	role, _ := c.Locals(CtxRole).(string)
	return role
}

// RequirePermission gates a route on the caller's role.
func RequirePermission(permission string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !rbac.HasPermission(GetRole(c), permission) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "operator access required"})
		}
		return c.Next()
	}
}
