package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/allinclusive-ar/mp-payments/internal/pkg/env"
	"github.com/gofiber/fiber/v2"
)

// APIKeyAuthMiddleware authenticates storefront requests carrying the shared
// API key header. When no key is configured the middleware is a no-op so
// local development works without one.
func APIKeyAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		configured := strings.TrimSpace(env.GetEnv("STOREFRONT_API_KEY", ""))
		if configured == "" {
			return c.Next()
		}

		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(configured)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}
		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
