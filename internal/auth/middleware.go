package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// JWTMiddleware validates device bearer tokens and stores device_id in locals.
func JWTMiddleware(secret string) fiber.Handler {
	secretBytes := []byte(secret)
	return func(c *fiber.Ctx) error {
		token := bearerFromHeader(c.Get("Authorization"))
		if token == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}

		claims, err := parseClaims(token, secretBytes)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}

		c.Locals("device_id", claims.DeviceID)
		return c.Next()
	}
}

// APITokenMiddleware guards operator endpoints with a static token, given
// either raw or as a bearer token. An empty token disables the endpoints.
func APITokenMiddleware(apiToken string) fiber.Handler {
	expected := []byte(apiToken)
	return func(c *fiber.Ctx) error {
		if len(expected) == 0 {
			return fiber.NewError(fiber.StatusServiceUnavailable, "api token not configured")
		}
		header := c.Get("Authorization")
		token := bearerFromHeader(header)
		if token == "" {
			token = strings.TrimSpace(header)
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid api token")
		}
		return c.Next()
	}
}

func bearerFromHeader(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
