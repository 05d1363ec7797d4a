package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"rocket-dataservice/internal/engine"
	"rocket-dataservice/internal/instrument"
	"rocket-dataservice/internal/metadata"
)

// Authenticate resolves the caller of a data request from its bearer token.
// The token subject becomes the user id every permission check runs for,
// and it is stamped on the request context for instrumentation.
func Authenticate(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		scheme, token, ok := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return engine.UnauthorizedError("A bearer token is required to access data")
		}

		claims, err := ParseAccessToken(strings.TrimSpace(token), secret)
		if err != nil {
			return engine.UnauthorizedError("The access token is invalid or has expired").WithLog("parse access token: %v", err)
		}

		c.Locals(metadata.CallerLocal, &metadata.UserContext{ID: claims.Subject, Roles: claims.Roles})
		c.SetUserContext(instrument.WithUserID(c.UserContext(), claims.Subject))
		return c.Next()
	}
}

// RequireRole admits only callers holding role. It runs after Authenticate.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("A bearer token is required to access data")
		}
		if !user.HasRole(role) {
			return engine.ForbiddenError("The " + role + " role is required for this endpoint")
		}
		return c.Next()
	}
}

func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals(metadata.CallerLocal).(*metadata.UserContext)
	return user
}
