package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/tenseijs/tensei-sub000/internal/engine"
	"github.com/tenseijs/tensei-sub000/internal/metadata"
)

// Middleware validates bearer tokens and stores the principal under
// engine.PrincipalKey. When required is false a request without an
// Authorization header passes through anonymously; a bad token is still
// rejected.
func Middleware(tokens *Tokens, required bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			if required {
				return engine.UnauthorizedError("Missing auth token")
			}
			return c.Next()
		}

		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		p, err := tokens.Parse(strings.TrimSpace(token))
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals(engine.PrincipalKey, p)
		return c.Next()
	}
}

// RequireAdmin is a Fiber middleware that checks the authenticated user has the admin role.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		p := PrincipalFrom(c)
		if p == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !p.IsAdmin() {
			return engine.ForbiddenError("Admin access required")
		}
		return c.Next()
	}
}

// PrincipalFrom extracts the principal from a Fiber context, or nil.
func PrincipalFrom(c *fiber.Ctx) *metadata.Principal {
	p, _ := c.Locals(engine.PrincipalKey).(*metadata.Principal)
	return p
}
