package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// NormalizeRoles lowercases and trims role names and drops empty entries, so
// tokens issued with "Doctor" or " patient" match the Role constants.
func NormalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// HasRole reports whether the caller on ctx holds role.
func HasRole(ctx context.Context, role string) bool {
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}

func IsAdmin(ctx context.Context) bool { return HasRole(ctx, RoleAdmin) }

// RequireRole lets the request through when the caller holds any of roles.
// Admins always pass.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	msg := "requires the " + strings.Join(roles, " or ") + " role"
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if IsAdmin(ctx) {
				return next(c)
			}
			for _, r := range roles {
				if HasRole(ctx, r) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, msg)
		}
	}
}
