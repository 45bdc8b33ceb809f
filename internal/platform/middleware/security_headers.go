package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

type SecurityHeadersConfig struct {
	// HSTSMaxAge enables Strict-Transport-Security when positive. Leave it
	// zero for development servers on plain HTTP.
	HSTSMaxAge time.Duration
}

// ProductionSecurityHeaders sends HSTS for one year.
var ProductionSecurityHeaders = SecurityHeadersConfig{HSTSMaxAge: 365 * 24 * time.Hour}

// SecurityHeaders sets the headers every response of a JSON API carries.
// Responses under /api/ hold appointment and prescription data and are never
// stored; probe responses may be cached but must be revalidated.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	var hsts string
	if cfg.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d; includeSubDomains", int64(cfg.HSTSMaxAge/time.Second))
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if hsts != "" {
				h.Set("Strict-Transport-Security", hsts)
			}

			switch path := c.Request().URL.Path; {
			case strings.HasPrefix(path, "/api/"):
				h.Set("Cache-Control", "no-store")
				h.Set("Pragma", "no-cache")
			case isProbe(path):
				h.Set("Cache-Control", "no-cache")
			}
			return next(c)
		}
	}
}
