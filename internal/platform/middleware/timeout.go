package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RequestTimeout sets a deadline on the request context. A handler still
// running when it passes gets a 504 carrying the request id, and the slow
// route is logged on the request logger. The handler keeps the cancelled
// context; its own writes are discarded once the response is committed.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			start := time.Now()
			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return ctx.Err()
				}
				rid, _ := c.Get("request_id").(string)
				zerolog.Ctx(ctx).Warn().
					Str("route", c.Path()).
					Dur("timeout", timeout).
					Dur("elapsed", time.Since(start)).
					Msg("request timed out")
				return echo.NewHTTPError(http.StatusGatewayTimeout, map[string]string{
					"message":    "request timed out",
					"request_id": rid,
				})
			}
		}
	}
}
