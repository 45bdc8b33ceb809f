package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hospital/appointments/internal/platform/auth"
)

// AuditEntry records who touched which appointment or prescription, and how.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string // appointments, prescriptions
	ResourceID string
	PatientID  string
	Action     string // read, create, update, cancel, accept
	Method     string
	Route      string
	IPAddress  string
	StatusCode int
	RequestID  string
	Timestamp  time.Time
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs one "access" line per request under /api/v1 after the handler
// has run, so the entry carries the final status and the authenticated user.
// It must be mounted after the auth middleware. Recorder errors are logged and
// never fail the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	logger = logger.With().Str("type", "audit").Logger()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			ctx := c.Request().Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Resource:   resourceFromRoute(c.Path()),
				ResourceID: c.Param("id"),
				PatientID:  c.Param("patientId"),
				Action:     actionFor(c.Request().Method, c.Path()),
				Method:     c.Request().Method,
				Route:      c.Path(),
				IPAddress:  c.RealIP(),
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, rec := range recorders {
				if rec == nil {
					continue
				}
				if recErr := rec.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Int("status", entry.StatusCode).
				Msg("access")

			return err
		}
	}
}

// resourceFromRoute returns the first segment after /api/v1 of a route
// template such as /api/v1/appointments/:id/cancel.
func resourceFromRoute(route string) string {
	rest := strings.TrimPrefix(route, "/api/v1/")
	if rest == route {
		return "unknown"
	}
	seg, _, _ := strings.Cut(rest, "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}

func actionFor(method, route string) string {
	switch {
	case strings.HasSuffix(route, "/cancel"):
		return "cancel"
	case strings.HasSuffix(route, "/accept"):
		return "accept"
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
