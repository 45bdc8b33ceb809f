package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	var rid string
	h := RequestID()(func(c echo.Context) error {
		rid, _ = c.Get("request_id").(string)
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rid == "" {
		t.Fatal("expected request_id to be generated")
	}
	if rec.Header().Get(RequestIDHeader) != rid {
		t.Errorf("response header %q does not match context %q", rec.Header().Get(RequestIDHeader), rid)
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := RequestID()(func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return nil
	})
	_ = h(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversizedID(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLength+1))
	rec := httptest.NewRecorder()

	_ = RequestID()(func(c echo.Context) error { return nil })(e.NewContext(req, rec))

	if got := rec.Header().Get(RequestIDHeader); len(got) > maxRequestIDLength {
		t.Errorf("oversized id was echoed back: %d bytes", len(got))
	}
}

func serveLogged(t *testing.T, path string, h echo.HandlerFunc) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var buf strings.Builder
	e := echo.New()
	e.Use(RequestID(), Logger(zerolog.New(&buf)), Recovery(zerolog.New(&buf)))
	e.GET(path, h)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return buf.String(), rec
}

func TestLogger_LogsRequest(t *testing.T) {
	out, rec := serveLogged(t, "/api/v1/appointments", func(c echo.Context) error {
		if zerolog.Ctx(c.Request().Context()).GetLevel() == zerolog.Disabled {
			t.Error("expected a request logger on the context")
		}
		return c.String(http.StatusOK, "ok")
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	for _, want := range []string{`"level":"info"`, `"method":"GET"`, `"status":200`, `"request_id":"` + rec.Header().Get(RequestIDHeader)} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %s: %s", want, out)
		}
	}
}

func TestLogger_LogsFinalErrorStatus(t *testing.T) {
	out, rec := serveLogged(t, "/api/v1/appointments/1", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	})

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, `"status":404`) {
		t.Errorf("expected a warn line with status 404: %s", out)
	}
}

func TestLogger_ServerErrorLoggedAtErrorLevel(t *testing.T) {
	out, rec := serveLogged(t, "/boom", func(c echo.Context) error {
		return errors.New("database unavailable")
	})

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "database unavailable") {
		t.Errorf("expected an error line with the cause: %s", out)
	}
}

func TestLogger_SkipsProbes(t *testing.T) {
	out, _ := serveLogged(t, "/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if out != "" {
		t.Errorf("expected no log output for health probe, got %s", out)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	out, rec := serveLogged(t, "/panic", func(c echo.Context) error {
		panic("test panic")
	})

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(out, "panic recovered") || !strings.Contains(out, "test panic") {
		t.Errorf("expected panic to be logged: %s", out)
	}
}

func TestRecovery_BodyCarriesRequestID(t *testing.T) {
	var buf strings.Builder
	e := echo.New()
	e.Use(RequestID(), Recovery(zerolog.New(&buf)))
	e.GET("/panic", func(c echo.Context) error { panic("boom") })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"request_id":"req-42"`) {
		t.Errorf("body missing request id: %s", rec.Body.String())
	}
	if !strings.Contains(buf.String(), `"request_id":"req-42"`) {
		t.Errorf("fallback logger missing request id: %s", buf.String())
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())

	h := Recovery(zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
