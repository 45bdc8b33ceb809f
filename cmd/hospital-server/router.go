package main

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/hospital/appointments/internal/config"
	"github.com/hospital/appointments/internal/domain/appointment"
	"github.com/hospital/appointments/internal/domain/prescription"
	"github.com/hospital/appointments/internal/platform/auth"
	"github.com/hospital/appointments/internal/platform/db"
	"github.com/hospital/appointments/internal/platform/middleware"
	"github.com/hospital/appointments/internal/platform/telemetry"
)

const version = "0.1.0"

type routerDeps struct {
	cfg           *config.Config
	logger        zerolog.Logger
	metrics       *telemetry.Metrics
	appointments  *appointment.Service
	prescriptions *prescription.Service
	dbHealth      echo.HandlerFunc
	readiness     map[string]db.Pinger
}

func newRouter(d routerDeps) *echo.Echo {
	cfg := d.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.Recovery(d.logger))
	var headers middleware.SecurityHeadersConfig
	if cfg.IsProduction() {
		headers = middleware.ProductionSecurityHeaders
	}
	e.Use(middleware.SecurityHeaders(headers))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if d.dbHealth != nil {
		e.GET("/health/db", d.dbHealth)
	}
	e.GET("/health/ready", db.ReadinessHandler(5*time.Second, d.readiness))
	e.GET("/metrics", d.metrics.Handler())

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}

	var authn echo.MiddlewareFunc
	if cfg.IsDev() {
		authn = auth.DevAuthMiddleware()
	} else {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg), authn, middleware.Audit(d.logger))
	appointment.NewHandler(d.appointments).RegisterRoutes(apiV1)
	prescription.NewHandler(d.prescriptions).RegisterRoutes(apiV1)

	return e
}
