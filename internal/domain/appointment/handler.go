package appointment

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hospital/appointments/internal/platform/auth"
	"github.com/hospital/appointments/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/appointments", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.GET("/patient/:patientId", h.ListByPatient)
	g.GET("/doctor/:doctorId", h.ListByDoctor)
	g.PUT("/:id/cancel", h.Cancel)
	g.PUT("/:id/accept", h.Accept, auth.RequireRole(auth.RoleDoctor))

	api.PUT("/appointments/admin/:id/cancel", h.AdminCancel, auth.RequireRole(auth.RoleAdmin))
}

// actorFromContext maps the authenticated identity onto an appointment Actor.
func actorFromContext(ctx context.Context) (Actor, error) {
	var actor Actor
	if uid := auth.UserIDFromContext(ctx); uid != "" {
		id, err := uuid.Parse(uid)
		if err != nil {
			return actor, echo.NewHTTPError(http.StatusUnauthorized, "invalid subject")
		}
		actor.ID = id
	}
	for _, r := range auth.RolesFromContext(ctx) {
		switch r {
		case auth.RoleAdmin:
			actor.Roles = append(actor.Roles, RoleAdmin)
		case auth.RoleDoctor:
			actor.Roles = append(actor.Roles, RoleDoctor)
		case auth.RolePatient:
			actor.Roles = append(actor.Roles, RolePatient)
		}
	}
	return actor, nil
}

// toHTTPError maps domain errors onto status codes.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	case errors.Is(err, ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrPolicyViolation):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStaleStatus):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError).SetInternal(err)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := actorFromContext(c.Request().Context())
	if err != nil {
		return err
	}
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Create(c.Request().Context(), actor, in)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListByPatient(c echo.Context) error {
	id, err := parseID(c, "patientId")
	if err != nil {
		return err
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListByPatient(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListByDoctor(c echo.Context) error {
	id, err := parseID(c, "doctorId")
	if err != nil {
		return err
	}
	pg, err := pagination.Parse(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.ListByDoctor(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	actor, err := actorFromContext(c.Request().Context())
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.Cancel(c.Request().Context(), actor, id, req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) AdminCancel(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a, err := h.svc.AdminCancel(c.Request().Context(), id, req.Reason)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Accept(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	actor, err := actorFromContext(c.Request().Context())
	if err != nil {
		return err
	}
	a, err := h.svc.Accept(c.Request().Context(), actor, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, a)
}
