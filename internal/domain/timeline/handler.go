package timeline

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/casenote/internal/platform/apperr"
	"github.com/ehr/casenote/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleCA, auth.RoleMRStaff))
	read.GET("/case-notes/:id/timeline", h.ListForCaseNote)

	// Admin only; RequireRole lets admin through any gate.
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/timeline/:eventId/corrections", h.Correct)
}

func (h *Handler) ListForCaseNote(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	events, err := h.svc.ListForCaseNote(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err, apperr.HTTPStatus(err))
	}
	if events == nil {
		events = []*Event{}
	}
	return c.JSON(http.StatusOK, events)
}

type correctionRequest struct {
	Note   string            `json:"note"`
	Fields map[string]string `json:"fields"`
}

func (h *Handler) Correct(c echo.Context) error {
	eventID, err := uuid.Parse(c.Param("eventId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event id")
	}
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "no authenticated actor")
	}
	var req correctionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.Correct(c.Request().Context(), actor, eventID, req.Note, req.Fields)
	if err != nil {
		return apperr.ToHTTP(err, apperr.HTTPStatus(err))
	}
	return c.JSON(http.StatusCreated, e)
}
