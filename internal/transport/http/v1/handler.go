// Package v1 provides the versioned HTTP handlers.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/huddle/internal/domain"
	"github.com/xiaot623/huddle/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Session API
	e.POST("/v1/sessions", h.StartSession)
	e.GET("/v1/sessions/:id", h.GetSession)
	e.POST("/v1/sessions/:id/accept", h.AcceptCandidate)
	e.POST("/v1/sessions/:id/reject", h.RejectCandidates)
	e.POST("/v1/sessions/:id/cancel", h.CancelSession)
	e.GET("/v1/sessions/:id/events", h.GetSessionEvents)

	// Party directory API
	e.POST("/v1/parties/register", h.RegisterParty)
	e.GET("/v1/parties", h.ListParties)
	e.GET("/v1/parties/:party_id", h.GetParty)

	// Venue API
	e.GET("/v1/venues/:venue_id/reservations", h.ListReservations)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorJSON writes err with the status its kind maps to.
func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidSlot):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidStage), errors.Is(err, domain.ErrBookingInFlight):
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
