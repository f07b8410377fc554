package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/huddle/internal/domain"
)

// ListReservations lists a venue's reservations, optionally within
// [start, end) given as RFC 3339 query parameters.
// GET /v1/venues/:venue_id/reservations
func (h *Handler) ListReservations(c echo.Context) error {
	var window domain.TimeSlot
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"start", &window.Start}, {"end", &window.End}} {
		raw := c.QueryParam(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid " + p.name + ": want RFC 3339"})
		}
		*p.dst = t
	}
	if !window.IsZero() && !window.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "start and end must both be set, start before end"})
	}

	reservations, err := h.service.ListReservations(c.Request().Context(), c.Param("venue_id"), window)
	if err != nil {
		return errorJSON(c, err)
	}
	if reservations == nil {
		reservations = []domain.Reservation{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"venue_id":     c.Param("venue_id"),
		"reservations": reservations,
	})
}
