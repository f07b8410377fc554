package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/huddle/internal/domain"
)

// StartSession starts a scheduling attempt.
// POST /v1/sessions
func (h *Handler) StartSession(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.StartSessionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if !req.Window.Valid() {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "window.start must be before window.end"})
	}

	resp, err := h.service.StartSession(ctx, req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// GetSession returns the current state of a session.
// GET /v1/sessions/:id
func (h *Handler) GetSession(c echo.Context) error {
	snap, err := h.service.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// AcceptCandidate confirms a slot for booking. An empty body accepts the
// recommended candidate.
// POST /v1/sessions/:id/accept
func (h *Handler) AcceptCandidate(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.AcceptRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}

	if err := h.service.Accept(ctx, c.Param("id"), req.Slot); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"ok": true})
}

// RejectCandidates discards slots; none rejects every offered candidate.
// POST /v1/sessions/:id/reject
func (h *Handler) RejectCandidates(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.RejectRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}

	if err := h.service.Reject(ctx, c.Param("id"), req.Slots); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"ok": true})
}

// CancelSession abandons a session.
// POST /v1/sessions/:id/cancel
func (h *Handler) CancelSession(c echo.Context) error {
	if err := h.service.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"ok": true})
}

// GetSessionEvents replays stored events for a session.
// GET /v1/sessions/:id/events
func (h *Handler) GetSessionEvents(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}
	var types []string
	if t := c.QueryParam("types"); t != "" {
		types = strings.Split(t, ",")
	}

	events, err := h.service.ListEvents(c.Request().Context(), c.Param("id"), afterTs, types, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}
