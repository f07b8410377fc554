package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/huddle/internal/domain"
)

// PartyRegisterRequest is the request to register a party.
type PartyRegisterRequest struct {
	PartyID  string `json:"party_id"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Mode     string `json:"mode,omitempty"`
}

// RegisterParty registers a party.
// POST /v1/parties/register
func (h *Handler) RegisterParty(c echo.Context) error {
	ctx := c.Request().Context()

	var req PartyRegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.PartyID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "party_id is required"})
	}
	if req.Endpoint == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "endpoint is required"})
	}

	party, err := h.service.RegisterParty(ctx, domain.PartyID(req.PartyID), req.Name, req.Endpoint, domain.DeliveryMode(req.Mode))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"ok":            true,
		"registered_at": party.CreatedAt.UnixMilli(),
	})
}

// ListParties lists all registered parties.
// GET /v1/parties
func (h *Handler) ListParties(c echo.Context) error {
	parties, err := h.service.ListParties(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	if parties == nil {
		parties = []domain.Party{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"parties": parties,
	})
}

// GetParty gets a specific party by ID.
// GET /v1/parties/:party_id
func (h *Handler) GetParty(c echo.Context) error {
	party, err := h.service.GetParty(c.Request().Context(), domain.PartyID(c.Param("party_id")))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, party)
}
