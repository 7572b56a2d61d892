package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	"ticket-scan/internal/services"
)

type TicketHandler struct {
	issuer *services.IssuanceService
}

func NewTicketHandler(issuer *services.IssuanceService) *TicketHandler {
	return &TicketHandler{issuer: issuer}
}

// IssueTickets is the issuance webhook of the ticketing platform.
func (h *TicketHandler) IssueTickets(e *core.RequestEvent) error {
	var req services.IssueRequest
	if err := e.BindBody(&req); err != nil {
		return badRequest(e, err)
	}
	issued, err := h.issuer.Issue(e.Request.Context(), req)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusCreated, map[string]any{
		"event_ref": req.EventRef,
		"tickets":   issued,
	})
}
