package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pocketbase/pocketbase/core"

	"ticket-scan/internal/services"
	"ticket-scan/internal/status"
	"ticket-scan/internal/store"
)

type AdminHandler struct {
	scans *services.ScanService
	store *store.Store
}

func NewAdminHandler(scans *services.ScanService, st *store.Store) *AdminHandler {
	return &AdminHandler{scans: scans, store: st}
}

type cancelRequest struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

func (r cancelRequest) validate() error {
	if strings.TrimSpace(r.ActorID) == "" || strings.TrimSpace(r.Reason) == "" {
		return fmt.Errorf("%w: actor_id and reason are required", status.ErrInvalidRequest)
	}
	return nil
}

// VoidTicket withdraws a ticket. Every later scan is denied.
func (h *AdminHandler) VoidTicket(e *core.RequestEvent) error {
	var req cancelRequest
	if err := e.BindBody(&req); err != nil {
		return badRequest(e, err)
	}
	if err := req.validate(); err != nil {
		return writeError(e, err)
	}
	tk, err := h.scans.Void(e.Request.Context(), e.Request.PathValue("ref"), req.ActorID, req.Reason)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, tk)
}

func (h *AdminHandler) RefundTicket(e *core.RequestEvent) error {
	var req cancelRequest
	if err := e.BindBody(&req); err != nil {
		return badRequest(e, err)
	}
	if err := req.validate(); err != nil {
		return writeError(e, err)
	}
	tk, err := h.scans.Refund(e.Request.Context(), e.Request.PathValue("ref"), req.ActorID, req.Reason)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, tk)
}

// GetOverrides lists the emergency override ledger of an event.
func (h *AdminHandler) GetOverrides(e *core.RequestEvent) error {
	eventRef := e.Request.PathValue("eventRef")
	overrides, err := h.scans.Overrides(e.Request.Context(), eventRef)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"event_ref": eventRef,
		"overrides": overrides,
	})
}

// GetAudit lists recent audit records, newest first, optionally by kind.
func (h *AdminHandler) GetAudit(e *core.RequestEvent) error {
	kind := e.Request.URL.Query().Get("kind")
	limit := 100
	if v := e.Request.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return writeError(e, fmt.Errorf("%w: limit must be a positive integer", status.ErrInvalidRequest))
		}
		limit = n
	}
	records, err := h.store.ListAudit(e.Request.Context(), kind, limit)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"records": records})
}
