package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"

	"ticket-scan/internal/services"
	"ticket-scan/internal/status"
	"ticket-scan/models"
	"ticket-scan/utils"
)

type ScanHandler struct {
	scans      *services.ScanService
	reconciler *services.Reconciler
	clock      utils.Clock
}

func NewScanHandler(scans *services.ScanService, reconciler *services.Reconciler, clock utils.Clock) *ScanHandler {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &ScanHandler{scans: scans, reconciler: reconciler, clock: clock}
}

// ScanRequest is an online scan. Either the raw QR payload or its decoded
// qr_token and signature must be present.
type ScanRequest struct {
	QRPayload       string               `json:"qr_payload"`
	QRToken         string               `json:"qr_token"`
	Signature       string               `json:"signature"`
	EventRef        string               `json:"event_ref"`
	DeviceID        string               `json:"device_id"`
	Direction       models.ScanDirection `json:"direction"`
	ClientTimestamp time.Time            `json:"client_timestamp"`
	Override        *models.Override     `json:"override,omitempty"`
}

func (r ScanRequest) attempt() (models.ScanAttempt, error) {
	token, sig := r.QRToken, r.Signature
	if r.QRPayload != "" {
		p, err := models.DecodeQRPayload(r.QRPayload)
		if err != nil {
			return models.ScanAttempt{}, errors.Join(status.ErrInvalidRequest, err)
		}
		token, sig = p.QRToken, p.Signature
	}
	if token == "" || strings.TrimSpace(r.EventRef) == "" || strings.TrimSpace(r.DeviceID) == "" {
		return models.ScanAttempt{}, fmt.Errorf("%w: qr credential, event_ref and device_id are required", status.ErrInvalidRequest)
	}
	return models.ScanAttempt{
		QRToken:         token,
		Signature:       sig,
		EventRef:        r.EventRef,
		DeviceID:        r.DeviceID,
		Direction:       r.Direction,
		ClientTimestamp: r.ClientTimestamp,
		Override:        r.Override,
	}, nil
}

// Scan decides one online scan. Admissions and exits answer 200; denials
// answer with their taxonomy code and the outcome as body.
func (h *ScanHandler) Scan(e *core.RequestEvent) error {
	var req ScanRequest
	if err := e.BindBody(&req); err != nil {
		return badRequest(e, err)
	}
	attempt, err := req.attempt()
	if err != nil {
		return writeError(e, err)
	}
	if attempt.ClientTimestamp.IsZero() {
		attempt.ClientTimestamp = h.clock.Now().UTC()
	}

	out, err := h.reconciler.ApplyOne(e.Request.Context(), attempt)
	if err != nil {
		return writeError(e, err)
	}
	code := http.StatusOK
	if denial := out.Err(); denial != nil {
		code = status.HTTPCode(denial)
	}
	return e.JSON(code, out)
}

// Sync reconciles an offline batch from a device.
func (h *ScanHandler) Sync(e *core.RequestEvent) error {
	var req models.SyncRequest
	if err := e.BindBody(&req); err != nil {
		return badRequest(e, err)
	}
	resp, err := h.reconciler.Reconcile(e.Request.Context(), req)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, resp)
}

// Manifest returns the offline cache for one event.
func (h *ScanHandler) Manifest(e *core.RequestEvent) error {
	var req models.ManifestRequest
	if err := e.BindBody(&req); err != nil {
		return badRequest(e, err)
	}
	if strings.TrimSpace(req.EventRef) == "" {
		return writeError(e, fmt.Errorf("%w: event_ref is required", status.ErrInvalidRequest))
	}
	tickets, err := h.scans.Manifest(e.Request.Context(), req.EventRef)
	if err != nil {
		return writeError(e, err)
	}
	return e.JSON(http.StatusOK, models.Manifest{
		EventRef:    req.EventRef,
		GeneratedAt: h.clock.Now().UTC(),
		Tickets:     tickets,
	})
}
