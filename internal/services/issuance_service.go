package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ticket-scan/internal/status"
	"ticket-scan/internal/store"
	"ticket-scan/models"
	"ticket-scan/security"
	"ticket-scan/utils"
)

// IssueRequest is the payload of the ticket issuance webhook sent by the
// ticketing platform.
type IssueRequest struct {
	EventRef  string        `json:"event_ref"`
	EventName string        `json:"event_name"`
	Capacity  int           `json:"capacity"`
	StartsAt  time.Time     `json:"starts_at"`
	Tickets   []IssueTicket `json:"tickets"`
}

type IssueTicket struct {
	TicketRef  string    `json:"ticket_ref"`
	HolderName string    `json:"holder_name"`
	ReEntry    bool      `json:"reentry"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// IssuedTicket is returned to the platform for rendering into the QR symbol.
type IssuedTicket struct {
	TicketRef string `json:"ticket_ref"`
	QRToken   string `json:"qr_token"`
	Signature string `json:"signature"`
	QRPayload string `json:"qr_payload"`
	Existing  bool   `json:"existing,omitempty"`
}

type IssuanceService struct {
	store  *store.Store
	signer *security.Signer
	clock  utils.Clock
}

func NewIssuanceService(st *store.Store, signer *security.Signer, clock utils.Clock) *IssuanceService {
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &IssuanceService{store: st, signer: signer, clock: clock}
}

// Issue registers the event policy and mints credentials. Re-sending a
// ticket_ref returns the credential minted the first time.
func (s *IssuanceService) Issue(ctx context.Context, req IssueRequest) ([]IssuedTicket, error) {
	if strings.TrimSpace(req.EventRef) == "" {
		return nil, fmt.Errorf("%w: event_ref is required", status.ErrInvalidRequest)
	}
	if req.Capacity < 0 {
		return nil, fmt.Errorf("%w: capacity must not be negative", status.ErrInvalidRequest)
	}

	now := s.clock.Now()
	err := s.store.UpsertEvent(ctx, models.EventPolicy{
		EventRef: req.EventRef,
		Name:     req.EventName,
		Capacity: req.Capacity,
		StartsAt: req.StartsAt,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("upsert event %s: %w", req.EventRef, err)
	}

	issued := make([]IssuedTicket, 0, len(req.Tickets))
	for _, it := range req.Tickets {
		t, err := s.issueOne(ctx, req.EventRef, it, now)
		if err != nil {
			slog.Error("failed to issue ticket", "error", err, "ticket_ref", it.TicketRef, "event_ref", req.EventRef)
			return issued, err
		}
		issued = append(issued, t)
	}
	return issued, nil
}

// reissued answers a repeated delivery of a ticket that already exists. A
// ticket_ref is only idempotent within the event it was issued for.
func (s *IssuanceService) reissued(existing models.Ticket, eventRef string) (IssuedTicket, error) {
	if existing.EventRef != eventRef {
		return IssuedTicket{}, fmt.Errorf("%w: ticket %s was issued for event %s",
			status.ErrDuplicateTicket, existing.TicketRef, existing.EventRef)
	}
	return s.credentialOf(existing, true)
}

func (s *IssuanceService) issueOne(ctx context.Context, eventRef string, it IssueTicket, now time.Time) (IssuedTicket, error) {
	if strings.TrimSpace(it.TicketRef) == "" {
		return IssuedTicket{}, fmt.Errorf("%w: ticket_ref is required", status.ErrInvalidRequest)
	}

	existing, err := s.store.FindTicketByRef(ctx, it.TicketRef)
	if err == nil {
		return s.reissued(existing, eventRef)
	}
	if !errors.Is(err, status.ErrTicketNotFound) {
		return IssuedTicket{}, err
	}

	token, err := utils.GenerateQRToken()
	if err != nil {
		return IssuedTicket{}, fmt.Errorf("generate qr token: %w", err)
	}
	tk := models.Ticket{
		TicketRef:  it.TicketRef,
		EventRef:   eventRef,
		QRToken:    token,
		ExpiresAt:  it.ExpiresAt.UTC().Truncate(time.Second),
		Status:     models.TicketIssued,
		ReEntry:    it.ReEntry,
		HolderName: it.HolderName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tk.Signature = s.signer.SignCredential(tk.Credential())

	if err := s.store.InsertTicket(ctx, tk); err != nil {
		if errors.Is(err, status.ErrDuplicateTicket) {
			// Lost a race with a concurrent delivery of the same webhook.
			existing, ferr := s.store.FindTicketByRef(ctx, it.TicketRef)
			if ferr != nil {
				return IssuedTicket{}, ferr
			}
			return s.reissued(existing, eventRef)
		}
		return IssuedTicket{}, err
	}
	return s.credentialOf(tk, false)
}

func (s *IssuanceService) credentialOf(tk models.Ticket, existing bool) (IssuedTicket, error) {
	payload, err := models.QRPayload{QRToken: tk.QRToken, Signature: tk.Signature}.Encode()
	if err != nil {
		return IssuedTicket{}, err
	}
	return IssuedTicket{
		TicketRef: tk.TicketRef,
		QRToken:   tk.QRToken,
		Signature: tk.Signature,
		QRPayload: payload,
		Existing:  existing,
	}, nil
}

// Credential returns the QR payload of an issued ticket.
func (s *IssuanceService) Credential(ctx context.Context, ticketRef string) (IssuedTicket, error) {
	tk, err := s.store.FindTicketByRef(ctx, ticketRef)
	if err != nil {
		return IssuedTicket{}, err
	}
	return s.credentialOf(tk, true)
}
