package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ticket-scan/internal/status"
)

type TicketStatus string

const (
	TicketIssued   TicketStatus = "issued"
	TicketScanned  TicketStatus = "scanned"
	TicketUsed     TicketStatus = "used"
	TicketVoided   TicketStatus = "voided"
	TicketRefunded TicketStatus = "refunded"
)

// ParseTicketStatus rejects anything outside the closed set.
func ParseTicketStatus(s string) (TicketStatus, error) {
	switch v := TicketStatus(s); v {
	case TicketIssued, TicketScanned, TicketUsed, TicketVoided, TicketRefunded:
		return v, nil
	}
	return "", fmt.Errorf("%w: ticket status %q", status.ErrUnknownValue, s)
}

// Cancelled reports whether an administrative action has withdrawn the ticket.
func (s TicketStatus) Cancelled() bool {
	return s == TicketVoided || s == TicketRefunded
}

// Terminal reports whether no further transition, scan or admin, is possible.
func (s TicketStatus) Terminal() bool {
	return s == TicketUsed || s.Cancelled()
}

type Ticket struct {
	TicketRef  string       `json:"ticket_ref"`
	EventRef   string       `json:"event_ref"`
	QRToken    string       `json:"qr_token"`
	Signature  string       `json:"signature"`
	ExpiresAt  time.Time    `json:"expires_at"`
	Status     TicketStatus `json:"status"`
	ReEntry    bool         `json:"reentry"`
	EntryCount int          `json:"entry_count"`
	ExitCount  int          `json:"exit_count"`
	HolderName string       `json:"holder_name,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Inside reports whether a re-entry ticket holder is currently in the venue.
func (t Ticket) Inside() bool {
	return t.EntryCount > t.ExitCount
}

// Credential returns the signed fields of the ticket.
func (t Ticket) Credential() Credential {
	return Credential{
		QRToken:   t.QRToken,
		TicketRef: t.TicketRef,
		EventRef:  t.EventRef,
		ExpiresAt: t.ExpiresAt,
	}
}

// Credential is the set of fields covered by a ticket signature.
type Credential struct {
	QRToken   string
	TicketRef string
	EventRef  string
	ExpiresAt time.Time
}

// Message is the byte string fed to the HMAC. A zero expiry signs as 0.
func (c Credential) Message() []byte {
	var expiry int64
	if !c.ExpiresAt.IsZero() {
		expiry = c.ExpiresAt.Unix()
	}
	return []byte(fmt.Sprintf("%s|%s|%s|%d", c.QRToken, c.TicketRef, c.EventRef, expiry))
}

// QRPayload is what the QR symbol carries.
type QRPayload struct {
	QRToken   string `json:"qr_token"`
	Signature string `json:"signature"`
}

// Encode returns the base64url text placed in the QR symbol.
func (p QRPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeQRPayload parses scanner input. Unpadded and padded base64url are accepted.
func DecodeQRPayload(raw string) (QRPayload, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "=")
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return QRPayload{}, fmt.Errorf("decode qr payload: %w", err)
	}
	var p QRPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return QRPayload{}, fmt.Errorf("decode qr payload: %w", err)
	}
	if p.QRToken == "" || p.Signature == "" {
		return QRPayload{}, fmt.Errorf("decode qr payload: %w", status.ErrInvalidSignature)
	}
	return p, nil
}
