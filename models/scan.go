package models

import (
	"fmt"
	"strings"
	"time"

	"ticket-scan/internal/status"
)

type ScanResult string

const (
	ResultAdmitted         ScanResult = "admitted"
	ResultAlreadyScanned   ScanResult = "already_scanned"
	ResultInvalidSignature ScanResult = "invalid_signature"
	ResultExpired          ScanResult = "expired"
	ResultVoided           ScanResult = "voided"
	ResultEventMismatch    ScanResult = "event_mismatch"
	ResultCapacityExceeded ScanResult = "capacity_exceeded"
	ResultCapacityOverride ScanResult = "capacity_override"
	ResultExited           ScanResult = "exited"
	ResultExitDenied       ScanResult = "exit_denied"
)

func ParseScanResult(s string) (ScanResult, error) {
	switch v := ScanResult(s); v {
	case ResultAdmitted, ResultAlreadyScanned, ResultInvalidSignature, ResultExpired,
		ResultVoided, ResultEventMismatch, ResultCapacityExceeded, ResultCapacityOverride,
		ResultExited, ResultExitDenied:
		return v, nil
	}
	return "", fmt.Errorf("%w: scan result %q", status.ErrUnknownValue, s)
}

// Admission reports whether the result granted entry.
func (r ScanResult) Admission() bool {
	return r == ResultAdmitted || r == ResultCapacityOverride
}

// Err returns the taxonomy error for a denial, nil for admissions and exits.
func (r ScanResult) Err() error {
	switch r {
	case ResultAlreadyScanned:
		return status.ErrAlreadyScanned
	case ResultInvalidSignature:
		return status.ErrInvalidSignature
	case ResultExpired:
		return status.ErrExpired
	case ResultVoided:
		return status.ErrVoidedOrRefunded
	case ResultEventMismatch:
		return status.ErrEventMismatch
	case ResultCapacityExceeded:
		return status.ErrCapacityExceeded
	case ResultExitDenied:
		return status.ErrExitDenied
	}
	return nil
}

type ScanDirection string

const (
	DirectionEntry ScanDirection = "entry"
	DirectionExit  ScanDirection = "exit"
)

// ParseScanDirection treats an empty value as an entry scan.
func ParseScanDirection(s string) (ScanDirection, error) {
	switch v := ScanDirection(s); v {
	case "":
		return DirectionEntry, nil
	case DirectionEntry, DirectionExit:
		return v, nil
	}
	return "", fmt.Errorf("%w: scan direction %q", status.ErrUnknownValue, s)
}

// DisplayClass is what a scanning device shows to staff.
type DisplayClass string

const (
	ClassAdmit   DisplayClass = "admit"
	ClassDeny    DisplayClass = "deny"
	ClassPending DisplayClass = "pending"
)

// Override is an audited emergency bypass of a capacity denial.
type Override struct {
	Reason string `json:"reason"`
	UserID string `json:"user_id"`
}

func (o *Override) Valid() bool {
	return o != nil && strings.TrimSpace(o.Reason) != "" && strings.TrimSpace(o.UserID) != ""
}

// ScanAttempt is one physical scan, immutable once recorded.
type ScanAttempt struct {
	AttemptID        string        `json:"attempt_id"`
	TicketRef        string        `json:"ticket_ref,omitempty"`
	QRToken          string        `json:"qr_token"`
	Signature        string        `json:"signature"`
	EventRef         string        `json:"event_ref"`
	DeviceID         string        `json:"device_id"`
	Direction        ScanDirection `json:"direction"`
	ClientTimestamp  time.Time     `json:"client_timestamp"`
	ServerReceivedAt time.Time     `json:"server_received_at,omitempty"`
	Result           ScanResult    `json:"result,omitempty"`
	Override         *Override     `json:"override,omitempty"`
}

// NewAttemptID derives the device-local idempotency key. ticketKey is the
// ticket_ref when the device knows it, otherwise the qr_token.
func NewAttemptID(deviceID, ticketKey string, clientTimestamp time.Time) string {
	return fmt.Sprintf("%s:%s:%d", deviceID, ticketKey, clientTimestamp.UnixNano())
}

// Outcome is the authoritative answer for one scan attempt.
type Outcome struct {
	AttemptID        string     `json:"attempt_id"`
	TicketRef        string     `json:"ticket_ref,omitempty"`
	EventRef         string     `json:"event_ref,omitempty"`
	Result           ScanResult `json:"result"`
	Reason           string     `json:"reason,omitempty"`
	ScannedAt        *time.Time `json:"scanned_at,omitempty"`
	ScannedBy        string     `json:"scanned_by,omitempty"`
	EntryCount       int        `json:"entry_count,omitempty"`
	ExitCount        int        `json:"exit_count,omitempty"`
	ServerReceivedAt time.Time  `json:"server_received_at"`
	Duplicate        bool       `json:"duplicate,omitempty"`
}

func (o Outcome) Class() DisplayClass {
	if o.Result.Admission() || o.Result == ResultExited {
		return ClassAdmit
	}
	return ClassDeny
}

func (o Outcome) Err() error {
	return o.Result.Err()
}
