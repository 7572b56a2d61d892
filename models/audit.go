package models

import "time"

type AlertKind string

const (
	AlertOverride      AlertKind = "override"
	AlertReplay        AlertKind = "replay"
	AlertSourceBlocked AlertKind = "source_blocked"
	AlertSyncFailure   AlertKind = "sync_failure"
)

// Alert is handed to the external notification system.
type Alert struct {
	Kind     AlertKind      `json:"kind"`
	EventRef string         `json:"event_ref,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
	Source   string         `json:"source,omitempty"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
	At       time.Time      `json:"at"`
}

// AuditRecord is an immutable security or override event.
type AuditRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ActorID   string    `json:"actor_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	TicketRef string    `json:"ticket_ref,omitempty"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// OverrideRecord is a row of the emergency override ledger.
type OverrideRecord struct {
	ID        string    `json:"id"`
	AttemptID string    `json:"attempt_id"`
	TicketRef string    `json:"ticket_ref"`
	EventRef  string    `json:"event_ref"`
	Reason    string    `json:"reason"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}
