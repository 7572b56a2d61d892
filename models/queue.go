package models

import (
	"fmt"
	"time"

	"ticket-scan/internal/status"
)

type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSyncing QueueStatus = "syncing"
	QueueSynced  QueueStatus = "synced"
	QueueFailed  QueueStatus = "failed"
)

func ParseQueueStatus(s string) (QueueStatus, error) {
	switch v := QueueStatus(s); v {
	case QueuePending, QueueSyncing, QueueSynced, QueueFailed:
		return v, nil
	}
	return "", fmt.Errorf("%w: queue status %q", status.ErrUnknownValue, s)
}

func (s QueueStatus) Terminal() bool {
	return s == QueueSynced || s == QueueFailed
}

// SyncQueueEntry is a scan attempt the server has not confirmed yet.
type SyncQueueEntry struct {
	LocalID      string       `json:"local_id"`
	Seq          int64        `json:"seq"`
	Attempt      ScanAttempt  `json:"attempt"`
	QueueStatus  QueueStatus  `json:"queue_status"`
	AttemptCount int          `json:"attempt_count"`
	LastError    string       `json:"last_error,omitempty"`
	NextRetryAt  time.Time    `json:"next_retry_at"`
	LocalClass   DisplayClass `json:"local_class"`
	Outcome      *Outcome     `json:"outcome,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type QueueCounts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

func (c QueueCounts) Total() int {
	return c.Pending + c.Syncing + c.Synced + c.Failed
}

// SyncOperation is one device-to-server sync round trip.
type SyncOperation struct {
	DeviceID   string    `json:"device_id"`
	StartedAt  time.Time `json:"started_at"`
	Entries    int       `json:"entries"`
	Admitted   int       `json:"admitted"`
	Conflicts  int       `json:"conflicts"`
	Rejected   int       `json:"rejected"`
	Duplicates int       `json:"duplicates"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// DeviceSyncStatus is the read-only projection dashboards consume.
type DeviceSyncStatus struct {
	DeviceID        string          `json:"device_id"`
	Counts          QueueCounts     `json:"counts"`
	LastSyncedAt    *time.Time      `json:"last_synced_at,omitempty"`
	SyncHealthScore float64         `json:"sync_health_score"`
	History         []SyncOperation `json:"history"`
}

// SyncRequest is the batch a device posts to the reconciler.
type SyncRequest struct {
	DeviceID string        `json:"device_id"`
	Counts   QueueCounts   `json:"counts"`
	Attempts []ScanAttempt `json:"attempts"`
}

type SyncResponse struct {
	DeviceID   string    `json:"device_id"`
	ReceivedAt time.Time `json:"received_at"`
	Outcomes   []Outcome `json:"outcomes"`
}

// ManifestRequest asks for the cached ticket state of one event.
type ManifestRequest struct {
	EventRef string `json:"event_ref"`
}

// Manifest is the ticket state a device checks scans against while offline.
type Manifest struct {
	EventRef    string    `json:"event_ref"`
	GeneratedAt time.Time `json:"generated_at"`
	Tickets     []Ticket  `json:"tickets"`
}
