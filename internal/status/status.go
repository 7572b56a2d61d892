package status

import (
	"errors"
	"net/http"
)

// Credential and request verification.
var (
	ErrInvalidSignature = errors.New("credential: invalid signature")
	ErrExpired          = errors.New("credential: expired")
	ErrTimestampExpired = errors.New("replay guard: timestamp expired")
	ErrTimestampFuture  = errors.New("replay guard: timestamp in the future")
	ErrReplayDetected   = errors.New("replay guard: replay detected")
	ErrMissingHeaders   = errors.New("replay guard: missing signature headers")
	ErrSourceBlocked    = errors.New("replay guard: source temporarily blocked")
)

// Scan decisions. These are expected outcomes of the state machine and travel
// as values on models.Outcome; the errors exist so handlers can map them.
var (
	ErrAlreadyScanned   = errors.New("scan: already scanned")
	ErrEventMismatch    = errors.New("scan: ticket belongs to another event")
	ErrVoidedOrRefunded = errors.New("scan: ticket voided or refunded")
	ErrCapacityExceeded = errors.New("scan: capacity exceeded")
	ErrExitDenied       = errors.New("scan: exit not allowed")
)

// Infrastructure.
var (
	ErrNetworkFailure      = errors.New("sync: network failure")
	ErrPersistenceConflict = errors.New("store: persistence conflict")
	ErrTicketNotFound      = errors.New("store: ticket not found")
	ErrEventNotFound       = errors.New("store: event not found")
	ErrAttemptNotFound     = errors.New("store: scan attempt not found")
	ErrDuplicateAttempt    = errors.New("store: duplicate scan attempt")
	ErrDuplicateTicket     = errors.New("store: duplicate ticket")
	ErrInvalidTransition   = errors.New("store: invalid status transition")
	ErrInvalidOverride     = errors.New("override: reason and user id required")
	ErrInvalidRequest      = errors.New("request: invalid")
	ErrCircuitOpen         = errors.New("circuit breaker is open")
	ErrNotCancellable      = errors.New("queue: entry is no longer pending")
	ErrQueueEntryNotFound  = errors.New("queue: entry not found")
	ErrDeviceNotFound      = errors.New("sync: device has never synced")
	ErrUnknownValue        = errors.New("models: unknown enum value")
)

// HTTPCode maps an error from the taxonomy to the ingestion response code.
func HTTPCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMissingHeaders):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrTimestampExpired),
		errors.Is(err, ErrTimestampFuture):
		return http.StatusUnauthorized
	case errors.Is(err, ErrReplayDetected), errors.Is(err, ErrAlreadyScanned):
		return http.StatusConflict
	case errors.Is(err, ErrSourceBlocked):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrVoidedOrRefunded),
		errors.Is(err, ErrEventMismatch),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrExitDenied):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTicketNotFound), errors.Is(err, ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidOverride),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUnknownValue):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotCancellable), errors.Is(err, ErrDuplicateTicket):
		return http.StatusConflict
	case errors.Is(err, ErrQueueEntryNotFound),
		errors.Is(err, ErrAttemptNotFound),
		errors.Is(err, ErrDeviceNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the operation may be attempted again unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetworkFailure) ||
		errors.Is(err, ErrPersistenceConflict) ||
		errors.Is(err, ErrCircuitOpen)
}

// SecurityRelevant reports rejections that count towards source escalation.
func SecurityRelevant(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrTimestampExpired) ||
		errors.Is(err, ErrTimestampFuture) ||
		errors.Is(err, ErrReplayDetected)
}

// Reason returns the short machine-readable code for an error.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrTimestampExpired):
		return "timestamp_expired"
	case errors.Is(err, ErrTimestampFuture):
		return "timestamp_future"
	case errors.Is(err, ErrReplayDetected):
		return "replay_detected"
	case errors.Is(err, ErrMissingHeaders):
		return "missing_headers"
	case errors.Is(err, ErrSourceBlocked):
		return "source_blocked"
	case errors.Is(err, ErrAlreadyScanned):
		return "already_scanned"
	case errors.Is(err, ErrEventMismatch):
		return "event_mismatch"
	case errors.Is(err, ErrVoidedOrRefunded):
		return "voided_or_refunded"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrExitDenied):
		return "exit_denied"
	case errors.Is(err, ErrNetworkFailure):
		return "network_failure"
	case errors.Is(err, ErrPersistenceConflict):
		return "persistence_conflict"
	case errors.Is(err, ErrTicketNotFound):
		return "ticket_not_found"
	case errors.Is(err, ErrEventNotFound):
		return "event_not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnknownValue):
		return "invalid_request"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrNotCancellable):
		return "not_cancellable"
	case errors.Is(err, ErrDuplicateTicket):
		return "duplicate_ticket"
	case errors.Is(err, ErrQueueEntryNotFound):
		return "queue_entry_not_found"
	case errors.Is(err, ErrDeviceNotFound):
		return "device_not_found"
	default:
		return "internal_error"
	}
}

// FromReason maps a reason code received from the server back to its
// sentinel. Unknown codes return nil.
func FromReason(reason string) error {
	switch reason {
	case "invalid_signature":
		return ErrInvalidSignature
	case "expired":
		return ErrExpired
	case "timestamp_expired":
		return ErrTimestampExpired
	case "timestamp_future":
		return ErrTimestampFuture
	case "replay_detected":
		return ErrReplayDetected
	case "missing_headers":
		return ErrMissingHeaders
	case "source_blocked":
		return ErrSourceBlocked
	case "already_scanned":
		return ErrAlreadyScanned
	case "event_mismatch":
		return ErrEventMismatch
	case "voided_or_refunded":
		return ErrVoidedOrRefunded
	case "capacity_exceeded":
		return ErrCapacityExceeded
	case "exit_denied":
		return ErrExitDenied
	case "network_failure":
		return ErrNetworkFailure
	case "persistence_conflict":
		return ErrPersistenceConflict
	case "ticket_not_found":
		return ErrTicketNotFound
	case "event_not_found":
		return ErrEventNotFound
	case "invalid_transition":
		return ErrInvalidTransition
	case "invalid_request":
		return ErrInvalidRequest
	case "circuit_open":
		return ErrCircuitOpen
	case "not_cancellable":
		return ErrNotCancellable
	case "duplicate_ticket":
		return ErrDuplicateTicket
	case "queue_entry_not_found":
		return ErrQueueEntryNotFound
	case "device_not_found":
		return ErrDeviceNotFound
	}
	return nil
}
