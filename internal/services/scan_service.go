package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ticket-scan/internal/status"
	"ticket-scan/internal/store"
	"ticket-scan/models"
	"ticket-scan/monitoring"
	"ticket-scan/security"
	"ticket-scan/utils"
)

type ScanConfig struct {
	// MaxRetries bounds re-runs after a lost conditional update.
	MaxRetries int
	// OfflineGrace is how far behind server time a client timestamp may be
	// and still be used for the expiry check.
	OfflineGrace time.Duration
}

// ScanService is the ticket state machine. It is the only writer of ticket
// status and counters.
type ScanService struct {
	store    *store.Store
	signer   *security.Signer
	notifier Notifier
	clock    utils.Clock
	cfg      ScanConfig
}

func NewScanService(st *store.Store, signer *security.Signer, notifier Notifier, clock utils.Clock, cfg ScanConfig) *ScanService {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if clock == nil {
		clock = utils.RealClock{}
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &ScanService{store: st, signer: signer, notifier: notifier, clock: clock, cfg: cfg}
}

// Apply decides one scan attempt. Business denials come back as an Outcome
// with a nil error. Replaying an attempt_id returns the recorded outcome.
func (s *ScanService) Apply(ctx context.Context, attempt models.ScanAttempt) (models.Outcome, error) {
	if attempt.ServerReceivedAt.IsZero() {
		attempt.ServerReceivedAt = s.clock.Now()
	}
	if attempt.ClientTimestamp.IsZero() {
		attempt.ClientTimestamp = attempt.ServerReceivedAt
	}
	dir, err := models.ParseScanDirection(string(attempt.Direction))
	if err != nil {
		return models.Outcome{}, err
	}
	attempt.Direction = dir

	var lastErr error
	for i := 0; i <= s.cfg.MaxRetries; i++ {
		out, err := s.apply(ctx, attempt)
		if !errors.Is(err, status.ErrPersistenceConflict) {
			return out, err
		}
		lastErr = err
		monitoring.TrackApplyRetry()
		slog.Debug("scan lost conditional update, re-running", "attempt_id", attempt.AttemptID, "retry", i+1)
	}
	return models.Outcome{}, lastErr
}

func (s *ScanService) apply(ctx context.Context, attempt models.ScanAttempt) (models.Outcome, error) {
	tk, err := s.store.FindTicketByQRToken(ctx, attempt.QRToken)
	if errors.Is(err, status.ErrTicketNotFound) {
		if attempt.AttemptID == "" {
			attempt.AttemptID = models.NewAttemptID(attempt.DeviceID, attempt.QRToken, attempt.ClientTimestamp)
		}
		attempt.TicketRef = ""
		prev, found, err := s.claimAttemptID(ctx, &attempt, attempt.QRToken)
		if err != nil {
			return models.Outcome{}, err
		}
		if found {
			return s.replayed(ctx, prev), nil
		}
		return s.deny(ctx, attempt, models.Ticket{}, models.ResultInvalidSignature, "unknown credential")
	}
	if err != nil {
		return models.Outcome{}, err
	}

	attempt.TicketRef = tk.TicketRef
	if attempt.AttemptID == "" {
		attempt.AttemptID = models.NewAttemptID(attempt.DeviceID, tk.TicketRef, attempt.ClientTimestamp)
	}
	if attempt.EventRef == "" {
		attempt.EventRef = tk.EventRef
	}

	prev, found, err := s.claimAttemptID(ctx, &attempt, tk.TicketRef)
	if err != nil {
		return models.Outcome{}, err
	}

	// 1. credential
	credErr := s.signer.VerifyCredential(tk.Credential(), attempt.Signature, s.expiryInstant(attempt))
	if found {
		if credErr == nil || errors.Is(credErr, status.ErrExpired) {
			return s.replayed(ctx, prev), nil
		}
		// A forged signature never reads back the stored decision.
		attempt.AttemptID = uuid.NewString()
	}
	if credErr != nil {
		if errors.Is(credErr, status.ErrExpired) {
			return s.deny(ctx, attempt, tk, models.ResultExpired, "ticket expired")
		}
		return s.deny(ctx, attempt, tk, models.ResultInvalidSignature, "signature mismatch")
	}

	// 2. administrative cancellation
	if tk.Status.Cancelled() {
		return s.deny(ctx, attempt, tk, models.ResultVoided, fmt.Sprintf("ticket %s", tk.Status))
	}

	// 3. event
	if tk.EventRef != attempt.EventRef {
		return s.deny(ctx, attempt, tk, models.ResultEventMismatch, fmt.Sprintf("ticket is for event %s", tk.EventRef))
	}

	if attempt.Direction == models.DirectionExit {
		return s.exit(ctx, attempt, tk)
	}

	// 4. single use or anti-passback
	if (!tk.ReEntry && tk.Status != models.TicketIssued) || (tk.ReEntry && tk.Inside()) {
		return s.alreadyScanned(ctx, attempt, tk)
	}

	// 5. capacity
	ev, err := s.store.FindEvent(ctx, tk.EventRef)
	if err != nil {
		return models.Outcome{}, err
	}
	result := models.ResultAdmitted
	var ledger *models.OverrideRecord
	if ev.Full() {
		if !attempt.Override.Valid() {
			reason := fmt.Sprintf("capacity %d reached", ev.Capacity)
			if attempt.Override != nil {
				reason += ", override needs reason and user_id"
			}
			return s.deny(ctx, attempt, tk, models.ResultCapacityExceeded, reason)
		}
		result = models.ResultCapacityOverride
		ledger = &models.OverrideRecord{
			ID:        uuid.NewString(),
			AttemptID: attempt.AttemptID,
			TicketRef: tk.TicketRef,
			EventRef:  tk.EventRef,
			Reason:    attempt.Override.Reason,
			UserID:    attempt.Override.UserID,
			DeviceID:  attempt.DeviceID,
			CreatedAt: attempt.ServerReceivedAt,
		}
	} else {
		// An override is only recorded when it was needed.
		attempt.Override = nil
	}

	// 6. commit
	next := models.TicketUsed
	if tk.ReEntry {
		next = models.TicketScanned
	}
	attempt.Result = result
	err = s.store.Admit(ctx, store.Admission{
		Transition: store.Transition{
			TicketRef:   tk.TicketRef,
			From:        tk.Status,
			FromEntries: tk.EntryCount,
			FromExits:   tk.ExitCount,
			To:          next,
			ToEntries:   tk.EntryCount + 1,
			ToExits:     tk.ExitCount,
			At:          attempt.ServerReceivedAt,
		},
		Attempt:         attempt,
		OccupancyDelta:  1,
		EnforceCapacity: ledger == nil,
		Override:        ledger,
	})
	if err != nil {
		return s.commitFailed(ctx, attempt, err)
	}

	if ledger != nil {
		s.alertOverride(ctx, *ledger)
	}
	tk.EntryCount++
	tk.Status = next
	return s.decided(attempt, tk, result, ""), nil
}

func (s *ScanService) exit(ctx context.Context, attempt models.ScanAttempt, tk models.Ticket) (models.Outcome, error) {
	if !tk.ReEntry || !tk.Inside() {
		return s.deny(ctx, attempt, tk, models.ResultExitDenied, "holder is not inside on a re-entry ticket")
	}

	attempt.Result = models.ResultExited
	err := s.store.Admit(ctx, store.Admission{
		Transition: store.Transition{
			TicketRef:   tk.TicketRef,
			From:        tk.Status,
			FromEntries: tk.EntryCount,
			FromExits:   tk.ExitCount,
			To:          models.TicketScanned,
			ToEntries:   tk.EntryCount,
			ToExits:     tk.ExitCount + 1,
			At:          attempt.ServerReceivedAt,
		},
		Attempt:        attempt,
		OccupancyDelta: -1,
	})
	if err != nil {
		return s.commitFailed(ctx, attempt, err)
	}
	tk.ExitCount++
	return s.decided(attempt, tk, models.ResultExited, ""), nil
}

func (s *ScanService) alreadyScanned(ctx context.Context, attempt models.ScanAttempt, tk models.Ticket) (models.Outcome, error) {
	out, err := s.deny(ctx, attempt, tk, models.ResultAlreadyScanned, "")
	if err != nil {
		return out, err
	}
	last, err := s.store.LastAdmission(ctx, tk.TicketRef)
	if err == nil {
		at := last.ServerReceivedAt
		out.ScannedAt = &at
		out.ScannedBy = last.DeviceID
		out.Reason = fmt.Sprintf("already scanned at %s by %s", at.Format(time.RFC3339), last.DeviceID)
	} else if !errors.Is(err, status.ErrAttemptNotFound) {
		slog.Error("failed to load original admission", "error", err, "ticket_ref", tk.TicketRef)
	}
	return out, nil
}

// deny records a denial in the scan log and returns its outcome.
func (s *ScanService) deny(ctx context.Context, attempt models.ScanAttempt, tk models.Ticket, result models.ScanResult, reason string) (models.Outcome, error) {
	attempt.Result = result
	attempt.Override = nil
	if err := s.store.InsertAttempt(ctx, attempt); err != nil {
		if errors.Is(err, status.ErrDuplicateAttempt) {
			out, _, err := s.recorded(ctx, attempt)
			return out, err
		}
		return models.Outcome{}, err
	}

	if err := result.Err(); status.SecurityRelevant(err) || errors.Is(err, status.ErrVoidedOrRefunded) {
		slog.Warn("scan rejected", "reason", result, "device_id", attempt.DeviceID, "ticket_ref", attempt.TicketRef)
		s.audit(ctx, models.AuditRecord{
			Kind:      "scan_rejected",
			ActorID:   attempt.DeviceID,
			TicketRef: attempt.TicketRef,
			Detail:    string(result),
		})
	}
	return s.decided(attempt, tk, result, reason), nil
}

// commitFailed turns a duplicate insert into the stored outcome and passes
// every other error up, conflicts included.
func (s *ScanService) commitFailed(ctx context.Context, attempt models.ScanAttempt, err error) (models.Outcome, error) {
	if errors.Is(err, status.ErrDuplicateAttempt) {
		// The ticket update rolled back with the insert, so the stored
		// attempt is the authoritative one.
		out, _, rerr := s.recorded(ctx, attempt)
		return out, rerr
	}
	return models.Outcome{}, err
}

// claimAttemptID keeps a device-chosen attempt id from reading another
// credential's decision. An id already held by a different qr_token is
// replaced with one derived from key, or a random one when that collides
// too. It returns the stored attempt under the final id, if any.
func (s *ScanService) claimAttemptID(ctx context.Context, attempt *models.ScanAttempt, key string) (models.ScanAttempt, bool, error) {
	prev, found, err := s.findAttempt(ctx, attempt.AttemptID)
	if err != nil || !found || prev.QRToken == attempt.QRToken {
		return prev, found, err
	}
	slog.Warn("attempt id holds another credential's decision, deriving a new one",
		"attempt_id", attempt.AttemptID, "device_id", attempt.DeviceID)
	monitoring.TrackAttemptIDCollision()

	attempt.AttemptID = models.NewAttemptID(attempt.DeviceID, key, attempt.ClientTimestamp)
	prev, found, err = s.findAttempt(ctx, attempt.AttemptID)
	if err != nil || !found || prev.QRToken == attempt.QRToken {
		return prev, found, err
	}
	attempt.AttemptID = uuid.NewString()
	return models.ScanAttempt{}, false, nil
}

func (s *ScanService) findAttempt(ctx context.Context, attemptID string) (models.ScanAttempt, bool, error) {
	prev, err := s.store.FindAttempt(ctx, attemptID)
	if errors.Is(err, status.ErrAttemptNotFound) {
		return models.ScanAttempt{}, false, nil
	}
	if err != nil {
		return models.ScanAttempt{}, false, err
	}
	return prev, true, nil
}

// recorded returns the stored outcome after a concurrent insert won the
// attempt id. A winner scanning another credential is a conflict, so the
// caller re-runs and claims a fresh id.
func (s *ScanService) recorded(ctx context.Context, attempt models.ScanAttempt) (models.Outcome, bool, error) {
	prev, found, err := s.findAttempt(ctx, attempt.AttemptID)
	if err != nil || !found {
		return models.Outcome{}, false, err
	}
	if prev.QRToken != attempt.QRToken {
		return models.Outcome{}, false, fmt.Errorf("%w: attempt %s was recorded for another credential",
			status.ErrPersistenceConflict, attempt.AttemptID)
	}
	return s.replayed(ctx, prev), true, nil
}

// replayed rebuilds the outcome of an attempt that was already decided.
func (s *ScanService) replayed(ctx context.Context, prev models.ScanAttempt) models.Outcome {
	out := models.Outcome{
		AttemptID:        prev.AttemptID,
		TicketRef:        prev.TicketRef,
		EventRef:         prev.EventRef,
		Result:           prev.Result,
		ServerReceivedAt: prev.ServerReceivedAt,
		Duplicate:        true,
	}
	if e := prev.Result.Err(); e != nil {
		out.Reason = status.Reason(e)
	}
	if prev.TicketRef != "" {
		if tk, err := s.store.FindTicketByRef(ctx, prev.TicketRef); err == nil {
			out.EntryCount = tk.EntryCount
			out.ExitCount = tk.ExitCount
		}
	}
	return out
}

func (s *ScanService) decided(attempt models.ScanAttempt, tk models.Ticket, result models.ScanResult, reason string) models.Outcome {
	if reason == "" {
		if err := result.Err(); err != nil {
			reason = status.Reason(err)
		}
	}
	monitoring.TrackScanOutcome(attempt.EventRef, string(result))
	return models.Outcome{
		AttemptID:        attempt.AttemptID,
		TicketRef:        tk.TicketRef,
		EventRef:         attempt.EventRef,
		Result:           result,
		Reason:           reason,
		EntryCount:       tk.EntryCount,
		ExitCount:        tk.ExitCount,
		ServerReceivedAt: attempt.ServerReceivedAt,
	}
}

// expiryInstant is the moment the ticket is checked for expiry. Offline
// scans are judged at their client time when it is plausibly recent.
func (s *ScanService) expiryInstant(attempt models.ScanAttempt) time.Time {
	srv := attempt.ServerReceivedAt
	client := attempt.ClientTimestamp
	if !client.IsZero() && !client.After(srv) && srv.Sub(client) <= s.cfg.OfflineGrace {
		return client
	}
	return srv
}

func (s *ScanService) alertOverride(ctx context.Context, rec models.OverrideRecord) {
	slog.Warn("capacity override", "ticket_ref", rec.TicketRef, "event_ref", rec.EventRef, "user_id", rec.UserID, "reason", rec.Reason)
	alert := models.Alert{
		Kind:     models.AlertOverride,
		EventRef: rec.EventRef,
		DeviceID: rec.DeviceID,
		Message:  fmt.Sprintf("capacity override by %s: %s", rec.UserID, rec.Reason),
		Data:     map[string]any{"ticket_ref": rec.TicketRef, "attempt_id": rec.AttemptID},
		At:       rec.CreatedAt,
	}
	if err := s.notifier.Alert(ctx, alert); err != nil {
		slog.Error("failed to send override alert", "error", err, "ticket_ref", rec.TicketRef)
	}
	s.audit(ctx, models.AuditRecord{
		Kind:      string(models.AlertOverride),
		ActorID:   rec.UserID,
		TicketRef: rec.TicketRef,
		Detail:    rec.Reason,
	})
}

func (s *ScanService) audit(ctx context.Context, rec models.AuditRecord) {
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.clock.Now()
	if err := s.store.InsertAudit(ctx, rec); err != nil {
		slog.Error("failed to write audit record", "error", err, "kind", rec.Kind)
	}
}

// Void withdraws a ticket. Every later scan is rejected.
func (s *ScanService) Void(ctx context.Context, ticketRef, actorID, reason string) (models.Ticket, error) {
	return s.cancel(ctx, ticketRef, models.TicketVoided, actorID, reason)
}

// Refund withdraws a ticket after the money went back.
func (s *ScanService) Refund(ctx context.Context, ticketRef, actorID, reason string) (models.Ticket, error) {
	return s.cancel(ctx, ticketRef, models.TicketRefunded, actorID, reason)
}

func (s *ScanService) cancel(ctx context.Context, ticketRef string, to models.TicketStatus, actorID, reason string) (models.Ticket, error) {
	tk, err := s.store.SetTerminalStatus(ctx, ticketRef, to, s.clock.Now())
	if err != nil {
		return tk, err
	}
	slog.Info("ticket cancelled", "ticket_ref", ticketRef, "status", to, "actor_id", actorID)
	s.audit(ctx, models.AuditRecord{
		Kind:      string(to),
		ActorID:   actorID,
		TicketRef: ticketRef,
		Detail:    reason,
	})
	return tk, nil
}

// Manifest returns the ticket state a device caches for offline checks.
// Signatures and holder names are not included.
func (s *ScanService) Manifest(ctx context.Context, eventRef string) ([]models.Ticket, error) {
	if _, err := s.store.FindEvent(ctx, eventRef); err != nil {
		return nil, err
	}
	tickets, err := s.store.ListTicketsForEvent(ctx, eventRef)
	if err != nil {
		return nil, err
	}
	for i := range tickets {
		tickets[i].Signature = ""
		tickets[i].HolderName = ""
	}
	return tickets, nil
}

// Overrides lists the override ledger of an event.
func (s *ScanService) Overrides(ctx context.Context, eventRef string) ([]models.OverrideRecord, error) {
	return s.store.ListOverrides(ctx, eventRef)
}
