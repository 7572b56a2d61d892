package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ticket-scan/internal/status"
	"ticket-scan/models"
	"ticket-scan/monitoring"
	"ticket-scan/security"
	"ticket-scan/utils"
)

const cancelledReason = "cancelled before sync"

type QueueConfig struct {
	DeviceID      string
	EventRef      string
	BatchSize     int
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	DrainInterval time.Duration
}

// Alerter raises device-visible alerts.
type Alerter interface {
	Alert(ctx context.Context, alert models.Alert) error
}

// LocalResult is what staff see right after a scan.
type LocalResult struct {
	LocalID   string              `json:"local_id,omitempty"`
	AttemptID string              `json:"attempt_id,omitempty"`
	TicketRef string              `json:"ticket_ref,omitempty"`
	Class     models.DisplayClass `json:"class"`
	Result    models.ScanResult   `json:"result,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Queued    bool                `json:"queued"`
}

// DrainReport summarises one Drain call.
type DrainReport struct {
	Sent       int `json:"sent"`
	Synced     int `json:"synced"`
	Admitted   int `json:"admitted"`
	Conflicts  int `json:"conflicts"`
	Rejected   int `json:"rejected"`
	Duplicates int `json:"duplicates"`
	Retrying   int `json:"retrying"`
	Failed     int `json:"failed"`
}

// Queue is the offline scan buffer of one device. Scans are checked against
// the cached manifest for immediate feedback and appended in FIFO order;
// Drain delivers them to the reconciler, whose outcome is authoritative.
type Queue struct {
	store     *LocalStore
	transport Transport
	signer    *security.Signer
	alerts    Alerter
	clock     utils.Clock
	cfg       QueueConfig

	// drainMu keeps a single batch in flight so FIFO order holds.
	drainMu sync.Mutex
}

func NewQueue(st *LocalStore, transport Transport, signer *security.Signer, alerts Alerter, clock utils.Clock, cfg QueueConfig) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 5 * time.Second
	}
	if clock == nil {
		clock = utils.RealClock{}
	}
	return &Queue{
		store:     st,
		transport: transport,
		signer:    signer,
		alerts:    alerts,
		clock:     clock,
		cfg:       cfg,
	}
}

// Enqueue checks a scanned QR payload locally and appends it to the queue.
// Payloads that cannot be decoded are denied and not queued. An empty
// eventRef scans for the device's configured event.
func (q *Queue) Enqueue(ctx context.Context, raw, eventRef string, direction models.ScanDirection, override *models.Override) (LocalResult, error) {
	dir, err := models.ParseScanDirection(string(direction))
	if err != nil {
		return LocalResult{}, err
	}
	if eventRef == "" {
		eventRef = q.cfg.EventRef
	}

	payload, err := models.DecodeQRPayload(raw)
	if err != nil {
		slog.Warn("unreadable qr payload", "device_id", q.cfg.DeviceID, "error", err)
		return LocalResult{
			Class:  models.ClassDeny,
			Result: models.ResultInvalidSignature,
			Reason: status.Reason(status.ErrInvalidSignature),
		}, nil
	}

	now := q.clock.Now().UTC()
	res := LocalResult{Class: models.ClassPending}
	ticketKey := payload.QRToken

	tk, err := q.store.FindManifestTicket(ctx, payload.QRToken)
	known := err == nil
	switch {
	case errors.Is(err, status.ErrTicketNotFound):
	case err != nil:
		return LocalResult{}, err
	default:
		ticketKey = tk.TicketRef
		res.TicketRef = tk.TicketRef
		res.Result = q.check(tk, payload.Signature, eventRef, dir, now)
		res.Class = models.Outcome{Result: res.Result}.Class()
		if err := res.Result.Err(); err != nil {
			res.Reason = status.Reason(err)
		}
	}

	entry, err := q.store.InsertEntry(ctx, models.SyncQueueEntry{
		LocalID: uuid.NewString(),
		Attempt: models.ScanAttempt{
			AttemptID:       models.NewAttemptID(q.cfg.DeviceID, ticketKey, now),
			TicketRef:       res.TicketRef,
			QRToken:         payload.QRToken,
			Signature:       payload.Signature,
			EventRef:        eventRef,
			DeviceID:        q.cfg.DeviceID,
			Direction:       dir,
			ClientTimestamp: now,
			Override:        override,
		},
		QueueStatus: models.QueuePending,
		LocalClass:  res.Class,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return LocalResult{}, fmt.Errorf("enqueue scan: %w", err)
	}
	res.LocalID = entry.LocalID
	res.AttemptID = entry.Attempt.AttemptID
	res.Queued = true

	if known && res.Class == models.ClassAdmit {
		if err := q.store.UpdateManifestTicket(ctx, advance(tk, dir), now); err != nil {
			slog.Error("failed to update manifest cache", "error", err, "ticket_ref", tk.TicketRef)
		}
	}

	slog.Info("scan queued",
		"device_id", q.cfg.DeviceID,
		"local_id", res.LocalID,
		"ticket_ref", res.TicketRef,
		"class", res.Class,
		"result", res.Result,
	)
	return res, nil
}

// check is the best-effort local decision. The cache may be stale; the
// reconciler has the final word.
func (q *Queue) check(tk models.Ticket, signature, eventRef string, dir models.ScanDirection, now time.Time) models.ScanResult {
	if q.signer != nil {
		switch err := q.signer.VerifyCredential(tk.Credential(), signature, now); {
		case errors.Is(err, status.ErrInvalidSignature):
			return models.ResultInvalidSignature
		case errors.Is(err, status.ErrExpired):
			return models.ResultExpired
		}
	} else if !tk.ExpiresAt.IsZero() && now.After(tk.ExpiresAt) {
		return models.ResultExpired
	}
	switch {
	case tk.Status.Cancelled():
		return models.ResultVoided
	case tk.EventRef != eventRef:
		return models.ResultEventMismatch
	case dir == models.DirectionExit:
		if !tk.ReEntry || !tk.Inside() {
			return models.ResultExitDenied
		}
		return models.ResultExited
	case !tk.ReEntry && tk.Status != models.TicketIssued:
		return models.ResultAlreadyScanned
	case tk.ReEntry && tk.Inside():
		return models.ResultAlreadyScanned
	}
	return models.ResultAdmitted
}

// advance applies a local pass to the cached ticket.
func advance(tk models.Ticket, dir models.ScanDirection) models.Ticket {
	if dir == models.DirectionExit {
		tk.ExitCount++
		return tk
	}
	tk.EntryCount++
	if tk.ReEntry {
		tk.Status = models.TicketScanned
	} else {
		tk.Status = models.TicketUsed
	}
	return tk
}

// Drain sends due pending entries to the reconciler in FIFO batches until
// none are left or a batch fails.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var report DrainReport
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := q.due(ctx)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			return report, nil
		}
		if err := q.send(ctx, batch, &report); err != nil {
			return report, err
		}
	}
}

// due returns the head of the pending queue up to the first entry still
// waiting for its retry time, so a later scan never overtakes an earlier one.
func (q *Queue) due(ctx context.Context) ([]models.SyncQueueEntry, error) {
	pending, err := q.store.ListEntries(ctx, models.QueuePending, q.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()
	for i, e := range pending {
		if e.NextRetryAt.After(now) {
			return pending[:i], nil
		}
	}
	return pending, nil
}

// send delivers one batch. Claimed entries are no longer cancellable and the
// round trip is not cut short by ctx; the transport timeout bounds it.
func (q *Queue) send(ctx context.Context, batch []models.SyncQueueEntry, report *DrainReport) error {
	now := q.clock.Now()
	claimed := make([]models.SyncQueueEntry, 0, len(batch))
	for _, e := range batch {
		ok, err := q.store.Transition(ctx, e.LocalID, models.QueuePending, models.QueueSyncing, now)
		if err != nil {
			return err
		}
		if ok {
			claimed = append(claimed, e)
		}
	}
	if len(claimed) == 0 {
		return nil
	}

	sendCtx := context.WithoutCancel(ctx)
	counts, err := q.store.Counts(sendCtx)
	if err != nil {
		return err
	}
	req := models.SyncRequest{DeviceID: q.cfg.DeviceID, Counts: counts}
	for _, e := range claimed {
		req.Attempts = append(req.Attempts, e.Attempt)
	}
	report.Sent += len(claimed)

	resp, err := q.transport.Sync(sendCtx, req)
	if err != nil {
		return q.fail(sendCtx, claimed, err, report)
	}

	byAttempt := make(map[string]models.Outcome, len(resp.Outcomes))
	for _, out := range resp.Outcomes {
		byAttempt[out.AttemptID] = out
	}
	var missing []models.SyncQueueEntry
	for _, e := range claimed {
		out, ok := byAttempt[e.Attempt.AttemptID]
		if !ok {
			missing = append(missing, e)
			continue
		}
		if err := q.store.MarkSynced(sendCtx, e.LocalID, out, q.clock.Now()); err != nil {
			return err
		}
		q.learn(sendCtx, e, out)
		report.Synced++
		switch {
		case out.Duplicate:
			report.Duplicates++
		case out.Result == models.ResultAlreadyScanned:
			report.Conflicts++
			if e.LocalClass == models.ClassAdmit {
				slog.Warn("local admission overturned by server",
					"device_id", q.cfg.DeviceID,
					"local_id", e.LocalID,
					"ticket_ref", out.TicketRef,
					"scanned_by", out.ScannedBy,
				)
			}
		case out.Result.Admission() || out.Result == models.ResultExited:
			report.Admitted++
		default:
			report.Rejected++
		}
	}
	if len(missing) > 0 {
		return q.fail(sendCtx, missing, fmt.Errorf("%w: server returned no outcome", status.ErrNetworkFailure), report)
	}

	slog.Info("sync batch delivered", "device_id", q.cfg.DeviceID, "entries", len(claimed))
	return nil
}

// fail schedules a retry with exponential backoff, or fails entries that
// ran out of retries or were refused outright, and alerts on the latter.
func (q *Queue) fail(ctx context.Context, entries []models.SyncQueueEntry, cause error, report *DrainReport) error {
	now := q.clock.Now()
	retryable := status.Retryable(cause)
	var failedIDs []string
	for _, e := range entries {
		count := e.AttemptCount + 1
		qs := models.QueuePending
		next := now.Add(utils.Backoff(q.cfg.BackoffBase, q.cfg.BackoffCap, count))
		if !retryable || count > q.cfg.MaxRetries {
			qs = models.QueueFailed
			next = time.Time{}
			failedIDs = append(failedIDs, e.LocalID)
			report.Failed++
		} else {
			report.Retrying++
		}
		if err := q.store.MarkAttemptFailed(ctx, e.LocalID, qs, count, cause.Error(), next, now); err != nil {
			return err
		}
	}

	slog.Warn("sync batch failed", "device_id", q.cfg.DeviceID, "entries", len(entries), "failed", len(failedIDs), "error", cause)
	if len(failedIDs) > 0 && q.alerts != nil {
		alert := models.Alert{
			Kind:     models.AlertSyncFailure,
			EventRef: q.cfg.EventRef,
			DeviceID: q.cfg.DeviceID,
			Message:  fmt.Sprintf("%d scans could not be synced", len(failedIDs)),
			Data:     map[string]any{"local_ids": failedIDs, "error": cause.Error()},
			At:       now,
		}
		if err := q.alerts.Alert(ctx, alert); err != nil {
			slog.Error("failed to raise sync failure alert", "error", err, "device_id", q.cfg.DeviceID)
		}
	}
	return fmt.Errorf("sync %d entries: %w", len(entries), cause)
}

// learn folds an authoritative outcome back into the manifest cache.
func (q *Queue) learn(ctx context.Context, e models.SyncQueueEntry, out models.Outcome) {
	tk, err := q.store.FindManifestTicket(ctx, e.Attempt.QRToken)
	if err != nil {
		return
	}
	switch {
	case out.Result.Admission() || out.Result == models.ResultExited:
		tk.EntryCount, tk.ExitCount = out.EntryCount, out.ExitCount
		if tk.ReEntry {
			tk.Status = models.TicketScanned
		} else {
			tk.Status = models.TicketUsed
		}
	case out.Result == models.ResultAlreadyScanned:
		tk.EntryCount, tk.ExitCount = out.EntryCount, out.ExitCount
		if !tk.ReEntry {
			tk.Status = models.TicketUsed
		}
	case out.Result == models.ResultVoided:
		tk.Status = models.TicketVoided
	default:
		return
	}
	if err := q.store.UpdateManifestTicket(ctx, tk, q.clock.Now()); err != nil {
		slog.Error("failed to update manifest cache", "error", err, "ticket_ref", tk.TicketRef)
	}
}

// Cancel withdraws an entry that has not been sent yet.
func (q *Queue) Cancel(ctx context.Context, localID string) error {
	ok, err := q.store.CancelEntry(ctx, localID, cancelledReason, q.clock.Now())
	if err != nil {
		return err
	}
	if ok {
		slog.Info("queued scan cancelled", "device_id", q.cfg.DeviceID, "local_id", localID)
		return nil
	}
	e, err := q.store.FindEntry(ctx, localID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", status.ErrNotCancellable, localID, e.QueueStatus)
}

// Retry puts a failed entry back in the queue with a fresh retry budget.
func (q *Queue) Retry(ctx context.Context, localID string) error {
	ok, err := q.store.Requeue(ctx, localID, q.clock.Now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	e, err := q.store.FindEntry(ctx, localID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", status.ErrInvalidTransition, localID, e.QueueStatus)
}

func (q *Queue) Counts(ctx context.Context) (models.QueueCounts, error) {
	return q.store.Counts(ctx)
}

// Entries lists queue entries in FIFO order. An empty status lists all.
func (q *Queue) Entries(ctx context.Context, qs models.QueueStatus) ([]models.SyncQueueEntry, error) {
	if qs != "" {
		if _, err := models.ParseQueueStatus(string(qs)); err != nil {
			return nil, err
		}
	}
	return q.store.ListEntries(ctx, qs, 0)
}

// LoadManifest replaces the cached tickets of every event present in tickets.
func (q *Queue) LoadManifest(ctx context.Context, tickets []models.Ticket) error {
	byEvent := make(map[string][]models.Ticket)
	for _, t := range tickets {
		byEvent[t.EventRef] = append(byEvent[t.EventRef], t)
	}
	now := q.clock.Now()
	for eventRef, ts := range byEvent {
		if err := q.store.ReplaceManifest(ctx, eventRef, ts, now); err != nil {
			return fmt.Errorf("load manifest for %s: %w", eventRef, err)
		}
	}
	return nil
}

// RefreshManifest downloads the manifest of the configured event.
func (q *Queue) RefreshManifest(ctx context.Context) (int, error) {
	m, err := q.transport.Manifest(ctx, q.cfg.EventRef)
	if err != nil {
		return 0, err
	}
	if err := q.store.ReplaceManifest(ctx, m.EventRef, m.Tickets, q.clock.Now()); err != nil {
		return 0, err
	}
	return len(m.Tickets), nil
}

// Run recovers interrupted batches, then drains on every tick until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	if n, err := q.store.ResetSyncing(ctx, q.clock.Now()); err != nil {
		slog.Error("failed to recover syncing entries", "error", err, "device_id", q.cfg.DeviceID)
	} else if n > 0 {
		slog.Info("recovered interrupted sync entries", "device_id", q.cfg.DeviceID, "entries", n)
	}
	if q.cfg.EventRef != "" {
		if n, err := q.RefreshManifest(ctx); err != nil {
			slog.Warn("manifest refresh failed, using cached copy", "error", err, "event_ref", q.cfg.EventRef)
		} else {
			slog.Info("manifest refreshed", "event_ref", q.cfg.EventRef, "tickets", n)
		}
	}

	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		report, err := q.Drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("drain stopped", "error", err, "device_id", q.cfg.DeviceID, "synced", report.Synced, "retrying", report.Retrying)
		}
		q.publish(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue) publish(ctx context.Context) {
	c, err := q.store.Counts(context.WithoutCancel(ctx))
	if err != nil {
		slog.Error("failed to read queue counts", "error", err, "device_id", q.cfg.DeviceID)
		return
	}
	monitoring.SetDeviceQueue(q.cfg.DeviceID, map[string]int{
		string(models.QueuePending): c.Pending,
		string(models.QueueSyncing): c.Syncing,
		string(models.QueueSynced):  c.Synced,
		string(models.QueueFailed):  c.Failed,
	})
}
