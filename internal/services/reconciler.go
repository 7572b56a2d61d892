package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ticket-scan/internal/status"
	"ticket-scan/models"
	"ticket-scan/monitoring"
	"ticket-scan/utils"
)

// Applier decides a single scan attempt.
type Applier interface {
	Apply(ctx context.Context, attempt models.ScanAttempt) (models.Outcome, error)
}

// SyncRecorder keeps the per-device sync projection.
type SyncRecorder interface {
	Record(ctx context.Context, deviceID string, counts models.QueueCounts, op models.SyncOperation) error
}

// Reconciler applies offline scan batches from devices. Attempts for the
// same ticket are applied one at a time in server_received_at order, across
// all concurrent requests; different tickets proceed in parallel.
type Reconciler struct {
	applier  Applier
	recorder SyncRecorder
	notifier Notifier
	clock    utils.Clock
	workers  int

	mu    sync.Mutex
	last  time.Time
	lanes map[string]*lane
}

// lane serialises the attempts of one ticket. Turns are handed out under
// Reconciler.mu together with the server timestamp, so turn order is
// timestamp order.
type lane struct {
	next   uint64
	served uint64
	cond   *sync.Cond
}

type laneTicket struct {
	key  string
	lane *lane
	turn uint64
}

func NewReconciler(applier Applier, recorder SyncRecorder, notifier Notifier, clock utils.Clock, workers int) *Reconciler {
	if workers <= 0 {
		workers = 8
	}
	if clock == nil {
		clock = utils.RealClock{}
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Reconciler{
		applier:  applier,
		recorder: recorder,
		notifier: notifier,
		clock:    clock,
		workers:  workers,
		lanes:    make(map[string]*lane),
	}
}

// Reconcile applies a device batch and returns one outcome per attempt in
// submission order. Once accepted, a batch is applied to completion even if
// the caller goes away.
func (r *Reconciler) Reconcile(ctx context.Context, req models.SyncRequest) (models.SyncResponse, error) {
	if strings.TrimSpace(req.DeviceID) == "" {
		return models.SyncResponse{}, fmt.Errorf("%w: device_id is required", status.ErrInvalidRequest)
	}
	for i, a := range req.Attempts {
		if strings.TrimSpace(a.QRToken) == "" {
			return models.SyncResponse{}, fmt.Errorf("%w: attempt %d has no qr_token", status.ErrInvalidRequest, i)
		}
	}

	attempts := make([]models.ScanAttempt, len(req.Attempts))
	copy(attempts, req.Attempts)
	tickets := r.admit(req.DeviceID, attempts)
	receivedAt := r.clock.Now()
	if len(attempts) > 0 {
		receivedAt = attempts[0].ServerReceivedAt
	}

	// Group by ticket, keeping submission order inside each group.
	groups := make(map[string][]int)
	var order []string
	for i, t := range tickets {
		if _, ok := groups[t.key]; !ok {
			order = append(order, t.key)
		}
		groups[t.key] = append(groups[t.key], i)
	}

	applyCtx := context.WithoutCancel(ctx)
	outcomes := make([]models.Outcome, len(attempts))
	errs := make([]error, len(attempts))

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, key := range order {
		idx := groups[key]
		g.Go(func() error {
			for _, i := range idx {
				t := tickets[i]
				r.wait(t)
				outcomes[i], errs[i] = r.applier.Apply(applyCtx, attempts[i])
				r.done(t)
			}
			return nil
		})
	}
	_ = g.Wait()

	op := models.SyncOperation{
		DeviceID:  req.DeviceID,
		StartedAt: receivedAt,
		Entries:   len(attempts),
		Success:   true,
	}
	var failed error
	for i, out := range outcomes {
		if errs[i] != nil {
			if failed == nil {
				failed = errs[i]
			}
			continue
		}
		switch {
		case out.Duplicate:
			op.Duplicates++
		case out.Result == models.ResultAlreadyScanned:
			op.Conflicts++
			if err := r.notifier.PushOutcome(applyCtx, req.DeviceID, out); err != nil {
				slog.Error("failed to push conflict outcome", "error", err, "device_id", req.DeviceID, "attempt_id", out.AttemptID)
			}
		case out.Result.Admission() || out.Result == models.ResultExited:
			op.Admitted++
		default:
			op.Rejected++
		}
	}
	if failed != nil {
		op.Success = false
		op.Error = failed.Error()
	}

	if r.recorder != nil {
		if err := r.recorder.Record(applyCtx, req.DeviceID, req.Counts, op); err != nil {
			slog.Error("failed to record sync operation", "error", err, "device_id", req.DeviceID)
		}
	}

	if failed != nil {
		monitoring.TrackSyncBatch("error", len(attempts))
		slog.Error("sync batch failed", "error", failed, "device_id", req.DeviceID, "entries", len(attempts))
		return models.SyncResponse{}, fmt.Errorf("reconcile batch from %s: %w", req.DeviceID, failed)
	}

	monitoring.TrackSyncBatch("ok", len(attempts))
	slog.Info("sync batch reconciled", "device_id", req.DeviceID, "entries", op.Entries, "admitted", op.Admitted, "conflicts", op.Conflicts, "duplicates", op.Duplicates)
	return models.SyncResponse{DeviceID: req.DeviceID, ReceivedAt: receivedAt, Outcomes: outcomes}, nil
}

// ApplyOne decides a single online scan, queued behind any batch attempts
// for the same ticket that were stamped earlier.
func (r *Reconciler) ApplyOne(ctx context.Context, attempt models.ScanAttempt) (models.Outcome, error) {
	if strings.TrimSpace(attempt.QRToken) == "" {
		return models.Outcome{}, fmt.Errorf("%w: qr_token is required", status.ErrInvalidRequest)
	}
	attempts := []models.ScanAttempt{attempt}
	t := r.admit(attempt.DeviceID, attempts)[0]
	r.wait(t)
	defer r.done(t)
	return r.applier.Apply(context.WithoutCancel(ctx), attempts[0])
}

// admit stamps server_received_at on every attempt and reserves a turn in
// its ticket's lane. Both happen under one lock so stamps are strictly
// increasing and lane order follows them.
func (r *Reconciler) admit(deviceID string, attempts []models.ScanAttempt) []laneTicket {
	r.mu.Lock()
	defer r.mu.Unlock()

	tickets := make([]laneTicket, len(attempts))
	for i := range attempts {
		now := r.clock.Now().UTC()
		if !now.After(r.last) {
			now = r.last.Add(time.Nanosecond)
		}
		r.last = now

		attempts[i].DeviceID = deviceID
		attempts[i].ServerReceivedAt = now
		attempts[i].Result = ""

		key := attempts[i].QRToken
		l, ok := r.lanes[key]
		if !ok {
			l = &lane{cond: sync.NewCond(&r.mu)}
			r.lanes[key] = l
		}
		tickets[i] = laneTicket{key: key, lane: l, turn: l.next}
		l.next++
	}
	return tickets
}

func (r *Reconciler) wait(t laneTicket) {
	r.mu.Lock()
	for t.lane.served != t.turn {
		t.lane.cond.Wait()
	}
	r.mu.Unlock()
}

func (r *Reconciler) done(t laneTicket) {
	r.mu.Lock()
	t.lane.served++
	if t.lane.served == t.lane.next {
		delete(r.lanes, t.key)
	}
	t.lane.cond.Broadcast()
	r.mu.Unlock()
}
