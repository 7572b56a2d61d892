package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-scan/internal/status"
	"ticket-scan/models"
)

func TestQueue_FiveOfflineScansReachTerminalState(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	qr := srv.issue(t, false, "T1", "T2", "T3", "T4", "T5")
	dev := srv.newDevice(t, "gate-a", 5)

	srv.transport.setOffline(true)
	for _, ref := range []string{"T1", "T2", "T3", "T4", "T5"} {
		res, err := dev.queue.Enqueue(ctx, qr[ref], "", models.DirectionEntry, nil)
		require.NoError(t, err)
		assert.Equal(t, models.ClassAdmit, res.Class, ref)
		assert.True(t, res.Queued)
		srv.clock.Advance(time.Second)
	}
	// a second pass of T1 is refused from the cache while still offline
	again, err := dev.queue.Enqueue(ctx, qr["T1"], "", models.DirectionEntry, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ClassDeny, again.Class)
	assert.Equal(t, models.ResultAlreadyScanned, again.Result)

	report, err := dev.queue.Drain(ctx)
	require.ErrorIs(t, err, status.ErrNetworkFailure)
	assert.Equal(t, 6, report.Retrying)

	counts, err := dev.queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCounts{Pending: 6}, counts)

	// still backing off
	srv.transport.setOffline(false)
	report, err = dev.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sent)

	srv.clock.Advance(time.Minute)
	report, err = dev.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, report.Synced)
	assert.Equal(t, 5, report.Admitted)
	assert.Equal(t, 1, report.Conflicts)

	entries, err := dev.queue.Entries(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, 6)
	for _, e := range entries {
		assert.True(t, e.QueueStatus.Terminal())
		require.NotNil(t, e.Outcome)
	}
	assert.Equal(t, models.ResultAlreadyScanned, entries[5].Outcome.Result)

	admitted, err := srv.store.CountAdmitted(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, 5, admitted)
}

func TestQueue_TwoDevicesOneTicket(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	qr := srv.issue(t, false, "T1")
	a := srv.newDevice(t, "gate-a", 5)
	b := srv.newDevice(t, "gate-b", 5)

	// a scans first by wall clock but syncs last
	ra, err := a.queue.Enqueue(ctx, qr["T1"], "", models.DirectionEntry, nil)
	require.NoError(t, err)
	srv.clock.Advance(time.Minute)
	rb, err := b.queue.Enqueue(ctx, qr["T1"], "", models.DirectionEntry, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ClassAdmit, ra.Class)
	assert.Equal(t, models.ClassAdmit, rb.Class)

	reportB, err := b.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reportB.Admitted)

	srv.clock.Advance(time.Second)
	reportA, err := a.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reportA.Conflicts)

	entryA, err := a.store.FindEntry(ctx, ra.LocalID)
	require.NoError(t, err)
	require.NotNil(t, entryA.Outcome)
	assert.Equal(t, models.ResultAlreadyScanned, entryA.Outcome.Result)
	assert.Equal(t, "gate-b", entryA.Outcome.ScannedBy)

	cached, err := a.store.FindManifestTicket(ctx, entryA.Attempt.QRToken)
	require.NoError(t, err)
	assert.Equal(t, models.TicketUsed, cached.Status)

	admitted, err := srv.store.CountAdmitted(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, 1, admitted)
}

func TestQueue_LocalChecks(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	qr := srv.issue(t, false, "T1", "T2", "T3")
	_, err := srv.scans.Void(ctx, "T2", "admin-1", "chargeback")
	require.NoError(t, err)
	dev := srv.newDevice(t, "gate-a", 5)

	tampered, err := models.DecodeQRPayload(qr["T3"])
	require.NoError(t, err)
	flip := "0"
	if tampered.Signature[0] == '0' {
		flip = "1"
	}
	tampered.Signature = flip + tampered.Signature[1:]
	tamperedRaw, err := tampered.Encode()
	require.NoError(t, err)

	unknownRaw, err := models.QRPayload{QRToken: "not-in-manifest", Signature: "ab"}.Encode()
	require.NoError(t, err)

	tests := []struct {
		name     string
		raw      string
		eventRef string
		dir      models.ScanDirection
		class    models.DisplayClass
		result   models.ScanResult
		queued   bool
	}{
		{"valid", qr["T1"], "", models.DirectionEntry, models.ClassAdmit, models.ResultAdmitted, true},
		{"voided", qr["T2"], "", models.DirectionEntry, models.ClassDeny, models.ResultVoided, true},
		{"tampered signature", tamperedRaw, "", models.DirectionEntry, models.ClassDeny, models.ResultInvalidSignature, true},
		{"other event", qr["T3"], "EVT-2", models.DirectionEntry, models.ClassDeny, models.ResultEventMismatch, true},
		{"exit without re-entry", qr["T3"], "", models.DirectionExit, models.ClassDeny, models.ResultExitDenied, true},
		{"unknown ticket", unknownRaw, "", models.DirectionEntry, models.ClassPending, "", true},
		{"garbage", "%%%not-a-qr", "", models.DirectionEntry, models.ClassDeny, models.ResultInvalidSignature, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv.clock.Advance(time.Second)
			res, err := dev.queue.Enqueue(ctx, tt.raw, tt.eventRef, tt.dir, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.class, res.Class)
			assert.Equal(t, tt.result, res.Result)
			assert.Equal(t, tt.queued, res.Queued)
		})
	}

	_, err = dev.queue.Enqueue(ctx, qr["T1"], "", "sideways", nil)
	assert.ErrorIs(t, err, status.ErrUnknownValue)
}

func TestQueue_VoidedTicketAlwaysDenied(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	qr := srv.issue(t, false, "T1")
	dev := srv.newDevice(t, "gate-a", 5)

	// voided after the device cached the manifest
	_, err := srv.scans.Void(ctx, "T1", "admin-1", "fraud")
	require.NoError(t, err)

	res, err := dev.queue.Enqueue(ctx, qr["T1"], "", models.DirectionEntry, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ClassAdmit, res.Class)

	report, err := dev.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)

	entry, err := dev.store.FindEntry(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultVoided, entry.Outcome.Result)
	assert.ErrorIs(t, entry.Outcome.Err(), status.ErrVoidedOrRefunded)

	cached, err := dev.store.FindManifestTicket(ctx, entry.Attempt.QRToken)
	require.NoError(t, err)
	assert.Equal(t, models.TicketVoided, cached.Status)
}

func TestQueue_RetryExhaustionRaisesAlert(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	qr := srv.issue(t, false, "T1")
	dev := srv.newDevice(t, "gate-a", 2)

	res, err := dev.queue.Enqueue(ctx, qr["T1"], "", models.DirectionEntry, nil)
	require.NoError(t, err)

	srv.transport.setOffline(true)
	for i := 0; i < 3; i++ {
		_, err := dev.queue.Drain(ctx)
		require.ErrorIs(t, err, status.ErrNetworkFailure)
		srv.clock.Advance(2 * time.Minute)
	}

	entry, err := dev.store.FindEntry(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueFailed, entry.QueueStatus)
	assert.Equal(t, 3, entry.AttemptCount)
	assert.NotEmpty(t, entry.LastError)
	assert.Equal(t, 1, dev.alerts.count())
	assert.Equal(t, models.AlertSyncFailure, dev.alerts.alerts[0].Kind)

	// failed entries stay put until an operator retries them
	srv.transport.setOffline(false)
	report, err := dev.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Sent)

	require.NoError(t, dev.queue.Retry(ctx, res.LocalID))
	report, err = dev.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Admitted)

	entry, err = dev.store.FindEntry(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueSynced, entry.QueueStatus)
}

func TestQueue_BackoffGrows(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	qr := srv.issue(t, false, "T1")
	dev := srv.newDevice(t, "gate-a", 10)

	res, err := dev.queue.Enqueue(ctx, qr["T1"], "", models.DirectionEntry, nil)
	require.NoError(t, err)
	srv.transport.setOffline(true)

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		_, err := dev.queue.Drain(ctx)
		require.ErrorIs(t, err, status.ErrNetworkFailure)
		entry, err := dev.store.FindEntry(ctx, res.LocalID)
		require.NoError(t, err)
		delay := entry.NextRetryAt.Sub(srv.clock.Now())
		delays = append(delays, delay)
		srv.clock.Advance(delay)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, time.Minute, time.Minute, time.Minute,
	}, delays)
}

func TestQueue_CancelAndRetryRules(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	qr := srv.issue(t, false, "T1", "T2")
	dev := srv.newDevice(t, "gate-a", 5)

	first, err := dev.queue.Enqueue(ctx, qr["T1"], "", models.DirectionEntry, nil)
	require.NoError(t, err)
	srv.clock.Advance(time.Second)
	second, err := dev.queue.Enqueue(ctx, qr["T2"], "", models.DirectionEntry, nil)
	require.NoError(t, err)

	require.NoError(t, dev.queue.Cancel(ctx, first.LocalID))
	assert.ErrorIs(t, dev.queue.Cancel(ctx, first.LocalID), status.ErrNotCancellable)
	assert.ErrorIs(t, dev.queue.Cancel(ctx, "missing"), status.ErrQueueEntryNotFound)
	assert.ErrorIs(t, dev.queue.Retry(ctx, second.LocalID), status.ErrInvalidTransition)

	report, err := dev.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	// synced entries can no longer be cancelled
	assert.ErrorIs(t, dev.queue.Cancel(ctx, second.LocalID), status.ErrNotCancellable)

	failed, err := dev.queue.Entries(ctx, models.QueueFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, cancelledReason, failed[0].LastError)

	_, err = dev.queue.Entries(ctx, "lost")
	assert.ErrorIs(t, err, status.ErrUnknownValue)
}

func TestQueue_ResendAfterLostAckIsNoOp(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	qr := srv.issue(t, false, "T1")
	dev := srv.newDevice(t, "gate-a", 5)

	res, err := dev.queue.Enqueue(ctx, qr["T1"], "", models.DirectionEntry, nil)
	require.NoError(t, err)
	_, err = dev.queue.Drain(ctx)
	require.NoError(t, err)

	// the device crashed before it stored the answer
	ok, err := dev.store.Transition(ctx, res.LocalID, models.QueueSynced, models.QueueSyncing, srv.clock.Now())
	require.NoError(t, err)
	require.True(t, ok)
	n, err := dev.store.ResetSyncing(ctx, srv.clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	srv.clock.Advance(time.Second)
	report, err := dev.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.Zero(t, report.Admitted)

	entry, err := dev.store.FindEntry(ctx, res.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.ResultAdmitted, entry.Outcome.Result)
	assert.True(t, entry.Outcome.Duplicate)

	admitted, err := srv.store.CountAdmitted(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, 1, admitted)
}

func TestQueue_ReEntryLocalState(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	qr := srv.issue(t, true, "R1")
	dev := srv.newDevice(t, "gate-a", 5)

	steps := []struct {
		dir    models.ScanDirection
		result models.ScanResult
	}{
		{models.DirectionEntry, models.ResultAdmitted},
		{models.DirectionEntry, models.ResultAlreadyScanned},
		{models.DirectionExit, models.ResultExited},
		{models.DirectionExit, models.ResultExitDenied},
		{models.DirectionEntry, models.ResultAdmitted},
	}
	for i, step := range steps {
		srv.clock.Advance(time.Second)
		res, err := dev.queue.Enqueue(ctx, qr["R1"], "", step.dir, nil)
		require.NoError(t, err)
		assert.Equal(t, step.result, res.Result, "step %d", i)
	}

	report, err := dev.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Synced)
	assert.Equal(t, 3, report.Admitted)

	tk, err := srv.store.FindTicketByRef(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, 2, tk.EntryCount)
	assert.Equal(t, 1, tk.ExitCount)
}

func TestQueue_LoadManifest(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	srv.issue(t, false, "T1", "T2")
	dev := srv.newDevice(t, "gate-a", 5)

	n, err := dev.store.ManifestSize(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	err = dev.queue.LoadManifest(ctx, []models.Ticket{
		{TicketRef: "X1", EventRef: "EVT-9", QRToken: "qx1", Status: models.TicketIssued},
		{TicketRef: "X2", EventRef: "EVT-9", QRToken: "qx2", Status: models.TicketUsed},
	})
	require.NoError(t, err)
	n, err = dev.store.ManifestSize(ctx, "EVT-9")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	err = dev.queue.LoadManifest(ctx, []models.Ticket{
		{TicketRef: "X3", EventRef: "EVT-9", QRToken: "qx3", Status: "lost"},
	})
	assert.ErrorIs(t, err, status.ErrUnknownValue)
	n, err = dev.store.ManifestSize(ctx, "EVT-9")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "failed load keeps the previous copy")
}
