package device

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ticket-scan/internal/services"
	"ticket-scan/internal/status"
	"ticket-scan/internal/store"
	"ticket-scan/models"
	"ticket-scan/security"
	"ticket-scan/utils"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

const testEvent = "EVT-1"

// reconcilerTransport delivers batches in-process and can be switched offline.
type reconcilerTransport struct {
	rec   *services.Reconciler
	scans *services.ScanService

	mu      sync.Mutex
	offline bool
	calls   int
}

func (t *reconcilerTransport) setOffline(v bool) {
	t.mu.Lock()
	t.offline = v
	t.mu.Unlock()
}

func (t *reconcilerTransport) Sync(ctx context.Context, req models.SyncRequest) (models.SyncResponse, error) {
	t.mu.Lock()
	t.calls++
	offline := t.offline
	t.mu.Unlock()
	if offline {
		return models.SyncResponse{}, status.ErrNetworkFailure
	}
	return t.rec.Reconcile(ctx, req)
}

func (t *reconcilerTransport) Manifest(ctx context.Context, eventRef string) (models.Manifest, error) {
	tickets, err := t.scans.Manifest(ctx, eventRef)
	if err != nil {
		return models.Manifest{}, err
	}
	return models.Manifest{EventRef: eventRef, Tickets: tickets}, nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a models.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type server struct {
	store     *store.Store
	signer    *security.Signer
	clock     *utils.FakeClock
	scans     *services.ScanService
	issuer    *services.IssuanceService
	transport *reconcilerTransport
}

func newServer(t *testing.T) *server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	signer, err := security.NewTenantSigner("master-secret", "tenant-1")
	require.NoError(t, err)

	clock := utils.NewFakeClock(t0)
	notifier := services.LogNotifier{}
	scans := services.NewScanService(st, signer, notifier, clock, services.ScanConfig{MaxRetries: 3, OfflineGrace: 6 * time.Hour})
	return &server{
		store:  st,
		signer: signer,
		clock:  clock,
		scans:  scans,
		issuer: services.NewIssuanceService(st, signer, clock),
		transport: &reconcilerTransport{
			rec:   services.NewReconciler(scans, nil, notifier, clock, 4),
			scans: scans,
		},
	}
}

// issue mints non-re-entry tickets and returns their QR payloads by ticket_ref.
func (s *server) issue(t *testing.T, reentry bool, refs ...string) map[string]string {
	t.Helper()
	req := services.IssueRequest{EventRef: testEvent, EventName: "Show", Capacity: 100}
	for _, ref := range refs {
		req.Tickets = append(req.Tickets, services.IssueTicket{TicketRef: ref, ReEntry: reentry, ExpiresAt: t0.Add(24 * time.Hour)})
	}
	issued, err := s.issuer.Issue(context.Background(), req)
	require.NoError(t, err)
	out := make(map[string]string, len(issued))
	for _, it := range issued {
		out[it.TicketRef] = it.QRPayload
	}
	return out
}

type deviceFixture struct {
	store  *LocalStore
	queue  *Queue
	alerts *recordingAlerter
}

func (s *server) newDevice(t *testing.T, deviceID string, maxRetries int) *deviceFixture {
	t.Helper()
	ls, err := OpenLocalStore(filepath.Join(t.TempDir(), deviceID+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })

	alerts := &recordingAlerter{}
	q := NewQueue(ls, s.transport, s.signer, alerts, s.clock, QueueConfig{
		DeviceID:    deviceID,
		EventRef:    testEvent,
		BatchSize:   10,
		MaxRetries:  maxRetries,
		BackoffBase: time.Second,
		BackoffCap:  time.Minute,
	})
	_, err = q.RefreshManifest(context.Background())
	require.NoError(t, err)
	return &deviceFixture{store: ls, queue: q, alerts: alerts}
}
