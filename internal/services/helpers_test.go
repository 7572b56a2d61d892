package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"ticket-scan/internal/store"
	"ticket-scan/models"
	"ticket-scan/security"
	"ticket-scan/utils"
)

var t0 = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Alert(ctx context.Context, alert models.Alert) error {
	return m.Called(ctx, alert).Error(0)
}

func (m *mockNotifier) PushOutcome(ctx context.Context, deviceID string, out models.Outcome) error {
	return m.Called(ctx, deviceID, out).Error(0)
}

type harness struct {
	store    *store.Store
	signer   *security.Signer
	clock    *utils.FakeClock
	notifier *mockNotifier
	scans    *ScanService
	issuer   *IssuanceService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	signer, err := security.NewTenantSigner("master-secret", "tenant-1")
	require.NoError(t, err)

	clock := utils.NewFakeClock(t0)
	n := &mockNotifier{}
	n.On("Alert", mock.Anything, mock.Anything).Return(nil).Maybe()
	n.On("PushOutcome", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	return &harness{
		store:    st,
		signer:   signer,
		clock:    clock,
		notifier: n,
		scans:    NewScanService(st, signer, n, clock, ScanConfig{MaxRetries: 3, OfflineGrace: 6 * time.Hour}),
		issuer:   NewIssuanceService(st, signer, clock),
	}
}

// issue mints tickets for eventRef and returns them keyed by ticket_ref.
func (h *harness) issue(t *testing.T, eventRef string, capacity int, reentry bool, refs ...string) map[string]IssuedTicket {
	t.Helper()
	req := IssueRequest{EventRef: eventRef, EventName: "Show " + eventRef, Capacity: capacity}
	for _, ref := range refs {
		req.Tickets = append(req.Tickets, IssueTicket{TicketRef: ref, ReEntry: reentry, ExpiresAt: t0.Add(24 * time.Hour)})
	}
	issued, err := h.issuer.Issue(context.Background(), req)
	require.NoError(t, err)
	out := make(map[string]IssuedTicket, len(issued))
	for _, it := range issued {
		out[it.TicketRef] = it
	}
	return out
}

func scanOf(it IssuedTicket, eventRef, deviceID string, at time.Time) models.ScanAttempt {
	return models.ScanAttempt{
		QRToken:         it.QRToken,
		Signature:       it.Signature,
		EventRef:        eventRef,
		DeviceID:        deviceID,
		Direction:       models.DirectionEntry,
		ClientTimestamp: at,
	}
}
