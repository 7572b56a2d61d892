package security

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-scan/internal/status"
	"ticket-scan/models"
	"ticket-scan/utils"
)

// memoryStore is a process-local ReplayStore for exercising the guard's
// concurrency without a Redis server.
type memoryStore struct {
	mu      sync.Mutex
	sigs    map[string]time.Time
	strikes map[string]int64
	blocks  map[string]bool
	// blockErrs fails that many Block calls before succeeding.
	blockErrs int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		sigs:    map[string]time.Time{},
		strikes: map[string]int64{},
		blocks:  map[string]bool{},
	}
}

func (m *memoryStore) Remember(_ context.Context, rec models.ReplaySignatureRecord, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sigs[rec.SignatureHash]; ok {
		return false, nil
	}
	m.sigs[rec.SignatureHash] = rec.ExpiresAt
	return true, nil
}

func (m *memoryStore) Strike(_ context.Context, source string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strikes[source]++
	return m.strikes[source], nil
}

func (m *memoryStore) Block(_ context.Context, source string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockErrs > 0 {
		m.blockErrs--
		return false, errors.New("block: connection reset")
	}
	if m.blocks[source] {
		return false, nil
	}
	m.blocks[source] = true
	return true, nil
}

func (m *memoryStore) Blocked(_ context.Context, source string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[source], nil
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []models.Alert
	audit  []models.AuditRecord
}

func (r *recordingSink) Alert(_ context.Context, a models.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingSink) InsertAudit(_ context.Context, rec models.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, rec)
	return nil
}

type guardFixture struct {
	guard  *ReplayGuard
	signer *Signer
	store  *memoryStore
	sink   *recordingSink
	clock  *utils.FakeClock
}

func newGuardFixture(threshold int64) *guardFixture {
	signer := NewSigner([]byte("webhook-secret"))
	store := newMemoryStore()
	sink := &recordingSink{}
	clock := utils.NewFakeClock(now)
	esc := NewEscalator(store, EscalationConfig{Threshold: threshold, Window: time.Minute, Block: time.Minute}, sink, sink, clock)
	guard := NewReplayGuard(signer, store, esc, sink, sink, clock, GuardConfig{Window: 5 * time.Minute, ClockSkew: time.Minute})
	return &guardFixture{guard: guard, signer: signer, store: store, sink: sink, clock: clock}
}

func (f *guardFixture) request(ts time.Time, body []byte) GuardRequest {
	return GuardRequest{
		Source:    "10.0.0.7",
		Signature: f.signer.SignRequest(ts, body),
		Timestamp: strconv.FormatInt(ts.Unix(), 10),
		Body:      body,
	}
}

func TestReplayGuard_Check(t *testing.T) {
	body := []byte(`{"device_id":"gate-a"}`)

	tests := []struct {
		name   string
		mutate func(f *guardFixture) GuardRequest
		want   error
		code   int
	}{
		{"fresh request", func(f *guardFixture) GuardRequest { return f.request(now, body) }, nil, http.StatusOK},
		{"missing signature", func(f *guardFixture) GuardRequest {
			r := f.request(now, body)
			r.Signature = ""
			return r
		}, status.ErrMissingHeaders, http.StatusBadRequest},
		{"missing timestamp", func(f *guardFixture) GuardRequest {
			r := f.request(now, body)
			r.Timestamp = ""
			return r
		}, status.ErrMissingHeaders, http.StatusBadRequest},
		{"ten minutes old", func(f *guardFixture) GuardRequest {
			return f.request(now.Add(-10*time.Minute), body)
		}, status.ErrTimestampExpired, http.StatusUnauthorized},
		{"two minutes ahead", func(f *guardFixture) GuardRequest {
			return f.request(now.Add(2*time.Minute), body)
		}, status.ErrTimestampFuture, http.StatusUnauthorized},
		{"within skew", func(f *guardFixture) GuardRequest {
			return f.request(now.Add(30*time.Second), body)
		}, nil, http.StatusOK},
		{"tampered body", func(f *guardFixture) GuardRequest {
			r := f.request(now, body)
			r.Body = []byte(`{"device_id":"gate-b"}`)
			return r
		}, status.ErrInvalidSignature, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGuardFixture(10)
			err := f.guard.Check(context.Background(), tt.mutate(f))
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Equal(t, tt.code, status.HTTPCode(err))
		})
	}
}

func TestReplayGuard_ReplayDetected(t *testing.T) {
	f := newGuardFixture(10)
	req := f.request(now, []byte(`{"a":1}`))

	require.NoError(t, f.guard.Check(context.Background(), req))
	err := f.guard.Check(context.Background(), req)
	assert.ErrorIs(t, err, status.ErrReplayDetected)
	assert.Equal(t, http.StatusConflict, status.HTTPCode(err))

	require.Len(t, f.sink.alerts, 1)
	assert.Equal(t, models.AlertReplay, f.sink.alerts[0].Kind)
	require.Len(t, f.sink.audit, 1)
	assert.Equal(t, "replay_detected", f.sink.audit[0].Detail)
}

func TestReplayGuard_ReplayWithRecasedHex(t *testing.T) {
	f := newGuardFixture(10)
	req := f.request(now, []byte(`{"a":1}`))
	require.NoError(t, f.guard.Check(context.Background(), req))

	mac := strings.TrimPrefix(req.Signature, signaturePrefix)
	req.Signature = signaturePrefix + strings.ToUpper(mac)
	err := f.guard.Check(context.Background(), req)
	assert.ErrorIs(t, err, status.ErrReplayDetected)

	req.Signature = "  " + signaturePrefix + mac + " "
	assert.ErrorIs(t, f.guard.Check(context.Background(), req), status.ErrReplayDetected)
}

func TestReplayGuard_ConcurrentReplay(t *testing.T) {
	f := newGuardFixture(1000)
	req := f.request(now, []byte(`{"device_id":"gate-a","attempts":[]}`))

	var accepted, replayed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.guard.Check(context.Background(), req)
			switch {
			case err == nil:
				accepted.Add(1)
			case assert.ErrorIs(t, err, status.ErrReplayDetected):
				replayed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(31), replayed.Load())
}

func TestReplayGuard_EscalatesToBlock(t *testing.T) {
	f := newGuardFixture(3)
	ctx := context.Background()
	stale := f.request(now.Add(-time.Hour), []byte(`{}`))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, f.guard.Check(ctx, stale), status.ErrTimestampExpired)
	}

	// Even a valid request is now refused.
	err := f.guard.Check(ctx, f.request(now, []byte(`{}`)))
	assert.ErrorIs(t, err, status.ErrSourceBlocked)
	assert.Equal(t, http.StatusTooManyRequests, status.HTTPCode(err))

	var blockAlerts int
	for _, a := range f.sink.alerts {
		if a.Kind == models.AlertSourceBlocked {
			blockAlerts++
			assert.Equal(t, "10.0.0.7", a.Source)
		}
	}
	assert.Equal(t, 1, blockAlerts)
}

func TestEscalator_BlocksPastThreshold(t *testing.T) {
	f := newGuardFixture(2)
	f.store.blockErrs = 1
	ctx := context.Background()
	stale := f.request(now.Add(-time.Hour), []byte(`{}`))

	esc := f.guard.escalator
	blocked, err := esc.Record(ctx, "10.0.0.7", status.ErrTimestampExpired)
	require.NoError(t, err)
	assert.False(t, blocked)

	// The block at the threshold fails; the next strike still places it.
	_, err = esc.Record(ctx, "10.0.0.7", status.ErrTimestampExpired)
	require.Error(t, err)
	blocked, err = esc.Record(ctx, "10.0.0.7", status.ErrTimestampExpired)
	require.NoError(t, err)
	assert.True(t, blocked)

	// Further strikes keep the existing block without another alert.
	blocked, err = esc.Record(ctx, "10.0.0.7", status.ErrTimestampExpired)
	require.NoError(t, err)
	assert.False(t, blocked)

	assert.ErrorIs(t, f.guard.Check(ctx, stale), status.ErrSourceBlocked)

	var blockAlerts int
	for _, a := range f.sink.alerts {
		if a.Kind == models.AlertSourceBlocked {
			blockAlerts++
		}
	}
	assert.Equal(t, 1, blockAlerts)
	assert.Len(t, f.sink.audit, 1)
}

func TestReplayGuard_MissingHeadersDoNotEscalate(t *testing.T) {
	f := newGuardFixture(1)
	req := f.request(now, []byte(`{}`))
	req.Signature = ""

	assert.ErrorIs(t, f.guard.Check(context.Background(), req), status.ErrMissingHeaders)
	blocked, err := f.store.Blocked(context.Background(), "10.0.0.7")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestReplayGuard_Middleware(t *testing.T) {
	f := newGuardFixture(10)
	body := []byte(`{"ticket_ref":"TKT-1"}`)

	newEvent := func(sign bool) (*core.RequestEvent, *httptest.ResponseRecorder) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewReader(body))
		if sign {
			SignHTTPRequest(f.signer, req, body, now)
		}
		rec := httptest.NewRecorder()
		e := &core.RequestEvent{}
		e.Request = req
		e.Response = rec
		return e, rec
	}

	e, rec := newEvent(false)
	require.NoError(t, f.guard.Middleware(e))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_headers")

	e, rec = newEvent(true)
	require.NoError(t, f.guard.Middleware(e))
	assert.Equal(t, http.StatusOK, rec.Code)
	seen, err := readAll(e.Request)
	require.NoError(t, err)
	assert.Equal(t, body, seen)

	// Same signature through the middleware is a replay.
	e, rec = newEvent(true)
	require.NoError(t, f.guard.Middleware(e))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "replay_detected")
}

func TestReplayGuard_MiddlewareRejectsOversizedBody(t *testing.T) {
	f := newGuardFixture(1)
	body := bytes.Repeat([]byte("a"), maxGuardedBody+1)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", bytes.NewReader(body))
	SignHTTPRequest(f.signer, req, body, now)
	rec := httptest.NewRecorder()
	e := &core.RequestEvent{}
	e.Request = req
	e.Response = rec

	require.NoError(t, f.guard.Middleware(e))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request")

	// Not a security rejection: no strike, no block, no alert.
	assert.Zero(t, f.store.strikes["10.0.0.7"])
	blocked, err := f.store.Blocked(context.Background(), "10.0.0.7")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Empty(t, f.sink.alerts)
}

func readAll(r *http.Request) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}
