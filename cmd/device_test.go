package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-scan/internal/device"
	"ticket-scan/internal/services"
	"ticket-scan/internal/status"
	"ticket-scan/models"
	"ticket-scan/security"
	"ticket-scan/utils"
)

type offlineTransport struct{}

func (offlineTransport) Sync(context.Context, models.SyncRequest) (models.SyncResponse, error) {
	return models.SyncResponse{}, status.ErrNetworkFailure
}

func (offlineTransport) Manifest(context.Context, string) (models.Manifest, error) {
	return models.Manifest{}, status.ErrNetworkFailure
}

func TestScanLines(t *testing.T) {
	st, err := device.OpenLocalStore(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q := device.NewQueue(st, offlineTransport{}, security.NewSigner([]byte("k")), services.LogNotifier{},
		utils.NewFakeClock(time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)),
		device.QueueConfig{DeviceID: "gate-a", EventRef: "EVT-1"})

	entry, err := models.QRPayload{QRToken: "qr-1", Signature: "sig"}.Encode()
	require.NoError(t, err)
	exit, err := models.QRPayload{QRToken: "qr-2", Signature: "sig"}.Encode()
	require.NoError(t, err)

	in := strings.NewReader("not-a-payload\n\n" + entry + "\nexit " + exit + "\n")
	var out bytes.Buffer
	require.NoError(t, scanLines(context.Background(), q, "EVT-1", in, &out))

	var results []device.LocalResult
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r device.LocalResult
		require.NoError(t, dec.Decode(&r))
		results = append(results, r)
	}
	require.Len(t, results, 3)

	assert.Equal(t, models.ClassDeny, results[0].Class)
	assert.False(t, results[0].Queued)

	assert.Equal(t, models.ClassPending, results[1].Class)
	assert.True(t, results[1].Queued)
	assert.True(t, results[2].Queued)

	counts, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Pending)
}
