package security

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-scan/internal/status"
	"ticket-scan/models"
)

var now = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func testCredential() models.Credential {
	return models.Credential{
		QRToken:   "QR0123456789ABCDEF0123456789ABCDEF",
		TicketRef: "TKT-1001",
		EventRef:  "EVT-42",
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestSigner_RoundTrip(t *testing.T) {
	s := NewSigner([]byte("tenant-secret"))
	cred := testCredential()

	sig := s.SignCredential(cred)
	assert.Len(t, sig, 64)
	assert.NoError(t, s.VerifyCredential(cred, sig, now))
}

func TestSigner_SingleBitMutation(t *testing.T) {
	s := NewSigner([]byte("tenant-secret"))
	payload := testCredential().Message()
	sig := s.Sign(payload)
	raw, err := hex.DecodeString(sig)
	require.NoError(t, err)

	for i := 0; i < len(payload)*8; i++ {
		mutated := append([]byte(nil), payload...)
		mutated[i/8] ^= 1 << (i % 8)
		assert.ErrorIs(t, s.Verify(mutated, sig), status.ErrInvalidSignature, "payload bit %d", i)
	}

	for i := 0; i < len(raw)*8; i++ {
		mutated := append([]byte(nil), raw...)
		mutated[i/8] ^= 1 << (i % 8)
		assert.ErrorIs(t, s.Verify(payload, hex.EncodeToString(mutated)), status.ErrInvalidSignature, "signature bit %d", i)
	}
}

func TestSigner_VerifyCredential(t *testing.T) {
	s := NewSigner([]byte("tenant-secret"))
	cred := testCredential()
	sig := s.SignCredential(cred)

	tests := []struct {
		name string
		cred func() models.Credential
		sig  string
		at   time.Time
		want error
	}{
		{"valid", testCredential, sig, now, nil},
		{"expired", testCredential, sig, now.Add(25 * time.Hour), status.ErrExpired},
		{"malformed hex", testCredential, "zz", now, status.ErrInvalidSignature},
		{"other event", func() models.Credential {
			c := testCredential()
			c.EventRef = "EVT-43"
			return c
		}, sig, now, status.ErrInvalidSignature},
		{"forged and expired reports signature", func() models.Credential {
			c := testCredential()
			c.TicketRef = "TKT-9999"
			return c
		}, sig, now.Add(48 * time.Hour), status.ErrInvalidSignature},
		{"no expiry", func() models.Credential {
			c := testCredential()
			c.ExpiresAt = time.Time{}
			return c
		}, "", now.Add(10 * 365 * 24 * time.Hour), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.cred()
			sig := tt.sig
			if sig == "" {
				sig = s.SignCredential(c)
			}
			err := s.VerifyCredential(c, sig, tt.at)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestNewTenantSigner(t *testing.T) {
	a, err := NewTenantSigner("master", "tenant-a")
	require.NoError(t, err)
	a2, err := NewTenantSigner("master", "tenant-a")
	require.NoError(t, err)
	b, err := NewTenantSigner("master", "tenant-b")
	require.NoError(t, err)

	payload := []byte("hello")
	assert.Equal(t, a.Sign(payload), a2.Sign(payload))
	assert.ErrorIs(t, b.Verify(payload, a.Sign(payload)), status.ErrInvalidSignature)

	_, err = NewTenantSigner("", "tenant-a")
	assert.Error(t, err)
}

func TestSigner_Request(t *testing.T) {
	s := NewSigner([]byte("webhook-secret"))
	body := []byte(`{"ticket_ref":"TKT-1"}`)

	header := s.SignRequest(now, body)
	assert.Contains(t, header, "sha256=")
	assert.NoError(t, s.VerifyRequest(now.Unix(), body, header))

	assert.ErrorIs(t, s.VerifyRequest(now.Unix()+1, body, header), status.ErrInvalidSignature)
	assert.ErrorIs(t, s.VerifyRequest(now.Unix(), []byte(`{"ticket_ref":"TKT-2"}`), header), status.ErrInvalidSignature)
	assert.ErrorIs(t, s.VerifyRequest(now.Unix(), body, header[len("sha256="):]), status.ErrInvalidSignature)
}

func BenchmarkSigner_VerifyCredential(b *testing.B) {
	s := NewSigner([]byte("tenant-secret"))
	cred := testCredential()
	sig := s.SignCredential(cred)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.VerifyCredential(cred, sig, now)
	}
}
