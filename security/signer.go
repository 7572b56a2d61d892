package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"ticket-scan/internal/status"
	"ticket-scan/models"
)

const signaturePrefix = "sha256="

// Signer produces and checks HMAC-SHA256 signatures for ticket credentials
// and signed ingestion requests. One Signer serves one tenant.
type Signer struct {
	key []byte
}

func NewSigner(secret []byte) *Signer {
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{key: key}
}

// NewTenantSigner derives the tenant key from the master secret with HKDF so
// a leaked tenant key never exposes other tenants.
func NewTenantSigner(masterSecret, tenantID string) (*Signer, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("signer: empty master secret")
	}
	r := hkdf.New(sha256.New, []byte(masterSecret), []byte("ticket-scan"), []byte("tenant:"+tenantID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("signer: derive tenant key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Sign returns the lowercase hex HMAC of payload.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares sigHex against the HMAC of payload in constant time.
func (s *Signer) Verify(payload []byte, sigHex string) error {
	got, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil {
		return fmt.Errorf("%w: malformed hex", status.ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return status.ErrInvalidSignature
	}
	return nil
}

func (s *Signer) SignCredential(cred models.Credential) string {
	return s.Sign(cred.Message())
}

// VerifyCredential checks the signature first, then expiry, so a forged
// credential never learns whether it would have been expired.
func (s *Signer) VerifyCredential(cred models.Credential, sigHex string, now time.Time) error {
	if err := s.Verify(cred.Message(), sigHex); err != nil {
		return err
	}
	if !cred.ExpiresAt.IsZero() && now.After(cred.ExpiresAt) {
		return status.ErrExpired
	}
	return nil
}

// SignRequest returns the X-Webhook-Signature value for body sent at ts.
func (s *Signer) SignRequest(ts time.Time, body []byte) string {
	return signaturePrefix + s.Sign(requestMessage(ts.Unix(), body))
}

// VerifyRequest checks an X-Webhook-Signature header value.
func (s *Signer) VerifyRequest(ts int64, body []byte, header string) error {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok {
		return fmt.Errorf("%w: missing %s prefix", status.ErrInvalidSignature, signaturePrefix)
	}
	return s.Verify(requestMessage(ts, body), sig)
}

func requestMessage(ts int64, body []byte) []byte {
	msg := make([]byte, 0, len(body)+21)
	msg = strconv.AppendInt(msg, ts, 10)
	msg = append(msg, '.')
	return append(msg, body...)
}
