package models

import "time"

// ReplaySignatureRecord is the cached fingerprint of an accepted signed request.
type ReplaySignatureRecord struct {
	SignatureHash string    `json:"signature_hash"`
	Timestamp     time.Time `json:"timestamp"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// TTL returns how long the record must stay in the shared store, at least one second.
func (r ReplaySignatureRecord) TTL(now time.Time) time.Duration {
	ttl := r.ExpiresAt.Sub(now)
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
