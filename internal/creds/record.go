// Package creds stores per-session cryptographic key material behind a
// two-tier cache: an in-memory map in front of a durable key-value store.
package creds

import (
	"errors"
	"time"
)

// ErrNoCertificate signals that no usable certificate is available for a
// session. This is a normal, expected outcome (e.g. before the first
// connection), not a fault.
var ErrNoCertificate = errors.New("no certificate available")

// Record holds one session's key material and certificate bookkeeping.
// Records are owned exclusively by the Store; callers receive copies.
type Record struct {
	PrivateKeyPEM   string `json:"private_key_pem"`
	PublicKeyPEM    string `json:"public_key_pem"`
	X25519PublicKey string `json:"x25519_public_key"`

	// Certificate is the issued certificate PEM, empty until issued.
	Certificate string `json:"certificate,omitempty"`

	// ExpiresAt is when the certificate stops being usable; RefreshAt is
	// when an out-of-band refresh should be triggered. RefreshAt never
	// exceeds ExpiresAt.
	ExpiresAt time.Time `json:"expires_at"`
	RefreshAt time.Time `json:"refresh_at"`

	RefreshCount int `json:"refresh_count"`
}

// Usable reports whether the record can be used to connect right now.
func (r *Record) Usable(now time.Time) bool {
	return r != nil && r.Certificate != "" && r.ExpiresAt.After(now)
}

// DueForRefresh reports whether the record should trigger an out-of-band
// refresh. A record due for refresh may still be usable.
func (r *Record) DueForRefresh(now time.Time) bool {
	return r != nil && !r.RefreshAt.IsZero() && !now.Before(r.RefreshAt)
}
