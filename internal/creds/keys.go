package creds

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	"golang.org/x/crypto/curve25519"
)

const (
	// defaultLifetime is how long a freshly generated record is
	// considered valid; refresh triggers at half the lifetime.
	defaultLifetime = 24 * time.Hour
)

// GenerateKey creates a fresh curve25519 key pair for the session, stores
// the resulting record (without a certificate) and returns it. The
// certificate field is filled in later by the issuing path via Renew.
func (s *Store) GenerateKey(sessionID string) (*Record, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	// Clamp per the X25519 convention.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	now := s.now()
	rec := Record{
		PrivateKeyPEM:   encodePEM("PRIVATE KEY", priv[:]),
		PublicKeyPEM:    encodePEM("PUBLIC KEY", pub),
		X25519PublicKey: base64.StdEncoding.EncodeToString(pub),
		ExpiresAt:       now.Add(defaultLifetime),
		RefreshAt:       now.Add(defaultLifetime / 2),
	}

	s.Put(sessionID, rec)
	s.logger.Debug("generated new session key", "session", sessionID)
	return &rec, nil
}

func encodePEM(blockType string, data []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: data}))
}
