package creds

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
)

// FileStore is a durable tier backed by one JSON file per session under a
// directory. Session ids are hashed into filenames so arbitrary ids are
// safe on any filesystem.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("credential store directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:8])+".json")
}

// Load returns the stored record, or (nil, nil) when absent.
func (f *FileStore) Load(sessionID string) (*Record, error) {
	data, err := os.ReadFile(f.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode credential record: %w", err)
	}
	return &rec, nil
}

// Save persists the record with owner-only permissions.
func (f *FileStore) Save(sessionID string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode credential record: %w", err)
	}
	return os.WriteFile(f.path(sessionID), data, 0600)
}

// Delete removes the record; deleting an absent record is not an error.
func (f *FileStore) Delete(sessionID string) error {
	if err := os.Remove(f.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// KeyringStore keeps records in the OS keyring, so key material never
// touches disk in plaintext.
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a keyring-backed durable tier. service
// namespaces the entries, e.g. "tunnelpilot".
func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = "tunnelpilot"
	}
	return &KeyringStore{service: service}
}

// Load returns the stored record, or (nil, nil) when absent.
func (k *KeyringStore) Load(sessionID string) (*Record, error) {
	raw, err := keyring.Get(k.service, credKey(sessionID))
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode credential record: %w", err)
	}
	return &rec, nil
}

// Save persists the record into the keyring.
func (k *KeyringStore) Save(sessionID string, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode credential record: %w", err)
	}
	return keyring.Set(k.service, credKey(sessionID), string(data))
}

// Delete removes the record; deleting an absent record is not an error.
func (k *KeyringStore) Delete(sessionID string) error {
	if err := keyring.Delete(k.service, credKey(sessionID)); err != nil &&
		!errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

func credKey(sessionID string) string {
	return "cred_" + sessionID
}

var (
	_ Durable = (*FileStore)(nil)
	_ Durable = (*KeyringStore)(nil)
)
