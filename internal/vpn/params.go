package vpn

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Transport is the transport protocol used to reach the endpoint.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
)

// Server describes one remote VPN endpoint.
type Server struct {
	Host    string `json:"host"`
	Name    string `json:"name"`
	Country string `json:"country"`

	// Secret is the per-server auth secret, if any.
	Secret string `json:"secret,omitempty"`

	// ConfigBlob is a raw per-server configuration to be parsed by the
	// tunnel engine, used instead of a pre-built profile when present.
	ConfigBlob string `json:"config_blob,omitempty"`
}

// ConnectionParams describes one intended connection. It is immutable once
// constructed; the CorrelationID is generated exactly once per connect
// attempt and is the join key for matching later engine callbacks and
// service restarts to this attempt.
type ConnectionParams struct {
	Server        Server    `json:"server"`
	Transport     Transport `json:"transport"`
	EntryAddress  string    `json:"entry_address"`
	Port          int       `json:"port"`
	CorrelationID uuid.UUID `json:"correlation_id"`
}

// NewConnectionParams builds params for a fresh connect attempt. When
// entryAddress is empty the server host is used.
func NewConnectionParams(server Server, transport Transport, entryAddress string, port int) ConnectionParams {
	if entryAddress == "" {
		entryAddress = server.Host
	}
	return ConnectionParams{
		Server:        server,
		Transport:     transport,
		EntryAddress:  entryAddress,
		Port:          port,
		CorrelationID: uuid.New(),
	}
}

// Validate checks the params for structural problems.
func (p ConnectionParams) Validate() error {
	if p.Server.Host == "" && p.EntryAddress == "" {
		return errors.New("connection params: no server address")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("connection params: port %d out of range", p.Port)
	}
	if p.CorrelationID == uuid.Nil {
		return errors.New("connection params: missing correlation id")
	}
	return nil
}

// Info returns a short human-readable description for logs.
func (p ConnectionParams) Info() string {
	return fmt.Sprintf("server=%s entry=%s transport=%s port=%d id=%s",
		p.Server.Name, p.EntryAddress, p.Transport, p.Port, p.CorrelationID)
}

// ParamsStore persists the ConnectionParams of the currently-active
// attempt so a restarted process can decide whether a session survived.
// There is at most one persisted record at a time.
type ParamsStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewParamsStore creates a store backed by the given file path.
func NewParamsStore(path string, logger *slog.Logger) *ParamsStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParamsStore{path: path, logger: logger}
}

// Store persists params, replacing any previous record.
func (s *ParamsStore) Store(p ConnectionParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connection params: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create params directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write connection params: %w", err)
	}

	s.logger.Debug("stored connection params", "server", p.Server.Name, "id", p.CorrelationID)
	return nil
}

// Read loads the persisted params. The record is returned only if its
// correlation id matches expected; a mismatching or missing record yields
// (nil, nil). Params always carry a real correlation id, so a nil
// expected means no session is active and nothing can match.
func (s *ParamsStore) Read(expected uuid.UUID) (*ConnectionParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expected == uuid.Nil {
		return nil, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read connection params: %w", err)
	}

	var p ConnectionParams
	if err := json.Unmarshal(data, &p); err != nil {
		// Corrupted record, treat as absent.
		return nil, nil
	}
	if p.CorrelationID != expected {
		return nil, nil
	}
	return &p, nil
}

// Delete removes the persisted record. The reason is logged for
// diagnosability.
func (s *ParamsStore) Delete(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Debug("removing connection params", "reason", reason)
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete connection params: %w", err)
	}
	return nil
}
