package creds

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Durable is the cold tier of the credential cache.
type Durable interface {
	// Load returns the stored record, or (nil, nil) when absent.
	Load(sessionID string) (*Record, error)
	Save(sessionID string, rec *Record) error
	Delete(sessionID string) error
}

// Refresher is invoked out-of-band when a record passes its refresh
// deadline. Implementations fetch a new certificate and call Renew.
type Refresher func(ctx context.Context, sessionID string, rec Record)

// Store is the two-tier credential cache. The in-memory tier is checked
// first; on miss the durable store is consulted and the result written
// back into memory. Puts write through both tiers before returning.
//
// Sessions are independent: operations on different session ids never
// block each other. Operations on the same session id are serialized, so
// a refresh's read-modify-write cannot race a concurrent Put.
//
// Durable-tier failures are swallowed here and surface as "no record":
// a missing credential is a recoverable precondition, not a fatal fault.
type Store struct {
	durable   Durable
	refresher Refresher
	onRenew   func(result string)
	logger    *slog.Logger
	now       func() time.Time

	memMu sync.RWMutex
	mem   map[string]*Record

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Durable   Durable
	Refresher Refresher
	Logger    *slog.Logger

	// OnRenew observes every Renew outcome, "ok" or "unknown_session".
	// Used for refresh accounting.
	OnRenew func(result string)

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewStore creates a credential store.
func NewStore(cfg StoreConfig) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		durable:   cfg.Durable,
		refresher: cfg.Refresher,
		onRenew:   cfg.OnRenew,
		logger:    logger,
		now:       now,
		mem:       make(map[string]*Record),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Get returns a usable record for the session: one carrying a certificate
// that has not expired. A record past its refresh deadline is still
// returned, but triggers the registered refresher asynchronously.
// ErrNoCertificate is returned otherwise.
func (s *Store) Get(ctx context.Context, sessionID string) (*Record, error) {
	unlock := s.lockSession(sessionID)
	rec := s.lookup(sessionID)
	now := s.now()

	var due bool
	if rec.Usable(now) {
		due = rec.DueForRefresh(now)
	}
	unlock()

	if !rec.Usable(now) {
		return nil, ErrNoCertificate
	}
	if due && s.refresher != nil {
		copyRec := *rec
		go s.refresher(ctx, sessionID, copyRec)
	}

	out := *rec
	return &out, nil
}

// GetWithoutRefresh returns the stored record whenever a certificate is
// present, expired or not, and never triggers network activity. Used by
// callers that must not cause fetches, e.g. UI reads.
func (s *Store) GetWithoutRefresh(sessionID string) (*Record, error) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	rec := s.lookup(sessionID)
	if rec == nil || rec.Certificate == "" {
		return nil, ErrNoCertificate
	}
	out := *rec
	return &out, nil
}

// Peek returns the stored record regardless of certificate presence, or
// nil. Used for key material lookups that precede certificate issuance.
func (s *Store) Peek(sessionID string) *Record {
	unlock := s.lockSession(sessionID)
	defer unlock()

	rec := s.lookup(sessionID)
	if rec == nil {
		return nil
	}
	out := *rec
	return &out
}

// Put writes the record through both tiers. Durable-tier failures are
// logged and swallowed; a subsequent Get never observes a partial write.
func (s *Store) Put(sessionID string, rec Record) {
	unlock := s.lockSession(sessionID)
	defer unlock()
	s.write(sessionID, &rec)
}

// Renew applies a refreshed certificate to the session's record under the
// session lock, bumping the refresh counter.
func (s *Store) Renew(sessionID, certificate string, expiresAt, refreshAt time.Time) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	rec := s.lookup(sessionID)
	if rec == nil {
		s.logger.Warn("renew for unknown session", "session", sessionID)
		if s.onRenew != nil {
			s.onRenew("unknown_session")
		}
		return
	}
	updated := *rec
	updated.Certificate = certificate
	updated.ExpiresAt = expiresAt
	updated.RefreshAt = refreshAt
	updated.RefreshCount++
	s.write(sessionID, &updated)
	if s.onRenew != nil {
		s.onRenew("ok")
	}
}

// Remove deletes the session's record from both tiers.
func (s *Store) Remove(sessionID string) {
	unlock := s.lockSession(sessionID)
	defer unlock()

	s.memMu.Lock()
	delete(s.mem, sessionID)
	s.memMu.Unlock()

	if s.durable != nil {
		if err := s.durable.Delete(sessionID); err != nil {
			s.logger.Warn("failed to delete stored credentials",
				"session", sessionID, "error", err)
		}
	}
}

// lookup reads memory first, falling back to the durable tier with
// write-back. Caller holds the session lock.
func (s *Store) lookup(sessionID string) *Record {
	s.memMu.RLock()
	rec := s.mem[sessionID]
	s.memMu.RUnlock()
	if rec != nil {
		return rec
	}

	if s.durable == nil {
		return nil
	}
	stored, err := s.durable.Load(sessionID)
	if err != nil {
		s.logger.Warn("failed to load stored credentials",
			"session", sessionID, "error", err)
		return nil
	}
	if stored == nil {
		return nil
	}

	s.memMu.Lock()
	s.mem[sessionID] = stored
	s.memMu.Unlock()
	return stored
}

// write updates both tiers. Caller holds the session lock.
func (s *Store) write(sessionID string, rec *Record) {
	s.memMu.Lock()
	s.mem[sessionID] = rec
	s.memMu.Unlock()

	if s.durable != nil {
		if err := s.durable.Save(sessionID, rec); err != nil {
			s.logger.Warn("failed to persist credentials",
				"session", sessionID, "error", err)
		}
	}
}

func (s *Store) lockSession(sessionID string) func() {
	s.lockMu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	s.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}
