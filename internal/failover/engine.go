package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is the policy-level outcome of a failover session. It is
// deliberately distinct from the tunnel state machine: it also has to
// express "exhausted all candidates" and "preconditions not met", which
// are decisions, not protocol states.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
	StatusDisconnected
	StatusFailed
	StatusError
)

var statusNames = map[Status]string{
	StatusIdle:          "idle",
	StatusConnecting:    "connecting",
	StatusConnected:     "connected",
	StatusDisconnecting: "disconnecting",
	StatusDisconnected:  "disconnected",
	StatusFailed:        "failed",
	StatusError:         "error",
}

// String returns the status name.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// Mode records how the current endpoint was chosen.
type Mode int

const (
	ModeAuto Mode = iota
	ModeManual
)

// String returns the mode name.
func (m Mode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "auto"
}

var (
	// ErrEmptyPool is returned by Connect when there is nothing to dial.
	ErrEmptyPool = errors.New("failover: endpoint pool is empty")
	// ErrNoCandidate is returned when no endpoint is running and untried.
	ErrNoCandidate = errors.New("failover: no usable endpoint")
	// ErrAttemptDeferred marks a connector error whose cause is
	// unrelated to the endpoint, such as a missing platform permission.
	// The engine surfaces it to the caller without consuming the
	// candidate or failing over; the attempt resumes out of band.
	ErrAttemptDeferred = errors.New("failover: attempt deferred")
)

// DefaultHealthCheckDelay is how long after starting an attempt the
// engine waits before inspecting traffic counters. Some tunnel engines
// never fire a discrete "connected" event, so nonzero traffic after the
// delay is taken as proof of an established tunnel.
const DefaultHealthCheckDelay = 3 * time.Second

// Connector starts a tunnel attempt toward the endpoint. A returned
// error means the attempt could not even be started and the engine
// moves on to the next candidate immediately, unless the error wraps
// ErrAttemptDeferred.
type Connector func(ctx context.Context, ep Endpoint) error

// CounterFunc reports cumulative upload and download byte counters.
type CounterFunc func() (up, down uint64)

// StatusFunc observes status changes. It is invoked with the engine
// lock held and must return quickly without calling back into the
// engine.
type StatusFunc func(Status)

// Config assembles an Engine.
type Config struct {
	Pool             []Endpoint
	Connector        Connector
	Counters         CounterFunc
	OnStatus         StatusFunc
	HealthCheckDelay time.Duration
	Logger           *slog.Logger
}

// Engine walks an endpoint pool until one attempt sticks or every
// candidate has been tried once. The tried set only grows within a
// session; a fresh Connect or SelectEndpoint resets it, so failover
// state never leaks across unrelated user-initiated attempts.
type Engine struct {
	connector   Connector
	counters    CounterFunc
	onStatus    StatusFunc
	healthDelay time.Duration
	logger      *slog.Logger

	mu          sync.Mutex
	pool        []Endpoint
	tried       map[string]bool
	status      Status
	mode        Mode
	current     *Endpoint
	connectedAt time.Time
	generation  uint64
	healthTimer *time.Timer
}

// NewEngine creates a failover engine in StatusIdle.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.HealthCheckDelay
	if delay <= 0 {
		delay = DefaultHealthCheckDelay
	}
	return &Engine{
		connector:   cfg.Connector,
		counters:    cfg.Counters,
		onStatus:    cfg.OnStatus,
		healthDelay: delay,
		logger:      logger,
		pool:        append([]Endpoint(nil), cfg.Pool...),
		tried:       make(map[string]bool),
		status:      StatusIdle,
		mode:        ModeAuto,
	}
}

// SetPool replaces the candidate pool. The tried set is kept: a pool
// refresh mid-session must not cause an endpoint to be dialed twice.
func (e *Engine) SetPool(pool []Endpoint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pool = append([]Endpoint(nil), pool...)
}

// Pool returns a copy of the candidate pool.
func (e *Engine) Pool() []Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Endpoint(nil), e.pool...)
}

// Status returns the current session status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Mode reports whether the current endpoint was chosen manually or
// automatically.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Current returns the endpoint of the in-flight or established attempt.
func (e *Engine) Current() (Endpoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return Endpoint{}, false
	}
	return *e.current, true
}

// ConnectedSince returns when the current session was established.
func (e *Engine) ConnectedSince() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusConnected {
		return time.Time{}, false
	}
	return e.connectedAt, true
}

// ConnectionDuration returns how long the current session has been up,
// or zero when not connected.
func (e *Engine) ConnectionDuration() time.Duration {
	since, ok := e.ConnectedSince()
	if !ok {
		return 0
	}
	return time.Since(since)
}

// Connect starts an automatic session: the tried set is cleared and the
// best endpoint across the whole pool is dialed. Calling Connect while
// an attempt is in flight or a session is established is a logged
// no-op.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.status == StatusConnecting || e.status == StatusConnected {
		e.logger.Info("connect ignored, session active", "status", e.status)
		e.mu.Unlock()
		return nil
	}
	e.tried = make(map[string]bool)
	e.mode = ModeAuto
	if len(e.pool) == 0 {
		e.setStatusLocked(StatusError)
		e.mu.Unlock()
		return ErrEmptyPool
	}
	ep, ok := SelectBest(e.pool, e.tried, TierAny)
	if !ok {
		e.setStatusLocked(StatusError)
		e.mu.Unlock()
		return ErrNoCandidate
	}
	e.mu.Unlock()
	return e.attempt(ctx, ep)
}

// SelectEndpoint starts a manual session toward a specific endpoint,
// switching the engine to ModeManual. The tried set is cleared like on
// any fresh connect; if the attempt later fails, automatic failover
// within the endpoint's tier still applies.
func (e *Engine) SelectEndpoint(ctx context.Context, ep Endpoint) error {
	e.mu.Lock()
	if e.status == StatusConnecting || e.status == StatusConnected {
		e.logger.Info("manual select ignored, session active", "status", e.status)
		e.mu.Unlock()
		return nil
	}
	e.tried = make(map[string]bool)
	e.mode = ModeManual
	e.mu.Unlock()
	return e.attempt(ctx, ep)
}

// OnConnected records that the in-flight attempt succeeded.
func (e *Engine) OnConnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusConnecting {
		return
	}
	e.stopHealthCheckLocked()
	e.connectedAt = time.Now()
	e.setStatusLocked(StatusConnected)
	if e.current != nil {
		e.logger.Info("endpoint connected", "address", e.current.Address, "name", e.current.Name)
	}
}

// OnConnectionFailed marks the current endpoint as tried and starts the
// next best untried endpoint in the same tier. When no candidate
// remains the session ends in the terminal StatusFailed, which bounds
// retries to one pass over the pool per connect.
func (e *Engine) OnConnectionFailed(ctx context.Context) {
	e.mu.Lock()
	if e.current == nil {
		e.mu.Unlock()
		return
	}
	e.stopHealthCheckLocked()
	failed := *e.current
	e.tried[failed.Address] = true
	e.logger.Warn("endpoint attempt failed", "address", failed.Address, "tried", len(e.tried))

	next, ok := SelectBest(e.pool, e.tried, failed.Tier)
	if !ok {
		e.current = nil
		e.setStatusLocked(StatusFailed)
		e.logger.Error("endpoint pool exhausted", "tier", failed.Tier, "attempts", len(e.tried))
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	if err := e.attempt(ctx, next); err != nil {
		e.logger.Error("failover attempt chain ended", "error", err)
	}
}

// OnDisconnecting records that teardown has started.
func (e *Engine) OnDisconnecting() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopHealthCheckLocked()
	e.setStatusLocked(StatusDisconnecting)
}

// OnDisconnected ends the session cleanly.
func (e *Engine) OnDisconnected() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopHealthCheckLocked()
	e.current = nil
	e.setStatusLocked(StatusDisconnected)
}

// attempt dials endpoints until one start succeeds or the tier is
// exhausted. Failures surfaced asynchronously arrive later through
// OnConnectionFailed.
func (e *Engine) attempt(ctx context.Context, ep Endpoint) error {
	for {
		e.mu.Lock()
		e.generation++
		gen := e.generation
		cur := ep
		e.current = &cur
		e.setStatusLocked(StatusConnecting)
		e.mu.Unlock()

		e.logger.Info("dialing endpoint", "address", ep.Address, "name", ep.Name, "load", ep.Load)
		err := e.connector(ctx, ep)
		if err == nil {
			e.scheduleHealthCheck(ctx, gen)
			return nil
		}
		if errors.Is(err, ErrAttemptDeferred) {
			// Not the endpoint's fault: keep the candidate fresh and
			// stay in StatusConnecting so the resumed attempt can
			// still be promoted or failed over.
			e.logger.Info("endpoint attempt deferred", "address", ep.Address, "error", err)
			return err
		}
		e.logger.Warn("endpoint start failed", "address", ep.Address, "error", err)

		e.mu.Lock()
		e.tried[ep.Address] = true
		next, ok := SelectBest(e.pool, e.tried, ep.Tier)
		if !ok {
			e.current = nil
			e.setStatusLocked(StatusFailed)
			e.mu.Unlock()
			return fmt.Errorf("all endpoints exhausted: %w", err)
		}
		e.mu.Unlock()
		ep = next
	}
}

// scheduleHealthCheck infers "connected" from traffic after a fixed
// delay. Zero traffic while still connecting counts as a failed
// attempt.
func (e *Engine) scheduleHealthCheck(ctx context.Context, gen uint64) {
	if e.counters == nil {
		return
	}
	e.mu.Lock()
	e.stopHealthCheckLocked()
	e.healthTimer = time.AfterFunc(e.healthDelay, func() {
		e.mu.Lock()
		stale := e.generation != gen || e.status != StatusConnecting
		e.mu.Unlock()
		if stale {
			return
		}
		up, down := e.counters()
		if up+down > 0 {
			e.OnConnected()
			return
		}
		e.logger.Warn("no traffic after start, treating attempt as failed")
		e.OnConnectionFailed(ctx)
	})
	e.mu.Unlock()
}

func (e *Engine) stopHealthCheckLocked() {
	if e.healthTimer != nil {
		e.healthTimer.Stop()
		e.healthTimer = nil
	}
}

func (e *Engine) setStatusLocked(s Status) {
	if e.status == s {
		return
	}
	old := e.status
	e.status = s
	e.logger.Debug("failover status changed", "old", old, "new", s)
	if e.onStatus != nil {
		e.onStatus(s)
	}
}
