// Package session owns the lifecycle of the single active tunnel:
// connect and disconnect arbitration, restore after restart, the
// permission boundary, and fan-out of state and traffic to observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkoehler42/tunnelpilot/internal/traffic"
	"github.com/mkoehler42/tunnelpilot/internal/vpn"
)

var (
	// ErrConnectInFlight is returned while an attempt is in flight or a
	// session is established. The caller must disconnect first.
	ErrConnectInFlight = errors.New("session: connect already in flight")
	// ErrPermissionRequired is returned when the platform tunnel
	// permission has not been granted yet. The pending request resumes
	// after ConfirmPermission.
	ErrPermissionRequired = errors.New("session: tunnel permission required")
)

// PermissionChecker reports whether the platform tunnel permission has
// already been granted.
type PermissionChecker func(ctx context.Context) bool

// Config assembles an Orchestrator.
type Config struct {
	Backend vpn.Backend
	Store   *vpn.ParamsStore
	Monitor *traffic.Monitor
	// Counters feeds the traffic monitor. Usually the engine's byte
	// counters.
	Counters traffic.CounterFunc
	// ActiveCorrelation reports the correlation id of the session the
	// engine currently considers active, or uuid.Nil. Used by Restore.
	ActiveCorrelation func() uuid.UUID
	Permission        PermissionChecker
	Logger            *slog.Logger
}

// Orchestrator serializes session lifecycle operations over exactly one
// backend.
type Orchestrator struct {
	backend  vpn.Backend
	store    *vpn.ParamsStore
	monitor  *traffic.Monitor
	counters traffic.CounterFunc
	activeID func() uuid.UUID
	perm     PermissionChecker
	logger   *slog.Logger

	mu          sync.Mutex
	inFlight    bool
	pending     *vpn.ConnectionParams
	needsPerm   bool
	connectedAt time.Time
}

// New creates an orchestrator. Run must be called before Connect.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	activeID := cfg.ActiveCorrelation
	if activeID == nil {
		activeID = func() uuid.UUID { return uuid.Nil }
	}
	return &Orchestrator{
		backend:  cfg.Backend,
		store:    cfg.Store,
		monitor:  cfg.Monitor,
		counters: cfg.Counters,
		activeID: activeID,
		perm:     cfg.Permission,
		logger:   logger,
	}
}

// Run pumps backend state into session bookkeeping and drives the
// traffic monitor until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if o.monitor != nil && o.counters != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.monitor.Run(ctx, o.counters)
		}()
	}

	sub := o.backend.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case st, ok := <-sub.States():
			if !ok {
				wg.Wait()
				return
			}
			o.observeState(st)
		}
	}
}

func (o *Orchestrator) observeState(st vpn.State) {
	o.mu.Lock()
	switch {
	case st.Kind == vpn.KindConnected:
		o.inFlight = false
		if o.connectedAt.IsZero() {
			o.connectedAt = time.Now()
		}
	case st.Kind == vpn.KindDisabled:
		o.inFlight = false
		o.connectedAt = time.Time{}
		if o.monitor != nil {
			o.monitor.Reset()
		}
	case st.IsError() && st.Final:
		o.inFlight = false
	}
	o.mu.Unlock()
}

// Connect starts a new session. It is rejected while another attempt is
// in flight or a session is up; disconnect first. When the tunnel
// permission has not been granted the request is parked and
// ErrPermissionRequired returned.
func (o *Orchestrator) Connect(ctx context.Context, params vpn.ConnectionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.inFlight || o.backend.State().IsEstablishing() || o.backend.State().Kind == vpn.KindConnected {
		o.mu.Unlock()
		return ErrConnectInFlight
	}
	if o.perm != nil && !o.perm(ctx) {
		p := params
		o.pending = &p
		o.needsPerm = true
		o.mu.Unlock()
		o.logger.Info("tunnel permission missing, parking connect", "server", params.Server.Host)
		return ErrPermissionRequired
	}
	o.inFlight = true
	o.mu.Unlock()

	return o.start(ctx, params)
}

// Reconnect replaces whatever attempt or session is active with a
// fresh one toward params. Unlike Connect it never rejects an
// in-flight attempt; the previous one is torn down first. This is the
// entry point for endpoint switches, where the prior attempt has
// failed but the engine may still be winding down.
func (o *Orchestrator) Reconnect(ctx context.Context, params vpn.ConnectionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.perm != nil && !o.perm(ctx) {
		p := params
		o.pending = &p
		o.needsPerm = true
		o.mu.Unlock()
		o.logger.Info("tunnel permission missing, parking connect", "server", params.Server.Host)
		return ErrPermissionRequired
	}
	active := o.inFlight || o.backend.State().IsEstablishing() || o.backend.State().Kind == vpn.KindConnected
	o.mu.Unlock()

	if active {
		if err := o.backend.Disconnect(ctx); err != nil {
			o.logger.Warn("teardown before reconnect failed", "error", err)
		}
	}

	o.mu.Lock()
	o.inFlight = true
	o.mu.Unlock()
	return o.start(ctx, params)
}

func (o *Orchestrator) start(ctx context.Context, params vpn.ConnectionParams) error {
	if o.store != nil {
		if err := o.store.Store(params); err != nil {
			o.logger.Warn("failed to persist connection params", "error", err)
		}
	}
	if err := o.backend.Connect(ctx, params); err != nil {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
		return fmt.Errorf("starting session: %w", err)
	}
	return nil
}

// ConfirmPermission resumes the parked connect after the platform
// permission has been granted.
func (o *Orchestrator) ConfirmPermission(ctx context.Context) error {
	o.mu.Lock()
	if o.pending == nil {
		o.needsPerm = false
		o.mu.Unlock()
		return nil
	}
	params := *o.pending
	o.pending = nil
	o.needsPerm = false
	o.inFlight = true
	o.mu.Unlock()

	o.logger.Info("tunnel permission granted, resuming connect", "server", params.Server.Host)
	return o.start(ctx, params)
}

// RequiresPermission reports whether a connect is parked waiting for
// the platform tunnel permission.
func (o *Orchestrator) RequiresPermission() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.needsPerm
}

// Disconnect tears the session down. It always wins over a pending
// connect: any parked request is dropped first.
func (o *Orchestrator) Disconnect(ctx context.Context) error {
	o.mu.Lock()
	o.pending = nil
	o.needsPerm = false
	o.inFlight = false
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.Delete("user disconnect"); err != nil {
			o.logger.Warn("failed to delete stored params", "error", err)
		}
	}
	return o.backend.Disconnect(ctx)
}

// Restore reconciles persisted connection params with whatever session
// the restarted engine reports active. On a correlation match the
// session is adopted for tracking; otherwise the stored params describe
// an abandoned session and are deleted.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	active := o.activeID()
	params, err := o.store.Read(active)
	if err != nil {
		return fmt.Errorf("reading stored params: %w", err)
	}
	if params == nil {
		if err := o.store.Delete("no session to restore"); err != nil {
			o.logger.Warn("failed to delete stored params", "error", err)
		}
		return nil
	}
	o.backend.SetParamsForTracking(params)
	o.mu.Lock()
	o.connectedAt = time.Now()
	o.mu.Unlock()
	o.logger.Info("adopted running session", "server", params.Server.Host, "id", params.CorrelationID)
	return nil
}

// State returns the backend's current tunnel state.
func (o *Orchestrator) State() vpn.State {
	return o.backend.State()
}

// Params returns the params of the tracked session, if any.
func (o *Orchestrator) Params() *vpn.ConnectionParams {
	return o.backend.Params()
}

// ConnectionDuration returns how long the current session has been up,
// or zero when not connected.
func (o *Orchestrator) ConnectionDuration() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.connectedAt.IsZero() {
		return 0
	}
	return time.Since(o.connectedAt)
}

// ObserveState subscribes to tunnel state transitions. Delivery is
// ordered and lossless per subscriber, starting with the current state.
func (o *Orchestrator) ObserveState() *vpn.Subscription {
	return o.backend.Subscribe()
}

// ObserveTraffic subscribes to traffic samples. Slow consumers only see
// the newest sample.
func (o *Orchestrator) ObserveTraffic() (<-chan traffic.Sample, func()) {
	return o.monitor.Subscribe()
}

// Traffic returns the most recent traffic sample.
func (o *Orchestrator) Traffic() traffic.Sample {
	if o.monitor == nil {
		return traffic.Sample{}
	}
	return o.monitor.Last()
}
