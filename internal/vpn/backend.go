package vpn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkoehler42/tunnelpilot/internal/engine"
)

const (
	// disconnectWaitTimeout bounds how long Disconnect waits for the
	// engine to acknowledge teardown before forcing Disabled locally.
	disconnectWaitTimeout = 3 * time.Second

	// disconnectPollInterval is how often the disconnect wait polls the
	// state while waiting for the engine.
	disconnectPollInterval = 200 * time.Millisecond
)

// Backend drives one tunnel technology behind a single state machine.
// Connect and Disconnect are asynchronous: completion is reported through
// the state stream, never as a return value. Errors returned by Connect
// indicate the request was not accepted at all.
type Backend interface {
	// Protocol returns the tunnel technology name, e.g. "openvpn".
	Protocol() string

	// Connect starts a connection attempt with the given params.
	Connect(ctx context.Context, params ConnectionParams) error

	// Disconnect tears the tunnel down. Idempotent: a no-op when already
	// Disabled. Blocks until the engine reports Disabled or a bounded
	// timeout expires, in which case the state is forced to Disabled
	// locally so a hung engine can never wedge observers in
	// Disconnecting.
	Disconnect(ctx context.Context) error

	// State returns the current connection state.
	State() State

	// Subscribe returns an ordered stream of state changes, starting
	// with the current state.
	Subscribe() *Subscription

	// SetParamsForTracking records connection params for an attempt that
	// was initiated externally (the engine's service was started
	// directly), so later disconnects and observers attribute state to
	// the right session.
	SetParamsForTracking(params *ConnectionParams)

	// Params returns the params of the last tracked attempt, or nil.
	Params() *ConnectionParams
}

// ProfileProvider builds the low-level tunnel profile for an attempt,
// typically from stored credentials. May be nil, in which case a minimal
// profile is derived from the params.
type ProfileProvider func(ctx context.Context, params ConnectionParams) (*engine.Profile, error)

// EngineBackendConfig configures an EngineBackend.
type EngineBackendConfig struct {
	Protocol        string
	Engine          engine.Engine
	ProfileProvider ProfileProvider
	Logger          *slog.Logger

	// OnProcessStopped is invoked whenever the engine reports an
	// unexpected process stop, for crash accounting.
	OnProcessStopped func()
}

// EngineBackend implements Backend over the generic engine boundary. Each
// instance owns its own state machine and consumes its engine's status
// stream for as long as the backend lives.
type EngineBackend struct {
	protocol         string
	eng              engine.Engine
	machine          *Machine
	profileProvider  ProfileProvider
	logger           *slog.Logger
	onProcessStopped func()

	mu         sync.Mutex
	lastParams *ConnectionParams

	done     chan struct{}
	doneOnce sync.Once
}

// NewEngineBackend creates a backend and starts consuming the engine's
// status stream.
func NewEngineBackend(cfg EngineBackendConfig) *EngineBackend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("protocol", cfg.Protocol)

	b := &EngineBackend{
		protocol:         cfg.Protocol,
		eng:              cfg.Engine,
		machine:          NewMachine(logger),
		profileProvider:  cfg.ProfileProvider,
		logger:           logger,
		onProcessStopped: cfg.OnProcessStopped,
		done:             make(chan struct{}),
	}
	go b.consumeEvents()
	return b
}

// Protocol returns the tunnel technology name.
func (b *EngineBackend) Protocol() string {
	return b.protocol
}

// State returns the current connection state.
func (b *EngineBackend) State() State {
	return b.machine.Current()
}

// Subscribe returns an ordered state-change stream.
func (b *EngineBackend) Subscribe() *Subscription {
	return b.machine.Subscribe()
}

// Engine exposes the underlying engine, primarily for traffic polling.
func (b *EngineBackend) Engine() engine.Engine {
	return b.eng
}

// SetParamsForTracking records params for an externally-initiated attempt.
func (b *EngineBackend) SetParamsForTracking(params *ConnectionParams) {
	b.mu.Lock()
	b.lastParams = params
	b.mu.Unlock()
	if params != nil {
		b.logger.Debug("tracking externally started connection", "params", params.Info())
	}
}

// Params returns the params of the last tracked attempt.
func (b *EngineBackend) Params() *ConnectionParams {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastParams
}

// Connect starts a connection attempt.
func (b *EngineBackend) Connect(ctx context.Context, params ConnectionParams) error {
	if err := params.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	b.lastParams = &params
	b.mu.Unlock()

	b.logger.Info("connecting", "params", params.Info())
	b.machine.Set(Connecting)

	req := engine.StartRequest{
		Address:       params.EntryAddress,
		Port:          params.Port,
		Transport:     string(params.Transport),
		CorrelationID: params.CorrelationID,
	}
	if params.Server.ConfigBlob != "" {
		req.ConfigBlob = params.Server.ConfigBlob
	} else if b.profileProvider != nil {
		profile, err := b.profileProvider(ctx, params)
		if err != nil {
			b.machine.Set(ErrorState(ErrGeneric, err.Error(), true))
			return fmt.Errorf("build tunnel profile: %w", err)
		}
		req.Profile = profile
	} else {
		req.Profile = &engine.Profile{Password: params.Server.Secret}
	}

	if err := b.eng.Start(ctx, req); err != nil {
		b.machine.Set(ErrorState(ErrGeneric, err.Error(), true))
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

// Disconnect tears the tunnel down, waiting up to disconnectWaitTimeout
// for the engine to confirm.
func (b *EngineBackend) Disconnect(ctx context.Context) error {
	if b.machine.Current() == Disabled {
		return nil
	}
	b.machine.Set(Disconnecting)

	if err := b.eng.Stop(ctx); err != nil {
		b.logger.Warn("engine stop failed", "error", err)
	}

	return b.waitForDisconnect(ctx)
}

// waitForDisconnect polls for the engine to report Disabled. On timeout
// the state is forced to Disabled locally: a hung engine must never leave
// observers stuck in Disconnecting.
func (b *EngineBackend) waitForDisconnect(ctx context.Context) error {
	deadline := time.NewTimer(disconnectWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(disconnectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.machine.Set(Disabled)
			return ctx.Err()
		case <-deadline.C:
			b.logger.Warn("engine did not confirm disconnect, forcing disabled")
			b.machine.Set(Disabled)
			return nil
		case <-ticker.C:
			if b.machine.Current() == Disabled {
				return nil
			}
		}
	}
}

// Close stops consuming engine events. The backend must not be used after
// Close.
func (b *EngineBackend) Close() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *EngineBackend) consumeEvents() {
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.eng.Events():
			if !ok {
				return
			}
			b.handleEvent(ev)
		}
	}
}

func (b *EngineBackend) handleEvent(ev engine.StatusEvent) {
	if ev.Tag == engine.TagProcessStopped {
		// The cause of an engine process exit is ambiguous; it is mapped
		// to Disabled by the translation table but accounted separately.
		b.logger.Error("engine process stopped unexpectedly", "log", ev.Log)
		if b.onProcessStopped != nil {
			b.onProcessStopped()
		}
	}

	next, ok := Translate(ev, b.machine.Current())
	if !ok {
		b.logger.Debug("discarding stale engine event",
			"level", ev.Level.String(), "tag", ev.Tag)
		return
	}
	b.machine.Set(next)
}

var _ Backend = (*EngineBackend)(nil)
