package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoehler42/tunnelpilot/internal/failover"
	"github.com/mkoehler42/tunnelpilot/internal/traffic"
	"github.com/mkoehler42/tunnelpilot/internal/vpn"
)

// fakeBackend drives a real state machine so subscriptions behave like
// the production backend's.
type fakeBackend struct {
	machine *vpn.Machine

	mu          sync.Mutex
	connects    int
	disconnects int
	connectErr  error
	tracked     *vpn.ConnectionParams
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{machine: vpn.NewMachine(nil)}
}

func (f *fakeBackend) Protocol() string { return "fake" }

func (f *fakeBackend) Connect(_ context.Context, params vpn.ConnectionParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	p := params
	f.tracked = &p
	f.machine.Set(vpn.Connecting)
	return nil
}

func (f *fakeBackend) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.machine.Set(vpn.Disabled)
	return nil
}

func (f *fakeBackend) State() vpn.State { return f.machine.Current() }

func (f *fakeBackend) Subscribe() *vpn.Subscription { return f.machine.Subscribe() }

func (f *fakeBackend) SetParamsForTracking(params *vpn.ConnectionParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracked = params
}

func (f *fakeBackend) Params() *vpn.ConnectionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracked
}

func (f *fakeBackend) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeBackend) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

var _ vpn.Backend = (*fakeBackend)(nil)

func testParams() vpn.ConnectionParams {
	server := vpn.Server{Host: "vpn1.example.com", Name: "VPN 1", Country: "DE"}
	return vpn.NewConnectionParams(server, vpn.TransportUDP, "", 1194)
}

func newTestOrchestrator(t *testing.T, b *fakeBackend, extra ...func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		Backend: b,
		Store:   vpn.NewParamsStore(filepath.Join(t.TempDir(), "params.json"), nil),
	}
	for _, fn := range extra {
		fn(&cfg)
	}
	return New(cfg)
}

func TestOrchestrator_ConnectRejectedWhileInFlight(t *testing.T) {
	b := newFakeBackend()
	o := newTestOrchestrator(t, b)

	require.NoError(t, o.Connect(context.Background(), testParams()))
	assert.Equal(t, 1, b.connectCount())

	err := o.Connect(context.Background(), testParams())
	assert.ErrorIs(t, err, ErrConnectInFlight)
	assert.Equal(t, 1, b.connectCount())
}

func TestOrchestrator_ConnectRejectedWhileConnected(t *testing.T) {
	b := newFakeBackend()
	o := newTestOrchestrator(t, b)

	require.NoError(t, o.Connect(context.Background(), testParams()))
	b.machine.Set(vpn.Connected)
	o.observeState(vpn.Connected)

	err := o.Connect(context.Background(), testParams())
	assert.ErrorIs(t, err, ErrConnectInFlight)
}

func TestOrchestrator_ConnectAfterDisconnect(t *testing.T) {
	b := newFakeBackend()
	o := newTestOrchestrator(t, b)

	require.NoError(t, o.Connect(context.Background(), testParams()))
	require.NoError(t, o.Disconnect(context.Background()))
	o.observeState(vpn.Disabled)

	require.NoError(t, o.Connect(context.Background(), testParams()))
	assert.Equal(t, 2, b.connectCount())
}

func TestOrchestrator_ConnectValidatesParams(t *testing.T) {
	b := newFakeBackend()
	o := newTestOrchestrator(t, b)

	err := o.Connect(context.Background(), vpn.ConnectionParams{})
	require.Error(t, err)
	assert.Equal(t, 0, b.connectCount())
}

func TestOrchestrator_BackendErrorClearsInFlight(t *testing.T) {
	b := newFakeBackend()
	b.connectErr = errors.New("engine refused")
	o := newTestOrchestrator(t, b)

	err := o.Connect(context.Background(), testParams())
	require.Error(t, err)

	// The failed attempt must not leave the orchestrator locked up.
	b.connectErr = nil
	b.machine.Set(vpn.Disabled)
	require.NoError(t, o.Connect(context.Background(), testParams()))
}

func TestOrchestrator_ReconnectReplacesInFlightAttempt(t *testing.T) {
	b := newFakeBackend()
	o := newTestOrchestrator(t, b)

	require.NoError(t, o.Connect(context.Background(), testParams()))
	err := o.Connect(context.Background(), testParams())
	require.ErrorIs(t, err, ErrConnectInFlight)

	// Reconnect tears the in-flight attempt down and starts the new one.
	next := testParams()
	require.NoError(t, o.Reconnect(context.Background(), next))
	assert.Equal(t, 1, b.disconnectCount())
	assert.Equal(t, 2, b.connectCount())
	require.NotNil(t, b.Params())
	assert.Equal(t, next.CorrelationID, b.Params().CorrelationID)
}

func TestOrchestrator_ReconnectParksOnMissingPermission(t *testing.T) {
	b := newFakeBackend()
	o := newTestOrchestrator(t, b, func(cfg *Config) {
		cfg.Permission = func(context.Context) bool { return false }
	})

	err := o.Reconnect(context.Background(), testParams())
	assert.ErrorIs(t, err, ErrPermissionRequired)
	assert.True(t, o.RequiresPermission())
	assert.Equal(t, 0, b.connectCount())
}

func TestOrchestrator_FailoverRedialsWholePool(t *testing.T) {
	b := newFakeBackend()
	o := newTestOrchestrator(t, b)

	pool := []failover.Endpoint{
		{Address: "a.example.com", Load: 3, Running: true},
		{Address: "b.example.com", Load: 1, Running: true},
		{Address: "c.example.com", Load: 2, Running: true},
	}
	eng := failover.NewEngine(failover.Config{
		Pool:             pool,
		Counters:         func() (uint64, uint64) { return 0, 0 },
		HealthCheckDelay: 10 * time.Millisecond,
		Connector: func(ctx context.Context, ep failover.Endpoint) error {
			server := vpn.Server{Host: ep.Address}
			return o.Reconnect(ctx, vpn.NewConnectionParams(server, vpn.TransportUDP, "", 1194))
		},
	})

	// Every health check sees zero traffic, so the walk only ends once
	// each endpoint has had its own backend dial.
	require.NoError(t, eng.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return eng.Status() == failover.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, len(pool), b.connectCount())
}

func TestOrchestrator_PermissionBoundary(t *testing.T) {
	b := newFakeBackend()
	granted := false
	o := newTestOrchestrator(t, b, func(cfg *Config) {
		cfg.Permission = func(context.Context) bool { return granted }
	})

	err := o.Connect(context.Background(), testParams())
	assert.ErrorIs(t, err, ErrPermissionRequired)
	assert.True(t, o.RequiresPermission())
	assert.Equal(t, 0, b.connectCount())

	granted = true
	require.NoError(t, o.ConfirmPermission(context.Background()))
	assert.False(t, o.RequiresPermission())
	assert.Equal(t, 1, b.connectCount())
}

func TestOrchestrator_DisconnectDropsPendingConnect(t *testing.T) {
	b := newFakeBackend()
	o := newTestOrchestrator(t, b, func(cfg *Config) {
		cfg.Permission = func(context.Context) bool { return false }
	})

	err := o.Connect(context.Background(), testParams())
	require.ErrorIs(t, err, ErrPermissionRequired)

	require.NoError(t, o.Disconnect(context.Background()))
	assert.False(t, o.RequiresPermission())

	// The parked request is gone: confirming is a no-op.
	require.NoError(t, o.ConfirmPermission(context.Background()))
	assert.Equal(t, 0, b.connectCount())
}

func TestOrchestrator_RestoreAdoptsMatchingSession(t *testing.T) {
	b := newFakeBackend()
	params := testParams()

	store := vpn.NewParamsStore(filepath.Join(t.TempDir(), "params.json"), nil)
	require.NoError(t, store.Store(params))

	o := New(Config{
		Backend:           b,
		Store:             store,
		ActiveCorrelation: func() uuid.UUID { return params.CorrelationID },
	})
	require.NoError(t, o.Restore(context.Background()))

	tracked := b.Params()
	require.NotNil(t, tracked)
	assert.Equal(t, params.CorrelationID, tracked.CorrelationID)
	assert.Greater(t, o.ConnectionDuration(), time.Duration(0))
}

func TestOrchestrator_RestoreDiscardsMismatch(t *testing.T) {
	b := newFakeBackend()
	path := filepath.Join(t.TempDir(), "params.json")

	store := vpn.NewParamsStore(path, nil)
	require.NoError(t, store.Store(testParams()))

	o := New(Config{
		Backend:           b,
		Store:             store,
		ActiveCorrelation: func() uuid.UUID { return uuid.New() },
	})
	require.NoError(t, o.Restore(context.Background()))

	assert.Nil(t, b.Params())
	assert.NoFileExists(t, path)
}

func TestOrchestrator_RestoreIdleEngineDiscardsStored(t *testing.T) {
	b := newFakeBackend()
	path := filepath.Join(t.TempDir(), "params.json")

	store := vpn.NewParamsStore(path, nil)
	require.NoError(t, store.Store(testParams()))

	// The restarted engine reports no active session at all. The stored
	// record describes an abandoned attempt and must not be adopted.
	o := New(Config{
		Backend:           b,
		Store:             store,
		ActiveCorrelation: func() uuid.UUID { return uuid.Nil },
	})
	require.NoError(t, o.Restore(context.Background()))

	assert.Nil(t, b.Params())
	assert.Zero(t, o.ConnectionDuration())
	assert.NoFileExists(t, path)
}

func TestOrchestrator_DisabledResetsTraffic(t *testing.T) {
	b := newFakeBackend()
	monitor := traffic.NewMonitor(time.Millisecond, nil)
	o := newTestOrchestrator(t, b, func(cfg *Config) {
		cfg.Monitor = monitor
	})

	monitor.Reset()
	o.observeState(vpn.Connected)
	assert.Greater(t, o.ConnectionDuration(), time.Duration(0))

	o.observeState(vpn.Disabled)
	assert.Zero(t, o.ConnectionDuration())
	assert.Zero(t, monitor.Last().UploadRate)
}

func TestOrchestrator_RunPumpsStates(t *testing.T) {
	b := newFakeBackend()
	o := newTestOrchestrator(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		o.Run(ctx)
	}()

	require.NoError(t, o.Connect(context.Background(), testParams()))
	b.machine.Set(vpn.Connected)
	require.Eventually(t, func() bool {
		return o.ConnectionDuration() > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
