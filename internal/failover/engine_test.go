package failover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectBest(t *testing.T) {
	pool := []Endpoint{
		{Address: "a.example.com", Load: 5, Running: true, Tier: TierFree},
		{Address: "b.example.com", Load: 2, Running: true, Tier: TierFree},
		{Address: "c.example.com", Load: 1, Running: false, Tier: TierFree},
		{Address: "d.example.com", Load: 3, Running: true, Tier: TierPrivileged},
	}

	tests := []struct {
		name  string
		tried map[string]bool
		tier  Tier
		want  string
		found bool
	}{
		{name: "lowest load wins", tier: TierAny, want: "b.example.com", found: true},
		{name: "not running is skipped", tier: TierAny, want: "b.example.com", found: true},
		{name: "tried is skipped", tried: map[string]bool{"b.example.com": true}, tier: TierAny, want: "d.example.com", found: true},
		{name: "tier filter", tier: TierPrivileged, want: "d.example.com", found: true},
		{name: "tier exhausted", tried: map[string]bool{"d.example.com": true}, tier: TierPrivileged, found: false},
		{name: "all tried", tried: map[string]bool{"a.example.com": true, "b.example.com": true, "d.example.com": true}, tier: TierAny, found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, ok := SelectBest(pool, tt.tried, tt.tier)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, ep.Address)
			}
		})
	}
}

func TestSelectBest_TiesGoToPoolOrder(t *testing.T) {
	pool := []Endpoint{
		{Address: "first.example.com", Load: 4, Running: true},
		{Address: "second.example.com", Load: 4, Running: true},
	}
	ep, ok := SelectBest(pool, nil, TierAny)
	require.True(t, ok)
	assert.Equal(t, "first.example.com", ep.Address)
}

type dialRecorder struct {
	mu    sync.Mutex
	dials []string
	err   error
}

func (d *dialRecorder) connect(_ context.Context, ep Endpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, ep.Address)
	return d.err
}

func (d *dialRecorder) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dials...)
}

func testPool() []Endpoint {
	return []Endpoint{
		{Address: "a.example.com", Name: "A", Load: 5, Running: true, Tier: TierFree},
		{Address: "b.example.com", Name: "B", Load: 2, Running: true, Tier: TierFree},
	}
}

func TestEngine_FailoverWalksPoolOnce(t *testing.T) {
	rec := &dialRecorder{}
	e := NewEngine(Config{Pool: testPool(), Connector: rec.connect})

	require.NoError(t, e.Connect(context.Background()))
	assert.Equal(t, []string{"b.example.com"}, rec.dialed())
	assert.Equal(t, StatusConnecting, e.Status())

	e.OnConnectionFailed(context.Background())
	assert.Equal(t, []string{"b.example.com", "a.example.com"}, rec.dialed())
	assert.Equal(t, StatusConnecting, e.Status())

	e.OnConnectionFailed(context.Background())
	assert.Equal(t, StatusFailed, e.Status())

	// Terminal: pool already exhausted, nothing more is dialed.
	e.OnConnectionFailed(context.Background())
	assert.Len(t, rec.dialed(), 2)
	assert.Equal(t, StatusFailed, e.Status())
}

func TestEngine_ExactlyNAttempts(t *testing.T) {
	pool := []Endpoint{
		{Address: "a.example.com", Load: 3, Running: true},
		{Address: "b.example.com", Load: 1, Running: true},
		{Address: "c.example.com", Load: 2, Running: true},
	}
	rec := &dialRecorder{}
	e := NewEngine(Config{Pool: pool, Connector: rec.connect})

	require.NoError(t, e.Connect(context.Background()))
	for e.Status() != StatusFailed {
		e.OnConnectionFailed(context.Background())
	}

	dials := rec.dialed()
	assert.Len(t, dials, len(pool))
	seen := map[string]int{}
	for _, d := range dials {
		seen[d]++
	}
	for addr, n := range seen {
		assert.Equal(t, 1, n, "endpoint %s dialed more than once", addr)
	}
}

func TestEngine_ConnectGuard(t *testing.T) {
	rec := &dialRecorder{}
	e := NewEngine(Config{Pool: testPool(), Connector: rec.connect})

	require.NoError(t, e.Connect(context.Background()))
	require.NoError(t, e.Connect(context.Background()))
	assert.Len(t, rec.dialed(), 1, "second connect while connecting must be a no-op")

	e.OnConnected()
	require.NoError(t, e.Connect(context.Background()))
	assert.Len(t, rec.dialed(), 1, "connect while connected must be a no-op")
}

func TestEngine_FreshConnectClearsTried(t *testing.T) {
	rec := &dialRecorder{}
	e := NewEngine(Config{Pool: testPool(), Connector: rec.connect})

	require.NoError(t, e.Connect(context.Background()))
	e.OnConnectionFailed(context.Background())
	e.OnConnectionFailed(context.Background())
	require.Equal(t, StatusFailed, e.Status())

	// A new session starts from the full pool again.
	require.NoError(t, e.Connect(context.Background()))
	assert.Equal(t, "b.example.com", rec.dialed()[len(rec.dialed())-1])
}

func TestEngine_StartErrorAdvancesSynchronously(t *testing.T) {
	rec := &dialRecorder{err: errors.New("refused")}
	e := NewEngine(Config{Pool: testPool(), Connector: rec.connect})

	err := e.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"b.example.com", "a.example.com"}, rec.dialed())
	assert.Equal(t, StatusFailed, e.Status())
}

func TestEngine_DeferredErrorKeepsCandidate(t *testing.T) {
	rec := &dialRecorder{err: fmt.Errorf("%w: permission missing", ErrAttemptDeferred)}
	e := NewEngine(Config{Pool: testPool(), Connector: rec.connect})

	err := e.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAttemptDeferred)

	// Nothing was the endpoint's fault: no failover, no pool
	// consumption, and the attempt can still be promoted once it
	// resumes out of band.
	assert.Equal(t, []string{"b.example.com"}, rec.dialed())
	assert.Equal(t, StatusConnecting, e.Status())

	e.OnConnected()
	assert.Equal(t, StatusConnected, e.Status())
}

func TestEngine_DeferredAttemptFailsOverAfterResume(t *testing.T) {
	rec := &dialRecorder{err: fmt.Errorf("%w: permission missing", ErrAttemptDeferred)}
	e := NewEngine(Config{Pool: testPool(), Connector: rec.connect})

	err := e.Connect(context.Background())
	require.ErrorIs(t, err, ErrAttemptDeferred)

	// The resumed attempt fails: the deferred endpoint counts as tried
	// now and the walk continues with the other candidate.
	rec.mu.Lock()
	rec.err = nil
	rec.mu.Unlock()
	e.OnConnectionFailed(context.Background())
	assert.Equal(t, []string{"b.example.com", "a.example.com"}, rec.dialed())
	assert.Equal(t, StatusConnecting, e.Status())
}

func TestEngine_EmptyPool(t *testing.T) {
	e := NewEngine(Config{Connector: func(context.Context, Endpoint) error { return nil }})
	err := e.Connect(context.Background())
	assert.ErrorIs(t, err, ErrEmptyPool)
	assert.Equal(t, StatusError, e.Status())
}

func TestEngine_NoRunningEndpoint(t *testing.T) {
	pool := []Endpoint{{Address: "a.example.com", Load: 1, Running: false}}
	e := NewEngine(Config{Pool: pool, Connector: func(context.Context, Endpoint) error { return nil }})
	err := e.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoCandidate)
	assert.Equal(t, StatusError, e.Status())
}

func TestEngine_ManualSelectionSwitchesMode(t *testing.T) {
	rec := &dialRecorder{}
	e := NewEngine(Config{Pool: testPool(), Connector: rec.connect})
	assert.Equal(t, ModeAuto, e.Mode())

	ep := testPool()[0]
	require.NoError(t, e.SelectEndpoint(context.Background(), ep))
	assert.Equal(t, ModeManual, e.Mode())
	assert.Equal(t, []string{"a.example.com"}, rec.dialed())

	// Manual attempts still fail over within the endpoint's tier.
	e.OnConnectionFailed(context.Background())
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, rec.dialed())
}

func TestEngine_DisconnectLifecycle(t *testing.T) {
	rec := &dialRecorder{}
	e := NewEngine(Config{Pool: testPool(), Connector: rec.connect})

	require.NoError(t, e.Connect(context.Background()))
	e.OnConnected()
	_, ok := e.ConnectedSince()
	assert.True(t, ok)

	e.OnDisconnecting()
	assert.Equal(t, StatusDisconnecting, e.Status())
	e.OnDisconnected()
	assert.Equal(t, StatusDisconnected, e.Status())
	_, ok = e.Current()
	assert.False(t, ok)
	assert.Zero(t, e.ConnectionDuration())
}

func TestEngine_HealthCheckPromotesOnTraffic(t *testing.T) {
	var traffic atomic.Uint64
	traffic.Store(4096)

	e := NewEngine(Config{
		Pool:             testPool(),
		Connector:        func(context.Context, Endpoint) error { return nil },
		Counters:         func() (uint64, uint64) { return traffic.Load(), 0 },
		HealthCheckDelay: 10 * time.Millisecond,
	})

	require.NoError(t, e.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return e.Status() == StatusConnected
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_HealthCheckFailsOverOnSilence(t *testing.T) {
	rec := &dialRecorder{}
	e := NewEngine(Config{
		Pool:             testPool(),
		Connector:        rec.connect,
		Counters:         func() (uint64, uint64) { return 0, 0 },
		HealthCheckDelay: 10 * time.Millisecond,
	})

	require.NoError(t, e.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return len(rec.dialed()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b.example.com", "a.example.com"}, rec.dialed())
}

func TestEngine_StatusCallback(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	rec := &dialRecorder{}
	e := NewEngine(Config{
		Pool:      testPool(),
		Connector: rec.connect,
		OnStatus: func(s Status) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})

	require.NoError(t, e.Connect(context.Background()))
	e.OnConnected()
	e.OnDisconnecting()
	e.OnDisconnected()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusDisconnecting, StatusDisconnected}, seen)
}
