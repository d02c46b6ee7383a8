package traffic

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is how often the monitor samples engine counters.
const DefaultPollInterval = time.Second

// CounterFunc reads the cumulative (upload, download) byte counters of
// the running tunnel.
type CounterFunc func() (uploadBytes, downloadBytes uint64)

// Monitor periodically samples traffic counters and multicasts the
// derived samples. Subscribers that fall behind are degraded to
// newest-only delivery: samples may be dropped under backpressure but are
// never delivered out of order.
type Monitor struct {
	acc      *Accumulator
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan Sample
	nextID int
}

// NewMonitor creates a monitor. A non-positive interval falls back to
// DefaultPollInterval.
func NewMonitor(interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		acc:      NewAccumulator(),
		interval: interval,
		logger:   logger,
		subs:     make(map[int]chan Sample),
	}
}

// Run polls counters until the context is canceled. counters is consulted
// once per interval; a nil read function stops the loop.
func (m *Monitor) Run(ctx context.Context, counters CounterFunc) {
	if counters == nil {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up, down := counters()
			m.publish(m.acc.Update(up, down, time.Now()))
		}
	}
}

// Subscribe returns a sample stream and a cancel function. The channel
// holds at most one pending sample; when the subscriber lags, older
// pending samples are replaced by newer ones.
func (m *Monitor) Subscribe() (<-chan Sample, func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan Sample, 1)
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if existing, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(existing)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// Reset zeroes the accumulator baseline. Called when the connection
// transitions to Disabled.
func (m *Monitor) Reset() {
	m.acc.Reset()
}

// Last returns the most recent sample.
func (m *Monitor) Last() Sample {
	return m.acc.Last()
}

func (m *Monitor) publish(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			// Subscriber lagging: replace the pending sample with the
			// newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}
