package vpn

import (
	"log/slog"
	"sync"
)

// Machine holds the authoritative connection state for one backend and
// fans out changes to subscribers. There is exactly one current value at
// any time; all writes go through Set, which suppresses notifications for
// values equal to the current one.
//
// Subscribers receive changes in the order they were produced. Delivery is
// lossless: each subscription buffers pending values internally, so a slow
// observer never blocks Set and never sees values out of order.
type Machine struct {
	mu      sync.Mutex
	current State
	subs    map[int]*subscription
	nextID  int
	logger  *slog.Logger
}

// NewMachine creates a state machine starting in Disabled.
func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		current: Disabled,
		subs:    make(map[int]*subscription),
		logger:  logger,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set updates the current state. It returns true when the value actually
// changed; an update to the same value is a no-op and is not republished.
func (m *Machine) Set(next State) bool {
	m.mu.Lock()
	old := m.current
	if old == next {
		m.mu.Unlock()
		return false
	}
	m.current = next
	for _, sub := range m.subs {
		sub.push(next)
	}
	m.mu.Unlock()

	m.logger.Debug("state changed", "old", old.String(), "new", next.String())
	return true
}

// Subscription is a single observer's view of the state stream.
type Subscription struct {
	inner *subscription
	close func()
}

// States returns the channel on which state changes are delivered. The
// current state at subscription time is delivered first.
func (s *Subscription) States() <-chan State {
	return s.inner.out
}

// Close detaches the subscription. After Close returns no further values
// are delivered and the channel is eventually closed.
func (s *Subscription) Close() {
	s.close()
}

// Subscribe registers a new observer. The observer immediately receives
// the current state, then every subsequent change.
func (m *Machine) Subscribe() *Subscription {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	sub := newSubscription()
	sub.push(m.current)
	m.subs[id] = sub
	m.mu.Unlock()

	go sub.run()

	return &Subscription{
		inner: sub,
		close: func() {
			m.mu.Lock()
			if s, ok := m.subs[id]; ok {
				delete(m.subs, id)
				s.stop()
			}
			m.mu.Unlock()
		},
	}
}

// subscription buffers values between the producer and one observer.
type subscription struct {
	mu      sync.Mutex
	queue   []State
	stopped bool
	notify  chan struct{}
	done    chan struct{}
	out     chan State
}

func newSubscription() *subscription {
	return &subscription{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan State),
	}
}

func (s *subscription) push(v State) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.done)
}

func (s *subscription) run() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- v:
			case <-s.done:
				return
			}
		}
	}
}
