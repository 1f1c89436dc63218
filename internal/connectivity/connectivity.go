// Package connectivity implements the connectivity manager (C4): a
// tri-state fusion of browser reachability and transport-session
// state into one online/connecting/offline signal, modeled on the
// teacher's websocket.Connection read/write-pump lifecycle (the
// transport adapter calls into this package the way a pump loop
// flips connection state on dial/drop) but generalized to the spec's
// three-input truth table (§4.4).
package connectivity

import (
	"sync"

	"github.com/ratatoskr/core/internal/events"
)

// State is the fused connectivity state.
type State string

const (
	Offline    State = "offline"
	Connecting State = "connecting"
	Online     State = "online"
)

// Logger is the minimal structured-logging surface this package needs.
type Logger interface {
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// Listener is notified on every state transition.
type Listener func(State)

// Manager is the connectivity manager (C4).
type Manager struct {
	log Logger
	bus *events.Bus

	mu               sync.Mutex
	browserOnline    bool
	serverConnecting bool
	serverConnected  bool
	state            State
	destroyed        bool

	listeners []*waiter
	nextID    uint64

	onlineWaiters []chan struct{}
}

type waiter struct {
	id uint64
	fn Listener
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger injects a structured logger.
func WithLogger(log Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithEventBus shares an event bus so connectivity:changed events
// interleave correctly with the rest of the coordinator's output.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// New constructs a Manager. browserOnline seeds the host reachability
// flag; pass true when the host cannot observe it (spec §4.4 default).
func New(browserOnline bool, opts ...Option) *Manager {
	m := &Manager{
		log:           noopLogger{},
		browserOnline: browserOnline,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = m.computeState()
	return m
}

// State returns the current fused state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetBrowserOnline updates the host reachability flag, as driven by
// the platform's online/offline events.
func (m *Manager) SetBrowserOnline(online bool) {
	m.mu.Lock()
	if m.destroyed {
		m.browserOnline = online
		m.mu.Unlock()
		return
	}
	m.browserOnline = online
	m.mu.Unlock()
	m.recompute()
}

// SetServerConnecting is called by the transport adapter when a
// connection attempt begins.
func (m *Manager) SetServerConnecting(connecting bool) {
	m.mu.Lock()
	if m.destroyed {
		m.serverConnecting = connecting
		m.mu.Unlock()
		return
	}
	m.serverConnecting = connecting
	m.mu.Unlock()
	m.recompute()
}

// SetServerConnected is called by the transport adapter when the
// session is established or lost.
func (m *Manager) SetServerConnected(connected bool) {
	m.mu.Lock()
	if m.destroyed {
		m.serverConnected = connected
		m.mu.Unlock()
		return
	}
	m.serverConnected = connected
	m.mu.Unlock()
	m.recompute()
}

func (m *Manager) computeState() State {
	switch {
	case !m.browserOnline:
		return Offline
	case m.serverConnected:
		return Online
	case m.serverConnecting:
		return Connecting
	default:
		return Offline
	}
}

// recompute re-derives the fused state and notifies subscribers only
// on an actual transition (spec §4.4: "repeated transitions to the
// same value must not notify").
func (m *Manager) recompute() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	next := m.computeState()
	changed := next != m.state
	m.state = next
	var listenersSnapshot []*waiter
	if changed {
		listenersSnapshot = make([]*waiter, len(m.listeners))
		copy(listenersSnapshot, m.listeners)
	}
	var wakeWaiters []chan struct{}
	if changed && next == Online {
		wakeWaiters = m.onlineWaiters
		m.onlineWaiters = nil
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	for _, w := range listenersSnapshot {
		m.safeInvoke(w.fn, next)
	}
	if m.bus != nil {
		m.bus.Emit(events.Event{Type: events.ConnectivityChanged, Connectivity: string(next)})
	}
	for _, ch := range wakeWaiters {
		close(ch)
	}
}

func (m *Manager) safeInvoke(fn Listener, s State) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warnf("connectivity listener panicked: %v", r)
		}
	}()
	fn(s)
}

// Subscribe registers a listener fired on every state transition.
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, &waiter{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		for i, w := range m.listeners {
			if w.id == id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
	}
}

// WaitForOnline returns a channel that is closed once the state
// becomes online; it is already closed (same-tick fast path) if the
// state is online now. Destroy also closes every pending channel, so a
// closed channel does not by itself mean the state is online.
func (m *Manager) WaitForOnline() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan struct{})
	if m.state == Online {
		close(ch)
		return ch
	}
	m.onlineWaiters = append(m.onlineWaiters, ch)
	return ch
}

// Destroy clears subscribers and releases pending WaitForOnline
// channels. Further SetServer*/SetBrowserOnline calls may occur but no longer
// surface to external subscribers (spec §4.4).
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.listeners = nil
	waiters := m.onlineWaiters
	m.onlineWaiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}
