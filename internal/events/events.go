// Package events defines the sealed, tagged event record the sync
// coordinator and its collaborators broadcast, and a small
// listener-isolated bus, adapted from the fan-out style of the
// teacher's websocket.Hub broadcast helpers (each broadcast loop
// skips a bad receiver instead of aborting the whole fan-out).
package events

import "sync"

// Type is the closed set of event tags the core emits.
type Type string

const (
	SyncStarted           Type = "sync:started"
	SyncCompleted         Type = "sync:completed"
	SyncError             Type = "sync:error"
	DocumentStatusChanged Type = "document:status-changed"
	ConnectivityChanged   Type = "connectivity:changed"
	AuthRequired          Type = "auth:required"
	AuthTokenExpired      Type = "auth:token-expired"
)

// Event is the payload surface for every event type. Fields are
// optional per event type, per spec §4.5.
type Event struct {
	Type         Type
	DocumentID   string
	Status       string
	Connectivity string
	Error        string
	Processed    int
	Failed       int
}

// Listener receives events synchronously.
type Listener func(Event)

// Logger is the minimal logging surface a Bus needs; satisfied by
// obslog.Logger, which wraps zerolog, kept minimal here so this
// package has no direct zerolog dependency.
type Logger interface {
	Warnf(format string, args ...any)
}

// noopLogger swallows everything; the default when no logger is injected.
type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// Bus fans events out to subscribers, isolating listener panics the
// way the spec (§4.2, §4.4, §4.5) and the teacher's per-handler
// recover() in RedisPubSub.handleMessages both require. A Bus is
// shared across real goroutines — the coordinator emits from whatever
// goroutine calls it, the connectivity manager emits from
// SetServerConnected's caller, and the debounce timer emits from its
// own time.AfterFunc goroutine — so listeners/nextID need the same
// mutex discipline as statustracker's cache and connectivity's
// listener list.
type Bus struct {
	log Logger

	mu        sync.Mutex
	listeners []*subscription
	nextID    uint64
}

type subscription struct {
	id uint64
	fn Listener
}

// New creates an event bus. A nil logger is replaced with a no-op one.
func New(log Logger) *Bus {
	if log == nil {
		log = noopLogger{}
	}
	return &Bus{log: log}
}

// Subscribe registers a listener and returns an unsubscribe function.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, fn: fn}
	b.listeners = append(b.listeners, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.listeners {
			if s.id == id {
				b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers ev to every current subscriber. A listener that
// panics is caught, logged, and skipped — it never prevents other
// listeners from firing.
func (b *Bus) Emit(ev Event) {
	// Snapshot under the lock so a concurrent Subscribe/unsubscribe
	// can't race the iteration below.
	b.mu.Lock()
	snapshot := make([]*subscription, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.Unlock()

	for _, sub := range snapshot {
		b.safeInvoke(sub.fn, ev)
	}
}

func (b *Bus) safeInvoke(fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warnf("event listener panicked for %s: %v", ev.Type, r)
		}
	}()
	fn(ev)
}

// Len reports the number of active subscribers, for tests and diagnostics.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}
