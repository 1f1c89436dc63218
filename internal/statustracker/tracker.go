// Package statustracker implements the document status tracker (C2):
// a per-document sync-status record with an in-memory hot cache and
// pub/sub, backed by the same shared bbolt file as C1 (spec §4.2).
// The read-merge-write-notify sequence and cache-then-fallback read
// path are modeled on the teacher's adapter methods in
// internal/storage/postgres.go (read, mutate in Go, write back) but
// the storage engine is the embedded storex.DB rather than a
// PostgreSQL pool.
package statustracker

import (
	"encoding/json"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/ratatoskr/core/internal/events"
	"github.com/ratatoskr/core/internal/storex"
)

// Status is the sync-progress state of a document (spec §3).
type Status string

const (
	StatusLocal   Status = "local"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
)

// Entry is a DocumentStatusEntry (spec §3).
type Entry struct {
	DocumentID       string     `json:"documentId"`
	Status           Status     `json:"status"`
	ServerRegistered bool       `json:"serverRegistered"`
	CreatedAt        time.Time  `json:"createdAt"`
	LastSyncAttempt  *time.Time `json:"lastSyncAttempt,omitempty"`
	Error            string     `json:"error,omitempty"`
}

// SetOpts carries the optional fields accepted by SetStatus (spec §4.2).
type SetOpts struct {
	ServerRegistered *bool
	Error            *string
	LastSyncAttempt  *time.Time
}

// Logger is the minimal structured-logging surface this package needs.
type Logger interface {
	Warnf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warnf(string, ...any) {}

// Tracker is the document status tracker (C2).
type Tracker struct {
	db  *storex.DB
	bus *events.Bus
	log Logger

	mu    sync.RWMutex
	cache map[string]Entry

	invalidation Invalidator
}

// Invalidator lets an optional cross-instance broadcaster (see
// internal/cacheinvalidation) drop cache entries when a sibling
// instance updates the same documentId, resolving the spec's Design
// Notes open question about cross-tab cache drift.
type Invalidator interface {
	Broadcast(documentID string)
	Subscribe(onInvalidate func(documentID string)) (unsubscribe func())
}

// Option configures a Tracker at construction.
type Option func(*Tracker)

// WithLogger injects a structured logger.
func WithLogger(log Logger) Option {
	return func(t *Tracker) {
		if log != nil {
			t.log = log
		}
	}
}

// WithEventBus sets the bus the tracker emits document:status-changed
// on and that Subscribe listens to; Subscribe's listeners fire for
// every such event on that bus, not only the tracker's own.
func WithEventBus(bus *events.Bus) Option {
	return func(t *Tracker) { t.bus = bus }
}

// WithInvalidation enables cross-instance cache invalidation.
func WithInvalidation(inv Invalidator) Option {
	return func(t *Tracker) { t.invalidation = inv }
}

// New opens (or joins) the shared database at path and returns a
// status tracker over the "document_status" bucket.
func New(path string, opts ...Option) (*Tracker, error) {
	db, err := storex.OpenDB(path)
	if err != nil {
		return nil, wrap("open", err)
	}

	t := &Tracker{
		db:    db,
		log:   noopLogger{},
		cache: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.invalidation != nil {
		t.invalidation.Subscribe(func(documentID string) {
			t.mu.Lock()
			delete(t.cache, documentID)
			t.mu.Unlock()
		})
	}

	return t, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &trackerError{op: op, cause: err}
}

type trackerError struct {
	op    string
	cause error
}

func (e *trackerError) Error() string { return e.op + ": " + e.cause.Error() }
func (e *trackerError) Unwrap() error { return e.cause }

// SetStatus upserts id's entry: merges status s and opts into any
// prior entry, preserving createdAt and (unless overridden)
// serverRegistered, clearing error unless opts.Error is supplied
// (spec §4.2 invariants I1/I2).
func (t *Tracker) SetStatus(id string, s Status, opts *SetOpts) (Entry, error) {
	db, err := t.raw()
	if err != nil {
		return Entry{}, wrap("setStatus", err)
	}

	var merged Entry
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(storex.BucketDocumentStatus))

		prior, hadPrior, err := getFromBucket(b, id)
		if err != nil {
			return err
		}

		merged = Entry{
			DocumentID: id,
			Status:     s,
		}
		if hadPrior {
			merged.CreatedAt = prior.CreatedAt
			merged.ServerRegistered = prior.ServerRegistered
		} else {
			merged.CreatedAt = time.Now().UTC()
		}

		if opts != nil && opts.ServerRegistered != nil {
			merged.ServerRegistered = *opts.ServerRegistered
		}
		if s == StatusSynced {
			// Invariant: status=synced => serverRegistered=true.
			merged.ServerRegistered = true
		}
		if opts != nil && opts.LastSyncAttempt != nil {
			merged.LastSyncAttempt = opts.LastSyncAttempt
		} else if hadPrior {
			merged.LastSyncAttempt = prior.LastSyncAttempt
		}
		if opts != nil && opts.Error != nil {
			merged.Error = *opts.Error
		}
		// else: error is cleared (zero value), per invariant I2.

		return putEntry(tx, merged)
	})
	if err != nil {
		return Entry{}, wrap("setStatus", err)
	}

	t.mu.Lock()
	t.cache[id] = merged
	t.mu.Unlock()

	if t.invalidation != nil {
		t.invalidation.Broadcast(id)
	}

	t.notify(id, merged)
	return merged, nil
}

// MarkServerRegistered is shorthand for
// SetStatus(id, synced, {serverRegistered: true}); creates a fresh
// entry with a new createdAt if none exists (spec §4.2, invariant I5).
func (t *Tracker) MarkServerRegistered(id string) (Entry, error) {
	registered := true
	return t.SetStatus(id, StatusSynced, &SetOpts{ServerRegistered: &registered})
}

// GetStatus returns id's current entry, checking the hot cache first
// and falling back to the database on miss (spec §4.2).
func (t *Tracker) GetStatus(id string) (Entry, bool, error) {
	t.mu.RLock()
	cached, ok := t.cache[id]
	t.mu.RUnlock()
	if ok {
		return cached, true, nil
	}

	db, err := t.raw()
	if err != nil {
		return Entry{}, false, wrap("getStatus", err)
	}

	var entry Entry
	var found bool
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(storex.BucketDocumentStatus))
		e, ok, err := getFromBucket(b, id)
		if err != nil {
			return err
		}
		entry, found = e, ok
		return nil
	})
	if err != nil {
		return Entry{}, false, wrap("getStatus", err)
	}
	if !found {
		return Entry{}, false, nil
	}

	t.mu.Lock()
	t.cache[id] = entry
	t.mu.Unlock()
	return entry, true, nil
}

// GetByStatus returns every entry with the given status.
func (t *Tracker) GetByStatus(s Status) ([]Entry, error) {
	db, err := t.raw()
	if err != nil {
		return nil, wrap("getByStatus", err)
	}

	var entries []Entry
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(storex.BucketDocumentStatus))
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.Status == s {
				entries = append(entries, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrap("getByStatus", err)
	}

	t.warmCache(entries)
	return entries, nil
}

// GetUnregistered returns every entry with serverRegistered == false
// (full scan, which also warms the cache per spec §4.2).
func (t *Tracker) GetUnregistered() ([]Entry, error) {
	db, err := t.raw()
	if err != nil {
		return nil, wrap("getUnregistered", err)
	}

	var entries []Entry
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(storex.BucketDocumentStatus))
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if !e.ServerRegistered {
				entries = append(entries, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrap("getUnregistered", err)
	}

	t.warmCache(entries)
	return entries, nil
}

// RemoveStatus purges id from the store and the cache.
func (t *Tracker) RemoveStatus(id string) error {
	db, err := t.raw()
	if err != nil {
		return wrap("removeStatus", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(storex.BucketDocumentStatus))
		return b.Delete([]byte(id))
	})
	if err != nil {
		return wrap("removeStatus", err)
	}

	t.mu.Lock()
	delete(t.cache, id)
	t.mu.Unlock()
	return nil
}

// Subscribe registers a listener fired with (documentID, entry)
// whenever SetStatus succeeds. Listener panics are caught and
// isolated (spec §4.2).
func (t *Tracker) Subscribe(listener func(id string, entry Entry)) (unsubscribe func()) {
	if t.bus == nil {
		t.bus = events.New(nil)
	}
	return t.bus.Subscribe(func(ev events.Event) {
		if ev.Type != events.DocumentStatusChanged {
			return
		}
		entry, _, err := t.GetStatus(ev.DocumentID)
		if err != nil {
			return
		}
		listener(ev.DocumentID, entry)
	})
}

// ClearCache empties the in-memory hot cache.
func (t *Tracker) ClearCache() {
	t.mu.Lock()
	t.cache = make(map[string]Entry)
	t.mu.Unlock()
}

// Close empties the cache and releases this tracker's reference to the
// shared database. It does not remove subscribers: a listener added
// with Subscribe stays registered until its unsubscribe func is called.
func (t *Tracker) Close() error {
	t.ClearCache()
	return wrap("close", t.db.Close())
}

func (t *Tracker) notify(id string, entry Entry) {
	if t.bus == nil {
		return
	}
	t.bus.Emit(events.Event{
		Type:       events.DocumentStatusChanged,
		DocumentID: id,
		Status:     string(entry.Status),
		Error:      entry.Error,
	})
}

func (t *Tracker) warmCache(entries []Entry) {
	t.mu.Lock()
	for _, e := range entries {
		t.cache[e.DocumentID] = e
	}
	t.mu.Unlock()
}

func (t *Tracker) raw() (*bbolt.DB, error) {
	raw, err := t.db.Raw()
	if err == nil {
		return raw, nil
	}
	reopened, reopenErr := storex.OpenDB(t.db.Path())
	if reopenErr != nil {
		return nil, reopenErr
	}
	t.db = reopened
	return t.db.Raw()
}

func getFromBucket(b *bbolt.Bucket, id string) (Entry, bool, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal(v, &e); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func putEntry(tx *bbolt.Tx, e Entry) error {
	b := tx.Bucket([]byte(storex.BucketDocumentStatus))
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(e.DocumentID), data); err != nil {
		return err
	}

	// Maintain the non-unique secondary indexes from spec §6. Each
	// index bucket maps "<indexedValue>\x00<documentId>" -> documentId,
	// mirroring how a real secondary index range-scans by value.
	statusIdx := tx.Bucket([]byte(storex.IndexDocumentStatusByStatus))
	if err := reindex(statusIdx, e.DocumentID, string(e.Status)); err != nil {
		return err
	}

	registeredIdx := tx.Bucket([]byte(storex.IndexDocumentStatusByRegistered))
	return reindex(registeredIdx, e.DocumentID, boolIndexValue(e.ServerRegistered))
}

func boolIndexValue(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// reindex drops any stale index entries for documentID (status/flag
// may have changed) and writes the current one.
func reindex(idx *bbolt.Bucket, documentID, value string) error {
	c := idx.Cursor()
	var stale [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == documentID {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := idx.Delete(k); err != nil {
			return err
		}
	}
	key := []byte(value + "\x00" + documentID)
	return idx.Put(key, []byte(documentID))
}
