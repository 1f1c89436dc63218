package storex

import (
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/sync/singleflight"
)

// registry collapses concurrent opens of the same database path into
// one bbolt.Open call and reference-counts closes, since C1, C2, and
// C3 all operate on one physical file (spec §3 "Ownership summary",
// §4.1 "concurrent first-operations must share a single
// open-in-flight promise"). bbolt itself holds an exclusive flock per
// file, so sharing the *bbolt.DB handle is the only way three
// independent components can touch it concurrently in one process.
var (
	registryMu sync.Mutex
	registry   = map[string]*sharedDB{}
	sfGroup    singleflight.Group
)

type sharedDB struct {
	db       *bbolt.DB
	refCount int
}

// DB is a reference-counted handle onto the shared bbolt file. Each of
// storex.Store, statustracker.Tracker, and opqueue.Queue holds one and
// releases it via Close. A DB is single-owner: call OpenDB again to
// get a fresh handle after Close, rather than reusing a closed one.
type DB struct {
	path   string
	mu     sync.Mutex
	closed bool
}

// OpenDB opens (or joins) the shared database at path, running
// EnsureSchema exactly once per underlying bbolt.DB — whichever
// caller's open wins the singleflight race performs the migration for
// all three components sharing the file.
func OpenDB(path string) (*DB, error) {
	_, err, _ := sfGroup.Do(path, func() (interface{}, error) {
		registryMu.Lock()
		defer registryMu.Unlock()

		if _, ok := registry[path]; ok {
			return nil, nil
		}

		bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			return nil, wrap("open", ErrUnavailable)
		}

		if err := bdb.Update(EnsureSchema); err != nil {
			bdb.Close()
			return nil, wrap("migrate", err)
		}

		registry[path] = &sharedDB{db: bdb}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	// Count the reference outside Do: callers collapsed into one Do
	// call each get their own handle and each will Close it.
	registryMu.Lock()
	entry, ok := registry[path]
	if ok {
		entry.refCount++
	}
	registryMu.Unlock()
	if !ok {
		// Every other holder closed it in the meantime; open afresh.
		return OpenDB(path)
	}
	return &DB{path: path}, nil
}

// Raw returns the live *bbolt.DB backing this handle.
func (d *DB) Raw() (*bbolt.DB, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	registryMu.Lock()
	entry, ok := registry[d.path]
	registryMu.Unlock()
	if !ok {
		return nil, ErrClosed
	}
	return entry.db, nil
}

// Path reports the database path this handle was opened with, so a
// caller can transparently reopen after Close (spec §4.1).
func (d *DB) Path() string {
	return d.path
}

// Close releases this handle's reference. The underlying bbolt.DB is
// closed only once every holder (C1/C2/C3 instance) has released it.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	registryMu.Lock()
	defer registryMu.Unlock()

	entry, ok := registry[d.path]
	if !ok {
		return nil
	}

	entry.refCount--
	if entry.refCount > 0 {
		return nil
	}

	delete(registry, d.path)
	return entry.db.Close()
}
