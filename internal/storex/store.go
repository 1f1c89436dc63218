// Package storex implements the durable chunk store (C1): a
// content-addressed byte-chunk store backed by go.etcd.io/bbolt,
// standing in for the browser's embedded object database the CRDT
// replica persists through. Ported in spirit from the teacher's
// internal/storage adapters (Connect/Disconnect/IsConnected lifecycle,
// wrapped query errors) but the storage engine itself is local and
// embedded rather than a network database, matching spec §4.1.
package storex

import (
	"bytes"
	"context"

	"go.etcd.io/bbolt"
)

// delimiter separates key segments. \x00 cannot appear in a normal
// string segment, so it cannot be confused with segment content
// (spec §4.1 "Key encoding").
const delimiter = "\x00"

// rootMarker prefixes every physical bbolt key. bbolt rejects a
// zero-length key outright, but the spec requires the zero-segment
// key (whose joined logical form is "") to be a valid, addressable chunk (the
// "Empty segment key" boundary case) — the marker byte makes the
// physical key non-empty while leaving the logical ordering among
// encoded keys untouched, since every physical key shares it.
const rootMarker = byte(0x01)

// EncodeKey joins segments with the reserved delimiter, prefixed with
// the physical root marker.
func EncodeKey(segments []string) []byte {
	logical := joinSegments(segments)
	physical := make([]byte, 0, len(logical)+1)
	physical = append(physical, rootMarker)
	physical = append(physical, logical...)
	return physical
}

func joinSegments(segments []string) string {
	out := ""
	for i, seg := range segments {
		if i > 0 {
			out += delimiter
		}
		out += seg
	}
	return out
}

// ChunkEntry is one (key, value) pair returned by LoadRange.
type ChunkEntry struct {
	Key   []string
	Value []byte
}

// Store is the durable chunk store adapter (C1).
type Store struct {
	db *DB
}

// NewStore opens (or joins) the shared database at path and returns a
// chunk store adapter over the "chunks" bucket.
func NewStore(path string) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, wrap("open", err)
	}
	return &Store{db: db}, nil
}

// ensureOpen returns the live bbolt handle, transparently reopening
// if a previous Close on this adapter (or a sibling C2/C3 adapter
// sharing the file) tore the registry entry down (spec §4.1).
func (s *Store) ensureOpen() (*bbolt.DB, error) {
	raw, err := s.db.Raw()
	if err == nil {
		return raw, nil
	}
	reopened, reopenErr := OpenDB(s.db.Path())
	if reopenErr != nil {
		return nil, wrap("reopen", reopenErr)
	}
	s.db = reopened
	return s.db.Raw()
}

// Load returns the current value for key, or found=false if absent.
func (s *Store) Load(_ context.Context, key []string) (value []byte, found bool, err error) {
	db, err := s.ensureOpen()
	if err != nil {
		return nil, false, wrap("load", err)
	}

	k := EncodeKey(key)
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketChunks))
		v := b.Get(k)
		if v != nil {
			found = true
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, wrap("load", err)
	}
	return value, found, nil
}

// Save idempotently upserts key -> value, overwriting any prior value.
func (s *Store) Save(_ context.Context, key []string, value []byte) error {
	db, err := s.ensureOpen()
	if err != nil {
		return wrap("save", err)
	}

	k := EncodeKey(key)
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketChunks))
		return b.Put(k, value)
	})
	if err != nil {
		return wrap("save", err)
	}
	return nil
}

// Remove deletes key. Removing a non-existent key succeeds silently.
func (s *Store) Remove(_ context.Context, key []string) error {
	db, err := s.ensureOpen()
	if err != nil {
		return wrap("remove", err)
	}

	k := EncodeKey(key)
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketChunks))
		return b.Delete(k)
	})
	if err != nil {
		return wrap("remove", err)
	}
	return nil
}

// LoadRange returns every (key, value) whose key is the prefix itself
// or extends it by one or more segments (spec §3, §4.1). The
// zero-segment prefix matches every stored chunk (invariant I3): every
// physical key shares the root marker, so its "extended" bound
// collapses to the marker alone instead of marker+delimiter.
func (s *Store) LoadRange(_ context.Context, prefix []string) ([]ChunkEntry, error) {
	db, err := s.ensureOpen()
	if err != nil {
		return nil, wrap("loadRange", err)
	}

	prefixKey, extendedPrefix := rangeBounds(prefix)

	var entries []ChunkEntry
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketChunks))
		c := b.Cursor()
		for k, v := c.Seek(prefixKey); k != nil; k, v = c.Next() {
			if !coveredByPrefix(k, prefixKey, extendedPrefix) {
				break
			}
			entries = append(entries, ChunkEntry{
				Key:   splitSegments(k),
				Value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	if err != nil {
		return nil, wrap("loadRange", err)
	}
	return entries, nil
}

// RemoveRange deletes every entry matched by LoadRange's rule.
// Deletion happens in one transaction across all matched keys.
func (s *Store) RemoveRange(_ context.Context, prefix []string) error {
	db, err := s.ensureOpen()
	if err != nil {
		return wrap("removeRange", err)
	}

	prefixKey, extendedPrefix := rangeBounds(prefix)

	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketChunks))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.Seek(prefixKey); k != nil; k, _ = c.Next() {
			if !coveredByPrefix(k, prefixKey, extendedPrefix) {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("removeRange", err)
	}
	return nil
}

// Close releases this adapter's reference to the shared database.
func (s *Store) Close() error {
	return wrap("close", s.db.Close())
}

// rangeBounds computes the (exact, extended) bounds LoadRange/
// RemoveRange pass to coveredByPrefix. For a non-empty prefix,
// extended is exact+delimiter, so a stored key must add a full
// segment to match (keeping ["doc"] from matching ["document"]). The
// zero-segment prefix is a special case: its physical encoding is the
// bare root marker, and no real segment ever starts with another
// delimiter, so exact+delimiter would match nothing. Since every
// physical key already starts with the root marker, using the marker
// alone as the "extended" bound makes every stored chunk match, which
// is exactly invariant I3 ("the empty prefix matches every key").
func rangeBounds(prefix []string) (exact, extended []byte) {
	exact = EncodeKey(prefix)
	if len(prefix) == 0 {
		return exact, append([]byte(nil), exact...)
	}
	return exact, append(append([]byte(nil), exact...), delimiter...)
}

// coveredByPrefix implements spec §4.1's prefix rule: stored == prefix
// OR stored begins with prefix + delimiter. This is what keeps
// ["doc"] from matching ["document"].
func coveredByPrefix(stored, exact, extended []byte) bool {
	return bytes.Equal(stored, exact) || bytes.HasPrefix(stored, extended)
}

// splitSegments reverses EncodeKey: key is a physical bbolt key
// (marker byte + delimited logical key).
func splitSegments(key []byte) []string {
	if len(key) <= 1 {
		return []string{}
	}
	raw := string(key[1:])
	segments := []string{}
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == 0 {
			segments = append(segments, raw[start:i])
			start = i + 1
		}
	}
	segments = append(segments, raw[start:])
	return segments
}
