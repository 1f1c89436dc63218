// Package opqueue implements the pending operations queue (C3): a
// persistent FIFO of server-bound operations with retry scheduling,
// backed by the same shared bbolt file as C1/C2 (spec §4.3). The
// drain loop's re-entry guard and guaranteed-release pattern follow
// the teacher's websocket.Hub.Run select loop (one processing flag,
// released even on an unexpected return path).
package opqueue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/ratatoskr/core/internal/backoff"
	"github.com/ratatoskr/core/internal/storex"
)

// MaxAttempts is the attempt ceiling past which an operation is
// terminal-failed: skipped by the drainer but kept for inspection
// (spec §4.3).
const MaxAttempts = 10

// Payload is the operation-specific bag of optional fields.
type Payload struct {
	Type      string     `json:"type,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Operation is a PendingOperation (spec §3).
type Operation struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	DocumentID  string     `json:"documentId"`
	Payload     Payload    `json:"payload"`
	CreatedAt   time.Time  `json:"createdAt"`
	Attempts    int        `json:"attempts"`
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`
	NextRetry   *time.Time `json:"nextRetry,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TypeRegisterDocument is currently the only enumerated operation type.
const TypeRegisterDocument = "register_document"

// Result is what a processor or processQueue returns.
type Result struct {
	Success bool
	Error   string
}

// DrainSummary is processQueue's return value.
type DrainSummary struct {
	Processed int
	Failed    int
}

// Processor is the caller-supplied function invoked by processQueue
// for each due operation.
type Processor func(op Operation) Result

// Queue is the pending operations queue (C3).
type Queue struct {
	db *storex.DB

	mu        sync.Mutex
	processor Processor
	draining  bool
}

// New opens (or joins) the shared database at path and returns a
// pending-operations queue adapter.
func New(path string) (*Queue, error) {
	db, err := storex.OpenDB(path)
	if err != nil {
		return nil, wrap("open", err)
	}
	return &Queue{db: db}, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &queueError{op: op, cause: err}
}

type queueError struct {
	op    string
	cause error
}

func (e *queueError) Error() string { return e.op + ": " + e.cause.Error() }
func (e *queueError) Unwrap() error { return e.cause }

// SetProcessor installs fn. Must be called before any call to
// ProcessQueue (spec §4.3).
func (q *Queue) SetProcessor(fn Processor) {
	q.mu.Lock()
	q.processor = fn
	q.mu.Unlock()
}

// EnqueueDocumentRegistration creates and persists a new
// register_document operation for docId.
func (q *Queue) EnqueueDocumentRegistration(docID string, payload Payload) (Operation, error) {
	db, err := q.raw()
	if err != nil {
		return Operation{}, wrap("enqueueDocumentRegistration", err)
	}

	op := Operation{
		ID:         uuid.NewString(),
		Type:       TypeRegisterDocument,
		DocumentID: docID,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		Attempts:   0,
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		return putOperation(tx, op)
	})
	if err != nil {
		return Operation{}, wrap("enqueueDocumentRegistration", err)
	}
	return op, nil
}

// GetPendingOperations returns every operation ordered by createdAt
// ascending.
func (q *Queue) GetPendingOperations() ([]Operation, error) {
	db, err := q.raw()
	if err != nil {
		return nil, wrap("getPendingOperations", err)
	}

	var ops []Operation
	err = db.View(func(tx *bbolt.Tx) error {
		idx := tx.Bucket([]byte(storex.IndexPendingOpsByCreatedAt))
		b := tx.Bucket([]byte(storex.BucketPendingOperations))
		return idx.ForEach(func(_, v []byte) error {
			op, ok, err := getOperation(b, string(v))
			if err != nil {
				return err
			}
			if ok {
				ops = append(ops, op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrap("getPendingOperations", err)
	}
	return ops, nil
}

// GetRetryableOperations returns the subset of GetPendingOperations
// whose nextRetry is absent or in the past.
func (q *Queue) GetRetryableOperations() ([]Operation, error) {
	ops, err := q.GetPendingOperations()
	if err != nil {
		return nil, wrap("getRetryableOperations", err)
	}

	now := time.Now().UTC()
	var retryable []Operation
	for _, op := range ops {
		if op.NextRetry == nil || !op.NextRetry.After(now) {
			retryable = append(retryable, op)
		}
	}
	return retryable, nil
}

// RemoveOperation deletes id, if present.
func (q *Queue) RemoveOperation(id string) error {
	db, err := q.raw()
	if err != nil {
		return wrap("removeOperation", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		return deleteOperation(tx, id)
	})
	if err != nil {
		return wrap("removeOperation", err)
	}
	return nil
}

// RemoveOperationsForDocument deletes every operation for docID.
func (q *Queue) RemoveOperationsForDocument(docID string) error {
	db, err := q.raw()
	if err != nil {
		return wrap("removeOperationsForDocument", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(storex.BucketPendingOperations))
		var toDelete []string
		err := b.ForEach(func(k, v []byte) error {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if op.DocumentID == docID {
				toDelete = append(toDelete, string(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range toDelete {
			if err := deleteOperation(tx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrap("removeOperationsForDocument", err)
	}
	return nil
}

// HasPendingOperation reports whether any operation exists for docID.
func (q *Queue) HasPendingOperation(docID string) (bool, error) {
	ops, err := q.GetPendingOperations()
	if err != nil {
		return false, wrap("hasPendingOperation", err)
	}
	for _, op := range ops {
		if op.DocumentID == docID {
			return true, nil
		}
	}
	return false, nil
}

// GetQueueLength returns the total number of persisted operations.
func (q *Queue) GetQueueLength() (int, error) {
	ops, err := q.GetPendingOperations()
	if err != nil {
		return 0, wrap("getQueueLength", err)
	}
	return len(ops), nil
}

// ProcessQueue runs the drain loop: guarded by a re-entry flag,
// processes every currently-retryable operation sequentially in
// createdAt order (spec §4.3).
func (q *Queue) ProcessQueue() (DrainSummary, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainSummary{}, nil
	}
	q.draining = true
	processor := q.processor
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	if processor == nil {
		return DrainSummary{}, wrap("processQueue", errNoProcessor)
	}

	ops, err := q.GetRetryableOperations()
	if err != nil {
		return DrainSummary{}, wrap("processQueue", err)
	}

	var summary DrainSummary
	for _, op := range ops {
		if op.Attempts >= MaxAttempts {
			summary.Failed++
			continue
		}

		now := time.Now().UTC()
		op.Attempts++
		op.LastAttempt = &now

		result := q.invokeProcessor(processor, op)

		if result.Success {
			if err := q.RemoveOperation(op.ID); err != nil {
				return summary, wrap("processQueue", err)
			}
			summary.Processed++
			continue
		}

		op.Error = result.Error
		retry := backoff.NextRetry(now, op.Attempts)
		op.NextRetry = &retry
		if err := q.persistAttempt(op); err != nil {
			return summary, wrap("processQueue", err)
		}
		summary.Failed++
	}

	return summary, nil
}

func (q *Queue) invokeProcessor(processor Processor, op Operation) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = Result{Success: false, Error: panicMessage(r)}
		}
	}()
	return processor(op)
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "unknown error"
}

func (q *Queue) persistAttempt(op Operation) error {
	db, err := q.raw()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		return putOperation(tx, op)
	})
}

// Close releases this queue's reference to the shared database.
func (q *Queue) Close() error {
	return wrap("close", q.db.Close())
}

func (q *Queue) raw() (*bbolt.DB, error) {
	raw, err := q.db.Raw()
	if err == nil {
		return raw, nil
	}
	reopened, reopenErr := storex.OpenDB(q.db.Path())
	if reopenErr != nil {
		return nil, reopenErr
	}
	q.db = reopened
	return q.db.Raw()
}

var errNoProcessor = &noProcessorError{}

type noProcessorError struct{}

func (*noProcessorError) Error() string { return "no processor installed" }

func getOperation(b *bbolt.Bucket, id string) (Operation, bool, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return Operation{}, false, nil
	}
	var op Operation
	if err := json.Unmarshal(v, &op); err != nil {
		return Operation{}, false, err
	}
	return op, true, nil
}

func putOperation(tx *bbolt.Tx, op Operation) error {
	b := tx.Bucket([]byte(storex.BucketPendingOperations))
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	if err := b.Put([]byte(op.ID), data); err != nil {
		return err
	}

	createdIdx := tx.Bucket([]byte(storex.IndexPendingOpsByCreatedAt))
	// Fixed-width timestamp so the index's byte order is createdAt
	// order (RFC3339Nano drops trailing zeros, which breaks that).
	createdKey := []byte(op.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "\x00" + op.ID)
	if err := reindexSingle(createdIdx, op.ID, createdKey); err != nil {
		return err
	}

	typeIdx := tx.Bucket([]byte(storex.IndexPendingOpsByType))
	typeKey := []byte(op.Type + "\x00" + op.ID)
	return reindexSingle(typeIdx, op.ID, typeKey)
}

func deleteOperation(tx *bbolt.Tx, id string) error {
	b := tx.Bucket([]byte(storex.BucketPendingOperations))
	if err := b.Delete([]byte(id)); err != nil {
		return err
	}
	for _, bucketName := range []string{storex.IndexPendingOpsByCreatedAt, storex.IndexPendingOpsByType} {
		idx := tx.Bucket([]byte(bucketName))
		if err := deleteFromIndex(idx, id); err != nil {
			return err
		}
	}
	return nil
}

// reindexSingle keeps one index entry per id: it first purges any
// stale entry (the indexed value may have changed, though createdAt
// and type never do in practice) then inserts the current one.
func reindexSingle(idx *bbolt.Bucket, id string, key []byte) error {
	if err := deleteFromIndex(idx, id); err != nil {
		return err
	}
	return idx.Put(key, []byte(id))
}

func deleteFromIndex(idx *bbolt.Bucket, id string) error {
	c := idx.Cursor()
	var stale [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == id {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := idx.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
