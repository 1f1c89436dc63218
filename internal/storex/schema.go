package storex

import "go.etcd.io/bbolt"

// Bucket names for the single physical database shared by C1, C2, and
// C3 (spec §6). Schema version 2, matching spec's embedded-database
// table: chunks has no secondary index; document_status and
// pending_operations each get two index buckets standing in for the
// IndexedDB non-unique indexes in the spec's schema table.
const (
	BucketChunks = "chunks"

	BucketDocumentStatus            = "document_status"
	IndexDocumentStatusByStatus     = "document_status_idx_status"
	IndexDocumentStatusByRegistered = "document_status_idx_server_registered"

	BucketPendingOperations    = "pending_operations"
	IndexPendingOpsByCreatedAt = "pending_operations_idx_created_at"
	IndexPendingOpsByType      = "pending_operations_idx_type"
)

// SchemaVersion is the current schema generation. Bumping it is safe:
// EnsureSchema only ever creates missing buckets, never drops data.
const SchemaVersion = 2

// EnsureSchema creates every object store and index bucket this
// module's three components need, if missing. It is idempotent and
// is the single migration function every adapter's open path calls
// (spec §9 "Shared schema-upgrade hook"): whichever of C1/C2/C3 opens
// the database file first performs the migration for all three.
func EnsureSchema(tx *bbolt.Tx) error {
	buckets := []string{
		BucketChunks,
		BucketDocumentStatus,
		IndexDocumentStatusByStatus,
		IndexDocumentStatusByRegistered,
		BucketPendingOperations,
		IndexPendingOpsByCreatedAt,
		IndexPendingOpsByType,
	}
	for _, name := range buckets {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return err
		}
	}
	return nil
}
