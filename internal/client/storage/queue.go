package storage

import (
	"context"

	"github.com/iudanet/posync/internal/models"
)

// QueueStorage is the durable mutation queue.
type QueueStorage interface {
	// ApplyMutation applies the local write (put for INSERT/UPDATE, delete for DELETE)
	// and appends op to the queue in the same transaction.
	// rec may be nil for DELETE.
	ApplyMutation(ctx context.Context, op *models.QueuedOperation, rec models.Record) error

	// PendingOperations returns queued operations in enqueue order
	PendingOperations(ctx context.Context) ([]*models.QueuedOperation, error)

	// PendingCount returns the number of queued operations
	PendingCount(ctx context.Context) (int, error)

	// PendingRecordIDs returns ids of records of the table that have queued operations
	PendingRecordIDs(ctx context.Context, table models.Table) (map[string]struct{}, error)

	// MarkAttempt increments the attempt counter and stores the error message
	MarkAttempt(ctx context.Context, opID string, cause error) (*models.QueuedOperation, error)

	// CompleteOperation removes an acknowledged operation
	CompleteOperation(ctx context.Context, opID string) error

	// ReconcileInsert completes a local-id INSERT acknowledged under a server id:
	// re-keys the record, rewrites child references and queued payloads, removes the op.
	ReconcileInsert(ctx context.Context, opID string, table models.Table, localID string, remote models.Record) error

	// PoisonOperation moves the operation to the failed queue. Queued operations
	// on the same record, and those referencing its local id, follow it.
	// Returns the number of such dependents.
	PoisonOperation(ctx context.Context, opID string) (int, error)

	// PoisonBlocked moves queued operations that depend on failed ones to the
	// failed queue
	PoisonBlocked(ctx context.Context) (int, error)

	// FailedOperations returns poisoned operations
	FailedOperations(ctx context.Context) ([]*models.QueuedOperation, error)

	// FailedCount returns the number of poisoned operations
	FailedCount(ctx context.Context) (int, error)

	// RetryFailed moves poisoned operations back to the queue in their original order with reset attempts
	RetryFailed(ctx context.Context) (int, error)
}
