package storage

import (
	"context"
	"encoding/json"

	"github.com/iudanet/posync/internal/models"
	"github.com/iudanet/posync/pkg/api"
)

// RecordStorage defines persistence of table records for the data service.
// Every operation is scoped by owner; records of other owners are invisible.
type RecordStorage interface {
	// Select returns records matching the query in the requested order
	Select(ctx context.Context, owner string, table models.Table, q api.Query) ([]json.RawMessage, error)

	// Insert stores a new record. Local or empty ids are replaced by a server id.
	// A repeated idempotency key returns the record created by the first call.
	// Returns ErrDuplicateID if the id is already taken.
	Insert(ctx context.Context, owner string, table models.Table, rec json.RawMessage, idempotencyKey string) (json.RawMessage, error)

	// Upsert writes records by id. Existing records are replaced, or skipped
	// when ignoreDuplicates is set. Returns the written records.
	Upsert(ctx context.Context, owner string, table models.Table, recs []json.RawMessage, ignoreDuplicates bool) ([]json.RawMessage, error)

	// Update merges patch into the record.
	// Returns ErrRecordNotFound if record doesn't exist
	Update(ctx context.Context, owner string, table models.Table, id string, patch map[string]any) (json.RawMessage, error)

	// Delete removes the record.
	// Returns ErrRecordNotFound if record doesn't exist
	Delete(ctx context.Context, owner string, table models.Table, id string) error

	// Ping checks the database connection
	Ping(ctx context.Context) error
}
