package api

import (
	"context"

	"github.com/iudanet/posync/internal/models"
	"github.com/iudanet/posync/pkg/api"
)

// RemoteService is the generic table-CRUD contract of the backing data service.
// Every call is scoped by the bearer token of the current session.
type RemoteService interface {
	// Select returns records of the table matching the query
	Select(ctx context.Context, table models.Table, q api.Query) ([]models.Record, error)

	// Insert stores a new record and returns it as stored, with the server-assigned id.
	// Replaying the same idempotency key returns the originally stored record.
	Insert(ctx context.Context, rec models.Record, idempotencyKey string) (models.Record, error)

	// Upsert writes records resolving conflicts on opts.OnConflict
	Upsert(ctx context.Context, table models.Table, recs []models.Record, opts api.UpsertOptions) ([]models.Record, error)

	// Update patches the record with the given id
	Update(ctx context.Context, table models.Table, id string, patch map[string]any) (models.Record, error)

	// Delete removes the record; a missing record yields an error matching IsNotFound
	Delete(ctx context.Context, table models.Table, id string) error

	// Ping checks that the service is reachable
	Ping(ctx context.Context) error
}
