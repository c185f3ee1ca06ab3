package storage

import (
	"context"

	"github.com/iudanet/posync/internal/models"
)

// RecordStorage is the per-table key-value persistence layer.
// Lookups never fail on missing keys: Get returns nil, lists return empty slices.
type RecordStorage interface {
	// Get returns the record or nil if it doesn't exist
	Get(ctx context.Context, table models.Table, id string) (models.Record, error)

	// GetAll returns every record of the table
	GetAll(ctx context.Context, table models.Table) ([]models.Record, error)

	// GetByIndex returns records whose indexed field equals value.
	// Returns ErrUnknownIndex if the table has no index on field.
	GetByIndex(ctx context.Context, table models.Table, field, value string) ([]models.Record, error)

	// Put replaces the whole record (no partial merge)
	Put(ctx context.Context, rec models.Record) error

	// BulkPut writes all records in one transaction: all land or none
	BulkPut(ctx context.Context, table models.Table, recs []models.Record) error

	// Delete removes the record; missing record is not an error
	Delete(ctx context.Context, table models.Table, id string) error

	// DeleteDatabase drops all local data and recreates the schema
	DeleteDatabase(ctx context.Context) error
}
