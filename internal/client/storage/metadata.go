package storage

import (
	"context"
	"time"

	"github.com/iudanet/posync/internal/models"
)

// MetadataStorage defines interface for per-table sync bookkeeping
type MetadataStorage interface {
	// SaveSyncMeta saves the time of the last successful sync of the table
	SaveSyncMeta(ctx context.Context, table models.Table, at time.Time) error

	// GetSyncMeta returns sync meta of the table, nil if the table never synced
	GetSyncMeta(ctx context.Context, table models.Table) (*models.SyncMeta, error)

	// ListSyncMeta returns sync meta of every table that has synced at least once
	ListSyncMeta(ctx context.Context) ([]models.SyncMeta, error)
}

// KVStorage is the generic key-value store used for snapshots and hydration bookkeeping
type KVStorage interface {
	// PutValue stores value under key
	PutValue(ctx context.Context, key string, value []byte) error

	// GetValue returns the value or nil if key doesn't exist
	GetValue(ctx context.Context, key string) ([]byte, error)

	// DeleteValue removes key; missing key is not an error
	DeleteValue(ctx context.Context, key string) error
}
