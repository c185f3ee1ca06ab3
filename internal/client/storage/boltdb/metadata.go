package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/posync/internal/models"
)

// SaveSyncMeta saves the time of the last successful sync of the table
func (s *Storage) SaveSyncMeta(ctx context.Context, table models.Table, at time.Time) error {
	meta := models.SyncMeta{Table: table, LastSyncedAt: at.UTC()}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal sync meta: %w", err)
	}

	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSyncMeta)
		if err != nil {
			return err
		}

		if err := b.Put([]byte(table), data); err != nil {
			return fmt.Errorf("failed to save sync meta: %w", err)
		}
		return nil
	})
}

// GetSyncMeta returns sync meta of the table
// Returns nil if the table has never been synced
func (s *Storage) GetSyncMeta(ctx context.Context, table models.Table) (*models.SyncMeta, error) {
	var meta *models.SyncMeta

	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSyncMeta)
		if err != nil {
			return err
		}

		data := b.Get([]byte(table))
		if data == nil {
			// Таблица еще ни разу не синхронизировалась
			return nil
		}

		meta = &models.SyncMeta{}
		return json.Unmarshal(data, meta)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get sync meta: %w", err)
	}

	return meta, nil
}

// ListSyncMeta returns sync meta of every table that synced at least once
func (s *Storage) ListSyncMeta(ctx context.Context) ([]models.SyncMeta, error) {
	metas := make([]models.SyncMeta, 0)

	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSyncMeta)
		if err != nil {
			return err
		}

		return b.ForEach(func(_, v []byte) error {
			var meta models.SyncMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			metas = append(metas, meta)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sync meta: %w", err)
	}

	return metas, nil
}
