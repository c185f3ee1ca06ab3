// Package snapshot caches derived aggregates with a fixed time-to-live.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
)

// DefaultTTL время жизни снимка по умолчанию
const DefaultTTL = 5 * time.Minute

const keyPrefix = "snapshot:"

// RefreshFunc computes a fresh payload for a snapshot key
type RefreshFunc func(ctx context.Context) (any, error)

// Cache stores snapshots in the local key-value store.
// Last writer wins; a stale entry is reported as a miss.
type Cache struct {
	store  storage.KVStorage
	logger *slog.Logger
	now    func() time.Time

	group    singleflight.Group
	inflight sync.WaitGroup

	ttl time.Duration
}

// New creates a snapshot cache
func New(store storage.KVStorage, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "snapshot"),
		now:    time.Now,
	}
}

// Get decodes a fresh snapshot into dst.
// Returns false when the snapshot is missing or older than the TTL; dst is untouched then.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.store.GetValue(ctx, keyPrefix+key)
	if err != nil {
		return false, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}
	if raw == nil {
		return false, nil
	}

	var snap models.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return false, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}
	if !snap.Fresh(c.now(), c.ttl) {
		return false, nil
	}

	if err := json.Unmarshal(snap.Payload, dst); err != nil {
		return false, fmt.Errorf("failed to decode snapshot payload %s: %w", key, err)
	}
	return true, nil
}

// Set stores payload under key with the current timestamp
func (c *Cache) Set(ctx context.Context, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot payload: %w", err)
	}

	raw, err := json.Marshal(models.Snapshot{Key: key, Timestamp: c.now().UTC(), Payload: data})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return c.store.PutValue(ctx, keyPrefix+key, raw)
}

// Invalidate drops the snapshot
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.store.DeleteValue(ctx, keyPrefix+key)
}

// Refresh computes and stores the snapshot; concurrent refreshes of one key share a call
func (c *Cache) Refresh(ctx context.Context, key string, refresh RefreshFunc) (any, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		payload, err := refresh(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
	return v, err
}

// GetOrRefresh returns a fresh snapshot immediately.
// On a miss it returns false and refreshes the snapshot in the background.
func (c *Cache) GetOrRefresh(ctx context.Context, key string, dst any, refresh RefreshFunc) (bool, error) {
	fresh, err := c.Get(ctx, key, dst)
	if err != nil || fresh {
		return fresh, err
	}

	bg := context.WithoutCancel(ctx)
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		if _, err := c.Refresh(bg, key, refresh); err != nil {
			c.logger.Warn("Snapshot refresh failed", "action", "refresh", "key", key, "error", err)
		}
	}()

	return false, nil
}

// Wait blocks until background refreshes finish
func (c *Cache) Wait() {
	c.inflight.Wait()
}
