package snapshot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/posync/internal/client/storage/boltdb"
	"github.com/iudanet/posync/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createTestStore(t *testing.T) *boltdb.Storage {
	t.Helper()
	store, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "snapshot.db"), models.DefaultSchema())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type payload struct {
	Total int `json:"total"`
}

func TestCache_TTL(t *testing.T) {
	ctx := context.Background()
	c := New(createTestStore(t), 5*time.Minute, testLogger())

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	var got payload
	fresh, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, c.Set(ctx, "k", payload{Total: 7}))

	// Через 4 минуты снимок свежий
	now = now.Add(4 * time.Minute)
	fresh, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, 7, got.Total)

	// Через 6 минут снимок устарел
	now = now.Add(2 * time.Minute)
	got = payload{}
	fresh, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Zero(t, got.Total)
}

func TestCache_GetOrRefresh(t *testing.T) {
	ctx := context.Background()
	c := New(createTestStore(t), time.Minute, testLogger())

	var calls atomic.Int32
	refresh := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return payload{Total: 42}, nil
	}

	var got payload
	fresh, err := c.GetOrRefresh(ctx, "k", &got, refresh)
	require.NoError(t, err)
	assert.False(t, fresh)
	c.Wait()

	fresh, err = c.GetOrRefresh(ctx, "k", &got, refresh)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, 42, got.Total)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_RefreshErrorKeepsMiss(t *testing.T) {
	ctx := context.Background()
	c := New(createTestStore(t), time.Minute, testLogger())

	_, err := c.Refresh(ctx, "k", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	assert.Error(t, err)

	var got payload
	fresh, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestCache_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	c := New(createTestStore(t), time.Minute, testLogger())

	require.NoError(t, c.Set(ctx, "k", payload{Total: 1}))
	require.NoError(t, c.Set(ctx, "k", payload{Total: 2}))

	var got payload
	fresh, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, 2, got.Total)

	require.NoError(t, c.Invalidate(ctx, "k"))
	fresh, err = c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, fresh)
}
