package boltdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/posync/internal/client/session"
	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
)

func TestSaveAndGetSyncMeta(t *testing.T) {
	ctx := context.Background()
	store, _, cleanup := createTestStorage(t)
	defer cleanup()

	// Изначально метаданных нет
	meta, err := store.GetSyncMeta(ctx, models.TableProducts)
	require.NoError(t, err)
	assert.Nil(t, meta)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveSyncMeta(ctx, models.TableProducts, at))
	require.NoError(t, store.SaveSyncMeta(ctx, models.TableOrders, at.Add(time.Hour)))

	meta, err = store.GetSyncMeta(ctx, models.TableProducts)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.True(t, at.Equal(meta.LastSyncedAt))
	assert.Equal(t, models.TableProducts, meta.Table)

	all, err := store.ListSyncMeta(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestKV(t *testing.T) {
	ctx := context.Background()
	store, _, cleanup := createTestStorage(t)
	defer cleanup()

	v, err := store.GetValue(ctx, "snapshot:x")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, store.PutValue(ctx, "snapshot:x", []byte(`{"a":1}`)))
	v, err = store.GetValue(ctx, "snapshot:x")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(v))

	require.NoError(t, store.DeleteValue(ctx, "snapshot:x"))
	require.NoError(t, store.DeleteValue(ctx, "snapshot:x"))
	v, err = store.GetValue(ctx, "snapshot:x")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	store, _, cleanup := createTestStorage(t)
	defer cleanup()

	_, err := store.GetSession(ctx)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	sess := &session.Session{OwnerID: "team-1", AccessToken: "tok", DeviceID: "dev", ExpiresAt: 42}
	require.NoError(t, store.SaveSession(ctx, sess))

	got, err := store.GetSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, sess, got)

	require.NoError(t, store.DeleteSession(ctx))
	assert.ErrorIs(t, store.DeleteSession(ctx), storage.ErrSessionNotFound)
}
