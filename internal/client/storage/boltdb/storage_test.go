package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
)

// createTestStorage создает временное BoltDB хранилище со схемой по умолчанию
func createTestStorage(t *testing.T) (*Storage, string, func()) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "posync_test.db")

	store, err := New(context.Background(), dbPath, models.DefaultSchema())
	require.NoError(t, err)
	require.NotNil(t, store)

	cleanup := func() {
		require.NoError(t, store.Close())
	}

	return store, dbPath, cleanup
}

func TestNew_Success(t *testing.T) {
	store, dbPath, cleanup := createTestStorage(t)
	defer cleanup()

	// Проверяем что файл БД действительно создан
	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.False(t, info.IsDir())

	// Проверяем, что бакеты существуют
	err = store.db.View(func(tx *bbolt.Tx) error {
		names := [][]byte{bucketQueue, bucketFailed, bucketSyncMeta, bucketKV, bucketSession}
		for _, d := range store.Schema() {
			names = append(names, tableBucket(d.Name))
			for _, f := range d.Indexes {
				names = append(names, indexBucket(d.Name, f))
			}
		}
		for _, b := range names {
			if tx.Bucket(b) == nil {
				return os.ErrNotExist
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNew_InvalidPath(t *testing.T) {
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "missing", "dir", "db"), models.DefaultSchema())
	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestClose(t *testing.T) {
	store, _, _ := createTestStorage(t)

	err := store.Close()
	assert.NoError(t, err)

	// После закрытия поле db должно стать nil
	assert.Nil(t, store.db)

	// Второй вызов Close не должен падать
	assert.NoError(t, store.Close())

	// Операции на закрытом хранилище возвращают ErrStorageClosed
	_, err = store.GetAll(context.Background(), models.TableBrands)
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}

func TestDeleteDatabase(t *testing.T) {
	ctx := context.Background()
	store, _, cleanup := createTestStorage(t)
	defer cleanup()

	b := &models.Brand{Name: "Petron"}
	b.SetKey("b1")
	b.SetOwner("o1")
	require.NoError(t, store.Put(ctx, b))
	require.NoError(t, store.PutValue(ctx, "k", []byte("v")))
	require.NoError(t, store.ApplyMutation(ctx, &models.QueuedOperation{Type: models.OpInsert, Table: models.TableBrands}, b))

	require.NoError(t, store.DeleteDatabase(ctx))

	all, err := store.GetAll(ctx, models.TableBrands)
	require.NoError(t, err)
	assert.Empty(t, all)

	byOwner, err := store.GetByIndex(ctx, models.TableBrands, models.OwnerField, "o1")
	require.NoError(t, err)
	assert.Empty(t, byOwner)

	v, err := store.GetValue(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Схема пересоздана, запись снова возможна
	require.NoError(t, store.Put(ctx, b))
}

func TestUnknownTable(t *testing.T) {
	ctx := context.Background()
	store, _, cleanup := createTestStorage(t)
	defer cleanup()

	_, err := store.Get(ctx, models.Table("suppliers"), "x")
	assert.ErrorIs(t, err, models.ErrUnknownTable)
}
