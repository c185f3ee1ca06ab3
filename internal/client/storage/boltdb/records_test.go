package boltdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
)

func newCustomer(id, owner, name, phone string) *models.Customer {
	c := &models.Customer{Name: name, Phone: phone}
	c.SetKey(id)
	c.SetOwner(owner)
	return c
}

func TestGet_Missing(t *testing.T) {
	ctx := context.Background()
	store, _, cleanup := createTestStorage(t)
	defer cleanup()

	rec, err := store.Get(ctx, models.TableCustomers, "nope")
	require.NoError(t, err)
	assert.Nil(t, rec)

	all, err := store.GetAll(ctx, models.TableCustomers)
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)
}

func TestPut_ReplacesWholeRecord(t *testing.T) {
	ctx := context.Background()
	store, _, cleanup := createTestStorage(t)
	defer cleanup()

	require.NoError(t, store.Put(ctx, newCustomer("c1", "o1", "Ann", "111")))
	require.NoError(t, store.Put(ctx, newCustomer("c1", "o1", "Ann B", "")))

	rec, err := store.Get(ctx, models.TableCustomers, "c1")
	require.NoError(t, err)
	c := rec.(*models.Customer)
	assert.Equal(t, "Ann B", c.Name)
	assert.Empty(t, c.Phone)

	// Старое значение индекса удалено
	byPhone, err := store.GetByIndex(ctx, models.TableCustomers, "phone", "111")
	require.NoError(t, err)
	assert.Empty(t, byPhone)
}

func TestGetByIndex(t *testing.T) {
	ctx := context.Background()
	store, _, cleanup := createTestStorage(t)
	defer cleanup()

	require.NoError(t, store.BulkPut(ctx, models.TableCustomers, []models.Record{
		newCustomer("c1", "o1", "Ann", "111"),
		newCustomer("c2", "o1", "Bob", "222"),
		newCustomer("c3", "o2", "Eve", "111"),
	}))

	tests := []struct {
		name    string
		field   string
		value   string
		wantIDs []string
		wantErr error
	}{
		{name: "by owner", field: models.OwnerField, value: "o1", wantIDs: []string{"c1", "c2"}},
		{name: "by phone", field: "phone", value: "111", wantIDs: []string{"c1", "c3"}},
		{name: "value prefix does not match", field: models.OwnerField, value: "o", wantIDs: nil},
		{name: "unknown index", field: "email", value: "x", wantErr: storage.ErrUnknownIndex},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := store.GetByIndex(ctx, models.TableCustomers, tt.field, tt.value)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			var ids []string
			for _, r := range recs {
				ids = append(ids, r.Key())
			}
			assert.ElementsMatch(t, tt.wantIDs, ids)
		})
	}
}

func TestBulkPut_RejectsForeignRecord(t *testing.T) {
	ctx := context.Background()
	store, _, cleanup := createTestStorage(t)
	defer cleanup()

	b := &models.Brand{Name: "x"}
	b.SetKey("b1")

	err := store.BulkPut(ctx, models.TableCustomers, []models.Record{newCustomer("c1", "o1", "Ann", ""), b})
	assert.Error(t, err)

	// Ничего не записано
	all, err := store.GetAll(ctx, models.TableCustomers)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store, _, cleanup := createTestStorage(t)
	defer cleanup()

	require.NoError(t, store.Put(ctx, newCustomer("c1", "o1", "Ann", "111")))
	require.NoError(t, store.Delete(ctx, models.TableCustomers, "c1"))

	rec, err := store.Get(ctx, models.TableCustomers, "c1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	byOwner, err := store.GetByIndex(ctx, models.TableCustomers, models.OwnerField, "o1")
	require.NoError(t, err)
	assert.Empty(t, byOwner)

	// Удаление отсутствующей записи не ошибка
	assert.NoError(t, store.Delete(ctx, models.TableCustomers, "c1"))
}
