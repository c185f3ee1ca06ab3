package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/posync/internal/models"
)

func order(id string, created time.Time, total int64, status string) *models.Order {
	o := &models.Order{Status: status, TotalCents: total}
	o.SetKey(id)
	o.SetOwner("team-1")
	o.Touch(created)
	return o
}

func TestDashboard_Compute(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)
	cache := New(store, time.Minute, testLogger())

	now := time.Date(2026, 5, 15, 15, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	d := NewDashboard(store, cache, "team-1")
	d.loc = time.UTC

	require.NoError(t, store.BulkPut(ctx, models.TableOrders, []models.Record{
		order("o1", now.Add(-time.Hour), 1000, "paid"),
		order("o2", now.Add(-2*time.Hour), 500, "paid"),
		order("o3", now.Add(-time.Hour), 9999, StatusCancelled),
		order("o4", time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC), 500, "paid"),
		order("o5", time.Date(2026, 4, 20, 10, 0, 0, 0, time.UTC), 1000, "paid"),
		order("o6", time.Date(2026, 3, 20, 10, 0, 0, 0, time.UTC), 7000, "paid"),
	}))

	c := &models.Customer{Name: "Ann"}
	c.SetKey("c1")
	c.SetOwner("team-1")
	require.NoError(t, store.Put(ctx, c))

	stats, err := d.Compute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), stats.TodaySalesCents)
	assert.Equal(t, 2, stats.TodayOrders)
	assert.Equal(t, int64(2000), stats.MonthSalesCents)
	assert.Equal(t, int64(1000), stats.PrevMonthSalesCents)
	assert.InDelta(t, 100.0, stats.MonthlyGrowthPct, 0.001)
	assert.Equal(t, 1, stats.Customers)
	assert.Zero(t, stats.Products)
}

func TestDashboard_StatsCached(t *testing.T) {
	ctx := context.Background()
	store := createTestStore(t)
	cache := New(store, time.Minute, testLogger())
	d := NewDashboard(store, cache, "team-1")

	stats, cached, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Zero(t, stats.TodayOrders)

	require.NoError(t, store.Put(ctx, order("o1", time.Now(), 100, "paid")))

	// Пока снимок свежий, новый заказ не виден
	stats, cached, err = d.Stats(ctx)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Zero(t, stats.TodayOrders)

	require.NoError(t, d.Invalidate(ctx))
	stats, cached, err = d.Stats(ctx)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 1, stats.TodayOrders)
}
