package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
)

// StatusCancelled отмененные заказы не входят в выручку
const StatusCancelled = "cancelled"

// DashboardStats агрегаты главного экрана
type DashboardStats struct {
	ComputedAt          time.Time `json:"computed_at"`
	TodaySalesCents     int64     `json:"today_sales_cents"`
	TodayOrders         int       `json:"today_orders"`
	MonthSalesCents     int64     `json:"month_sales_cents"`
	PrevMonthSalesCents int64     `json:"prev_month_sales_cents"`
	MonthlyGrowthPct    float64   `json:"monthly_growth_pct"`
	Customers           int       `json:"customers"`
	Products            int       `json:"products"`
}

// Dashboard computes sales aggregates from the local store and caches them
type Dashboard struct {
	store storage.RecordStorage
	cache *Cache
	owner string
	loc   *time.Location
}

// NewDashboard creates a dashboard for the owner's data
func NewDashboard(store storage.RecordStorage, cache *Cache, ownerID string) *Dashboard {
	return &Dashboard{store: store, cache: cache, owner: ownerID, loc: time.Local}
}

// Key returns the snapshot key of the dashboard
func (d *Dashboard) Key() string {
	return "dashboard:" + d.owner
}

// Stats returns cached stats while fresh, otherwise recomputes and caches them.
// The second result reports whether the value came from the cache.
func (d *Dashboard) Stats(ctx context.Context) (*DashboardStats, bool, error) {
	var stats DashboardStats
	fresh, err := d.cache.Get(ctx, d.Key(), &stats)
	if err != nil {
		return nil, false, err
	}
	if fresh {
		return &stats, true, nil
	}

	v, err := d.cache.Refresh(ctx, d.Key(), func(ctx context.Context) (any, error) {
		return d.Compute(ctx)
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*DashboardStats), false, nil
}

// Invalidate drops the cached stats after local writes
func (d *Dashboard) Invalidate(ctx context.Context) error {
	return d.cache.Invalidate(ctx, d.Key())
}

// Compute aggregates orders, customers and products of the owner
func (d *Dashboard) Compute(ctx context.Context) (*DashboardStats, error) {
	now := d.cache.now().In(d.loc)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, d.loc)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, d.loc)
	prevMonthStart := monthStart.AddDate(0, -1, 0)

	orders, err := d.store.GetByIndex(ctx, models.TableOrders, models.OwnerField, d.owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}

	stats := &DashboardStats{ComputedAt: now}
	for _, rec := range orders {
		o, ok := rec.(*models.Order)
		if !ok || o.Status == StatusCancelled {
			continue
		}
		created := o.CreatedAt.In(d.loc)
		switch {
		case !created.Before(monthStart):
			stats.MonthSalesCents += o.TotalCents
			if !created.Before(dayStart) {
				stats.TodaySalesCents += o.TotalCents
				stats.TodayOrders++
			}
		case !created.Before(prevMonthStart):
			stats.PrevMonthSalesCents += o.TotalCents
		}
	}
	if stats.PrevMonthSalesCents > 0 {
		stats.MonthlyGrowthPct = float64(stats.MonthSalesCents-stats.PrevMonthSalesCents) * 100 / float64(stats.PrevMonthSalesCents)
	}

	customers, err := d.store.GetByIndex(ctx, models.TableCustomers, models.OwnerField, d.owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load customers: %w", err)
	}
	products, err := d.store.GetByIndex(ctx, models.TableProducts, models.OwnerField, d.owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	stats.Customers = len(customers)
	stats.Products = len(products)

	return stats, nil
}
