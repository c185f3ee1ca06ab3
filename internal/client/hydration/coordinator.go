// Package hydration backfills the local store from the remote data service.
package hydration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/iudanet/posync/internal/client/api"
	"github.com/iudanet/posync/internal/client/session"
	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
	pkgapi "github.com/iudanet/posync/pkg/api"
)

// ErrSuperseded returned by a full hydration that was replaced by a newer one
var ErrSuperseded = errors.New("hydration superseded by a newer run")

// Ключи служебных значений в KV
const (
	KeyLastFull  = "hydration:last_full"
	KeyLastQuick = "hydration:last_quick"
)

// Store is the part of the local store hydration writes to
type Store interface {
	storage.RecordStorage
	storage.MetadataStorage
	storage.KVStorage
	PendingRecordIDs(ctx context.Context, table models.Table) (map[string]struct{}, error)
}

// Config параметры гидрации
type Config struct {
	PageSize    int           // PageSize размер страницы выборки
	QuickWindow time.Duration // QuickWindow окно быстрой синхронизации
	StaleAfter  time.Duration // StaleAfter возраст, после которого нужна полная гидрация
}

// DefaultConfig returns the default hydration parameters
func DefaultConfig() Config {
	return Config{
		PageSize:    500,
		QuickWindow: time.Hour,
		StaleAfter:  24 * time.Hour,
	}
}

// Result contains hydration results
type Result struct {
	Failed    map[models.Table]error // Failed таблицы, которые не удалось загрузить
	Records   map[models.Table]int   // Records число записанных записей по таблицам
	Skipped   int                    // Skipped записи, пропущенные из-за неотправленных изменений
	Succeeded []models.Table
}

func newResult() *Result {
	return &Result{
		Failed:  make(map[models.Table]error),
		Records: make(map[models.Table]int),
	}
}

// ProgressFunc получает прогресс полной гидрации
type ProgressFunc func(models.HydrationProgress)

// Coordinator performs full hydration and quick delta syncs
type Coordinator struct {
	store   Store
	remote  api.RemoteService
	session *session.Session
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	progress models.HydrationProgress

	schema     models.Schema
	cfg        Config
	generation atomic.Uint64
}

// NewCoordinator creates a new hydration coordinator
func NewCoordinator(store Store, remote api.RemoteService, schema models.Schema, sess *session.Session, cfg Config, logger *slog.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.QuickWindow <= 0 {
		cfg.QuickWindow = def.QuickWindow
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}

	return &Coordinator{
		store:   store,
		remote:  remote,
		schema:  schema,
		session: sess,
		cfg:     cfg,
		logger:  logger.With("component", "hydration"),
		now:     time.Now,
	}
}

// FullHydrate loads every table in descending priority.
// A failed table doesn't stop the others; the combined error lists every failure.
// Starting another FullHydrate makes this one stop at its next page boundary.
func (c *Coordinator) FullHydrate(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	if err := c.session.Validate(c.now()); err != nil {
		return nil, err
	}

	gen := c.generation.Add(1)
	tables := c.schema.ByPriority()
	result := newResult()
	var errs error

	c.logger.Info("Starting full hydration", "action", "full", "tables", len(tables))

	for i, d := range tables {
		if c.generation.Load() != gen {
			return result, ErrSuperseded
		}
		c.report(onProgress, models.HydrationProgress{
			CurrentTable: d.Name,
			Completed:    i,
			Total:        len(tables),
			Percentage:   percent(i, len(tables)),
		})

		n, skipped, err := c.hydrateTable(ctx, gen, d, pkgapi.Query{Order: d.OrderBy}, d.RecordLimit)
		result.Skipped += skipped
		if errors.Is(err, ErrSuperseded) {
			c.logger.Info("Full hydration superseded", "action", "full", "table", d.Name)
			return result, err
		}
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			c.logger.Warn("Table hydration failed", "action", "full", "table", d.Name, "error", err)
			result.Failed[d.Name] = err
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
			continue
		}

		result.Records[d.Name] = n
		result.Succeeded = append(result.Succeeded, d.Name)
	}

	c.report(onProgress, models.HydrationProgress{
		Completed:  len(tables),
		Total:      len(tables),
		Percentage: 100,
	})

	if errs == nil {
		if err := c.store.PutValue(ctx, KeyLastFull, []byte(c.now().UTC().Format(time.RFC3339Nano))); err != nil {
			return result, err
		}
	}

	c.logger.Info("Full hydration completed",
		"action", "full",
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
		"skipped", result.Skipped)

	return result, errs
}

// QuickSync fetches records updated within the quick window for delta tables
func (c *Coordinator) QuickSync(ctx context.Context) (*Result, error) {
	if err := c.session.Validate(c.now()); err != nil {
		return nil, err
	}

	since := c.now().Add(-c.cfg.QuickWindow).UTC().Format(time.RFC3339Nano)
	gen := c.generation.Load()
	result := newResult()
	var errs error

	for _, d := range c.schema.QuickSyncTables() {
		q := pkgapi.Query{Order: "updated_at.asc"}.Gte("updated_at", since)
		n, skipped, err := c.hydrateTable(ctx, gen, d, q, 0)
		result.Skipped += skipped
		if errors.Is(err, ErrSuperseded) {
			// Полная гидрация стартовала: она заберет и дельту
			return result, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed[d.Name] = err
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
			continue
		}
		result.Records[d.Name] = n
		result.Succeeded = append(result.Succeeded, d.Name)
	}

	if err := c.store.PutValue(ctx, KeyLastQuick, []byte(c.now().UTC().Format(time.RFC3339Nano))); err != nil {
		return result, err
	}

	c.logger.Debug("Quick sync completed", "action", "quick", "failed", len(result.Failed))
	return result, errs
}

// NeedsFullHydration reports whether no full hydration was recorded or it is stale
func (c *Coordinator) NeedsFullHydration(ctx context.Context) (bool, error) {
	last, err := c.LastFullHydration(ctx)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return true, nil
	}
	return c.now().Sub(last) > c.cfg.StaleAfter, nil
}

// LastFullHydration returns the time of the last complete full hydration
func (c *Coordinator) LastFullHydration(ctx context.Context) (time.Time, error) {
	return c.timestamp(ctx, KeyLastFull)
}

// LastQuickSync returns the time of the last quick sync
func (c *Coordinator) LastQuickSync(ctx context.Context) (time.Time, error) {
	return c.timestamp(ctx, KeyLastQuick)
}

// Progress returns the last reported progress of a full hydration
func (c *Coordinator) Progress() models.HydrationProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// hydrateTable постранично загружает таблицу; limit 0 - без ограничения
func (c *Coordinator) hydrateTable(ctx context.Context, gen uint64, d models.TableDescriptor, q pkgapi.Query, limit int) (int, int, error) {
	q = q.Eq(models.OwnerField, c.session.OwnerID)
	written, skipped, fetched := 0, 0, 0

	for {
		if c.generation.Load() != gen {
			return written, skipped, ErrSuperseded
		}

		pageSize := c.cfg.PageSize
		if limit > 0 && limit-fetched < pageSize {
			pageSize = limit - fetched
		}
		q.Limit = pageSize
		q.Offset = fetched

		recs, err := c.remote.Select(ctx, d.Name, q)
		if err != nil {
			return written, skipped, err
		}
		fetched += len(recs)

		// Локальные неотправленные правки важнее серверной версии; очередь
		// меняется во время загрузки, поэтому читаем ее на каждой странице
		pending, err := c.store.PendingRecordIDs(ctx, d.Name)
		if err != nil {
			return written, skipped, err
		}
		fresh := make([]models.Record, 0, len(recs))
		for _, rec := range recs {
			if _, ok := pending[rec.Key()]; ok {
				skipped++
				continue
			}
			fresh = append(fresh, rec)
		}
		if err := c.store.BulkPut(ctx, d.Name, fresh); err != nil {
			return written, skipped, err
		}
		written += len(fresh)

		if len(recs) < pageSize || (limit > 0 && fetched >= limit) {
			break
		}
	}

	if err := c.store.SaveSyncMeta(ctx, d.Name, c.now()); err != nil {
		return written, skipped, err
	}
	return written, skipped, nil
}

func (c *Coordinator) report(onProgress ProgressFunc, p models.HydrationProgress) {
	c.mu.Lock()
	c.progress = p
	c.mu.Unlock()

	if onProgress != nil {
		onProgress(p)
	}
}

func (c *Coordinator) timestamp(ctx context.Context, key string) (time.Time, error) {
	raw, err := c.store.GetValue(ctx, key)
	if err != nil || raw == nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return t, nil
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}
