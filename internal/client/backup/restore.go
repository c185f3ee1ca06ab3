package backup

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/iudanet/posync/internal/models"
	"github.com/iudanet/posync/pkg/api"
)

// DefaultBatchSize размер пачки upsert по умолчанию
const DefaultBatchSize = 200

// Upserter пишет записи в удаленный сервис
type Upserter interface {
	Upsert(ctx context.Context, table models.Table, recs []models.Record, opts api.UpsertOptions) ([]models.Record, error)
}

// RestoreOptions политика восстановления
type RestoreOptions struct {
	BatchSize    int
	SkipExisting bool // SkipExisting не перезаписывать записи, уже существующие на сервере
}

// RestoreResult итог восстановления
type RestoreResult struct {
	Failed  map[models.Table]error
	Written map[models.Table]int
	Local   int // Local записи с локальными id, еще не доставленные через очередь
}

// Restore upserts every archived record to the remote service, parents first.
// Records that still carry a local id are skipped: the queue delivers them.
// A failed table doesn't stop the others.
func Restore(ctx context.Context, remote Upserter, schema models.Schema, a *Archive, opts RestoreOptions, logger *slog.Logger) (*RestoreResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	upsert := api.UpsertOptions{OnConflict: "id", IgnoreDuplicates: opts.SkipExisting}

	result := &RestoreResult{
		Failed:  make(map[models.Table]error),
		Written: make(map[models.Table]int),
	}
	var errs error

	for _, d := range schema.ByPriority() {
		var recs []models.Record
		for _, data := range a.Tables[d.Name] {
			rec, err := models.DecodeRecord(d.Name, data)
			if err != nil {
				return result, fmt.Errorf("failed to decode %s record: %w", d.Name, err)
			}
			if models.IsLocalID(rec.Key()) {
				result.Local++
				continue
			}
			recs = append(recs, rec)
		}

		for start := 0; start < len(recs); start += opts.BatchSize {
			end := min(start+opts.BatchSize, len(recs))
			written, err := remote.Upsert(ctx, d.Name, recs[start:end], upsert)
			if err != nil {
				if ctx.Err() != nil {
					return result, ctx.Err()
				}
				result.Failed[d.Name] = err
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.Name, err))
				break
			}
			result.Written[d.Name] += len(written)
		}

		logger.Info("Table restored", "action", "restore", "table", d.Name,
			"written", result.Written[d.Name], "skip_existing", opts.SkipExisting)
	}

	return result, errs
}
