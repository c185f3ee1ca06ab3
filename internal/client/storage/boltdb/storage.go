package boltdb

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
)

var (
	// BoltDB bucket names
	bucketQueue    = []byte("queue")
	bucketFailed   = []byte("queue_failed")
	bucketSyncMeta = []byte("sync_meta")
	bucketKV       = []byte("kv")
	bucketSession  = []byte("session")
)

// openTimeout ограничивает ожидание файловой блокировки.
// Второй процесс с тем же файлом получит ошибку вместо зависания.
const openTimeout = 2 * time.Second

// Storage represents BoltDB storage implementation for client
type Storage struct {
	db     *bbolt.DB
	schema models.Schema
}

var _ storage.Storage = (*Storage)(nil)

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file, schema describes tables and indexes
func New(ctx context.Context, dbPath string, schema models.Schema) (*Storage, error) {
	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	store := &Storage{db: db, schema: schema}

	// Инициализируем buckets
	if err := db.Update(store.initBuckets); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return store, nil
}

// Schema returns the table descriptors the store was opened with
func (s *Storage) Schema() models.Schema {
	return s.schema
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets(tx *bbolt.Tx) error {
	for _, name := range [][]byte{bucketQueue, bucketFailed, bucketSyncMeta, bucketKV, bucketSession} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("failed to create %s bucket: %w", name, err)
		}
	}

	// Таблицы и их вторичные индексы
	for _, d := range s.schema {
		if _, err := tx.CreateBucketIfNotExists(tableBucket(d.Name)); err != nil {
			return fmt.Errorf("failed to create %s bucket: %w", d.Name, err)
		}
		for _, field := range d.Indexes {
			if _, err := tx.CreateBucketIfNotExists(indexBucket(d.Name, field)); err != nil {
				return fmt.Errorf("failed to create index %s.%s: %w", d.Name, field, err)
			}
		}
	}

	return nil
}

// DeleteDatabase drops every bucket and recreates the schema in one transaction
func (s *Storage) DeleteDatabase(ctx context.Context) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		var names [][]byte
		if err := tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, append([]byte(nil), name...))
			return nil
		}); err != nil {
			return err
		}

		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("failed to delete bucket %s: %w", name, err)
			}
		}

		return s.initBuckets(tx)
	})
}

func (s *Storage) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *Storage) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func (s *Storage) descriptor(table models.Table) (models.TableDescriptor, error) {
	d, ok := s.schema.Lookup(table)
	if !ok {
		return models.TableDescriptor{}, fmt.Errorf("%w: %q", models.ErrUnknownTable, table)
	}
	return d, nil
}

func tableBucket(table models.Table) []byte {
	return []byte("t/" + string(table))
}

func indexBucket(table models.Table, field string) []byte {
	return []byte("idx/" + string(table) + "/" + field)
}

func bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("%s bucket not found", name)
	}
	return b, nil
}
