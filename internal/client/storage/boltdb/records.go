package boltdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"go.etcd.io/bbolt"

	"github.com/iudanet/posync/internal/client/storage"
	"github.com/iudanet/posync/internal/models"
)

// indexSep отделяет значение поля от id в ключе индекса
const indexSep = 0x00

// Get returns the record or nil if it doesn't exist
func (s *Storage) Get(ctx context.Context, table models.Table, id string) (models.Record, error) {
	if _, err := s.descriptor(table); err != nil {
		return nil, err
	}

	var rec models.Record
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, tableBucket(table))
		if err != nil {
			return err
		}

		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}

		rec, err = models.DecodeRecord(table, data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}

	return rec, nil
}

// GetAll returns every record of the table in key order
func (s *Storage) GetAll(ctx context.Context, table models.Table) ([]models.Record, error) {
	if _, err := s.descriptor(table); err != nil {
		return nil, err
	}

	recs := make([]models.Record, 0)
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, tableBucket(table))
		if err != nil {
			return err
		}

		return b.ForEach(func(_, v []byte) error {
			rec, err := models.DecodeRecord(table, v)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}

	return recs, nil
}

// GetByIndex returns records whose indexed field equals value
func (s *Storage) GetByIndex(ctx context.Context, table models.Table, field, value string) ([]models.Record, error) {
	d, err := s.descriptor(table)
	if err != nil {
		return nil, err
	}
	if !d.HasIndex(field) {
		return nil, fmt.Errorf("%w: %s.%s", storage.ErrUnknownIndex, table, field)
	}

	recs := make([]models.Record, 0)
	err = s.view(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, tableBucket(table))
		if err != nil {
			return err
		}

		for _, id := range indexLookup(tx, table, field, value) {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			rec, err := models.DecodeRecord(table, data)
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query %s by %s: %w", table, field, err)
	}

	return recs, nil
}

// Put replaces the whole record
func (s *Storage) Put(ctx context.Context, rec models.Record) error {
	d, err := s.descriptor(rec.Table())
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", rec.Table(), err)
	}

	return s.update(ctx, func(tx *bbolt.Tx) error {
		return putRecord(tx, d, rec.Key(), data)
	})
}

// BulkPut writes all records in one transaction
func (s *Storage) BulkPut(ctx context.Context, table models.Table, recs []models.Record) error {
	d, err := s.descriptor(table)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return nil
	}

	payloads := make([][]byte, len(recs))
	for i, rec := range recs {
		if rec.Table() != table {
			return fmt.Errorf("record %s belongs to %s, not %s", rec.Key(), rec.Table(), table)
		}
		if payloads[i], err = json.Marshal(rec); err != nil {
			return fmt.Errorf("failed to marshal %s record: %w", table, err)
		}
	}

	return s.update(ctx, func(tx *bbolt.Tx) error {
		for i, rec := range recs {
			if err := putRecord(tx, d, rec.Key(), payloads[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes the record; missing record is not an error
func (s *Storage) Delete(ctx context.Context, table models.Table, id string) error {
	d, err := s.descriptor(table)
	if err != nil {
		return err
	}

	return s.update(ctx, func(tx *bbolt.Tx) error {
		return deleteRecord(tx, d, id)
	})
}

// putRecord пишет запись и перестраивает ее индексные ключи
func putRecord(tx *bbolt.Tx, d models.TableDescriptor, id string, data []byte) error {
	if id == "" {
		return fmt.Errorf("%s record has empty id", d.Name)
	}

	b, err := bucket(tx, tableBucket(d.Name))
	if err != nil {
		return err
	}

	if old := b.Get([]byte(id)); old != nil {
		if err := unindex(tx, d, id, old); err != nil {
			return err
		}
	}

	if err := b.Put([]byte(id), data); err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", d.Name, id, err)
	}

	for _, field := range d.Indexes {
		value := gjson.GetBytes(data, field).String()
		if value == "" {
			continue
		}
		ib, err := bucket(tx, indexBucket(d.Name, field))
		if err != nil {
			return err
		}
		if err := ib.Put(indexKey(value, id), nil); err != nil {
			return fmt.Errorf("failed to index %s.%s: %w", d.Name, field, err)
		}
	}

	return nil
}

func deleteRecord(tx *bbolt.Tx, d models.TableDescriptor, id string) error {
	b, err := bucket(tx, tableBucket(d.Name))
	if err != nil {
		return err
	}

	old := b.Get([]byte(id))
	if old == nil {
		return nil
	}
	if err := unindex(tx, d, id, old); err != nil {
		return err
	}

	return b.Delete([]byte(id))
}

func unindex(tx *bbolt.Tx, d models.TableDescriptor, id string, data []byte) error {
	for _, field := range d.Indexes {
		value := gjson.GetBytes(data, field).String()
		if value == "" {
			continue
		}
		ib, err := bucket(tx, indexBucket(d.Name, field))
		if err != nil {
			return err
		}
		if err := ib.Delete(indexKey(value, id)); err != nil {
			return fmt.Errorf("failed to unindex %s.%s: %w", d.Name, field, err)
		}
	}
	return nil
}

// indexLookup возвращает id записей с заданным значением поля
func indexLookup(tx *bbolt.Tx, table models.Table, field, value string) []string {
	ib := tx.Bucket(indexBucket(table, field))
	if ib == nil {
		return nil
	}

	prefix := append([]byte(value), indexSep)
	var ids []string
	c := ib.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		ids = append(ids, string(k[len(prefix):]))
	}
	return ids
}

func indexKey(value, id string) []byte {
	key := make([]byte, 0, len(value)+len(id)+1)
	key = append(key, value...)
	key = append(key, indexSep)
	return append(key, id...)
}
