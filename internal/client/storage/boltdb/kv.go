package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"
)

// PutValue stores value under key
func (s *Storage) PutValue(ctx context.Context, key string, value []byte) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketKV)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), value); err != nil {
			return fmt.Errorf("failed to put %s: %w", key, err)
		}
		return nil
	})
}

// GetValue returns a copy of the value or nil if key doesn't exist
func (s *Storage) GetValue(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketKV)
		if err != nil {
			return err
		}
		// Значение валидно только внутри транзакции
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return value, nil
}

// DeleteValue removes key
func (s *Storage) DeleteValue(ctx context.Context, key string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketKV)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}
