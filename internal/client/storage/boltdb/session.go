package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/posync/internal/client/session"
	"github.com/iudanet/posync/internal/client/storage"
)

var sessionKey = []byte("current")

// SaveSession stores the current session
func (s *Storage) SaveSession(ctx context.Context, sess *session.Session) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSession)
		if err != nil {
			return err
		}

		// Сериализуем данные в JSON
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		if err := b.Put(sessionKey, data); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}

		return nil
	})
}

// GetSession retrieves the stored session
func (s *Storage) GetSession(ctx context.Context) (*session.Session, error) {
	var sess *session.Session

	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSession)
		if err != nil {
			return err
		}

		data := b.Get(sessionKey)
		if data == nil {
			return storage.ErrSessionNotFound
		}

		sess = &session.Session{}
		if err := json.Unmarshal(data, sess); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return sess, nil
}

// DeleteSession removes the stored session
func (s *Storage) DeleteSession(ctx context.Context) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := bucket(tx, bucketSession)
		if err != nil {
			return err
		}

		// Проверяем существование данных
		if b.Get(sessionKey) == nil {
			return storage.ErrSessionNotFound
		}

		return b.Delete(sessionKey)
	})
}
