package storage

import (
	"context"

	"github.com/iudanet/posync/internal/client/session"
)

// SessionStorage persists the current session on the device
type SessionStorage interface {
	// SaveSession stores the session, replacing the previous one
	SaveSession(ctx context.Context, s *session.Session) error

	// GetSession returns ErrSessionNotFound if no session is saved
	GetSession(ctx context.Context) (*session.Session, error)

	// DeleteSession removes the stored session
	DeleteSession(ctx context.Context) error
}

// Storage is everything the local store provides
type Storage interface {
	RecordStorage
	QueueStorage
	MetadataStorage
	KVStorage
	SessionStorage
	Close() error
}
