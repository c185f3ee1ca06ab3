package storage

import "errors"

// Common client storage errors
var (
	// ErrSessionNotFound indicates that no session has been saved on this device
	ErrSessionNotFound = errors.New("session not found")

	// ErrOperationNotFound indicates that queued operation was not found
	ErrOperationNotFound = errors.New("queued operation not found")

	// ErrUnknownIndex indicates a lookup on a field the table doesn't index
	ErrUnknownIndex = errors.New("unknown index")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
