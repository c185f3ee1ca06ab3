package storage

import "errors"

// Common storage errors
var (
	// ErrRecordNotFound indicates that record was not found in storage
	ErrRecordNotFound = errors.New("record not found")

	// ErrDuplicateID indicates that record with this id already exists
	ErrDuplicateID = errors.New("record already exists")

	// ErrMissingID indicates that upserted record has no id
	ErrMissingID = errors.New("record id is required")

	// ErrInvalidColumn indicates that filter or order references an invalid column
	ErrInvalidColumn = errors.New("invalid column")

	// ErrInvalidRecord indicates that request body is not a JSON object
	ErrInvalidRecord = errors.New("invalid record")
)
