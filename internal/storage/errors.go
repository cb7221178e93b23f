package storage

import "errors"

// Store errors. Callers branch on them with errors.Is.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a transaction with the same
	// (source_id, message_id) has already been stored.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned for nil records and for transactions whose
	// feed source has not been seeded.
	ErrInvalidInput = errors.New("invalid input")
)
