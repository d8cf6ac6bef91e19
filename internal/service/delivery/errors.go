package delivery

import (
	"errors"
	"fmt"
)

// Sentinel errors for the delivery service layer.
var (
	ErrValidation            = errors.New("validation failed")
	ErrIdempotencyConflict   = errors.New("idempotency key reused with a different request")
	ErrIdempotencyInProgress = errors.New("idempotency key is still being processed")
	ErrNotFound              = errors.New("not found")
	ErrStoreCorrupted        = errors.New("store corrupted")
	ErrInvalidSignature      = errors.New("invalid unsubscribe signature")
	ErrInvalidEvent          = errors.New("invalid provider event")
)

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
