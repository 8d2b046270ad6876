package service

import (
	"errors"
	"fmt"
)

// ValidationError is returned for malformed input that was rejected before
// any lock or booking state was touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ErrDraftAlreadyConfirmed is returned when a draft was already finalized
// under a different idempotency key.
var ErrDraftAlreadyConfirmed = errors.New("draft already confirmed")
