package services

import (
	"errors"
	"fmt"
)

// ErrWriteConflict is returned when a conditional write kept losing to
// concurrent writers on the same row.
var ErrWriteConflict = errors.New("session write conflict")

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }

type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

type ForbiddenError struct{ Message string }

func (e *ForbiddenError) Error() string { return e.Message }

// StoreUnavailableError wraps a failure talking to the activity store.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("activity store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func unavailable(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}
