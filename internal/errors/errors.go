// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

// ValidationError reports bad input to a command. No state was changed.
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

// NewValidation builds a ValidationError for a single field.
func NewValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned when an id is unknown to its store.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID %s not found", e.Kind, e.ID)
}

// Helper constructor
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError means the request is valid but the record's current state
// does not allow it (cancel while sending, scheduler already running, ...).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func NewConflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// TransientDeliveryError is a send failure worth retrying (network, timeout, 5xx).
type TransientDeliveryError struct {
	Err error
}

func (e *TransientDeliveryError) Error() string { return "transient delivery failure: " + e.Err.Error() }
func (e *TransientDeliveryError) Unwrap() error { return e.Err }

func NewTransient(err error) error {
	return &TransientDeliveryError{Err: err}
}

// PermanentDeliveryError is a send failure that will never succeed as-is
// (invalid recipient, rejected by the provider).
type PermanentDeliveryError struct {
	Err error
}

func (e *PermanentDeliveryError) Error() string { return "permanent delivery failure: " + e.Err.Error() }
func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

func NewPermanent(err error) error {
	return &PermanentDeliveryError{Err: err}
}

// StorageError wraps a failure of the durable store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// NewStorage wraps err unless it is nil or already one of the typed errors above.
func NewStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsValidation(err) || IsConflict(err) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsPermanent(err error) bool {
	var e *PermanentDeliveryError
	return errors.As(err, &e)
}

func IsStorage(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}
