package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no document exists for the given collection and id.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidKey indicates an empty collection or id.
	ErrInvalidKey = errors.New("invalid record key")
)

// StoreError wraps storage errors with the operation and the record key.
type StoreError struct {
	Op         string // Operation being performed (e.g., "Get", "Put", "Delete")
	Collection string
	ID         string
	Err        error
}

func (e *StoreError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s operation failed for collection %s: %v", e.Op, e.Collection, e.Err)
	}

	return fmt.Sprintf("%s operation failed for %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, collection, id string, err error) *StoreError {
	return &StoreError{Op: op, Collection: collection, ID: id, Err: err}
}

// IsNotFound checks if an error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ValidateKey rejects empty collection or id values.
func ValidateKey(op, collection, id string) error {
	if collection == "" || id == "" {
		return NewStoreError(op, collection, id, ErrInvalidKey)
	}

	return nil
}
