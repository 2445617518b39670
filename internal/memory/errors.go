package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound is returned when a record id does not exist.
	ErrRecordNotFound = errors.New("memory record not found")

	// ErrDimensionMismatch is returned when a write carries an embedding whose
	// length differs from the store's dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrMalformedVector is returned when a persisted vector blob cannot be decoded.
	ErrMalformedVector = errors.New("malformed vector blob")

	// ErrEmptyEmbedding is returned when a record without an embedding is written.
	ErrEmptyEmbedding = errors.New("record has no embedding")
)

// StoreError is a storage failure annotated with the operation that failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("memory store [%s]: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
