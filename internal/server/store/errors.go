package store

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable wraps every persistence failure.
	ErrStoreUnavailable = errors.New("store unavailable")

	ErrTaskNotFound      = errors.New("task not found")
	ErrHostNotFound      = errors.New("host not found")
	ErrBundleNotFound    = errors.New("bundle not found")
	ErrBundleExists      = errors.New("bundle version already published")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// StoreError is a database failure during Op.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStoreUnavailable, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// wrap leaves domain errors alone and marks everything else unavailable.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range []error{
		ErrTaskNotFound, ErrHostNotFound, ErrBundleNotFound, ErrBundleExists,
		ErrInvalidTransition, ErrInvalidArgument,
	} {
		if errors.Is(err, domain) {
			return err
		}
	}
	return &StoreError{Op: op, Err: err}
}
