package db

import (
	"github.com/pkg/errors"
)

var (
	ErrNotFound   = errors.New("entity not found")
	ErrStorage    = errors.New("storage error")
	ErrAlreadyRan = errors.New("scheduled broadcast already recorded for this date")
)

// StorageError marks an underlying I/O failure. It matches ErrStorage with
// errors.Is and unwraps to the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
