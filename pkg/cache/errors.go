package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrNotCached indicates the requested bytes or metadata are not on disk.
	// It is a control-flow signal, not a failure.
	ErrNotCached = errors.New("not cached")

	// ErrCorruptMetadata indicates a metadata record could not be decoded.
	// Callers treat it like absent metadata.
	ErrCorruptMetadata = errors.New("corrupt cache metadata")
)

// StorageError reports a failed disk operation on a cache file.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StorageError) Unwrap() error {
	return e.Err
}
