package simcache

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a cache entry or file does not exist.
var ErrNotFound = errors.New("not found")

// ErrInsufficientSpace is returned when a write cannot fit within the disk
// budget even after normal and forced cleanup.
var ErrInsufficientSpace = errors.New("insufficient cache space")

// DownloadError wraps the final failure of a remote object download after
// the simplified-request fallback has also been attempted.
type DownloadError struct {
	Source string
	Err    error
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed for %s: %v", e.Source, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DownloadError) Unwrap() error {
	return e.Err
}
