package storage

import "errors"

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: store closed")
	// ErrInvalidPtr is returned for pointers that do not reference a live record.
	ErrInvalidPtr = errors.New("storage: invalid pointer")
)
