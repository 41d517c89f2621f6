// Package backend defines the storage contract the repository is built on:
// named, immutable objects grouped by type. Concrete backends live in sub
// packages; retry, limiter and sema wrap a backend with additional policy.
package backend

import (
	"context"
	"hash"
	"io"
)

// Backend stores immutable objects.
//
// Implementations must be safe for concurrent use. Errors that retrying
// cannot fix should be recognized by IsPermanentError, the retry wrapper
// then gives up immediately.
type Backend interface {
	// Connections returns the maximum number of concurrent operations.
	Connections() uint

	// Hasher optionally returns the hash the backend wants attached to
	// uploads (see RewindReader.Hash).
	Hasher() hash.Hash

	// Save writes the data from rd to h. Objects are write-once: if h
	// already exists, Save fails with an error matching ErrAlreadyExists
	// and leaves the existing object untouched.
	Save(ctx context.Context, h Handle, rd RewindReader) error

	// Load calls fn with a reader for length bytes of h starting at
	// offset. A length of zero reads to the end. If the object is shorter
	// than requested, an error recognized by IsPermanentError is returned.
	// fn may be called more than once and must be idempotent.
	Load(ctx context.Context, h Handle, length int, offset int64, fn func(rd io.Reader) error) error

	// Stat returns the size of h.
	Stat(ctx context.Context, h Handle) (FileInfo, error)

	// List calls fn for every object of type t, in the goroutine List was
	// called from. It stops at the first error returned by fn.
	List(ctx context.Context, t FileType, fn func(FileInfo) error) error

	// Remove deletes h. Removing a missing object is an error recognized
	// by IsNotExist.
	Remove(ctx context.Context, h Handle) error

	// IsNotExist reports whether err, possibly wrapped, was caused by a
	// missing object.
	IsNotExist(err error) bool

	// IsPermanentError reports whether retrying the failed operation is
	// pointless: missing objects, short ranges, rejected writes.
	IsPermanentError(err error) bool

	// Close releases resources held by the backend.
	Close() error

	// Delete removes the whole repository.
	Delete(ctx context.Context) error
}

// Unwrapper is implemented by backends that wrap another backend.
type Unwrapper interface {
	Unwrap() Backend
}

// AsBackend walks the chain of wrapped backends and returns the first one of
// type B, or the zero value.
func AsBackend[B Backend](b Backend) B {
	for b != nil {
		if be, ok := b.(B); ok {
			return be
		}
		u, ok := b.(Unwrapper)
		if !ok {
			break
		}
		b = u.Unwrap()
	}

	var zero B
	return zero
}

// FileInfo describes a stored object.
type FileInfo struct {
	Size int64
	Name string
}
