package sema

import (
	"context"
	"io"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/errors"
)

// connectionLimitedBackend allows at most Connections() operations at once.
type connectionLimitedBackend struct {
	backend.Backend
	sem *Semaphore
}

var _ backend.Backend = &connectionLimitedBackend{}

// NewBackend limits the concurrent operations on be to be.Connections().
func NewBackend(be backend.Backend) backend.Backend {
	sem, err := New(be.Connections())
	if err != nil {
		panic(err)
	}
	return &connectionLimitedBackend{Backend: be, sem: sem}
}

// acquire waits for a token and returns the function releasing it. Lock
// files bypass the limit so that a stuck upload cannot block lock refresh.
func (be *connectionLimitedBackend) acquire(ctx context.Context, t backend.FileType) (func(), error) {
	if t == backend.LockFile {
		return func() {}, ctx.Err()
	}

	return be.sem.Acquire(ctx)
}

func (be *connectionLimitedBackend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := h.Valid(); err != nil {
		return err
	}
	release, err := be.acquire(ctx, h.Type)
	if err != nil {
		return err
	}
	defer release()

	return be.Backend.Save(ctx, h, rd)
}

func (be *connectionLimitedBackend) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	if err := h.Valid(); err != nil {
		return err
	}
	if offset < 0 {
		return errors.Wrap(backend.ErrInvalidHandle, "offset is negative")
	}
	if length < 0 {
		return errors.Wrapf(backend.ErrInvalidHandle, "invalid length %d", length)
	}

	release, err := be.acquire(ctx, h.Type)
	if err != nil {
		return err
	}
	defer release()

	return be.Backend.Load(ctx, h, length, offset, fn)
}

func (be *connectionLimitedBackend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	if err := h.Valid(); err != nil {
		return backend.FileInfo{}, err
	}
	release, err := be.acquire(ctx, h.Type)
	if err != nil {
		return backend.FileInfo{}, err
	}
	defer release()

	return be.Backend.Stat(ctx, h)
}

func (be *connectionLimitedBackend) Remove(ctx context.Context, h backend.Handle) error {
	if err := h.Valid(); err != nil {
		return err
	}
	release, err := be.acquire(ctx, h.Type)
	if err != nil {
		return err
	}
	defer release()

	return be.Backend.Remove(ctx, h)
}

func (be *connectionLimitedBackend) IsPermanentError(err error) bool {
	return errors.Is(err, backend.ErrInvalidHandle) || be.Backend.IsPermanentError(err)
}

func (be *connectionLimitedBackend) Unwrap() backend.Backend {
	return be.Backend
}
