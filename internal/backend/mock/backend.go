// Package mock provides a backend whose behavior is set per test.
package mock

import (
	"context"
	"hash"
	"io"
	"sync"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/errors"
)

// ErrNotImplemented is returned by operations the test left unset.
var ErrNotImplemented = errors.New("not implemented by mock")

// Backend dispatches every operation to the matching function field and
// counts the calls. List without ListFn lists nothing; the error
// classifiers default to "not missing" and "permanent only for existing
// files".
type Backend struct {
	IsNotExistFn       func(err error) bool
	IsPermanentErrorFn func(err error) bool
	SaveFn             func(ctx context.Context, h backend.Handle, rd backend.RewindReader) error
	OpenReaderFn       func(ctx context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error)
	StatFn             func(ctx context.Context, h backend.Handle) (backend.FileInfo, error)
	ListFn             func(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error
	RemoveFn           func(ctx context.Context, h backend.Handle) error
	HasherFn           func() hash.Hash

	mu    sync.Mutex
	calls map[string]int
}

var _ backend.Backend = &Backend{}

// NewBackend returns a mock without any behavior.
func NewBackend() *Backend {
	return &Backend{}
}

// Calls returns how often op ("save", "load", "stat", "list" or "remove")
// was invoked.
func (m *Backend) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Backend) count(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
}

func unset(op string, h backend.Handle) error {
	return errors.Wrapf(ErrNotImplemented, "%v(%v)", op, h)
}

func (m *Backend) Connections() uint { return 2 }

func (m *Backend) Close() error { return nil }

func (m *Backend) Delete(context.Context) error { return ErrNotImplemented }

func (m *Backend) Hasher() hash.Hash {
	if m.HasherFn != nil {
		return m.HasherFn()
	}
	return nil
}

func (m *Backend) IsNotExist(err error) bool {
	return m.IsNotExistFn != nil && m.IsNotExistFn(err)
}

func (m *Backend) IsPermanentError(err error) bool {
	if m.IsPermanentErrorFn != nil {
		return m.IsPermanentErrorFn(err)
	}
	return backend.IsAlreadyExists(err)
}

func (m *Backend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	m.count("save")
	if m.SaveFn == nil {
		return unset("save", h)
	}
	return m.SaveFn(ctx, h, rd)
}

func (m *Backend) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	m.count("load")
	if m.OpenReaderFn == nil {
		return unset("load", h)
	}
	return backend.DefaultLoad(ctx, h, length, offset, m.OpenReaderFn, fn)
}

func (m *Backend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	m.count("stat")
	if m.StatFn == nil {
		return backend.FileInfo{}, unset("stat", h)
	}
	return m.StatFn(ctx, h)
}

func (m *Backend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	m.count("list")
	if m.ListFn == nil {
		return nil
	}
	return m.ListFn(ctx, t, fn)
}

func (m *Backend) Remove(ctx context.Context, h backend.Handle) error {
	m.count("remove")
	if m.RemoveFn == nil {
		return unset("remove", h)
	}
	return m.RemoveFn(ctx, h)
}
