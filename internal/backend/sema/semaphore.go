// Package sema limits the number of concurrent backend operations.
package sema

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/packrat/packrat/internal/errors"
)

// Semaphore hands out a fixed number of connection tokens.
type Semaphore struct {
	w *semaphore.Weighted
}

// New returns a semaphore with n tokens.
func New(n uint) (*Semaphore, error) {
	if n == 0 {
		return nil, errors.New("number of connections must be positive")
	}
	return &Semaphore{w: semaphore.NewWeighted(int64(n))}, nil
}

// Acquire waits for a token and returns the function giving it back. It
// fails only if ctx is done first.
func (s *Semaphore) Acquire(ctx context.Context) (release func(), err error) {
	if err := s.w.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return sync.OnceFunc(func() { s.w.Release(1) }), nil
}

// ReleaseOnClose calls release once rc is closed.
func ReleaseOnClose(rc io.ReadCloser, release func()) io.ReadCloser {
	return &releasingReader{ReadCloser: rc, release: release}
}

type releasingReader struct {
	io.ReadCloser
	release func()
}

func (r *releasingReader) Close() error {
	defer r.release()
	return r.ReadCloser.Close()
}
