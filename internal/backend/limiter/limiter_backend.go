package limiter

import (
	"context"
	"io"

	"github.com/packrat/packrat/internal/backend"
)

// throttledBackend passes uploads and downloads through a Limiter.
type throttledBackend struct {
	backend.Backend
	l Limiter
}

var _ backend.Backend = throttledBackend{}

// LimitBackend returns be with Save and Load throttled by l.
func LimitBackend(be backend.Backend, l Limiter) backend.Backend {
	return throttledBackend{Backend: be, l: l}
}

func (b throttledBackend) Unwrap() backend.Backend { return b.Backend }

func (b throttledBackend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	return b.Backend.Save(ctx, h, throttledRewindReader{RewindReader: rd, rd: b.l.Upstream(rd)})
}

func (b throttledBackend) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	return b.Backend.Load(ctx, h, length, offset, func(rd io.Reader) error {
		return fn(b.downstream(rd))
	})
}

// downstream throttles rd and keeps its WriteTo, which the mem and local
// backends use for fast copies.
func (b throttledBackend) downstream(rd io.Reader) io.Reader {
	wt, ok := rd.(io.WriterTo)
	if !ok {
		return b.l.Downstream(rd)
	}
	return &throttledWriterTo{Reader: b.l.Downstream(rd), wt: wt, l: b.l}
}

// throttledRewindReader keeps Rewind, Length and Hash of the wrapped reader.
type throttledRewindReader struct {
	backend.RewindReader
	rd io.Reader
}

func (r throttledRewindReader) Read(p []byte) (int, error) { return r.rd.Read(p) }

type throttledWriterTo struct {
	io.Reader
	wt io.WriterTo
	l  Limiter
}

func (r *throttledWriterTo) WriteTo(w io.Writer) (int64, error) {
	return r.wt.WriteTo(r.l.DownstreamWriter(w))
}
