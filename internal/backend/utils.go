package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"

	"github.com/minio/sha256-simd"
)

// LoadAll reads the whole object h into buf, reusing its capacity. Objects
// other than the config are named by the SHA-256 of their contents. If the
// data does not match its name, the object is downloaded once more; a second
// mismatch fails with ErrInvalidData.
func LoadAll(ctx context.Context, buf []byte, be Backend, h Handle) ([]byte, error) {
	for retried := false; ; retried = true {
		err := be.Load(ctx, h, 0, 0, func(rd io.Reader) error {
			wr := bytes.NewBuffer(buf[:0])
			if _, err := io.Copy(wr, rd); err != nil {
				return err
			}
			buf = wr.Bytes()
			return nil
		})
		if err != nil {
			return nil, err
		}

		if matchesName(h, buf) {
			return buf, nil
		}
		if retried {
			return nil, errors.Wrapf(ErrInvalidData, "LoadAll(%v)", h)
		}
		debug.Log("retry loading broken file %v", h)
	}
}

// matchesName reports whether buf hashes to the name of h. Names that are
// no content hash always match.
func matchesName(h Handle, buf []byte) bool {
	if h.Type == ConfigFile {
		return true
	}
	name, err := hex.DecodeString(h.Name)
	if err != nil || len(name) != sha256.Size {
		return true
	}
	sum := sha256.Sum256(buf)
	return bytes.Equal(sum[:], name)
}

// LimitedReadCloser is an io.LimitedReader that keeps the Close method of
// the underlying reader.
type LimitedReadCloser struct {
	io.Closer
	io.LimitedReader
}

// LimitReadCloser limits r to n bytes.
func LimitReadCloser(r io.ReadCloser, n int64) *LimitedReadCloser {
	return &LimitedReadCloser{Closer: r, LimitedReader: io.LimitedReader{R: r, N: n}}
}

// DefaultLoad implements Backend.Load on top of a function opening a reader
// for a range.
func DefaultLoad(ctx context.Context, h Handle, length int, offset int64,
	openReader func(ctx context.Context, h Handle, length int, offset int64) (io.ReadCloser, error),
	fn func(rd io.Reader) error) error {

	rd, err := openReader(ctx, h, length, offset)
	if err != nil {
		return err
	}
	if err := fn(rd); err != nil {
		_ = rd.Close()
		return err
	}
	return rd.Close()
}
