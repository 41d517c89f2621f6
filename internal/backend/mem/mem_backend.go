// Package mem implements a backend that keeps all objects in memory. It is
// used by tests and for throwaway repositories.
package mem

import (
	"bytes"
	"context"
	"encoding/base64"
	"hash"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"

	"github.com/cespare/xxhash/v2"
)

var errNotFound = errors.NewKind(errors.KindNotFound, "not found")
var errTooSmall = errors.New("access beyond end of file")

const connectionCount = 2

// MemoryBackend stores objects in a map.
type MemoryBackend struct {
	m    sync.Mutex
	data map[backend.Handle][]byte
}

var _ backend.Backend = &MemoryBackend{}

// New returns an empty memory backend.
func New() *MemoryBackend {
	debug.Log("created new memory backend")
	return &MemoryBackend{data: make(map[backend.Handle][]byte)}
}

func key(h backend.Handle) backend.Handle {
	if h.Type == backend.ConfigFile {
		h.Name = ""
	}
	return h
}

// IsNotExist reports whether err was caused by a missing object.
func (be *MemoryBackend) IsNotExist(err error) bool {
	return errors.Is(err, errNotFound)
}

// IsPermanentError reports whether retrying err is pointless.
func (be *MemoryBackend) IsPermanentError(err error) bool {
	return be.IsNotExist(err) || errors.Is(err, errTooSmall) ||
		backend.IsAlreadyExists(err) || errors.Is(err, backend.ErrInvalidHandle)
}

// verifyUpload checks buf against the length and hash announced by rd.
func (be *MemoryBackend) verifyUpload(buf []byte, rd backend.RewindReader) error {
	if int64(len(buf)) != rd.Length() {
		return errors.Errorf("wrote %d bytes instead of the expected %d bytes", len(buf), rd.Length())
	}
	if rd.Hash() == nil {
		return nil
	}
	h := be.Hasher()
	_, _ = h.Write(buf)
	if sum := h.Sum(nil); !bytes.Equal(sum, rd.Hash()) {
		return errors.Errorf("invalid file hash or content, got %s expected %s",
			base64.RawStdEncoding.EncodeToString(sum), base64.RawStdEncoding.EncodeToString(rd.Hash()))
	}
	return nil
}

// Save stores the data read from rd. Existing objects are never replaced.
func (be *MemoryBackend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := h.Valid(); err != nil {
		return err
	}
	buf, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	if err := be.verifyUpload(buf, rd); err != nil {
		return err
	}

	be.m.Lock()
	defer be.m.Unlock()
	if _, ok := be.data[key(h)]; ok {
		return errors.Wrap(backend.ErrAlreadyExists, h.String())
	}
	be.data[key(h)] = buf
	return ctx.Err()
}

// lookup returns the content of h. The caller holds be.m.
func (be *MemoryBackend) lookup(h backend.Handle) ([]byte, error) {
	buf, ok := be.data[key(h)]
	if !ok {
		return nil, errors.Wrap(errNotFound, h.String())
	}
	return buf, nil
}

// Load calls fn with a reader for the requested range of h.
func (be *MemoryBackend) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	return backend.DefaultLoad(ctx, h, length, offset, be.openReader, fn)
}

func (be *MemoryBackend) openReader(ctx context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error) {
	be.m.Lock()
	defer be.m.Unlock()

	buf, err := be.lookup(h)
	if err != nil {
		return nil, err
	}
	end := offset + int64(length)
	if length == 0 {
		end = int64(len(buf))
	}
	if offset < 0 || offset > end || end > int64(len(buf)) {
		return nil, errTooSmall
	}
	return io.NopCloser(bytes.NewReader(buf[offset:end])), ctx.Err()
}

// Stat returns the size of h.
func (be *MemoryBackend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	be.m.Lock()
	defer be.m.Unlock()

	buf, err := be.lookup(h)
	if err != nil {
		return backend.FileInfo{}, err
	}
	return backend.FileInfo{Size: int64(len(buf)), Name: h.Name}, ctx.Err()
}

// Remove deletes h.
func (be *MemoryBackend) Remove(ctx context.Context, h backend.Handle) error {
	be.m.Lock()
	defer be.m.Unlock()

	if _, err := be.lookup(h); err != nil {
		return err
	}
	delete(be.data, key(h))
	return ctx.Err()
}

// List calls fn for all objects of type t in name order. Objects added or
// removed while listing may or may not be reported.
func (be *MemoryBackend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	var entries []backend.FileInfo
	be.m.Lock()
	for h, buf := range be.data {
		if h.Type == t {
			entries = append(entries, backend.FileInfo{Name: h.Name, Size: int64(len(buf))})
		}
	}
	be.m.Unlock()

	slices.SortFunc(entries, func(a, b backend.FileInfo) int { return strings.Compare(a.Name, b.Name) })
	for _, fi := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(fi); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Connections returns the number of parallel operations callers should use.
func (be *MemoryBackend) Connections() uint {
	return connectionCount
}

// Hasher returns xxhash, so uploads are checked for corruption in transit.
func (be *MemoryBackend) Hasher() hash.Hash {
	return xxhash.New()
}

// Delete removes all objects.
func (be *MemoryBackend) Delete(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	be.m.Lock()
	defer be.m.Unlock()
	be.data = make(map[backend.Handle][]byte)
	return nil
}

// Close does nothing.
func (be *MemoryBackend) Close() error {
	return nil
}
