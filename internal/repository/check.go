package repository

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/klauspost/compress/zstd"
	"github.com/minio/sha256-simd"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository/hashing"
	"github.com/packrat/packrat/internal/repository/pack"
)

// ErrPackData is returned if errors are discovered while verifying a pack.
// BadBlobs lists the blobs that failed to decrypt or do not match their id.
type ErrPackData struct {
	PackID   packrat.ID
	BadBlobs packrat.BlobHandles
	errs     []error
}

func (e *ErrPackData) Error() string {
	return fmt.Sprintf("pack %v contains %v errors: %v", e.PackID, len(e.errs), e.errs)
}

// Is lets ErrPackData match packrat.ErrCorruptData.
func (e *ErrPackData) Is(target error) bool {
	return target == packrat.ErrCorruptData
}

// Kind classifies the error as corrupt data.
func (e *ErrPackData) Kind() errors.Kind {
	return errors.KindCorruptData
}

// Errors returns the individual problems found in the pack.
func (e *ErrPackData) Errors() []error {
	return e.errs
}

type partialReadError struct {
	err error
}

func (e *partialReadError) Error() string {
	return e.err.Error()
}

func (e *partialReadError) Unwrap() error {
	return e.err
}

// CheckPack reads a pack and checks the integrity of all blobs. blobs is the
// content of the pack according to the index. The pack is downloaded once, a
// failed check is repeated to rule out transient errors.
func CheckPack(ctx context.Context, r *Repository, id packrat.ID, blobs []packrat.Blob, size int64, bufRd *bufio.Reader, dec *zstd.Decoder) error {
	err := checkPackInner(ctx, r, id, blobs, size, bufRd, dec)
	if err != nil && ctx.Err() == nil {
		err2 := checkPackInner(ctx, r, id, blobs, size, bufRd, dec)
		if err2 != nil {
			err = err2
		} else {
			err = fmt.Errorf("check successful on second attempt, original error %w", err)
		}
	}
	return err
}

// packLayout is the content of a pack according to the index.
type packLayout struct {
	blobs   []packrat.Blob // sorted by offset
	dataEnd int64
	hdrSize uint32
	gaps    bool
}

func newPackLayout(blobs []packrat.Blob) packLayout {
	slices.SortFunc(blobs, func(a, b packrat.Blob) int {
		return cmp.Compare(a.Offset, b.Offset)
	})

	l := packLayout{blobs: blobs, hdrSize: uint32(pack.CalculateHeaderSize(blobs))}
	for _, b := range blobs {
		if int64(b.Offset) != l.dataEnd {
			l.gaps = true
		}
		l.dataEnd = int64(b.Offset + b.Length)
	}
	return l
}

// packCheck collects the problems found in one pack.
type packCheck struct {
	id   packrat.ID
	errs []error
	bad  packrat.BlobHandles
}

func (c *packCheck) reset(l packLayout) {
	c.errs = c.errs[:0]
	c.bad = c.bad[:0]
	if l.gaps {
		c.errs = append(c.errs, errors.New("index for pack contains gaps / overlapping blobs"))
	}
}

func (c *packCheck) result(extra ...error) error {
	errs := append(c.errs, extra...)
	if len(errs) == 0 {
		return nil
	}
	return &ErrPackData{PackID: c.id, BadBlobs: c.bad, errs: errs}
}

// stream reads the whole pack from rd, decrypts and verifies each indexed
// blob and returns the hash of the pack and its trailing bytes, which hold
// the header.
func (c *packCheck) stream(ctx context.Context, rd io.Reader, bufRd *bufio.Reader, l packLayout, size int64, key *crypto.Key, dec *zstd.Decoder) (packrat.ID, []byte, error) {
	hrd := hashing.NewReader(rd, sha256.New())
	bufRd.Reset(hrd)

	it := newPackBlobIterator(c.id, newBufReader(bufRd), 0, l.blobs, key, dec)
	for {
		if ctx.Err() != nil {
			return packrat.ID{}, nil, ctx.Err()
		}
		val, err := it.Next()
		if err == errPackEOF {
			break
		}
		if err != nil {
			return packrat.ID{}, nil, &partialReadError{err}
		}
		if val.Err != nil {
			debug.Log("  blob %v: %v", val.Handle, val.Err)
			c.errs = append(c.errs, errors.Errorf("blob %v: %v", val.Handle.ID, val.Err))
			c.bad = append(c.bad, val.Handle)
		}
	}

	// the header is at most MaxHeaderSize bytes long
	pos := l.dataEnd
	if skip := size - pack.MaxHeaderSize - pos; skip > 0 {
		if _, err := bufRd.Discard(int(skip)); err != nil {
			return packrat.ID{}, nil, &partialReadError{err}
		}
		pos += skip
	}
	if pos > size {
		return packrat.ID{}, nil, &partialReadError{errors.Errorf("blobs end at %d beyond pack size %d", pos, size)}
	}

	trailer := make([]byte, size-pos)
	if _, err := io.ReadFull(bufRd, trailer); err != nil {
		return packrat.ID{}, nil, &partialReadError{err}
	}
	return packrat.IDFromHash(hrd.Sum(nil)), trailer, nil
}

// trailerReaderAt serves the last bytes of a pack of the given size. Bytes
// before the trailer read as zero.
type trailerReaderAt struct {
	trailer []byte
	size    int64
}

func (t trailerReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > t.size {
		return 0, io.ErrUnexpectedEOF
	}
	start := t.size - int64(len(t.trailer))
	n := 0
	if off < start {
		n = int(min(start-off, int64(len(p))))
		clear(p[:n])
	}
	if n < len(p) {
		copy(p[n:], t.trailer[off+int64(n)-start:])
	}
	return len(p), nil
}

// verifyHeader parses the header from the trailer of a pack with the given
// size and checks that the index knows every blob it lists at the same
// position.
func (c *packCheck) verifyHeader(r *Repository, trailer []byte, size int64, want uint32) {
	hdrBlobs, hdrSize, err := pack.List(r.Key(), trailerReaderAt{trailer: trailer, size: size}, size)
	if err != nil {
		c.errs = append(c.errs, err)
		return
	}
	if hdrSize != want {
		debug.Log("header size of pack %v is %v, index expects %v", c.id, hdrSize, want)
		c.errs = append(c.errs, errors.Errorf("pack header size does not match, want %v, got %v", want, hdrSize))
	}

	for _, blob := range hdrBlobs {
		indexed := slices.ContainsFunc(r.LookupBlob(blob.Type, blob.ID), func(pb packrat.PackedBlob) bool {
			return pb.PackID == c.id && pb.Blob == blob
		})
		if !indexed {
			c.errs = append(c.errs, errors.Errorf("blob %v is not contained in index or position is incorrect", blob.ID))
		}
	}
}

func checkPackInner(ctx context.Context, r *Repository, id packrat.ID, blobs []packrat.Blob, size int64, bufRd *bufio.Reader, dec *zstd.Decoder) error {
	debug.Log("checking pack %v", id)
	if len(blobs) == 0 {
		return &ErrPackData{PackID: id, errs: []error{errors.New("pack is empty or not indexed")}}
	}

	layout := newPackLayout(blobs)
	if layout.gaps {
		debug.Log("index entries of pack %v have gaps or overlap: %v", id, blobs)
	}

	c := &packCheck{id: id}
	var hash packrat.ID
	var trailer []byte
	h := backend.Handle{Type: backend.PackFile, Name: id.String()}
	err := r.be.Load(ctx, h, int(size), 0, func(rd io.Reader) (err error) {
		// Load may call this more than once
		c.reset(layout)
		hash, trailer, err = c.stream(ctx, rd, bufRd, layout, size, r.Key(), dec)
		return err
	})
	if err != nil {
		var perr *partialReadError
		if errors.As(err, &perr) {
			debug.Log("pack %v: partial read: %v", id, err)
			return c.result(fmt.Errorf("partial download error: %w", err))
		}
		// nothing was read, there is no data to salvage
		return packrat.NewBackendError("load", h, err)
	}

	if hash != id {
		debug.Log("pack %v has hash %v", id, hash)
		return c.result(errors.Errorf("unexpected pack id %v", hash))
	}

	c.verifyHeader(r, trailer, size, layout.hdrSize)
	return c.result()
}

type bufReader struct {
	rd  *bufio.Reader
	buf []byte
}

func newBufReader(rd *bufio.Reader) *bufReader {
	return &bufReader{
		rd: rd,
	}
}

func (b *bufReader) Discard(n int) (discarded int, err error) {
	return b.rd.Discard(n)
}

func (b *bufReader) ReadFull(n int) (buf []byte, err error) {
	if cap(b.buf) < n {
		b.buf = make([]byte, n)
	}
	b.buf = b.buf[:n]

	_, err = io.ReadFull(b.rd, b.buf)
	if err != nil {
		return nil, err
	}
	return b.buf, nil
}
