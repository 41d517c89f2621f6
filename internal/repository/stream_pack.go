package repository

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
)

func streamPack(ctx context.Context, beLoad backendLoadFn, key *crypto.Key, packID packrat.ID, blobs []packrat.Blob, handleBlobFn func(blob packrat.BlobHandle, buf []byte, err error) error, dec *zstd.Decoder) error {
	if len(blobs) == 0 {
		// nothing to do
		return nil
	}

	sort.Slice(blobs, func(i, j int) bool {
		return blobs[i].Offset < blobs[j].Offset
	})

	lowerIdx := 0
	lastPos := blobs[0].Offset
	const maxChunkSize = 2 * DefaultPackSize

	for i := 0; i < len(blobs); i++ {
		if blobs[i].Offset < lastPos {
			return fmt.Errorf("%w: overlapping blobs in pack %v", packrat.ErrCorruptData, packID)
		}

		chunkSizeAfter := (blobs[i].Offset + blobs[i].Length) - blobs[lowerIdx].Offset
		split := false
		// a part always contains at least one blob, even an oversized one
		if i > lowerIdx && chunkSizeAfter >= maxChunkSize {
			split = true
		}
		// skip large gaps, a new request is cheaper than the transfer
		if blobs[i].Offset-lastPos > maxUnusedRange {
			split = true
		}

		if split {
			err := streamPackPart(ctx, beLoad, key, packID, blobs[lowerIdx:i], handleBlobFn, dec)
			if err != nil {
				return err
			}
			lowerIdx = i
		}
		lastPos = blobs[i].Offset + blobs[i].Length
	}

	return streamPackPart(ctx, beLoad, key, packID, blobs[lowerIdx:], handleBlobFn, dec)
}

func streamPackPart(ctx context.Context, beLoad backendLoadFn, key *crypto.Key, packID packrat.ID, blobs []packrat.Blob, handleBlobFn func(blob packrat.BlobHandle, buf []byte, err error) error, dec *zstd.Decoder) error {
	h := backend.Handle{Type: backend.PackFile, Name: packID.String()}

	dataStart := blobs[0].Offset
	dataEnd := blobs[len(blobs)-1].Offset + blobs[len(blobs)-1].Length

	debug.Log("streaming pack %v (%d to %d bytes), blobs: %v", packID, dataStart, dataEnd, len(blobs))

	data := make([]byte, int(dataEnd-dataStart))
	err := beLoad(ctx, h, int(dataEnd-dataStart), int64(dataStart), func(rd io.Reader) error {
		_, cerr := io.ReadFull(rd, data)
		return cerr
	})
	// no callbacks after cancellation
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return packrat.NewBackendError("load", h, err)
	}

	it := newPackBlobIterator(packID, newByteReader(data), dataStart, blobs, key, dec)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		val, err := it.Next()
		if err == errPackEOF {
			break
		} else if err != nil {
			return err
		}

		err = handleBlobFn(val.Handle, val.Plaintext, val.Err)
		if err != nil {
			return err
		}
	}

	return nil
}

// discardReader allows the PackBlobIterator to perform zero copy
// reads if the underlying data source is a byte slice.
type discardReader interface {
	Discard(n int) (discarded int, err error)
	// ReadFull reads the next n bytes into a byte slice. The caller must not
	// retain buf after processing it for the current blob.
	ReadFull(n int) (buf []byte, err error)
}

type byteReader struct {
	buf []byte
}

func newByteReader(buf []byte) *byteReader {
	return &byteReader{
		buf: buf,
	}
}

func (b *byteReader) Discard(n int) (discarded int, err error) {
	if len(b.buf) < n {
		return 0, io.ErrUnexpectedEOF
	}
	b.buf = b.buf[n:]
	return n, nil
}

func (b *byteReader) ReadFull(n int) (buf []byte, err error) {
	if len(b.buf) < n {
		return nil, io.ErrUnexpectedEOF
	}
	buf = b.buf[:n]
	b.buf = b.buf[n:]
	return buf, nil
}

type packBlobIterator struct {
	packID        packrat.ID
	rd            discardReader
	currentOffset uint

	blobs []packrat.Blob
	key   *crypto.Key
	dec   *zstd.Decoder

	decode []byte
}

type packBlobValue struct {
	Handle    packrat.BlobHandle
	Plaintext []byte
	Err       error
}

var errPackEOF = errors.New("reached EOF of pack file")

func newPackBlobIterator(packID packrat.ID, rd discardReader, currentOffset uint,
	blobs []packrat.Blob, key *crypto.Key, dec *zstd.Decoder) *packBlobIterator {
	return &packBlobIterator{
		packID:        packID,
		rd:            rd,
		currentOffset: currentOffset,
		blobs:         blobs,
		key:           key,
		dec:           dec,
	}
}

// Next returns the next blob, an error or errPackEOF if all blobs were read.
// Blobs which cannot be decrypted or do not match their id are returned with
// Err set, reading continues with the next blob.
func (b *packBlobIterator) Next() (packBlobValue, error) {
	if len(b.blobs) == 0 {
		return packBlobValue{}, errPackEOF
	}

	entry := b.blobs[0]
	b.blobs = b.blobs[1:]

	skipBytes := int(entry.Offset - b.currentOffset)
	if skipBytes < 0 {
		return packBlobValue{}, fmt.Errorf("%w: overlapping blobs in pack %v", packrat.ErrCorruptData, b.packID)
	}

	_, err := b.rd.Discard(skipBytes)
	if err != nil {
		return packBlobValue{}, err
	}
	b.currentOffset = entry.Offset

	h := entry.BlobHandle
	debug.Log("  process blob %v, skipped %d, %v", h, skipBytes, entry)

	buf, err := b.rd.ReadFull(int(entry.Length))
	if err != nil {
		debug.Log("  read error %v", err)
		return packBlobValue{}, fmt.Errorf("readFull: %w", err)
	}

	b.currentOffset = entry.Offset + entry.Length

	if int(entry.Length) <= crypto.Extension {
		return packBlobValue{h, nil, fmt.Errorf("%w: invalid blob length %v", packrat.ErrCorruptData, entry)}, nil
	}

	plaintext, err := b.key.Decrypt(nil, buf)
	if err != nil {
		err = fmt.Errorf("decrypting blob %v from %v failed: %w", h, b.packID.Str(), err)
	}
	if err == nil && entry.IsCompressed() {
		// DecodeAll allocates a large enough slice, the size is part of the
		// frame written by EncodeAll
		b.decode, err = b.dec.DecodeAll(plaintext, b.decode[:0])
		plaintext = b.decode
		if err != nil {
			err = fmt.Errorf("%w: decompressing blob %v from %v failed: %v", packrat.ErrCorruptData, h, b.packID.Str(), err)
		}
	}
	if err == nil {
		id := packrat.Hash(plaintext)
		if id != entry.ID {
			debug.Log("read blob %v/%v from %v: wrong data returned, hash is %v",
				h.Type, h.ID, b.packID.Str(), id)
			err = fmt.Errorf("%w: read blob %v from %v: wrong data returned, hash is %v", packrat.ErrCorruptData, h, b.packID.Str(), id)
		}
	}

	return packBlobValue{h, plaintext, err}, nil
}
