// Package pack reads and writes pack files: encrypted blobs followed by an
// encrypted header listing them and the length of that header.
package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
)

// Packer writes a new pack.
type Packer struct {
	blobs []packrat.Blob

	bytes uint
	k     *crypto.Key
	wr    io.Writer

	m sync.Mutex
}

// NewPacker returns a Packer writing to wr.
func NewPacker(k *crypto.Key, wr io.Writer) *Packer {
	return &Packer{k: k, wr: wr}
}

// Add writes the encrypted blob data to the pack and returns the number of
// bytes written. uncompressedLength is zero for uncompressed blobs.
func (p *Packer) Add(t packrat.BlobType, id packrat.ID, data []byte, uncompressedLength int) (int, error) {
	p.m.Lock()
	defer p.m.Unlock()

	c := packrat.Blob{BlobHandle: packrat.BlobHandle{Type: t, ID: id}}

	n, err := p.wr.Write(data)
	c.Length = uint(n)
	c.Offset = p.bytes
	c.UncompressedLength = uint(uncompressedLength)
	p.bytes += uint(n)
	p.blobs = append(p.blobs, c)

	return n, errors.Wrap(err, "Write")
}

var entrySize = uint(binary.Size(packrat.BlobType(0)) + 2*headerLengthSize + len(packrat.ID{}))
var plainEntrySize = uint(binary.Size(packrat.BlobType(0)) + headerLengthSize + len(packrat.ID{}))

// Merge appends all blobs of other, whose data is read from rd, to p.
// other must not be finalized.
func (p *Packer) Merge(other *Packer, rd io.Reader) error {
	other.m.Lock()
	defer other.m.Unlock()
	p.m.Lock()
	defer p.m.Unlock()

	n, err := io.Copy(p.wr, io.LimitReader(rd, int64(other.bytes)))
	if err != nil {
		return errors.Wrap(err, "Merge")
	}
	if uint(n) != other.bytes {
		return errors.Errorf("Merge: copied %d bytes, expected %d", n, other.bytes)
	}

	for _, blob := range other.blobs {
		blob.Offset += p.bytes
		p.blobs = append(p.blobs, blob)
	}
	p.bytes += other.bytes

	return nil
}

// Finalize writes the encrypted header and its length. The pack is
// complete afterwards.
func (p *Packer) Finalize() error {
	p.m.Lock()
	defer p.m.Unlock()

	header, err := makeHeader(p.blobs)
	if err != nil {
		return err
	}

	encryptedHeader := make([]byte, 0, crypto.Extension+len(header)+headerLengthSize)
	encryptedHeader = p.k.Encrypt(encryptedHeader, header)
	encryptedHeader = binary.LittleEndian.AppendUint32(encryptedHeader, uint32(len(encryptedHeader)))

	if err := verifyHeader(p.k, encryptedHeader, p.blobs); err != nil {
		// the header is written once, a damaged one would lose the pack
		return errors.Wrap(err, "detected data corruption while writing pack header")
	}

	n, err := p.wr.Write(encryptedHeader)
	if err != nil {
		return errors.Wrap(err, "Write")
	}
	if n != len(encryptedHeader) {
		return errors.New("wrong number of bytes written")
	}
	p.bytes += uint(len(encryptedHeader))

	return nil
}

// makeHeader encodes the entries of all blobs.
func makeHeader(blobs []packrat.Blob) ([]byte, error) {
	buf := make([]byte, 0, len(blobs)*int(entrySize))

	for _, b := range blobs {
		switch {
		case b.Type == packrat.DataBlob && b.UncompressedLength == 0:
			buf = append(buf, 0)
		case b.Type == packrat.TreeBlob && b.UncompressedLength == 0:
			buf = append(buf, 1)
		case b.Type == packrat.DataBlob && b.UncompressedLength != 0:
			buf = append(buf, 2)
		case b.Type == packrat.TreeBlob && b.UncompressedLength != 0:
			buf = append(buf, 3)
		default:
			return nil, errors.Errorf("invalid blob type %v", b.Type)
		}

		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Length))
		if b.UncompressedLength != 0 {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(b.UncompressedLength))
		}
		buf = append(buf, b.ID[:]...)
	}

	return buf, nil
}

// verifyHeader decrypts the header again and compares it to blobs.
func verifyHeader(k *crypto.Key, header []byte, expected []packrat.Blob) error {
	blobs, hdrSize, err := list(k, bytes.NewReader(header), int64(len(header)))
	if err != nil {
		return err
	}
	if int(hdrSize) != len(header) {
		return errors.Errorf("header size mismatch, expected %d, got %d", len(header), hdrSize)
	}
	if len(blobs) != len(expected) {
		return errors.Errorf("blob count mismatch, expected %d, got %d", len(expected), len(blobs))
	}
	for i, b := range blobs {
		e := expected[i]
		if b.BlobHandle != e.BlobHandle || b.Length != e.Length || b.UncompressedLength != e.UncompressedLength {
			return errors.Errorf("blob %d mismatch, expected %v, got %v", i, e, b)
		}
	}
	return nil
}

// Size returns the number of bytes written so far.
func (p *Packer) Size() uint {
	p.m.Lock()
	defer p.m.Unlock()

	return p.bytes
}

// HeaderOverhead returns an estimate of the number of bytes the header will
// add to the pack.
func (p *Packer) HeaderOverhead() int {
	p.m.Lock()
	defer p.m.Unlock()

	return crypto.Extension + headerLengthSize + len(p.blobs)*int(entrySize)
}

// Count returns the number of blobs in the pack.
func (p *Packer) Count() int {
	p.m.Lock()
	defer p.m.Unlock()

	return len(p.blobs)
}

// HeaderFull reports whether the header reached the maximum number of
// entries a reader accepts.
func (p *Packer) HeaderFull() bool {
	p.m.Lock()
	defer p.m.Unlock()

	return headerSize+uint(len(p.blobs)+1)*entrySize > MaxHeaderSize
}

// Blobs returns the blobs written so far.
func (p *Packer) Blobs() []packrat.Blob {
	p.m.Lock()
	defer p.m.Unlock()

	return p.blobs
}

func (p *Packer) String() string {
	return fmt.Sprintf("<Packer %d blobs, %d bytes>", len(p.blobs), p.bytes)
}

var (
	// size of the header length field at the end of the file
	headerLengthSize = binary.Size(uint32(0))
	// encryption overhead of the header plus its length field
	headerSize = uint(headerLengthSize + crypto.Extension)
	// a pack holds at least one entry
	minFileSize = plainEntrySize + crypto.Extension + uint(headerLengthSize)
)

const (
	// MaxHeaderSize is the largest header a reader accepts.
	MaxHeaderSize = 16 * 1024 * 1024
	// number of header entries downloaded together with the header length
	eagerEntries = 15
)

// readRecords reads up to bufsize bytes from the end of rd. It returns the
// data, the length of the encrypted header, and an error for trailers that
// cannot belong to a pack.
func readRecords(rd io.ReaderAt, size int64, bufsize int) ([]byte, int, error) {
	if bufsize > int(size) {
		bufsize = int(size)
	}

	b := make([]byte, bufsize)
	off := size - int64(bufsize)
	if _, err := rd.ReadAt(b, off); err != nil {
		return nil, 0, err
	}

	hlen := binary.LittleEndian.Uint32(b[len(b)-headerLengthSize:])
	b = b[:len(b)-headerLengthSize]
	debug.Log("header length: %v", hlen)

	var err error
	switch {
	case hlen == 0:
		err = InvalidFileError{Message: "header length is zero"}
	case hlen < crypto.Extension:
		err = InvalidFileError{Message: "header length is too small"}
	case int64(hlen) > size-int64(headerLengthSize):
		err = InvalidFileError{Message: "header is larger than file"}
	case int64(hlen) > MaxHeaderSize-int64(headerLengthSize):
		err = InvalidFileError{Message: "header is larger than MaxHeaderSize"}
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "readHeader")
	}

	total := int(hlen + uint32(headerLengthSize))
	if total < bufsize {
		// truncate to the beginning of the pack header
		b = b[len(b)-int(hlen):]
	}

	return b, total, nil
}

// readHeader reads the encrypted header at the end of rd. size is the
// length of the whole pack.
func readHeader(rd io.ReaderAt, size int64) ([]byte, error) {
	debug.Log("size: %v", size)
	if size < int64(minFileSize) {
		err := InvalidFileError{Message: "file is too small"}
		return nil, errors.Wrap(err, "readHeader")
	}

	// one larger read is cheaper than a second request, so the first read
	// includes eagerEntries entries
	eagerSize := eagerEntries*int(entrySize) + int(headerSize)
	b, c, err := readRecords(rd, size, eagerSize)
	if err != nil {
		return nil, err
	}
	if c <= eagerSize {
		return b, nil
	}
	b, _, err = readRecords(rd, size, c)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// InvalidFileError is returned for data that is not a valid pack. It
// matches packrat.ErrCorruptData.
type InvalidFileError struct {
	Message string
}

func (e InvalidFileError) Error() string {
	return e.Message
}

func (e InvalidFileError) Is(target error) bool {
	return target == packrat.ErrCorruptData
}

func (e InvalidFileError) Kind() errors.Kind {
	return errors.KindCorruptData
}

// List returns the blobs stored in a pack and the size of the header
// including its length field. Only the end of the pack is read.
func List(k *crypto.Key, rd io.ReaderAt, size int64) ([]packrat.Blob, uint32, error) {
	entries, hdrSize, err := list(k, rd, size)
	if err != nil {
		return nil, 0, err
	}

	var dataSize int64
	for _, e := range entries {
		dataSize += int64(e.Length)
	}
	if dataSize+int64(hdrSize) != size {
		return nil, 0, InvalidFileError{Message: fmt.Sprintf("pack size %d does not match the %d bytes listed in the header", size, dataSize+int64(hdrSize))}
	}

	return entries, hdrSize, nil
}

func list(k *crypto.Key, rd io.ReaderAt, size int64) (entries []packrat.Blob, hdrSize uint32, err error) {
	buf, err := readHeader(rd, size)
	if err != nil {
		return nil, 0, err
	}

	if len(buf) < crypto.Extension {
		return nil, 0, InvalidFileError{Message: "invalid header, too small"}
	}
	hdrSize = uint32(headerLengthSize) + uint32(len(buf))

	buf, err = k.Decrypt(buf[:0:0], buf)
	if err != nil {
		return nil, 0, InvalidFileError{Message: fmt.Sprintf("decrypting pack header: %v", err)}
	}

	// might over allocate a bit if all blobs have plainEntrySize
	entries = make([]packrat.Blob, 0, uint(len(buf))/plainEntrySize)

	pos := uint(0)
	for len(buf) > 0 {
		entry, headerSize, err := parseHeaderEntry(buf)
		if err != nil {
			return nil, 0, err
		}
		entry.Offset = pos

		entries = append(entries, entry)
		pos += entry.Length
		buf = buf[headerSize:]
	}

	return entries, hdrSize, nil
}

func parseHeaderEntry(p []byte) (b packrat.Blob, size uint, err error) {
	l := uint(len(p))
	size = plainEntrySize
	if l < plainEntrySize {
		err = InvalidFileError{Message: "header too short"}
		return b, size, err
	}
	tpe := p[0]

	switch tpe {
	case 0, 2:
		b.Type = packrat.DataBlob
	case 1, 3:
		b.Type = packrat.TreeBlob
	default:
		return b, size, InvalidFileError{Message: fmt.Sprintf("invalid type %d", tpe)}
	}

	if tpe == 0 || tpe == 1 {
		b.Length = uint(binary.LittleEndian.Uint32(p[1:5]))
		b.UncompressedLength = 0
		copy(b.ID[:], p[5:])
		return b, size, nil
	}

	if l < entrySize {
		err = InvalidFileError{Message: "compressed header entry too short"}
		return b, size, err
	}
	b.Length = uint(binary.LittleEndian.Uint32(p[1:5]))
	b.UncompressedLength = uint(binary.LittleEndian.Uint32(p[5:9]))
	copy(b.ID[:], p[9:])
	return b, entrySize, nil
}

// CalculateEntrySize returns the size of the header entry of blob.
func CalculateEntrySize(blob packrat.Blob) int {
	if blob.UncompressedLength != 0 {
		return int(entrySize)
	}
	return int(plainEntrySize)
}

// CalculateHeaderSize returns the size of a header for blobs, including
// encryption overhead and the length field.
func CalculateHeaderSize(blobs []packrat.Blob) int {
	size := int(headerSize)
	for _, blob := range blobs {
		size += CalculateEntrySize(blob)
	}
	return size
}

// Size returns the size of each pack the blobs belong to. With onlyHdr
// set, only the header sizes are counted.
func Size(blobs iter.Seq[packrat.PackedBlob], onlyHdr bool) map[packrat.ID]int64 {
	packSize := make(map[packrat.ID]int64)

	for blob := range blobs {
		size, ok := packSize[blob.PackID]
		if !ok {
			size = int64(headerSize)
		}
		if !onlyHdr {
			size += int64(blob.Length)
		}
		packSize[blob.PackID] = size + int64(CalculateEntrySize(blob.Blob))
	}

	return packSize
}
