package backend

import (
	"bytes"
	"hash"
	"io"

	"github.com/packrat/packrat/internal/errors"
)

// RewindReader is the source of a Save. Backends that retry an upload
// rewind the reader and read it again.
type RewindReader interface {
	io.Reader

	// Rewind restarts reading at the beginning of the data.
	Rewind() error

	// Length returns the number of bytes available after Rewind.
	Length() int64

	// Hash returns the hash requested by the backend's Hasher, or nil.
	Hash() []byte
}

// ByteReader is a RewindReader for a byte slice.
type ByteReader struct {
	*bytes.Reader
	Len  int64
	hash []byte
}

var _ RewindReader = &ByteReader{}

// NewByteReader returns a reader for buf. If hasher is not nil, the hash of
// buf is computed up front.
func NewByteReader(buf []byte, hasher hash.Hash) *ByteReader {
	var sum []byte
	if hasher != nil {
		// hash.Hash.Write never fails
		_, _ = hasher.Write(buf)
		sum = hasher.Sum(nil)
	}
	return &ByteReader{
		Reader: bytes.NewReader(buf),
		Len:    int64(len(buf)),
		hash:   sum,
	}
}

func (b *ByteReader) Rewind() error {
	_, err := b.Reader.Seek(0, io.SeekStart)
	return err
}

func (b *ByteReader) Length() int64 { return b.Len }

func (b *ByteReader) Hash() []byte { return b.hash }

// FileReader is a RewindReader for a seekable file.
type FileReader struct {
	io.ReadSeeker
	Len  int64
	hash []byte
}

var _ RewindReader = &FileReader{}

// NewFileReader determines the length of f and rewinds it.
func NewFileReader(f io.ReadSeeker, hash []byte) (*FileReader, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, errors.Wrap(err, "Seek")
	}

	fr := &FileReader{ReadSeeker: f, Len: size, hash: hash}
	if err := fr.Rewind(); err != nil {
		return nil, err
	}
	return fr, nil
}

func (f *FileReader) Rewind() error {
	_, err := f.ReadSeeker.Seek(0, io.SeekStart)
	return errors.Wrap(err, "Seek")
}

func (f *FileReader) Length() int64 { return f.Len }

func (f *FileReader) Hash() []byte { return f.hash }
