// Package hashing computes hashes of data while it is written or read.
package hashing

import (
	"hash"
	"io"
)

// Writer passes data on to an underlying writer and feeds the accepted
// bytes to one or more hashes at once, so a pack is read only once for its
// id and the checksum the backend wants.
type Writer struct {
	w       io.Writer
	hashes  []hash.Hash
	written int64
}

// NewWriter wraps w. Nil hashes are skipped but keep their index for Sum.
func NewWriter(w io.Writer, hashes ...hash.Hash) *Writer {
	return &Writer{w: w, hashes: hashes}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	for _, h := range w.hashes {
		if h != nil {
			_, _ = h.Write(p[:n])
		}
	}
	w.written += int64(n)
	return n, err
}

// Sum appends the current value of the i-th hash to b. It returns nil for a
// nil hash.
func (w *Writer) Sum(i int, b []byte) []byte {
	if w.hashes[i] == nil {
		return nil
	}
	return w.hashes[i].Sum(b)
}

// Written returns the number of bytes the underlying writer accepted.
func (w *Writer) Written() int64 {
	return w.written
}
