package repository

import (
	"sync"

	"github.com/packrat/packrat/internal/chunker"
)

// blobs are usually a third of the maximum chunk size once compressed
var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 0, chunker.MaxSize/3)
		return &buf
	},
}

func getBuf() *[]byte {
	return bufPool.Get().(*[]byte)
}

func freeBuf(buf *[]byte) {
	*buf = (*buf)[:0]
	bufPool.Put(buf)
}
