package chunker

import (
	"io"
	"iter"
	"sync"

	"github.com/restic/chunker"

	"github.com/packrat/packrat/internal/errors"
)

const (
	KiB = 1024
	MiB = 1024 * KiB

	// WindowSize is the size of the sliding window.
	WindowSize = 64

	// AverageBits aims for chunks of about 1 MiB.
	AverageBits = 20

	// MinSize and MaxSize are the default chunk size bounds.
	MinSize = 512 * KiB
	MaxSize = 8 * MiB

	readBufSize = 512 * KiB
)

// Pol is an irreducible polynomial over GF(2).
type Pol = chunker.Pol

// RandomPolynomial returns a new random irreducible polynomial of degree 53.
func RandomPolynomial() (Pol, error) {
	return chunker.RandomPolynomial()
}

// ErrInvalidPolynomial is returned for polynomials that are not irreducible
// or have the wrong degree.
var ErrInvalidPolynomial = errors.New("invalid polynomial")

type tables struct {
	out [256]uint64
	mod [256]uint64
}

// tables only depend on the polynomial, they are computed once and shared
var cache struct {
	sync.Mutex
	entries map[Pol]*tables
}

func lookupTables(pol Pol) (*tables, error) {
	cache.Lock()
	defer cache.Unlock()

	if t, ok := cache.entries[pol]; ok {
		return t, nil
	}

	if pol.Deg() != 53 || !pol.Irreducible() {
		return nil, errors.Wrapf(ErrInvalidPolynomial, "%v", pol)
	}

	t := &tables{}

	// out[b] is the fingerprint of b followed by WindowSize-1 zero bytes.
	// Adding it to the digest removes b from the window.
	for b := 0; b < 256; b++ {
		var h Pol
		h = appendByte(h, byte(b), pol)
		for i := 0; i < WindowSize-1; i++ {
			h = appendByte(h, 0, pol)
		}
		t.out[b] = uint64(h)
	}

	// mod[b] reduces the 8 bits shifted above the degree of pol in one
	// step: the low part is b*x^k mod pol, the high part cancels b*x^k.
	k := uint(pol.Deg())
	for b := 0; b < 256; b++ {
		t.mod[b] = uint64(Pol(uint64(b)<<k).Mod(pol)) | uint64(b)<<k
	}

	if cache.entries == nil {
		cache.entries = make(map[Pol]*tables)
	}
	cache.entries[pol] = t
	return t, nil
}

func appendByte(h Pol, b byte, pol Pol) Pol {
	h <<= 8
	h |= Pol(b)
	return h.Mod(pol)
}

// Chunk is one content defined chunk. Cut is the fingerprint at the cut
// point, Data holds the chunk's bytes.
type Chunk struct {
	Start  uint
	Length uint
	Cut    uint64
	Data   []byte
}

// Chunker splits the data read from a reader. A Chunker holds a read buffer
// and can be reused for other readers with Reset.
type Chunker struct {
	pol      Pol
	polShift uint
	tables   *tables

	minSize   uint
	maxSize   uint
	splitmask uint64

	rd     io.Reader
	closed bool

	window [WindowSize]byte
	wpos   uint

	buf  []byte
	bpos uint
	bmax uint

	start uint
	count uint
	pos   uint

	// bytes to skip before fingerprinting starts for a new chunk
	pre uint

	digest uint64
}

// New returns a chunker using the default size bounds.
func New(rd io.Reader, pol Pol) (*Chunker, error) {
	return NewWithBoundaries(rd, pol, MinSize, MaxSize)
}

// NewWithBoundaries returns a chunker producing chunks between min and max
// bytes.
func NewWithBoundaries(rd io.Reader, pol Pol, min, max uint) (*Chunker, error) {
	c := &Chunker{buf: make([]byte, readBufSize)}
	if err := c.ResetWithBoundaries(rd, pol, min, max); err != nil {
		return nil, err
	}
	return c, nil
}

// Reset restarts the chunker on rd with the default size bounds.
func (c *Chunker) Reset(rd io.Reader, pol Pol) error {
	return c.ResetWithBoundaries(rd, pol, MinSize, MaxSize)
}

// ResetWithBoundaries restarts the chunker on rd.
func (c *Chunker) ResetWithBoundaries(rd io.Reader, pol Pol, min, max uint) error {
	if min < WindowSize {
		return errors.Errorf("minimum chunk size %d is smaller than the window size %d", min, WindowSize)
	}
	if max < min {
		return errors.Errorf("maximum chunk size %d is smaller than the minimum %d", max, min)
	}

	t, err := lookupTables(pol)
	if err != nil {
		return err
	}

	buf := c.buf
	if buf == nil {
		buf = make([]byte, readBufSize)
	}

	*c = Chunker{
		pol:       pol,
		polShift:  uint(pol.Deg() - 8),
		tables:    t,
		minSize:   min,
		maxSize:   max,
		splitmask: (1 << AverageBits) - 1,
		rd:        rd,
		buf:       buf,
	}
	c.reset()
	return nil
}

// SetAverageBits changes the number of zero bits a fingerprint needs for a
// cut, which sets the average chunk size to about 2^bits. It must be called
// before the first call to Next.
func (c *Chunker) SetAverageBits(bits int) {
	c.splitmask = (1 << uint64(bits)) - 1
}

// reset prepares the state for the next chunk, keeping the position.
func (c *Chunker) reset() {
	c.window = [WindowSize]byte{}
	c.wpos = 0
	c.digest = 0
	c.count = 0
	c.slide(1)
	c.start = c.pos
	c.pre = c.minSize - WindowSize
}

// Next returns the next chunk. Its data is appended to data[:0], so the
// caller can reuse a buffer. After the last chunk, io.EOF is returned.
func (c *Chunker) Next(data []byte) (Chunk, error) {
	data = data[:0]
	tabout := &c.tables.out
	tabmod := &c.tables.mod
	polShift := c.polShift
	minSize, maxSize := c.minSize, c.maxSize

	for {
		if c.bpos >= c.bmax {
			n, err := io.ReadFull(c.rd, c.buf)
			if err == io.ErrUnexpectedEOF {
				err = nil
			}

			// io.ReadFull returns io.EOF only if nothing was read, so the
			// current chunk is the last one
			if err == io.EOF && !c.closed {
				c.closed = true
				if c.count > 0 {
					return Chunk{
						Start:  c.start,
						Length: c.count,
						Cut:    c.digest,
						Data:   data,
					}, nil
				}
			}

			if err != nil {
				return Chunk{}, err
			}

			c.bpos = 0
			c.bmax = uint(n)
		}

		if c.pre > 0 {
			n := c.bmax - c.bpos
			if c.pre > n {
				c.pre -= n
				data = append(data, c.buf[c.bpos:c.bmax]...)

				c.count += n
				c.pos += n
				c.bpos = c.bmax
				continue
			}

			data = append(data, c.buf[c.bpos:c.bpos+c.pre]...)

			c.bpos += c.pre
			c.count += c.pre
			c.pos += c.pre
			c.pre = 0
		}

		add := c.count
		digest := c.digest
		wpos := c.wpos
		for _, b := range c.buf[c.bpos:c.bmax] {
			// slide b into the window, inlined
			out := c.window[wpos]
			c.window[wpos] = b
			digest ^= tabout[out]
			wpos = (wpos + 1) % WindowSize

			index := byte(digest >> polShift)
			digest <<= 8
			digest |= uint64(b)
			digest ^= tabmod[index]

			add++
			if add < minSize {
				continue
			}

			if (digest&c.splitmask) == 0 || add >= maxSize {
				i := add - c.count
				data = append(data, c.buf[c.bpos:c.bpos+i]...)
				c.count = add
				c.pos += i
				c.bpos += i

				chunk := Chunk{
					Start:  c.start,
					Length: c.count,
					Cut:    digest,
					Data:   data,
				}

				c.reset()
				return chunk, nil
			}
		}
		c.digest = digest
		c.wpos = wpos

		steps := c.bmax - c.bpos
		if steps > 0 {
			data = append(data, c.buf[c.bpos:c.bpos+steps]...)
		}
		c.count += steps
		c.pos += steps
		c.bpos = c.bmax
	}
}

func (c *Chunker) slide(b byte) {
	out := c.window[c.wpos]
	c.window[c.wpos] = b
	c.digest ^= c.tables.out[out]
	c.wpos = (c.wpos + 1) % WindowSize

	index := byte(c.digest >> c.polShift)
	c.digest <<= 8
	c.digest |= uint64(b)
	c.digest ^= c.tables.mod[index]
}

// Split returns the offset and length of each chunk of rd. Iteration stops
// at the end of the data or after yielding a read error.
func Split(rd io.Reader, pol Pol, min, max uint) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		c, err := NewWithBoundaries(rd, pol, min, max)
		if err != nil {
			yield(Chunk{}, err)
			return
		}

		var buf []byte
		for {
			chunk, err := c.Next(buf)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			buf = chunk.Data
			// the data buffer is reused, only offsets are handed out
			chunk.Data = nil
			if !yield(chunk, nil) {
				return
			}
		}
	}
}
