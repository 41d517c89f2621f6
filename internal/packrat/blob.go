package packrat

import (
	"fmt"
	"sort"

	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/errors"
)

// BlobType is the kind of content a blob holds.
type BlobType uint8

const (
	InvalidBlob BlobType = iota
	DataBlob
	TreeBlob
	NumBlobTypes // must be last
)

func (t BlobType) String() string {
	switch t {
	case DataBlob:
		return "data"
	case TreeBlob:
		return "tree"
	case InvalidBlob:
		return "invalid"
	}
	return fmt.Sprintf("<BlobType %d>", t)
}

// IsMetadata reports whether blobs of this type describe the directory
// structure rather than file contents.
func (t BlobType) IsMetadata() bool {
	return t == TreeBlob
}

// MarshalJSON encodes the type as "data" or "tree".
func (t BlobType) MarshalJSON() ([]byte, error) {
	switch t {
	case DataBlob, TreeBlob:
		return []byte(`"` + t.String() + `"`), nil
	}
	return nil, errors.Errorf("unknown blob type %d", t)
}

// UnmarshalJSON decodes a type written by MarshalJSON.
func (t *BlobType) UnmarshalJSON(buf []byte) error {
	switch string(buf) {
	case `"data"`:
		*t = DataBlob
	case `"tree"`:
		*t = TreeBlob
	default:
		return errors.Errorf("unknown blob type %s", buf)
	}
	return nil
}

// BlobHandle names a blob: the same content stored as data and as tree are
// two different blobs.
type BlobHandle struct {
	ID   ID
	Type BlobType
}

func (h BlobHandle) String() string {
	return fmt.Sprintf("<%s/%s>", h.Type, h.ID.Str())
}

// Blob is the location of a blob within its pack.
type Blob struct {
	BlobHandle
	Length             uint
	Offset             uint
	UncompressedLength uint
}

func (b Blob) String() string {
	return fmt.Sprintf("<Blob (%v) %v, offset %v, length %v, uncompressed length %v>",
		b.Type, b.ID.Str(), b.Offset, b.Length, b.UncompressedLength)
}

// IsCompressed reports whether the plaintext of the blob is zstd compressed.
func (b Blob) IsCompressed() bool {
	return b.UncompressedLength != 0
}

// DataLength returns the length of the blob's content.
func (b Blob) DataLength() uint {
	if b.IsCompressed() {
		return b.UncompressedLength
	}
	return b.Length - crypto.Extension
}

// PackedBlob is a blob together with the pack that stores it.
type PackedBlob struct {
	Blob
	PackID ID
}

// BlobHandles is a sortable list of handles.
type BlobHandles []BlobHandle

func (h BlobHandles) Len() int      { return len(h) }
func (h BlobHandles) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h BlobHandles) Less(i, j int) bool {
	if h[i].ID != h[j].ID {
		return h[i].ID.Less(h[j].ID)
	}
	return h[i].Type < h[j].Type
}

func (h BlobHandles) String() string {
	elements := make([]string, 0, len(h))
	for _, e := range h {
		elements = append(elements, e.String())
	}
	return fmt.Sprint(elements)
}

// BlobSet is a set of blob handles. Writing to sets of different blob types
// concurrently is safe.
type BlobSet struct {
	byType [NumBlobTypes]IDSet
}

// NewBlobSet returns a set containing handles.
func NewBlobSet(handles ...BlobHandle) BlobSet {
	var s BlobSet
	for t := range s.byType {
		s.byType[t] = NewIDSet()
	}
	for _, h := range handles {
		s.Insert(h)
	}
	return s
}

// Has reports whether h is in the set.
func (s BlobSet) Has(h BlobHandle) bool { return s.byType[h.Type].Has(h.ID) }

// Insert adds h to the set.
func (s BlobSet) Insert(h BlobHandle) { s.byType[h.Type].Insert(h.ID) }

// Delete removes h from the set.
func (s BlobSet) Delete(h BlobHandle) { s.byType[h.Type].Delete(h.ID) }

// Len returns the number of handles in the set.
func (s BlobSet) Len() int {
	n := 0
	for _, ids := range s.byType {
		n += len(ids)
	}
	return n
}

// ForAll calls fn for every handle until fn returns an error.
func (s BlobSet) ForAll(fn func(h BlobHandle) error) error {
	for t, ids := range s.byType {
		for id := range ids {
			if err := fn(BlobHandle{ID: id, Type: BlobType(t)}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Merge adds all handles of other to s.
func (s BlobSet) Merge(other BlobSet) {
	for t := range s.byType {
		s.byType[t].Merge(other.byType[t])
	}
}

// Sub returns the handles of s that are not in other.
func (s BlobSet) Sub(other BlobSet) BlobSet {
	var result BlobSet
	for t := range s.byType {
		result.byType[t] = s.byType[t].Sub(other.byType[t])
	}
	return result
}

// Clone returns an independent copy of s.
func (s BlobSet) Clone() BlobSet {
	var result BlobSet
	for t := range s.byType {
		result.byType[t] = s.byType[t].Clone()
	}
	return result
}

// Equals reports whether both sets hold the same handles.
func (s BlobSet) Equals(other BlobSet) bool {
	for t := range s.byType {
		if !s.byType[t].Equals(other.byType[t]) {
			return false
		}
	}
	return true
}

// List returns all handles sorted.
func (s BlobSet) List() BlobHandles {
	list := make(BlobHandles, 0, s.Len())
	_ = s.ForAll(func(h BlobHandle) error {
		list = append(list, h)
		return nil
	})
	sort.Sort(list)
	return list
}

func (s BlobSet) String() string {
	str := s.List().String()
	return "{" + str[1:len(str)-1] + "}"
}

// PackBlobs are the blobs of a single pack.
type PackBlobs struct {
	PackID ID
	Blobs  []Blob
}
