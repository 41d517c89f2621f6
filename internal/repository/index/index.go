// Package index holds the in-memory and persisted mapping from blob to the
// location of the blob in a pack.
package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"math"
	"sync"
	"time"

	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
)

// An index file lists blobs by pack:
//
//	{"supersedes":[...],"packs":[{"id":...,"blobs":[{"id","type","offset","length","uncompressed_length"}]}]}
//
// In memory, each blob type has its own indexMap and entries refer to their
// pack by position in packs, which keeps an entry small.

// Index maps blobs to their location. An Index is either being filled by
// the current session, or final: loaded from or written to the repository.
type Index struct {
	m      sync.RWMutex
	byType [packrat.NumBlobTypes]indexMap
	packs  packrat.IDs

	final      bool
	ids        packrat.IDs
	supersedes packrat.IDs
	created    time.Time
}

// NewIndex returns a new, empty index.
func NewIndex() *Index {
	return &Index{created: time.Now()}
}

func (idx *Index) addToPacks(id packrat.ID) int {
	idx.packs = append(idx.packs, id)
	return len(idx.packs) - 1
}

func (idx *Index) store(packIndex int, blob packrat.Blob) {
	if blob.Offset > math.MaxUint32 || blob.Length > math.MaxUint32 || blob.UncompressedLength > math.MaxUint32 {
		panic("offset or length does not fit in uint32, pack is larger than 4 GiB")
	}

	m := &idx.byType[blob.Type]
	m.add(blob.ID, packIndex, uint32(blob.Offset), uint32(blob.Length), uint32(blob.UncompressedLength))
}

// Final reports whether the index was loaded from or written to the
// repository. A final index is read only.
func (idx *Index) Final() bool {
	idx.m.RLock()
	defer idx.m.RUnlock()

	return idx.final
}

var (
	indexMaxBlobs = uint(50000)
	indexMaxAge   = 10 * time.Minute
)

// IndexFull reports whether idx is large or old enough to be written as
// one index file.
var IndexFull = func(idx *Index) bool {
	idx.m.RLock()
	defer idx.m.RUnlock()

	var blobs uint
	for typ := range idx.byType {
		blobs += idx.byType[typ].len()
	}
	age := time.Since(idx.created)

	switch {
	case age >= indexMaxAge:
		debug.Log("index %p is old enough", idx)
		return true
	case blobs >= indexMaxBlobs:
		debug.Log("index %p has %d blobs", idx, blobs)
		return true
	}

	return false
}

// StorePack adds all blobs of pack id.
func (idx *Index) StorePack(id packrat.ID, blobs []packrat.Blob) {
	idx.m.Lock()
	defer idx.m.Unlock()

	if idx.final {
		panic("store new item in finalized index")
	}

	debug.Log("pack %v with %d blobs", id.Str(), len(blobs))
	packIndex := idx.addToPacks(id)

	for _, blob := range blobs {
		idx.store(packIndex, blob)
	}
}

func (idx *Index) toPackedBlob(e *indexEntry, t packrat.BlobType) packrat.PackedBlob {
	return packrat.PackedBlob{
		Blob: packrat.Blob{
			BlobHandle: packrat.BlobHandle{
				ID:   e.id,
				Type: t,
			},
			Length:             uint(e.length),
			Offset:             uint(e.offset),
			UncompressedLength: uint(e.uncompressedLength),
		},
		PackID: idx.packs[e.packIndex],
	}
}

// Lookup appends all locations of bh to pbs, the most recently stored
// location first.
func (idx *Index) Lookup(bh packrat.BlobHandle, pbs []packrat.PackedBlob) []packrat.PackedBlob {
	idx.m.RLock()
	defer idx.m.RUnlock()

	for e := range idx.byType[bh.Type].valuesWithID(bh.ID) {
		pbs = append(pbs, idx.toPackedBlob(e, bh.Type))
	}

	return pbs
}

// Has reports whether bh is in the index.
func (idx *Index) Has(bh packrat.BlobHandle) bool {
	idx.m.RLock()
	defer idx.m.RUnlock()

	return idx.byType[bh.Type].get(bh.ID) != nil
}

// LookupSize returns the plaintext length of bh.
func (idx *Index) LookupSize(bh packrat.BlobHandle) (plaintextLength uint, found bool) {
	idx.m.RLock()
	defer idx.m.RUnlock()

	e := idx.byType[bh.Type].get(bh.ID)
	if e == nil {
		return 0, false
	}
	if e.uncompressedLength != 0 {
		return uint(e.uncompressedLength), true
	}
	return uint(e.length) - crypto.Extension, true
}

// Supersedes returns the index files this index replaces.
func (idx *Index) Supersedes() packrat.IDs {
	idx.m.RLock()
	defer idx.m.RUnlock()

	return idx.supersedes
}

// AddToSupersedes marks index files as replaced by this index. It fails
// for final indexes.
func (idx *Index) AddToSupersedes(ids ...packrat.ID) error {
	idx.m.Lock()
	defer idx.m.Unlock()

	if idx.final {
		return errors.New("index already finalized")
	}

	idx.supersedes = append(idx.supersedes, ids...)
	return nil
}

// Each calls fn for every blob in the index. It stops early and returns
// the error if ctx is cancelled. The index cannot be modified meanwhile.
func (idx *Index) Each(ctx context.Context, fn func(packrat.PackedBlob)) error {
	idx.m.RLock()
	defer idx.m.RUnlock()

	for typ := range idx.byType {
		for e := range idx.byType[typ].values() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn(idx.toPackedBlob(e, packrat.BlobType(typ)))
		}
	}
	return ctx.Err()
}

// EachByPack iterates over the packs of the index except those in
// packBlacklist, together with their blobs sorted by offset.
func (idx *Index) EachByPack(ctx context.Context, packBlacklist packrat.IDSet) iter.Seq[packrat.PackBlobs] {
	return func(yield func(packrat.PackBlobs) bool) {
		idx.m.RLock()
		defer idx.m.RUnlock()

		byPack := make(map[int][]packrat.Blob)
		for typ := range idx.byType {
			for e := range idx.byType[typ].values() {
				if packBlacklist.Has(idx.packs[e.packIndex]) {
					continue
				}
				byPack[e.packIndex] = append(byPack[e.packIndex], idx.toPackedBlob(e, packrat.BlobType(typ)).Blob)
			}
		}

		for packIndex, packID := range idx.packs {
			blobs, ok := byPack[packIndex]
			if !ok {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			sortByOffset(blobs)
			if !yield(packrat.PackBlobs{PackID: packID, Blobs: blobs}) {
				return
			}
		}
	}
}

func sortByOffset(blobs []packrat.Blob) {
	for i := 1; i < len(blobs); i++ {
		for j := i; j > 0 && blobs[j].Offset < blobs[j-1].Offset; j-- {
			blobs[j], blobs[j-1] = blobs[j-1], blobs[j]
		}
	}
}

// Packs returns the ids of all packs in the index.
func (idx *Index) Packs() packrat.IDSet {
	idx.m.RLock()
	defer idx.m.RUnlock()

	return packrat.NewIDSet(idx.packs...)
}

// Len returns the number of entries of type t, duplicates included.
func (idx *Index) Len(t packrat.BlobType) uint {
	idx.m.RLock()
	defer idx.m.RUnlock()

	return idx.byType[t].len()
}

type packJSON struct {
	ID    packrat.ID `json:"id"`
	Blobs []blobJSON `json:"blobs"`
}

type blobJSON struct {
	ID                 packrat.ID       `json:"id"`
	Type               packrat.BlobType `json:"type"`
	Offset             uint             `json:"offset"`
	Length             uint             `json:"length"`
	UncompressedLength uint             `json:"uncompressed_length,omitempty"`
}

type jsonIndex struct {
	Supersedes packrat.IDs `json:"supersedes,omitempty"`
	Packs      []packJSON  `json:"packs"`
}

// generatePackList returns the entries grouped by pack. The caller holds
// the lock.
func (idx *Index) generatePackList() []packJSON {
	list := make([]packJSON, len(idx.packs))
	for i, id := range idx.packs {
		list[i].ID = id
	}

	for typ := range idx.byType {
		for e := range idx.byType[typ].values() {
			p := &list[e.packIndex]
			p.Blobs = append(p.Blobs, blobJSON{
				ID:                 e.id,
				Type:               packrat.BlobType(typ),
				Offset:             uint(e.offset),
				Length:             uint(e.length),
				UncompressedLength: uint(e.uncompressedLength),
			})
		}
	}

	// packs without blobs carry no information
	result := list[:0]
	for _, p := range list {
		if len(p.Blobs) > 0 {
			result = append(result, p)
		}
	}

	return result
}

// Encode writes the JSON serialization of the index to w.
func (idx *Index) Encode(w io.Writer) error {
	idx.m.RLock()
	defer idx.m.RUnlock()

	debug.Log("encoding index")
	enc := json.NewEncoder(w)
	return enc.Encode(jsonIndex{
		Supersedes: idx.supersedes,
		Packs:      idx.generatePackList(),
	})
}

// Dump writes an indented JSON representation of the index to w.
func (idx *Index) Dump(w io.Writer) error {
	idx.m.RLock()
	defer idx.m.RUnlock()

	buf, err := json.MarshalIndent(jsonIndex{
		Supersedes: idx.supersedes,
		Packs:      idx.generatePackList(),
	}, "", "  ")
	if err != nil {
		return err
	}

	_, err = w.Write(append(buf, '\n'))
	return errors.Wrap(err, "Write")
}

// Finalize makes the index read only.
func (idx *Index) Finalize() {
	debug.Log("finalizing index")
	idx.m.Lock()
	defer idx.m.Unlock()

	idx.final = true
}

// IDs returns the ids of the index files holding this index. It fails if
// the index is not final.
func (idx *Index) IDs() (packrat.IDs, error) {
	idx.m.RLock()
	defer idx.m.RUnlock()

	if !idx.final {
		return nil, errors.New("index not finalized")
	}

	return idx.ids, nil
}

// SetID records the id the index was written as. The index must be final.
func (idx *Index) SetID(id packrat.ID) error {
	idx.m.Lock()
	defer idx.m.Unlock()

	if !idx.final {
		return errors.New("index is not final")
	}
	if len(idx.ids) > 0 {
		return errors.New("ID already set")
	}

	debug.Log("ID set to %v", id)
	idx.ids = append(idx.ids, id)

	return nil
}

// SaveIndex encodes the index and stores it as an index file.
func (idx *Index) SaveIndex(ctx context.Context, repo packrat.SaverUnpacked) (packrat.ID, error) {
	buf := bytes.NewBuffer(nil)

	if err := idx.Encode(buf); err != nil {
		return packrat.ID{}, err
	}

	id, err := repo.SaveUnpacked(ctx, packrat.IndexFile, buf.Bytes())
	if err != nil {
		return packrat.ID{}, err
	}
	return id, idx.SetID(id)
}

// merge adds all entries of idx2. Both indexes must be final, idx2 must
// not be used afterwards.
func (idx *Index) merge(idx2 *Index) error {
	idx.m.Lock()
	defer idx.m.Unlock()
	idx2.m.Lock()
	defer idx2.m.Unlock()

	if !idx2.final {
		return errors.New("index to merge is not final")
	}

	packOffset := len(idx.packs)
	for typ := range idx2.byType {
		m := &idx.byType[typ]
		for e := range idx2.byType[typ].values() {
			m.add(e.id, e.packIndex+packOffset, e.offset, e.length, e.uncompressedLength)
		}
	}

	idx.packs = append(idx.packs, idx2.packs...)
	idx.ids = append(idx.ids, idx2.ids...)
	idx.supersedes = append(idx.supersedes, idx2.supersedes...)

	return nil
}

// isErrOldIndex reports whether err stems from decoding an index written
// as a bare list of packs.
func isErrOldIndex(err error) bool {
	var e *json.UnmarshalTypeError
	return errors.As(err, &e) && e.Value == "array"
}

// DecodeIndex decodes the index file id. Indexes written as a bare list of
// packs are accepted and reported by oldFormat. Undecodable content is
// reported as ErrCorruptData.
func DecodeIndex(buf []byte, id packrat.ID) (idx *Index, oldFormat bool, err error) {
	debug.Log("decoding index %v", id)

	idxJSON := &jsonIndex{}
	err = json.Unmarshal(buf, idxJSON)
	if err != nil && isErrOldIndex(err) {
		debug.Log("index %v has the old format", id)
		oldFormat = true
		idxJSON.Supersedes = nil
		err = json.Unmarshal(buf, &idxJSON.Packs)
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: index %v: %w", packrat.ErrCorruptData, id.Str(), err)
	}

	idx = NewIndex()
	for _, pack := range idxJSON.Packs {
		packIndex := idx.addToPacks(pack.ID)

		for _, blob := range pack.Blobs {
			if blob.Type != packrat.DataBlob && blob.Type != packrat.TreeBlob {
				return nil, false, fmt.Errorf("%w: index %v: invalid blob type %v", packrat.ErrCorruptData, id.Str(), blob.Type)
			}
			idx.store(packIndex, packrat.Blob{
				BlobHandle: packrat.BlobHandle{
					Type: blob.Type,
					ID:   blob.ID,
				},
				Offset:             blob.Offset,
				Length:             blob.Length,
				UncompressedLength: blob.UncompressedLength,
			})
		}
	}
	idx.supersedes = idxJSON.Supersedes
	idx.ids = append(idx.ids, id)
	idx.final = true

	return idx, oldFormat, nil
}
