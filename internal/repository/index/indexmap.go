package index

import (
	"hash/maphash"
	"iter"

	"github.com/packrat/packrat/internal/packrat"
)

// indexMap is a chained hash table from blob id to the locations of that
// blob. An id may be stored several times. Entries are never deleted.
//
// Buckets only hold pointers, so growing the table only reallocates the
// bucket array and not the entries.
type indexMap struct {
	// number of buckets is a power of two, or zero before the first add
	buckets    []*indexEntry
	numentries uint

	seed maphash.Seed

	free *indexEntry
}

const (
	growthFactor   = 2
	maxLoad        = 4
	initialBuckets = 64
	// entries are allocated in batches to reduce GC pressure
	entryAllocBatch = 4
)

type indexEntry struct {
	id                 packrat.ID
	next               *indexEntry
	packIndex          int // position in the containing Index's packs
	offset             uint32
	length             uint32
	uncompressedLength uint32
}

// add prepends an entry to the chain of id, so the most recently added
// entry of an id is always found first.
func (m *indexMap) add(id packrat.ID, packIdx int, offset, length, uncompressedLength uint32) {
	switch {
	case len(m.buckets) == 0:
		m.init()
	case m.numentries >= maxLoad*uint(len(m.buckets)):
		m.grow()
	}

	h := m.hash(id)
	e := m.newEntry()
	e.id = id
	e.next = m.buckets[h]
	e.packIndex = packIdx
	e.offset = offset
	e.length = length
	e.uncompressedLength = uncompressedLength

	m.buckets[h] = e
	m.numentries++
}

// values iterates over all entries.
func (m *indexMap) values() iter.Seq[*indexEntry] {
	return func(yield func(*indexEntry) bool) {
		for _, e := range m.buckets {
			for ; e != nil; e = e.next {
				if !yield(e) {
					return
				}
			}
		}
	}
}

// valuesWithID iterates over the entries of id, newest first.
func (m *indexMap) valuesWithID(id packrat.ID) iter.Seq[*indexEntry] {
	return func(yield func(*indexEntry) bool) {
		if len(m.buckets) == 0 {
			return
		}

		for e := m.buckets[m.hash(id)]; e != nil; e = e.next {
			if e.id != id {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
}

// get returns the newest entry of id or nil.
func (m *indexMap) get(id packrat.ID) *indexEntry {
	for e := range m.valuesWithID(id) {
		return e
	}
	return nil
}

func (m *indexMap) grow() {
	old := m.buckets
	m.buckets = make([]*indexEntry, growthFactor*len(old))

	for _, e := range old {
		// walk the old chain back to front so the relative order of
		// entries with the same id survives rehashing
		var chain []*indexEntry
		for ; e != nil; e = e.next {
			chain = append(chain, e)
		}
		for i := len(chain) - 1; i >= 0; i-- {
			e := chain[i]
			h := m.hash(e.id)
			e.next = m.buckets[h]
			m.buckets[h] = e
		}
	}
}

// hash uses a per map random seed so crafted ids cannot pile up in one
// bucket.
func (m *indexMap) hash(id packrat.ID) uint {
	h := uint(maphash.Bytes(m.seed, id[:]))
	return h & uint(len(m.buckets)-1)
}

func (m *indexMap) init() {
	m.seed = maphash.MakeSeed()
	m.buckets = make([]*indexEntry, initialBuckets)
}

func (m *indexMap) len() uint { return m.numentries }

func (m *indexMap) newEntry() *indexEntry {
	e := m.free
	if e != nil {
		m.free = e.next
		e.next = nil
		return e
	}

	batch := new([entryAllocBatch]indexEntry)
	for i := 1; i < len(batch)-1; i++ {
		batch[i].next = &batch[i+1]
	}
	m.free = &batch[1]
	return &batch[0]
}
