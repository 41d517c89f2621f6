package index

import (
	"context"
	"runtime"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/sync/errgroup"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
)

const (
	// initial capacity of the negative lookup filter
	minFilterCapacity       = 1 << 16
	filterFalsePositiveRate = 0.01
)

// MasterIndex is the index of a repository session: all loaded and newly
// written indexes plus the blobs whose packs are still being written.
//
// A blob handle is reserved with AddPending before its data is written.
// Reservation is atomic, so of several writers of the same blob exactly
// one proceeds.
type MasterIndex struct {
	idx          []*Index
	pendingBlobs packrat.BlobSet

	// filter holds every blob handle stored in idx, so most lookups of
	// unknown blobs never touch the indexes
	filter      *bloom.BloomFilter
	filterCap   uint
	filterCount uint

	idxMutex sync.RWMutex
}

// NewMasterIndex returns an empty master index.
func NewMasterIndex() *MasterIndex {
	mi := &MasterIndex{pendingBlobs: packrat.NewBlobSet()}
	mi.clear()
	return mi
}

func (mi *MasterIndex) clear() {
	// the first index is always final, MergeFinalIndexes merges into it
	mi.idx = []*Index{NewIndex()}
	mi.idx[0].Finalize()
	mi.resetFilter(minFilterCapacity)
}

func (mi *MasterIndex) resetFilter(capacity uint) {
	mi.filter = bloom.NewWithEstimates(capacity, filterFalsePositiveRate)
	mi.filterCap = capacity
	mi.filterCount = 0
}

func filterKey(bh packrat.BlobHandle) []byte {
	var key [len(bh.ID) + 1]byte
	copy(key[:], bh.ID[:])
	key[len(key)-1] = byte(bh.Type)
	return key[:]
}

// addToFilter records blobs in the filter and rebuilds it once it holds
// more entries than it was sized for. The caller holds the write lock.
func (mi *MasterIndex) addToFilter(blobs ...packrat.BlobHandle) {
	if mi.filterCount+uint(len(blobs)) > mi.filterCap {
		mi.rebuildFilter(2 * (mi.filterCount + uint(len(blobs))))
	}
	for _, bh := range blobs {
		mi.filter.Add(filterKey(bh))
	}
	mi.filterCount += uint(len(blobs))
}

func (mi *MasterIndex) rebuildFilter(capacity uint) {
	debug.Log("rebuilding filter for %d entries", capacity)
	mi.resetFilter(capacity)
	for _, idx := range mi.idx {
		_ = idx.Each(context.Background(), func(pb packrat.PackedBlob) {
			mi.filter.Add(filterKey(pb.BlobHandle))
			mi.filterCount++
		})
	}
}

// mayHave reports false only if bh is in no index. The caller holds a lock.
func (mi *MasterIndex) mayHave(bh packrat.BlobHandle) bool {
	return mi.filter.Test(filterKey(bh))
}

// Lookup returns all locations of bh, the most recently stored first.
func (mi *MasterIndex) Lookup(bh packrat.BlobHandle) (pbs []packrat.PackedBlob) {
	mi.idxMutex.RLock()
	defer mi.idxMutex.RUnlock()

	if !mi.mayHave(bh) {
		return nil
	}

	for i := len(mi.idx) - 1; i >= 0; i-- {
		pbs = mi.idx[i].Lookup(bh, pbs)
	}

	return pbs
}

// LookupSize returns the plaintext length of bh.
func (mi *MasterIndex) LookupSize(bh packrat.BlobHandle) (uint, bool) {
	mi.idxMutex.RLock()
	defer mi.idxMutex.RUnlock()

	if !mi.mayHave(bh) {
		return 0, false
	}

	for i := len(mi.idx) - 1; i >= 0; i-- {
		if size, found := mi.idx[i].LookupSize(bh); found {
			return size, found
		}
	}

	return 0, false
}

// has reports whether bh is pending or indexed. The caller holds a lock.
func (mi *MasterIndex) has(bh packrat.BlobHandle) bool {
	if mi.pendingBlobs.Has(bh) {
		return true
	}
	if !mi.mayHave(bh) {
		return false
	}

	for _, idx := range mi.idx {
		if idx.Has(bh) {
			return true
		}
	}
	return false
}

// AddPending reserves bh for writing. It returns false if bh is already
// indexed or reserved, in which case the caller must not store it.
func (mi *MasterIndex) AddPending(bh packrat.BlobHandle) bool {
	mi.idxMutex.Lock()
	defer mi.idxMutex.Unlock()

	if mi.has(bh) {
		return false
	}

	mi.pendingBlobs.Insert(bh)
	return true
}

// ClearPending drops reservations whose data was never stored.
func (mi *MasterIndex) ClearPending(bhs ...packrat.BlobHandle) {
	mi.idxMutex.Lock()
	defer mi.idxMutex.Unlock()

	for _, bh := range bhs {
		mi.pendingBlobs.Delete(bh)
	}
}

// Has reports whether bh is indexed or reserved.
func (mi *MasterIndex) Has(bh packrat.BlobHandle) bool {
	mi.idxMutex.RLock()
	defer mi.idxMutex.RUnlock()

	return mi.has(bh)
}

// IDs returns the ids of all index files the master index was built from.
func (mi *MasterIndex) IDs() packrat.IDSet {
	mi.idxMutex.RLock()
	defer mi.idxMutex.RUnlock()

	ids := packrat.NewIDSet()
	for _, idx := range mi.idx {
		if !idx.Final() {
			continue
		}
		indexIDs, err := idx.IDs()
		if err != nil {
			debug.Log("not using index, ID() returned error %v", err)
			continue
		}
		for _, id := range indexIDs {
			ids.Insert(id)
		}
	}
	return ids
}

// Packs returns all packs in the index. Packs in packBlacklist are only
// included if a non-final index lists them.
func (mi *MasterIndex) Packs(packBlacklist packrat.IDSet) packrat.IDSet {
	mi.idxMutex.RLock()
	defer mi.idxMutex.RUnlock()

	packs := packrat.NewIDSet()
	for _, idx := range mi.idx {
		idxPacks := idx.Packs()
		if idx.Final() && len(packBlacklist) > 0 {
			idxPacks = idxPacks.Sub(packBlacklist)
		}
		packs.Merge(idxPacks)
	}

	return packs
}

// Insert adds an index.
func (mi *MasterIndex) Insert(idx *Index) {
	var blobs []packrat.BlobHandle
	_ = idx.Each(context.Background(), func(pb packrat.PackedBlob) {
		blobs = append(blobs, pb.BlobHandle)
	})

	mi.idxMutex.Lock()
	defer mi.idxMutex.Unlock()

	mi.addToFilter(blobs...)
	mi.idx = append(mi.idx, idx)
}

// StorePack adds the blobs of a stored pack and releases their
// reservations.
func (mi *MasterIndex) StorePack(id packrat.ID, blobs []packrat.Blob) {
	mi.idxMutex.Lock()
	defer mi.idxMutex.Unlock()

	handles := make([]packrat.BlobHandle, 0, len(blobs))
	for _, blob := range blobs {
		mi.pendingBlobs.Delete(blob.BlobHandle)
		handles = append(handles, blob.BlobHandle)
	}
	mi.addToFilter(handles...)

	for _, idx := range mi.idx {
		if !idx.Final() {
			idx.StorePack(id, blobs)
			return
		}
	}

	newIdx := NewIndex()
	newIdx.StorePack(id, blobs)
	mi.idx = append(mi.idx, newIdx)
}

// finalizeUnsaved finalizes and returns the indexes not written yet. With
// onlyFull set, indexes that still have room stay open.
func (mi *MasterIndex) finalizeUnsaved(onlyFull bool) []*Index {
	mi.idxMutex.Lock()
	defer mi.idxMutex.Unlock()

	var list []*Index
	for _, idx := range mi.idx {
		if idx.Final() || (onlyFull && !IndexFull(idx)) {
			continue
		}
		idx.Finalize()
		list = append(list, idx)
	}
	debug.Log("finalized %d indexes", len(list))
	return list
}

// Each calls fn for every indexed blob. The index cannot be modified
// meanwhile.
func (mi *MasterIndex) Each(ctx context.Context, fn func(packrat.PackedBlob)) error {
	mi.idxMutex.RLock()
	defer mi.idxMutex.RUnlock()

	for _, idx := range mi.idx {
		if err := idx.Each(ctx, fn); err != nil {
			return err
		}
	}
	return nil
}

// MergeFinalIndexes merges all written indexes into the first one. Indexes
// of the current session that are not written yet are kept separate.
func (mi *MasterIndex) MergeFinalIndexes() error {
	mi.idxMutex.Lock()
	defer mi.idxMutex.Unlock()

	newIdx := mi.idx[:1]
	for i := 1; i < len(mi.idx); i++ {
		idx := mi.idx[i]
		mi.idx[i] = nil
		ids, _ := idx.IDs()
		if !idx.Final() || len(ids) == 0 {
			newIdx = append(newIdx, idx)
			continue
		}
		if err := mi.idx[0].merge(idx); err != nil {
			return errors.Wrap(err, "MergeFinalIndexes")
		}
	}
	mi.idx = newIdx

	return nil
}

// Load reads all index files. cb is called for every file, also for those
// that failed to load, and can replace the error; a nil index with a nil
// error skips the file.
func (mi *MasterIndex) Load(ctx context.Context, r packrat.ListerLoaderUnpacked, cb func(id packrat.ID, idx *Index, oldFormat bool, err error) error) error {
	err := ForAllIndexes(ctx, r, r, func(id packrat.ID, idx *Index, oldFormat bool, err error) error {
		if cb != nil {
			err = cb(id, idx, oldFormat, err)
		}
		if err != nil {
			return err
		}
		if idx == nil {
			return nil
		}
		mi.Insert(idx)
		return nil
	})
	if err != nil {
		return err
	}

	return mi.MergeFinalIndexes()
}

// RewriteOpts are callbacks of Rewrite.
type RewriteOpts struct {
	DeleteReport func(id packrat.ID, err error)
}

// Rewrite writes new index files without the packs in excludePacks and
// removes the old files plus extraObsolete. If oldIndexes is set, only
// those index files are rewritten. The master index is empty afterwards.
//
// All indexes must be written before. Must not run concurrently with any
// other MasterIndex operation.
func (mi *MasterIndex) Rewrite(ctx context.Context, repo packrat.Unpacked, excludePacks packrat.IDSet, oldIndexes packrat.IDSet, extraObsolete packrat.IDs, opts RewriteOpts) error {
	for _, idx := range mi.idx {
		if !idx.Final() {
			panic("internal error - index must be saved before calling MasterIndex.Rewrite")
		}
	}

	indexes := oldIndexes
	if indexes == nil {
		indexes = mi.IDs()
	}

	mi.clear()
	runtime.GC()

	debug.Log("rewriting %d indexes, excluding packs %v", len(indexes), excludePacks)
	g, gctx := errgroup.WithContext(ctx)
	loaded := loadIndexFiles(gctx, g, repo, indexes)

	rw := &indexRewriter{
		skip:     excludePacks.Clone(),
		obsolete: packrat.NewIDSet(extraObsolete...),
	}
	regrouped := make(chan *Index)
	g.Go(func() error {
		defer close(regrouped)
		return rw.regroup(gctx, loaded, regrouped)
	})
	for range runtime.GOMAXPROCS(0) {
		g.Go(func() error {
			return saveIndexFiles(gctx, repo, regrouped)
		})
	}

	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "failed to rewrite indexes")
	}

	return packrat.ParallelRemove(ctx, repo, rw.obsolete, packrat.IndexFile, func(id packrat.ID, err error) error {
		if opts.DeleteReport != nil {
			opts.DeleteReport(id, err)
		}
		return err
	})
}

type loadedIndex struct {
	idx       *Index
	oldFormat bool
}

// loadIndexFiles decodes the index files ids in workers started on g.
func loadIndexFiles(ctx context.Context, g *errgroup.Group, repo packrat.LoaderUnpacked, ids packrat.IDSet) <-chan loadedIndex {
	queue := make(chan packrat.ID)
	g.Go(func() error {
		defer close(queue)
		for id := range ids {
			select {
			case queue <- id:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	out := make(chan loadedIndex)
	var workers sync.WaitGroup
	for range runtime.GOMAXPROCS(0) {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for id := range queue {
				buf, err := repo.LoadUnpacked(ctx, packrat.IndexFile, id)
				if err != nil {
					return errors.Wrapf(err, "LoadUnpacked(%v)", id.Str())
				}
				idx, oldFormat, err := DecodeIndex(buf, id)
				if err != nil {
					return err
				}
				select {
				case out <- loadedIndex{idx: idx, oldFormat: oldFormat}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		workers.Wait()
		close(out)
		return nil
	})
	return out
}

// indexRewriter moves the packs of old index files into new full ones.
type indexRewriter struct {
	// packs that are dropped or already placed in a new index
	skip     packrat.IDSet
	obsolete packrat.IDSet
}

func (rw *indexRewriter) regroup(ctx context.Context, in <-chan loadedIndex, out chan<- *Index) error {
	send := func(idx *Index) error {
		select {
		case out <- idx:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	cur := NewIndex()
	for li := range in {
		packs := li.idx.Packs()
		// full files in the current format without dropped packs stay
		if !li.oldFormat && IndexFull(li.idx) && len(packs.Intersect(rw.skip)) == 0 {
			rw.skip.Merge(packs)
			continue
		}

		ids, err := li.idx.IDs()
		if err != nil || len(ids) != 1 {
			panic("internal error, index has no ID")
		}
		rw.obsolete.Insert(ids[0])

		for pbs := range li.idx.EachByPack(ctx, rw.skip) {
			cur.StorePack(pbs.PackID, pbs.Blobs)
			if IndexFull(cur) {
				if err := send(cur); err != nil {
					return err
				}
				cur = NewIndex()
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// a pack listed in several old files ends up in one new file
		rw.skip.Merge(packs)
	}
	return send(cur)
}

func saveIndexFiles(ctx context.Context, repo packrat.SaverUnpacked, in <-chan *Index) error {
	for idx := range in {
		idx.Finalize()
		if len(idx.packs) == 0 {
			continue
		}
		if _, err := idx.SaveIndex(ctx, repo); err != nil {
			return err
		}
	}
	return nil
}

// saveIndex writes indexes and merges them afterwards.
func (mi *MasterIndex) saveIndex(ctx context.Context, r packrat.SaverUnpacked, indexes ...*Index) error {
	for i, idx := range indexes {
		sid, err := idx.SaveIndex(ctx, r)
		if err != nil {
			return err
		}
		debug.Log("saved index %d as %v", i, sid)
	}

	return mi.MergeFinalIndexes()
}

// SaveIndex writes all indexes of the current session.
func (mi *MasterIndex) SaveIndex(ctx context.Context, r packrat.SaverUnpacked) error {
	return mi.saveIndex(ctx, r, mi.finalizeUnsaved(false)...)
}

// SaveFullIndex writes the indexes of the current session that are full.
func (mi *MasterIndex) SaveFullIndex(ctx context.Context, r packrat.SaverUnpacked) error {
	return mi.saveIndex(ctx, r, mi.finalizeUnsaved(true)...)
}

// ListPacks sends the blobs of the given packs, grouped by pack and sorted
// by offset.
func (mi *MasterIndex) ListPacks(ctx context.Context, packs packrat.IDSet) <-chan packrat.PackBlobs {
	out := make(chan packrat.PackBlobs)
	go func() {
		defer close(out)
		// one pass per sixteenth of the packs bounds memory usage
		for shard := range byte(16) {
			grouped := make(map[packrat.ID][]packrat.Blob)
			for id := range packs {
				if id[0]&0xf == shard {
					grouped[id] = nil
				}
			}
			if len(grouped) == 0 {
				continue
			}

			err := mi.Each(ctx, func(pb packrat.PackedBlob) {
				if blobs, ok := grouped[pb.PackID]; ok {
					grouped[pb.PackID] = append(blobs, pb.Blob)
				}
			})
			if err != nil {
				return
			}

			for id, blobs := range grouped {
				sortByOffset(blobs)
				select {
				case out <- packrat.PackBlobs{PackID: id, Blobs: blobs}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
