package index_test

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository/index"
	rtest "github.com/packrat/packrat/internal/test"
)

func TestMasterIndex(t *testing.T) {
	bhInIdx1 := packrat.NewRandomBlobHandle()
	bhInIdx2 := packrat.NewRandomBlobHandle()
	bhInIdx12 := packrat.BlobHandle{ID: packrat.NewRandomID(), Type: packrat.TreeBlob}

	blob1 := packrat.PackedBlob{
		PackID: packrat.NewRandomID(),
		Blob: packrat.Blob{
			BlobHandle: bhInIdx1,
			Length:     uint(crypto.CiphertextLength(10)),
			Offset:     0,
		},
	}

	blob2 := packrat.PackedBlob{
		PackID: packrat.NewRandomID(),
		Blob: packrat.Blob{
			BlobHandle:         bhInIdx2,
			Length:             uint(crypto.CiphertextLength(100)),
			Offset:             10,
			UncompressedLength: 200,
		},
	}

	blob12a := packrat.PackedBlob{
		PackID: packrat.NewRandomID(),
		Blob: packrat.Blob{
			BlobHandle:         bhInIdx12,
			Length:             uint(crypto.CiphertextLength(123)),
			Offset:             110,
			UncompressedLength: 80,
		},
	}

	blob12b := packrat.PackedBlob{
		PackID: packrat.NewRandomID(),
		Blob: packrat.Blob{
			BlobHandle:         bhInIdx12,
			Length:             uint(crypto.CiphertextLength(123)),
			Offset:             50,
			UncompressedLength: 80,
		},
	}

	idx1 := index.NewIndex()
	idx1.StorePack(blob1.PackID, []packrat.Blob{blob1.Blob})
	idx1.StorePack(blob12a.PackID, []packrat.Blob{blob12a.Blob})

	idx2 := index.NewIndex()
	idx2.StorePack(blob2.PackID, []packrat.Blob{blob2.Blob})
	idx2.StorePack(blob12b.PackID, []packrat.Blob{blob12b.Blob})

	mIdx := index.NewMasterIndex()
	mIdx.Insert(idx1)
	mIdx.Insert(idx2)

	rtest.Assert(t, mIdx.Has(bhInIdx1), "blob from first index not found")
	rtest.Equals(t, []packrat.PackedBlob{blob1}, mIdx.Lookup(bhInIdx1))
	size, found := mIdx.LookupSize(bhInIdx1)
	rtest.Assert(t, found, "size of blob from first index not found")
	rtest.Equals(t, uint(10), size)

	rtest.Assert(t, mIdx.Has(bhInIdx2), "blob from second index not found")
	rtest.Equals(t, []packrat.PackedBlob{blob2}, mIdx.Lookup(bhInIdx2))
	size, found = mIdx.LookupSize(bhInIdx2)
	rtest.Assert(t, found, "size of blob from second index not found")
	rtest.Equals(t, uint(200), size)

	// the blob stored last is returned first
	rtest.Assert(t, mIdx.Has(bhInIdx12), "blob from both indexes not found")
	rtest.Equals(t, []packrat.PackedBlob{blob12b, blob12a}, mIdx.Lookup(bhInIdx12))
	size, found = mIdx.LookupSize(bhInIdx12)
	rtest.Assert(t, found, "size of blob from both indexes not found")
	rtest.Equals(t, uint(80), size)

	rtest.Assert(t, !mIdx.Has(packrat.BlobHandle{ID: packrat.NewRandomID(), Type: packrat.TreeBlob}), "random id found")
	rtest.Assert(t, mIdx.Lookup(packrat.NewRandomBlobHandle()) == nil, "lookup of random id returned blobs")
	_, found = mIdx.LookupSize(packrat.NewRandomBlobHandle())
	rtest.Assert(t, !found, "size of random id found")

	// same id, other type
	rtest.Assert(t, !mIdx.Has(packrat.BlobHandle{ID: bhInIdx1.ID, Type: packrat.TreeBlob}), "blob found with wrong type")
}

func TestMasterIndexAddPending(t *testing.T) {
	mIdx := index.NewMasterIndex()
	bh := packrat.NewRandomBlobHandle()

	rtest.Assert(t, mIdx.AddPending(bh), "first reservation failed")
	rtest.Assert(t, !mIdx.AddPending(bh), "second reservation succeeded")
	rtest.Assert(t, mIdx.Has(bh), "reserved blob not reported by Has")
	rtest.Assert(t, mIdx.Lookup(bh) == nil, "reserved blob has a location")

	mIdx.StorePack(packrat.NewRandomID(), []packrat.Blob{{BlobHandle: bh, Length: 50}})
	rtest.Assert(t, !mIdx.AddPending(bh), "reservation of stored blob succeeded")
	rtest.Equals(t, 1, len(mIdx.Lookup(bh)))

	// abandoned reservations can be taken again
	other := packrat.NewRandomBlobHandle()
	rtest.Assert(t, mIdx.AddPending(other), "reservation failed")
	mIdx.ClearPending(other)
	rtest.Assert(t, !mIdx.Has(other), "cleared reservation still known")
	rtest.Assert(t, mIdx.AddPending(other), "reservation after clear failed")
}

func TestMasterIndexAddPendingConcurrent(t *testing.T) {
	mIdx := index.NewMasterIndex()

	handles := make([]packrat.BlobHandle, 100)
	for i := range handles {
		handles[i] = packrat.NewRandomBlobHandle()
	}

	const workers = 16
	var winners [100]atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for _, i := range r.Perm(len(handles)) {
				if mIdx.AddPending(handles[i]) {
					winners[i].Add(1)
					mIdx.StorePack(packrat.NewRandomID(), []packrat.Blob{{BlobHandle: handles[i], Length: 40}})
				}
			}
		}(int64(w))
	}
	wg.Wait()

	for i := range handles {
		rtest.Equals(t, int32(1), winners[i].Load())
		rtest.Equals(t, 1, len(mIdx.Lookup(handles[i])))
	}
}

func TestMasterIndexFilterGrows(t *testing.T) {
	mIdx := index.NewMasterIndex()

	// more blobs than the initial filter capacity
	const packs, blobsPerPack = 100, 1000
	var last packrat.BlobHandle
	for i := 0; i < packs; i++ {
		blobs := make([]packrat.Blob, blobsPerPack)
		for j := range blobs {
			blobs[j] = packrat.Blob{BlobHandle: packrat.NewRandomBlobHandle(), Length: 40, Offset: uint(40 * j)}
		}
		mIdx.StorePack(packrat.NewRandomID(), blobs)
		if i == 0 {
			last = blobs[0].BlobHandle
		}
	}

	rtest.Assert(t, mIdx.Has(last), "blob of first pack lost after filter rebuild")

	count := 0
	rtest.OK(t, mIdx.Each(context.TODO(), func(packrat.PackedBlob) { count++ }))
	rtest.Equals(t, packs*blobsPerPack, count)
}

func TestMasterMergeFinalIndexes(t *testing.T) {
	bhInIdx1 := packrat.NewRandomBlobHandle()
	bhInIdx2 := packrat.NewRandomBlobHandle()

	blob1 := packrat.PackedBlob{
		PackID: packrat.NewRandomID(),
		Blob:   packrat.Blob{BlobHandle: bhInIdx1, Length: 10, Offset: 0},
	}
	blob2 := packrat.PackedBlob{
		PackID: packrat.NewRandomID(),
		Blob:   packrat.Blob{BlobHandle: bhInIdx2, Length: 100, Offset: 10, UncompressedLength: 200},
	}

	idx1 := index.NewIndex()
	idx1.StorePack(blob1.PackID, []packrat.Blob{blob1.Blob})
	idx2 := index.NewIndex()
	idx2.StorePack(blob2.PackID, []packrat.Blob{blob2.Blob})

	mIdx := index.NewMasterIndex()
	mIdx.Insert(idx1)
	mIdx.Insert(idx2)

	repo := packrat.NewMemUnpacked()
	rtest.OK(t, mIdx.SaveIndex(context.TODO(), repo))

	rtest.Equals(t, 2, len(mIdx.IDs()))
	rtest.Equals(t, []packrat.PackedBlob{blob1}, mIdx.Lookup(bhInIdx1))
	rtest.Equals(t, []packrat.PackedBlob{blob2}, mIdx.Lookup(bhInIdx2))
	rtest.Equals(t, packrat.NewIDSet(blob1.PackID, blob2.PackID), mIdx.Packs(nil))
	rtest.Equals(t, packrat.NewIDSet(blob2.PackID), mIdx.Packs(packrat.NewIDSet(blob1.PackID)))

	// an unsaved index is kept apart and not excluded by the blacklist
	blob3 := packrat.PackedBlob{
		PackID: packrat.NewRandomID(),
		Blob:   packrat.Blob{BlobHandle: packrat.NewRandomBlobHandle(), Length: 40},
	}
	mIdx.StorePack(blob3.PackID, []packrat.Blob{blob3.Blob})
	rtest.OK(t, mIdx.MergeFinalIndexes())
	rtest.Equals(t, []packrat.PackedBlob{blob3}, mIdx.Lookup(blob3.BlobHandle))
	rtest.Assert(t, mIdx.Packs(packrat.NewIDSet(blob3.PackID)).Has(blob3.PackID), "unsaved pack excluded")
}

func createRandomMasterIndex(t testing.TB, r *rand.Rand, packs, blobs int) (*index.MasterIndex, []packrat.PackedBlob) {
	mIdx := index.NewMasterIndex()
	var all []packrat.PackedBlob
	for i := 0; i < packs; i++ {
		packID, list := randomPack(r, blobs)
		mIdx.StorePack(packID, list)
		for _, b := range list {
			all = append(all, packrat.PackedBlob{Blob: b, PackID: packID})
		}
	}
	return mIdx, all
}

func TestMasterIndexSaveLoad(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	mIdx, blobs := createRandomMasterIndex(t, r, 50, 10)

	repo := packrat.NewMemUnpacked()
	rtest.OK(t, mIdx.SaveIndex(context.TODO(), repo))

	loaded := index.NewMasterIndex()
	rtest.OK(t, loaded.Load(context.TODO(), repo, nil))

	for _, pb := range blobs {
		rtest.Equals(t, []packrat.PackedBlob{pb}, loaded.Lookup(pb.BlobHandle))
	}
	rtest.Equals(t, mIdx.IDs(), loaded.IDs())
}

func TestMasterIndexLoadCallback(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	mIdx, blobs := createRandomMasterIndex(t, r, 3, 3)

	repo := packrat.NewMemUnpacked()
	rtest.OK(t, mIdx.SaveIndex(context.TODO(), repo))

	broken := packrat.NewRandomID()
	repo.Set(packrat.IndexFile, broken, []byte("{broken"))

	loaded := index.NewMasterIndex()
	err := loaded.Load(context.TODO(), repo, nil)
	rtest.Assert(t, errors.Is(err, packrat.ErrCorruptData), "expected corrupt data error, got %v", err)

	var failed packrat.IDs
	loaded = index.NewMasterIndex()
	rtest.OK(t, loaded.Load(context.TODO(), repo, func(id packrat.ID, _ *index.Index, _ bool, err error) error {
		if err != nil {
			failed = append(failed, id)
			return nil
		}
		return nil
	}))
	rtest.Equals(t, packrat.IDs{broken}, failed)
	for _, pb := range blobs {
		rtest.Assert(t, loaded.Has(pb.BlobHandle), "blob %v missing", pb)
	}
}

func TestMasterIndexRewrite(t *testing.T) {
	r := rand.New(rand.NewSource(17))
	mIdx, blobs := createRandomMasterIndex(t, r, 20, 5)

	repo := packrat.NewMemUnpacked()
	rtest.OK(t, mIdx.SaveIndex(context.TODO(), repo))
	oldIDs := mIdx.IDs()

	exclude := packrat.NewIDSet(blobs[0].PackID)
	var deleted packrat.IDs
	var m sync.Mutex
	rtest.OK(t, mIdx.Rewrite(context.TODO(), repo, exclude, nil, nil, index.RewriteOpts{
		DeleteReport: func(id packrat.ID, err error) {
			m.Lock()
			defer m.Unlock()
			rtest.OK(t, err)
			deleted = append(deleted, id)
		},
	}))
	rtest.Equals(t, len(oldIDs), len(deleted))

	loaded := index.NewMasterIndex()
	rtest.OK(t, loaded.Load(context.TODO(), repo, nil))
	rtest.Assert(t, len(loaded.IDs().Intersect(oldIDs)) == 0, "old index files still present")

	for _, pb := range blobs {
		found := loaded.Lookup(pb.BlobHandle)
		if exclude.Has(pb.PackID) {
			rtest.Equals(t, 0, len(found))
			continue
		}
		rtest.Equals(t, []packrat.PackedBlob{pb}, found)
	}
}

func TestIndexFullAge(t *testing.T) {
	idx := index.NewIndex()
	rtest.Assert(t, !index.IndexFull(idx), "new index is full")

	old := index.TestSetIndexCreated(idx, time.Now().Add(-time.Hour))
	rtest.Assert(t, index.IndexFull(old), "old index is not full")
}

func TestMasterIndexListPacks(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	mIdx, blobs := createRandomMasterIndex(t, r, 30, 4)

	packs := packrat.NewIDSet()
	expected := make(map[packrat.ID]int)
	for i, pb := range blobs {
		if i%8 == 0 {
			packs.Insert(pb.PackID)
		}
	}
	for _, pb := range blobs {
		if packs.Has(pb.PackID) {
			expected[pb.PackID]++
		}
	}

	seen := make(map[packrat.ID]int)
	for pbs := range mIdx.ListPacks(context.TODO(), packs) {
		seen[pbs.PackID] = len(pbs.Blobs)
		for i := 1; i < len(pbs.Blobs); i++ {
			rtest.Assert(t, pbs.Blobs[i-1].Offset < pbs.Blobs[i].Offset, "blobs not sorted by offset")
		}
	}
	rtest.Equals(t, expected, seen)
}

func BenchmarkMasterIndexLookupMiss(b *testing.B) {
	r := rand.New(rand.NewSource(1))
	mIdx, _ := createRandomMasterIndex(b, r, 1000, 50)

	lookup := packrat.NewRandomBlobHandle()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mIdx.Has(lookup)
	}
}
