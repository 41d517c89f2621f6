package repository_test

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/backend/mem"
	"github.com/packrat/packrat/internal/chunker"
	"github.com/packrat/packrat/internal/crypto"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository"
	"github.com/packrat/packrat/internal/repository/index"
	"github.com/packrat/packrat/internal/test"
	rtest "github.com/packrat/packrat/internal/test"
	"github.com/packrat/packrat/internal/ui/progress"
)

var testSizes = []int{5, 23, 2<<18 + 23, 1 << 20}

var rnd = rand.New(rand.NewSource(time.Now().UnixNano()))

func TestSave(t *testing.T) {
	repository.TestAllVersions(t, testSavePassID)
	repository.TestAllVersions(t, testSaveCalculateID)
}

func testSavePassID(t *testing.T, version uint) {
	testSave(t, version, false)
}

func testSaveCalculateID(t *testing.T, version uint) {
	testSave(t, version, true)
}

func testSave(t *testing.T, version uint, calculateID bool) {
	repo := repository.TestRepositoryWithVersion(t, version)

	for _, size := range testSizes {
		data := make([]byte, size)
		_, err := io.ReadFull(rnd, data)
		rtest.OK(t, err)

		id := packrat.Hash(data)

		inputID := packrat.ID{}
		if !calculateID {
			inputID = id
		}
		rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context, uploader packrat.BlobSaver) error {
			sid, _, _, err := uploader.SaveBlob(ctx, packrat.DataBlob, data, inputID, false)
			rtest.OK(t, err)
			rtest.Equals(t, id, sid)
			return nil
		}))

		// read back
		buf, err := repo.LoadBlob(context.TODO(), packrat.DataBlob, id, nil)
		rtest.OK(t, err)
		rtest.Equals(t, size, len(buf))

		rtest.Assert(t, bytes.Equal(buf, data),
			"data does not match: expected %02x, got %02x",
			data, buf)
	}
}

func TestSaveBlobWithoutUploader(t *testing.T) {
	repo := repository.TestRepository(t)
	_, _, _, err := repo.SaveBlob(context.TODO(), packrat.DataBlob, []byte("foo"), packrat.ID{}, false)
	rtest.Assert(t, err != nil, "SaveBlob without running uploader did not fail")
}

func TestLoadBlob(t *testing.T) {
	repository.TestAllVersions(t, testLoadBlob)
}

func testLoadBlob(t *testing.T, version uint) {
	repo := repository.TestRepositoryWithVersion(t, version)
	length := 1000000
	buf := make([]byte, length)
	_, err := io.ReadFull(rnd, buf)
	rtest.OK(t, err)

	id := repository.TestSaveBlobs(t, repo, packrat.DataBlob, buf)[0]

	base := crypto.CiphertextLength(length)
	for _, testlength := range []int{0, base - 20, base - 1, base, base + 7, base + 15, base + 1000} {
		buf = make([]byte, 0, testlength)
		buf, err := repo.LoadBlob(context.TODO(), packrat.DataBlob, id, buf)
		if err != nil {
			t.Errorf("LoadBlob() returned an error for buffer size %v: %v", testlength, err)
			continue
		}

		if len(buf) != length {
			t.Errorf("LoadBlob() returned the wrong number of bytes: want %v, got %v", length, len(buf))
			continue
		}
	}
}

func TestGetBlobNotFound(t *testing.T) {
	repo := repository.TestRepository(t)

	_, err := repo.GetBlob(context.TODO(), packrat.DataBlob, packrat.NewRandomID())
	rtest.Assert(t, errors.Is(err, packrat.ErrNotFound), "unexpected error: %v", err)
	rtest.Assert(t, errors.IsKind(err, errors.KindNotFound), "unexpected error kind: %v", errors.KindOf(err))
}

func TestPutGetBlob(t *testing.T) {
	repo := repository.TestRepository(t)
	buf := rtest.Random(23, 4711)

	var id packrat.ID
	rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context, _ packrat.BlobSaver) error {
		var err error
		id, err = repo.PutBlob(ctx, packrat.TreeBlob, buf)
		return err
	}))
	rtest.Equals(t, packrat.Hash(buf), id)

	// tree blobs are served from the cache the second time
	for i := 0; i < 2; i++ {
		data, err := repo.GetBlob(context.TODO(), packrat.TreeBlob, id)
		rtest.OK(t, err)
		rtest.Assert(t, bytes.Equal(buf, data), "data mismatch")
	}
}

func TestRepositoryLoadUnpackedBroken(t *testing.T) {
	be := mem.New()
	repo := repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})

	data := rtest.Random(23, 12345)
	id := packrat.Hash(data)
	h := backend.Handle{Type: backend.IndexFile, Name: id.String()}
	// damage buffer
	data[0] ^= 0xff

	// store broken file
	err := be.Save(context.TODO(), h, backend.NewByteReader(data, be.Hasher()))
	rtest.OK(t, err)

	_, err = repo.LoadUnpacked(context.TODO(), packrat.IndexFile, id)
	rtest.Assert(t, errors.Is(err, packrat.ErrCorruptData), "unexpected error: %v", err)
}

func TestSaveLoadUnpacked(t *testing.T) {
	repository.TestAllVersions(t, func(t *testing.T, version uint) {
		repo := repository.TestRepositoryWithBackend(t, nil, version, repository.Options{})

		for _, data := range [][]byte{
			nil,
			[]byte("x"),
			[]byte(`{"time":"2026-10-17T06:00:00Z","tree":"00","paths":["/home/user"]}`),
			rtest.Random(24, 70<<10),
		} {
			id, err := repo.SaveUnpacked(context.TODO(), packrat.SnapshotFile, data)
			rtest.OK(t, err)

			buf, err := repo.LoadUnpacked(context.TODO(), packrat.SnapshotFile, id)
			rtest.OK(t, err)
			rtest.Assert(t, bytes.Equal(data, buf), "%d bytes: content differs", len(data))
		}
	})
}

func TestSaveUnpackedRejectsPacks(t *testing.T) {
	repo := repository.TestRepository(t)
	_, err := repo.SaveUnpacked(context.TODO(), packrat.PackFile, []byte("foo"))
	rtest.Assert(t, err != nil, "SaveUnpacked accepted a pack file")
	_, err = repo.SaveUnpacked(context.TODO(), packrat.IndexFile, []byte("foo"))
	rtest.Assert(t, err != nil, "SaveUnpacked accepted an index file")
}

// saveRandomDataBlobs generates random data blobs and saves them to the repository.
func saveRandomDataBlobs(t testing.TB, repo *repository.Repository, num int, sizeMax int) {
	rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context, uploader packrat.BlobSaver) error {
		for i := 0; i < num; i++ {
			size := rand.Int() % sizeMax

			buf := make([]byte, size)
			_, err := io.ReadFull(rnd, buf)
			rtest.OK(t, err)

			_, _, _, err = uploader.SaveBlob(ctx, packrat.DataBlob, buf, packrat.ID{}, false)
			rtest.OK(t, err)
		}
		return nil
	}))
}

// loadIndex loads the index id from backend and returns it.
func loadIndex(ctx context.Context, repo packrat.LoaderUnpacked, id packrat.ID) (*index.Index, error) {
	buf, err := repo.LoadUnpacked(ctx, packrat.IndexFile, id)
	if err != nil {
		return nil, err
	}

	idx, _, err := index.DecodeIndex(buf, id)
	return idx, err
}

func TestRepositoryIncrementalIndex(t *testing.T) {
	repository.TestAllVersions(t, testRepositoryIncrementalIndex)
}

func testRepositoryIncrementalIndex(t *testing.T, version uint) {
	repo := repository.TestRepositoryWithVersion(t, version)

	oldIndexFull := index.IndexFull
	index.IndexFull = func(*index.Index) bool { return true }
	defer func() {
		index.IndexFull = oldIndexFull
	}()

	// add a few rounds of packs
	for j := 0; j < 5; j++ {
		saveRandomDataBlobs(t, repo, 20, 1<<15)
	}

	packEntries := make(map[packrat.ID]map[packrat.ID]struct{})

	err := repo.List(context.TODO(), packrat.IndexFile, func(id packrat.ID, _ int64) error {
		idx, err := loadIndex(context.TODO(), repo, id)
		rtest.OK(t, err)

		rtest.OK(t, idx.Each(context.TODO(), func(pb packrat.PackedBlob) {
			if _, ok := packEntries[pb.PackID]; !ok {
				packEntries[pb.PackID] = make(map[packrat.ID]struct{})
			}

			packEntries[pb.PackID][id] = struct{}{}
		}))
		return nil
	})
	rtest.OK(t, err)

	for packID, ids := range packEntries {
		if len(ids) > 1 {
			t.Errorf("pack %v listed in %d indexes\n", packID, len(ids))
		}
	}
}

func TestInvalidCompression(t *testing.T) {
	var comp repository.CompressionMode
	err := comp.Set("nope")
	rtest.Assert(t, err != nil, "missing error")
	_, err = repository.New(nil, repository.Options{Compression: comp})
	rtest.Assert(t, err != nil, "missing error")
}

func TestInvalidPackSize(t *testing.T) {
	_, err := repository.New(mem.New(), repository.Options{PackSize: 1024})
	rtest.Assert(t, err != nil, "pack size below the minimum was accepted")
}

func TestListPack(t *testing.T) {
	repo := repository.TestRepository(t)
	buf := rtest.Random(42, 1000)

	id := repository.TestSaveBlobs(t, repo, packrat.TreeBlob, buf)[0]
	packID := repo.LookupBlob(packrat.TreeBlob, id)[0].PackID

	var size int64
	rtest.OK(t, repo.List(context.TODO(), packrat.PackFile, func(id packrat.ID, sz int64) error {
		if id == packID {
			size = sz
		}
		return nil
	}))

	blobs, _, err := repo.ListPack(context.TODO(), packID, size)
	rtest.OK(t, err)
	rtest.Assert(t, len(blobs) == 1 && blobs[0].ID == id, "unexpected blobs in pack: %v", blobs)
}

func TestNoDoubleInit(t *testing.T) {
	be := mem.New()
	r := repository.TestRepositoryWithBackend(t, be, packrat.StableRepoVersion, repository.Options{})

	repo, err := repository.New(be, repository.Options{})
	rtest.OK(t, err)

	pol := r.Config().ChunkerPolynomial
	err = repo.Init(context.TODO(), r.Config().Version, test.TestPassword, &pol)
	rtest.Assert(t, strings.Contains(err.Error(), "repository master key and config already initialized"), "expected config exist error, got %q", err)

	// must also prevent init if only keys exist
	rtest.OK(t, be.Remove(context.TODO(), backend.Handle{Type: backend.ConfigFile}))
	err = repo.Init(context.TODO(), r.Config().Version, test.TestPassword, &pol)
	rtest.Assert(t, strings.Contains(err.Error(), "repository already contains keys"), "expected already contains keys error, got %q", err)
}

func TestOpen(t *testing.T) {
	be := mem.New()
	repo := repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})
	id := repository.TestSaveBlobs(t, repo, packrat.DataBlob, rtest.Random(1, 5000))[0]

	repo2 := repository.TestOpenBackend(t, be)
	rtest.Equals(t, repo.Config(), repo2.Config())
	rtest.Equals(t, repo.KeyID(), repo2.KeyID())

	buf, err := repo2.GetBlob(context.TODO(), packrat.DataBlob, id)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(buf, rtest.Random(1, 5000)), "data mismatch")
}

func TestOpenWrongPassword(t *testing.T) {
	be := mem.New()
	repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})

	_, err := repository.Open(context.TODO(), be, "wrong"+test.TestPassword, repository.Options{})
	rtest.Assert(t, errors.Is(err, repository.ErrNoKeyFound), "unexpected error: %v", err)
	rtest.Assert(t, errors.Is(err, repository.ErrWrongPassword), "unexpected error: %v", err)
}

func TestOpenMissingConfig(t *testing.T) {
	_, err := repository.Open(context.TODO(), mem.New(), test.TestPassword, repository.Options{})
	rtest.Assert(t, errors.Is(err, repository.ErrRepositoryNotFound), "unexpected error: %v", err)
	rtest.Assert(t, errors.IsKind(err, errors.KindNotFound), "unexpected error kind: %v", errors.KindOf(err))
}

func TestOpenCorruptConfig(t *testing.T) {
	be := mem.New()
	repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})

	h := backend.Handle{Type: backend.ConfigFile}
	buf, err := backend.LoadAll(context.TODO(), nil, be, h)
	rtest.OK(t, err)
	buf[len(buf)-1] ^= 0x01
	rtest.OK(t, be.Remove(context.TODO(), h))
	rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader(buf, be.Hasher())))

	_, err = repository.Open(context.TODO(), be, test.TestPassword, repository.Options{})
	rtest.Assert(t, errors.Is(err, repository.ErrCorruptMetadata), "unexpected error: %v", err)
}

func packBytes(t testing.TB, repo *repository.Repository) int64 {
	var total int64
	rtest.OK(t, repo.List(context.TODO(), packrat.PackFile, func(_ packrat.ID, size int64) error {
		total += size
		return nil
	}))
	return total
}

func saveStream(t testing.TB, repo *repository.Repository, buf []byte) (ids packrat.IDs) {
	rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context, _ packrat.BlobSaver) error {
		chnkr, err := chunker.New(bytes.NewReader(buf), repo.Config().ChunkerPolynomial)
		if err != nil {
			return err
		}
		var data []byte
		for {
			c, err := chnkr.Next(data)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			data = c.Data
			id, err := repo.PutBlob(ctx, packrat.DataBlob, c.Data)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
	}))
	return ids
}

func TestDeduplicateSameFile(t *testing.T) {
	repository.TestAllVersions(t, testDeduplicateSameFile)
}

func testDeduplicateSameFile(t *testing.T, version uint) {
	repo := repository.TestRepositoryWithVersion(t, version)
	buf := rtest.Random(7, 1<<20)

	first := saveStream(t, repo, buf)
	before := packBytes(t, repo)
	rtest.Assert(t, before > 0, "no pack was written")

	second := saveStream(t, repo, buf)
	rtest.Equals(t, first, second)
	rtest.Equals(t, before, packBytes(t, repo))

	// a fresh session finds the blobs in the stored index
	repo2 := repository.TestOpenBackend(t, repo.Backend())
	third := saveStream(t, repo2, buf)
	rtest.Equals(t, first, third)
	rtest.Equals(t, before, packBytes(t, repo2))
}

func TestConcurrentWritersStoreOneCopy(t *testing.T) {
	repo := repository.TestRepository(t)

	var blobs [][]byte
	for i := 0; i < 50; i++ {
		blobs = append(blobs, rtest.Random(i, 1000+i))
	}

	const workers = 8
	var knownCount sync.Map
	rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context, uploader packrat.BlobSaver) error {
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				// overlapping content in a different order per worker
				for i := range blobs {
					buf := blobs[(i+w*7)%len(blobs)]
					id, known, _, err := uploader.SaveBlob(ctx, packrat.DataBlob, buf, packrat.ID{}, false)
					if err != nil {
						errs <- err
						return
					}
					if !known {
						if _, loaded := knownCount.LoadOrStore(id, w); loaded {
							errs <- errors.Errorf("blob %v stored twice", id.Str())
							return
						}
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		return <-errs
	}))

	counts := make(map[packrat.BlobHandle]int)
	rtest.OK(t, repo.ListBlobs(context.TODO(), func(pb packrat.PackedBlob) {
		counts[pb.BlobHandle]++
	}))
	rtest.Equals(t, len(blobs), len(counts))
	for bh, n := range counts {
		rtest.Assert(t, n == 1, "blob %v stored %d times", bh, n)
	}

	// the index written to the backend agrees
	repo2 := repository.TestOpenBackend(t, repo.Backend())
	for _, buf := range blobs {
		rtest.Equals(t, 1, len(repo2.LookupBlob(packrat.DataBlob, packrat.Hash(buf))))
	}
}

func TestCancelClearsPending(t *testing.T) {
	repo := repository.TestRepository(t)
	buf := rtest.Random(5, 2000)
	bh := packrat.BlobHandle{Type: packrat.DataBlob, ID: packrat.Hash(buf)}

	ctx, cancel := context.WithCancel(context.Background())
	err := repo.WithBlobUploader(ctx, func(ctx context.Context, uploader packrat.BlobSaver) error {
		_, known, _, err := uploader.SaveBlob(ctx, packrat.DataBlob, buf, packrat.ID{}, false)
		rtest.OK(t, err)
		rtest.Assert(t, !known, "new blob reported as known")
		rtest.Assert(t, repo.Index().Has(bh), "blob is not reserved")
		cancel()
		return ctx.Err()
	})
	rtest.Assert(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)

	rtest.Assert(t, !repo.Index().Has(bh), "reservation was not released")
	rtest.Equals(t, 0, len(repo.LookupBlob(packrat.DataBlob, bh.ID)))
	rtest.Equals(t, int64(0), packBytes(t, repo))

	// the blob can be stored again
	rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context, uploader packrat.BlobSaver) error {
		_, known, _, err := uploader.SaveBlob(ctx, packrat.DataBlob, buf, packrat.ID{}, false)
		rtest.Assert(t, !known, "blob still reported as known after cancellation")
		return err
	}))
	data, err := repo.GetBlob(context.TODO(), packrat.DataBlob, bh.ID)
	rtest.OK(t, err)
	rtest.Assert(t, bytes.Equal(buf, data), "data mismatch")
}

func TestBackendRefusesSecondSave(t *testing.T) {
	be := mem.New()
	h := backend.Handle{Type: backend.SnapshotFile, Name: packrat.Hash([]byte("foo")).String()}
	rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader([]byte("foo"), be.Hasher())))

	err := be.Save(context.TODO(), h, backend.NewByteReader([]byte("bar"), be.Hasher()))
	rtest.Assert(t, backend.IsAlreadyExists(err), "unexpected error: %v", err)

	buf, err := backend.LoadAll(context.TODO(), nil, be, h)
	rtest.OK(t, err)
	rtest.Equals(t, []byte("foo"), buf)
}

func indexLookups(t testing.TB, repo *repository.Repository) map[packrat.BlobHandle][]packrat.PackedBlob {
	m := make(map[packrat.BlobHandle][]packrat.PackedBlob)
	rtest.OK(t, repo.ListBlobs(context.TODO(), func(pb packrat.PackedBlob) {
		m[pb.BlobHandle] = append(m[pb.BlobHandle], pb)
	}))
	return m
}

func TestRebuiltIndexMatchesStored(t *testing.T) {
	repo := repository.TestRepository(t)
	saveRandomDataBlobs(t, repo, 30, 1<<14)
	repository.TestSaveBlobs(t, repo, packrat.TreeBlob, rtest.Random(3, 300), rtest.Random(4, 400))

	want := indexLookups(t, repository.TestOpenBackend(t, repo.Backend()))

	rtest.OK(t, repository.RepairIndex(context.TODO(), repo, repository.RepairIndexOptions{ReadAllPacks: true}, progress.NewTestPrinter(t)))

	got := indexLookups(t, repository.TestOpenBackend(t, repo.Backend()))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("rebuilt index differs (-want +got):\n%s", diff)
	}
}

func TestLoadIndexRebuildsCorruptIndex(t *testing.T) {
	be := mem.New()
	repo := repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})
	blobs := [][]byte{rtest.Random(10, 1000), rtest.Random(11, 2000), rtest.Random(12, 3000)}
	ids := repository.TestSaveBlobs(t, repo, packrat.DataBlob, blobs...)

	// overwrite every index file with garbage
	var indexes []backend.Handle
	rtest.OK(t, be.List(context.TODO(), backend.IndexFile, func(fi backend.FileInfo) error {
		indexes = append(indexes, backend.Handle{Type: backend.IndexFile, Name: fi.Name})
		return nil
	}))
	rtest.Assert(t, len(indexes) > 0, "no index was written")
	for _, h := range indexes {
		rtest.OK(t, be.Remove(context.TODO(), h))
		rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader(rtest.Random(99, 500), be.Hasher())))
	}

	repo2 := repository.TestOpenBackend(t, be)
	for i, id := range ids {
		buf, err := repo2.GetBlob(context.TODO(), packrat.DataBlob, id)
		rtest.OK(t, err)
		rtest.Assert(t, bytes.Equal(blobs[i], buf), "data mismatch for blob %d", i)
	}
}

func TestLoadIndexWithoutIndex(t *testing.T) {
	be := mem.New()
	repo := repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})
	ids := repository.TestSaveBlobs(t, repo, packrat.DataBlob, rtest.Random(20, 1000))

	rtest.OK(t, be.List(context.TODO(), backend.IndexFile, func(fi backend.FileInfo) error {
		return be.Remove(context.TODO(), backend.Handle{Type: backend.IndexFile, Name: fi.Name})
	}))

	repo2 := repository.TestOpenBackend(t, be)
	rtest.Equals(t, 1, len(repo2.LookupBlob(packrat.DataBlob, ids[0])))
}
