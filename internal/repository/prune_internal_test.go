package repository

import (
	"context"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository/index"
	rtest "github.com/packrat/packrat/internal/test"
	"github.com/packrat/packrat/internal/ui/progress"
)

// savePack stores blobs in one new pack, duplicates included.
func savePack(t *testing.T, repo *Repository, blobs ...[]byte) packrat.BlobSet {
	t.Helper()
	saved := packrat.NewBlobSet()
	rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context, uploader packrat.BlobSaver) error {
		for _, buf := range blobs {
			id, _, _, err := uploader.SaveBlob(ctx, packrat.DataBlob, buf, packrat.ID{}, true)
			if err != nil {
				return err
			}
			saved.Insert(packrat.BlobHandle{Type: packrat.DataBlob, ID: id})
		}
		return nil
	}))
	return saved
}

// Three packs each hold one unique blob and a copy of a shared one, so no
// pack consists of duplicates only. The two extra copies exceed MaxUnused
// and must be repacked away.
func TestPruneMaxUnusedDuplicate(t *testing.T) {
	const blobSize = 1 << 20
	random := rand.New(rand.NewSource(23))
	newBlob := func() []byte {
		buf := make([]byte, blobSize)
		_, _ = random.Read(buf)
		return buf
	}

	repo := TestRepositoryWithVersion(t, 0)
	repo.packerCount = 1

	shared := newBlob()
	used := packrat.NewBlobSet()
	for range 3 {
		used.Merge(savePack(t, repo, newBlob(), shared))
	}

	opts := PruneOptions{
		MaxRepackBytes: math.MaxUint64,
		// below one blob, but not zero so the size accounting matters
		MaxUnusedBytes: func(uint64) uint64 { return blobSize / 2 },
	}
	plan, err := PlanPrune(context.TODO(), opts, repo, func(_ context.Context, _ *Repository, usedBlobs packrat.BlobSet) error {
		usedBlobs.Merge(used)
		return nil
	}, &progress.NoopPrinter{})
	rtest.OK(t, err)
	rtest.OK(t, plan.Execute(context.TODO(), &progress.NoopPrinter{}))

	s := plan.Stats().Size
	left := s.Duplicate + s.Unused - s.Remove - s.Repackrm
	rtest.Assert(t, left <= opts.MaxUnusedBytes(s.Used), "%d unused bytes left", left)

	// pack headers are smaller than a blob
	for name, c := range map[string]struct{ got, want uint64 }{
		"used":      {s.Used / blobSize, 4},
		"duplicate": {s.Duplicate / blobSize, 2},
		"unused":    {s.Unused, 0},
		"remove":    {s.Remove, 0},
		"repack":    {s.Repack / blobSize, 4},
		"repackrm":  {s.Repackrm / blobSize, 2},
		"unref":     {s.Unref, 0},
	} {
		rtest.Equals(t, c.want, c.got, name)
	}
}

func TestSortRepackCandidates(t *testing.T) {
	const small = 100
	cand := func(b byte, tpe packrat.BlobType, used, unused uint64) repackCandidate {
		return repackCandidate{id: packrat.ID{b}, packUsage: packUsage{tpe: tpe, usedSize: used, unusedSize: unused}}
	}
	c := []repackCandidate{
		cand(1, packrat.DataBlob, 900, 100),
		cand(2, packrat.DataBlob, 10, 10),
		cand(3, packrat.DataBlob, 500, 500),
		cand(4, packrat.TreeBlob, 900, 100),
		cand(5, packrat.InvalidBlob, 900, 100),
	}
	sortRepackCandidates(c, small)

	var order []byte
	for _, x := range c {
		order = append(order, x.id[0])
	}
	// trees and mixed packs, then small packs, then most unused first
	rtest.Assert(t, order[0] == 4 || order[0] == 5, "order %v", order)
	rtest.Assert(t, order[1] == 4 || order[1] == 5, "order %v", order)
	rtest.Equals(t, []byte{2, 3, 1}, order[2:])
}

func TestChooseRepackLimits(t *testing.T) {
	data := func(b byte, used, unused uint64) repackCandidate {
		return repackCandidate{id: packrat.ID{b}, packUsage: packUsage{tpe: packrat.DataBlob, used: 1, unused: 1, usedSize: used, unusedSize: unused}}
	}
	tree := repackCandidate{id: packrat.ID{9}, packUsage: packUsage{tpe: packrat.TreeBlob, used: 1, usedSize: 50}}

	for _, c := range []struct {
		name      string
		maxUnused uint64
		maxRepack uint64
		want      []byte
	}{
		{"everything", 0, math.MaxUint64, []byte{1, 2, 9}},
		{"enough after first", 500, math.MaxUint64, []byte{1, 9}},
		{"tolerated", 1000, math.MaxUint64, []byte{9}},
		{"repack limit", 0, 1040, []byte{1}},
	} {
		t.Run(c.name, func(t *testing.T) {
			stats := &PruneStats{}
			stats.Size.Used = 1000
			stats.Size.Unused = 900
			plan := &PrunePlan{
				repackPacks: packrat.NewIDSet(),
				opts: PruneOptions{
					MaxUnusedBytes: func(uint64) uint64 { return c.maxUnused },
					MaxRepackBytes: c.maxRepack,
				},
			}
			plan.chooseRepack([]repackCandidate{data(1, 400, 600), data(2, 700, 300), tree}, 0, stats)

			want := packrat.NewIDSet()
			for _, b := range c.want {
				want.Insert(packrat.ID{b})
			}
			rtest.Equals(t, want, plan.repackPacks)
			rtest.Equals(t, uint(3-len(c.want)), stats.Packs.Keep)
		})
	}
}

// TestPruneOrder checks that the index never refers to a deleted pack: the
// plan's packs are still stored when the new index is written.
func TestPruneOrder(t *testing.T) {
	be := &orderBackend{Backend: TestBackend(t)}
	repo := TestRepositoryWithBackend(t, be, 0, Options{})
	repo.packerCount = 1

	used := TestSaveBlobs(t, repo, packrat.DataBlob, rtest.Random(1, 600*1024), rtest.Random(2, 600*1024))
	keep := packrat.NewBlobSet(packrat.BlobHandle{ID: used[0], Type: packrat.DataBlob})

	plan, err := PlanPrune(context.TODO(), PruneOptions{
		MaxRepackBytes: math.MaxUint64,
		MaxUnusedBytes: func(uint64) uint64 { return 0 },
	}, repo, func(_ context.Context, _ *Repository, usedBlobs packrat.BlobSet) error {
		usedBlobs.Merge(keep)
		return nil
	}, &progress.NoopPrinter{})
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(plan.RepackPacks()))

	be.repo = repo
	be.t = t
	rtest.OK(t, plan.Execute(context.TODO(), &progress.NoopPrinter{}))
	rtest.Assert(t, be.packsRemoved.Load() > 0, "no pack was removed")
}

// orderBackend fails the test if a pack is removed while a stored index
// still refers to it.
type orderBackend struct {
	backend.Backend
	repo *Repository
	t    testing.TB

	packsRemoved atomic.Int32
}

func (be *orderBackend) Remove(ctx context.Context, h backend.Handle) error {
	if be.repo != nil && h.Type == backend.PackFile {
		id, err := packrat.ParseID(h.Name)
		if err != nil {
			return err
		}
		err = index.ForAllIndexes(ctx, be.repo, be.repo, func(indexID packrat.ID, idx *index.Index, _ bool, err error) error {
			if err != nil {
				return err
			}
			if idx.Packs().Has(id) {
				be.t.Errorf("pack %v removed while index %v refers to it", id.Str(), indexID.Str())
			}
			return nil
		})
		if err != nil {
			return err
		}
		be.packsRemoved.Add(1)
	}
	return be.Backend.Remove(ctx, h)
}
