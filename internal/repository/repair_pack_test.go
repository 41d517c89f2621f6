package repository_test

import (
	"context"
	"math/rand"
	"slices"
	"testing"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository"
	rtest "github.com/packrat/packrat/internal/test"
	"github.com/packrat/packrat/internal/ui/progress"
)

// replaceFile rewrites a stored file. The backend is write-once, so the old
// file has to be removed first.
func replaceFile(t *testing.T, be backend.Backend, h backend.Handle, damage func([]byte) []byte) {
	buf, err := backend.LoadAll(context.TODO(), nil, be, h)
	rtest.OK(t, err)
	buf = damage(buf)
	rtest.OK(t, be.Remove(context.TODO(), h))
	rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader(buf, be.Hasher())))
}

// lostBlobs returns the blobs of pack whose every indexed copy lies in pack
// and is damaged according to damaged.
func lostBlobs(repo *repository.Repository, pack packrat.ID, damaged func(packrat.Blob) bool) packrat.BlobSet {
	blobs := packrat.NewBlobSet()
	for pbs := range repo.ListPacksFromIndex(context.TODO(), packrat.NewIDSet(pack)) {
		for _, b := range pbs.Blobs {
			intact := slices.ContainsFunc(repo.LookupBlob(b.Type, b.ID), func(pb packrat.PackedBlob) bool {
				return pb.PackID != pack || !damaged(pb.Blob)
			})
			if !intact {
				blobs.Insert(b.BlobHandle)
			}
		}
	}
	return blobs
}

// damageFunc breaks part of the repository and returns the packs to repair
// and the blobs that cannot be salvaged from them.
type damageFunc func(t *testing.T, random *rand.Rand, repo *repository.Repository, be backend.Backend, packs packrat.IDSet) (packrat.IDSet, packrat.BlobSet)

func damageStoredPack(edit func([]byte) []byte, lost func(packrat.Blob) bool) damageFunc {
	return func(t *testing.T, _ *rand.Rand, repo *repository.Repository, be backend.Backend, packs packrat.IDSet) (packrat.IDSet, packrat.BlobSet) {
		victim := packs.List()[0]
		replaceFile(t, be, backend.Handle{Type: backend.PackFile, Name: victim.String()}, edit)
		return packrat.NewIDSet(victim), lostBlobs(repo, victim, lost)
	}
}

func TestRepairBrokenPack(t *testing.T) {
	damages := map[string]damageFunc{
		"intact packs": func(_ *testing.T, _ *rand.Rand, _ *repository.Repository, _ backend.Backend, packs packrat.IDSet) (packrat.IDSet, packrat.BlobSet) {
			return packs, packrat.NewBlobSet()
		},
		"blob with wrong id": func(t *testing.T, random *rand.Rand, repo *repository.Repository, _ backend.Backend, _ packrat.IDSet) (packrat.IDSet, packrat.BlobSet) {
			wrong := packrat.NewBlobSet(createRandomWrongBlob(t, random, repo))
			return findPacksForBlobs(t, repo, wrong), wrong
		},
		// only the first blob of the pack is hit
		"flipped first byte": damageStoredPack(
			func(buf []byte) []byte { buf[0] ^= 0xff; return buf },
			func(b packrat.Blob) bool { return b.Offset == 0 }),
		// the header is gone along with every blob
		"truncated": damageStoredPack(
			func(buf []byte) []byte { return buf[:10] },
			func(packrat.Blob) bool { return true }),
		// only the first blob is still complete
		"truncated after first blob": func(t *testing.T, _ *rand.Rand, repo *repository.Repository, be backend.Backend, packs packrat.IDSet) (packrat.IDSet, packrat.BlobSet) {
			victim := packs.List()[0]
			var first packrat.Blob
			for pbs := range repo.ListPacksFromIndex(context.TODO(), packrat.NewIDSet(victim)) {
				for _, b := range pbs.Blobs {
					if b.Offset == 0 {
						first = b
					}
				}
			}
			replaceFile(t, be, backend.Handle{Type: backend.PackFile, Name: victim.String()}, func(buf []byte) []byte {
				return buf[:first.Length]
			})
			return packrat.NewIDSet(victim), lostBlobs(repo, victim, func(b packrat.Blob) bool { return b.Offset != 0 })
		},
	}

	repository.TestAllVersions(t, func(t *testing.T, version uint) {
		for name, damage := range damages {
			t.Run(name, func(t *testing.T) {
				be := repository.TestBackend(t)
				// corrupt blobs are only accepted without extra verification
				repo := repository.TestRepositoryWithBackend(t, be, version, repository.Options{NoExtraVerify: true})
				random := newRandom(t)

				createRandomBlobs(t, random, repo, 5, 0.7)
				packs := listPacks(t, repo)
				blobs := listBlobs(t, repo)

				damaged, lost := damage(t, random, repo, be, packs)
				rtest.OK(t, repository.RepairPacks(context.TODO(), repo, damaged, &progress.NoopPrinter{}))
				rtest.OK(t, repo.LoadIndex(context.TODO(), nil))

				after := listPacks(t, repo)
				rtest.Assert(t, len(after.Intersect(damaged)) == 0, "damaged packs left: %v", after.Intersect(damaged))
				rtest.Assert(t, len(packs.Sub(damaged).Sub(after)) == 0, "intact packs were removed")
				rtest.Assert(t, blobs.Sub(lost).Equals(listBlobs(t, repo)), "salvaged blobs differ")
			})
		}
	})
}
