package repository_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/checker"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository"
	rtest "github.com/packrat/packrat/internal/test"
	"github.com/packrat/packrat/internal/ui/progress"
)

type indexDamage func(t *testing.T, repo *repository.Repository, be backend.Backend)

func firstHandle(t *testing.T, repo *repository.Repository, tpe packrat.FileType) backend.Handle {
	ids := listFiles(t, repo, tpe).List()
	rtest.Assert(t, len(ids) > 0, "no files of type %v", tpe)
	return backend.Handle{Type: tpe, Name: ids[0].String()}
}

func repairAndVerify(t *testing.T, readAllPacks bool, damage indexDamage) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d, read all packs %v", seed, readAllPacks)
	random := rand.New(rand.NewSource(seed))

	be := repository.TestBackend(t)
	repo := repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})
	createRandomBlobs(t, random, repo, 6, 0.4)
	createRandomBlobs(t, random, repo, 3, 0.6)

	damage(t, repo, be)

	repo = repository.TestOpenBackend(t, be)
	opts := repository.RepairIndexOptions{ReadAllPacks: readAllPacks}
	rtest.OK(t, repository.RepairIndex(context.TODO(), repo, opts, progress.NewTestPrinter(t)))

	// every remaining pack is covered by the new index, and nothing else is
	repo = repository.TestOpenBackend(t, be)
	indexed := packrat.NewIDSet()
	rtest.OK(t, repo.ListBlobs(context.TODO(), func(pb packrat.PackedBlob) {
		indexed.Insert(pb.PackID)
	}))
	rtest.Equals(t, listPacks(t, repo), indexed)

	checker.TestCheckRepo(t, repo, true)
}

func TestRepairIndex(t *testing.T) {
	for name, damage := range map[string]indexDamage{
		"intact": func(*testing.T, *repository.Repository, backend.Backend) {},
		"corrupted index": func(t *testing.T, repo *repository.Repository, be backend.Backend) {
			replaceFile(t, be, firstHandle(t, repo, packrat.IndexFile), func(b []byte) []byte {
				b[len(b)/2] ^= 0x5a
				return b
			})
		},
		"deleted index": func(t *testing.T, repo *repository.Repository, be backend.Backend) {
			rtest.OK(t, be.Remove(context.TODO(), firstHandle(t, repo, packrat.IndexFile)))
		},
		"deleted pack": func(t *testing.T, repo *repository.Repository, be backend.Backend) {
			rtest.OK(t, be.Remove(context.TODO(), firstHandle(t, repo, packrat.PackFile)))
		},
	} {
		t.Run(name, func(t *testing.T) {
			repairAndVerify(t, false, damage)
			repairAndVerify(t, true, damage)
		})
	}
}
