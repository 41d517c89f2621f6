package data_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/packrat/packrat/internal/data"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository"
	rtest "github.com/packrat/packrat/internal/test"
	"github.com/packrat/packrat/internal/ui/progress"
)

func TestFindUsedBlobs(t *testing.T) {
	repo := repository.TestRepository(t)

	var snapshots []*data.Snapshot
	for i := 0; i < 3; i++ {
		sn := data.TestCreateSnapshot(t, repo, time.Unix(int64(1500000000+i*3600), 0), 3)
		snapshots = append(snapshots, sn)
	}

	all := packrat.NewBlobSet()
	_ = repo.ListBlobs(context.TODO(), func(pb packrat.PackedBlob) {
		all.Insert(pb.BlobHandle)
	})

	used := packrat.NewBlobSet()
	counter := progress.NewCounter(0, nil)
	for _, sn := range snapshots {
		rtest.OK(t, data.FindUsedBlobs(context.TODO(), repo, packrat.IDs{*sn.Tree}, used, counter))
		rtest.Assert(t, used.Has(packrat.BlobHandle{ID: *sn.Tree, Type: packrat.TreeBlob}), "root tree missing")
	}

	// every stored blob belongs to one of the snapshots
	rtest.Assert(t, all.Equals(used), "used blobs differ from stored blobs:\n%v\n%v", all, used)

	loaded, _ := counter.Get()
	trees := 0
	_ = used.ForAll(func(h packrat.BlobHandle) error {
		if h.Type == packrat.TreeBlob {
			trees++
		}
		return nil
	})
	rtest.Equals(t, uint64(trees), loaded)
}

func TestFindUsedBlobsSkipsKnownTrees(t *testing.T) {
	blobs := data.TestBlobMap{}

	sub, err := data.SaveTree(context.TODO(), blobs, data.NewTree(0))
	rtest.OK(t, err)
	root := data.NewTree(1)
	rtest.OK(t, root.Insert(&data.Node{Name: "dir", Type: data.NodeTypeDir, Subtree: &sub}))
	rootID, err := data.SaveTree(context.TODO(), blobs, root)
	rtest.OK(t, err)

	// the subtree is already known and must not be loaded again
	delete(blobs, packrat.BlobHandle{ID: sub, Type: packrat.TreeBlob})
	used := packrat.NewBlobSet(packrat.BlobHandle{ID: sub, Type: packrat.TreeBlob})
	rtest.OK(t, data.FindUsedBlobs(context.TODO(), blobs, packrat.IDs{rootID}, used, nil))
	rtest.Equals(t, 2, used.Len())
}

func TestFindUsedBlobsMissingTree(t *testing.T) {
	blobs := data.TestBlobMap{}
	err := data.FindUsedBlobs(context.TODO(), blobs, packrat.IDs{packrat.NewRandomID()}, packrat.NewBlobSet(), nil)
	rtest.Assert(t, errors.Is(err, packrat.ErrNotFound), "unexpected error %v", err)
}

func TestListReachable(t *testing.T) {
	repo := repository.TestRepository(t)

	content := rtest.Random(42, 3*1024*1024)
	sn, id, err := data.ArchiveReader(context.TODO(), repo, bytes.NewReader(content), "stdin", "host")
	rtest.OK(t, err)

	reachable, err := repo.ListReachable(context.TODO(), packrat.IDs{id})
	rtest.OK(t, err)

	used := packrat.NewBlobSet()
	rtest.OK(t, data.FindUsedBlobs(context.TODO(), repo, packrat.IDs{*sn.Tree}, used, nil))
	rtest.Assert(t, reachable.Equals(used), "reachable blobs differ")

	// a second, unrelated blob is not reachable
	other := repository.TestSaveBlobs(t, repo, packrat.DataBlob, rtest.Random(43, 1000))[0]
	reachable, err = repo.ListReachable(context.TODO(), packrat.IDs{id})
	rtest.OK(t, err)
	rtest.Assert(t, !reachable.Has(packrat.BlobHandle{ID: other, Type: packrat.DataBlob}), "unreferenced blob is reachable")
}
