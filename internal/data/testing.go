package data

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/packrat/packrat/internal/packrat"
	rtest "github.com/packrat/packrat/internal/test"
)

// fakeFile returns a reader which yields deterministic pseudo-random data.
func fakeFile(seed, size int64) io.Reader {
	return io.LimitReader(rand.New(rand.NewSource(seed)), size)
}

type fakeFileSystem struct {
	t    testing.TB
	repo Archiver
}

const (
	maxFileSize = 20000
	maxSeed     = 32
	maxNodes    = 15
)

// saveTree saves a tree of fake files in the repo and returns the ID.
func (fs *fakeFileSystem) saveTree(ctx context.Context, uploader packrat.BlobSaver, seed int64, depth int) packrat.ID {
	rnd := rand.NewSource(seed)
	numNodes := int(rnd.Int63() % maxNodes)

	tree := NewTree(numNodes)
	for i := 0; i < numNodes; i++ {
		// directories with p = 1/4, files otherwise
		if depth > 1 && rnd.Int63()%4 == 0 {
			treeSeed := rnd.Int63() % maxSeed
			id := fs.saveTree(ctx, uploader, treeSeed, depth-1)

			rtest.OK(fs.t, tree.Insert(&Node{
				Name:    fmt.Sprintf("dir-%v", i),
				Type:    NodeTypeDir,
				Subtree: &id,
			}))
			continue
		}

		fileSeed := rnd.Int63() % maxSeed
		fileSize := (maxFileSize / maxSeed) * fileSeed

		content, size, err := SaveFile(ctx, uploader, fs.repo.Config().ChunkerPolynomial, fakeFile(fileSeed, fileSize))
		rtest.OK(fs.t, err)
		rtest.OK(fs.t, tree.Insert(&Node{
			Name:    fmt.Sprintf("file-%v", i),
			Type:    NodeTypeFile,
			Size:    size,
			Content: content,
		}))
	}

	id, err := SaveTree(ctx, uploader, tree)
	rtest.OK(fs.t, err)
	return id
}

// TestCreateSnapshot creates a snapshot filled with fake data. The fake data
// is generated deterministically from the timestamp at, which is also used
// as the snapshot's timestamp. The tree's depth can be specified with the
// parameter depth.
func TestCreateSnapshot(t testing.TB, repo Archiver, at time.Time, depth int) *Snapshot {
	seed := at.Unix()
	t.Logf("create fake snapshot at %s with seed %d", at, seed)

	fakedir := fmt.Sprintf("fakedir-at-%v", at.Format("2006-01-02 15:04:05"))
	snapshot := &Snapshot{Time: at, Paths: []string{fakedir}, Hostname: "foo"}

	fs := fakeFileSystem{t: t, repo: repo}

	var treeID packrat.ID
	rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context, uploader packrat.BlobSaver) error {
		treeID = fs.saveTree(ctx, uploader, seed, depth)
		return nil
	}))
	snapshot.Tree = &treeID

	id, err := SaveSnapshot(context.TODO(), repo, snapshot)
	rtest.OK(t, err)
	t.Logf("saved snapshot %v", id.Str())

	return snapshot
}

// TestSetSnapshotID sets the snapshot's ID.
func TestSetSnapshotID(_ testing.TB, sn *Snapshot, id packrat.ID) {
	sn.id = &id
}

// TestBlobMap is an in-memory blob store.
type TestBlobMap map[packrat.BlobHandle][]byte

func (m TestBlobMap) LoadBlob(_ context.Context, tpe packrat.BlobType, id packrat.ID, _ []byte) ([]byte, error) {
	buf, ok := m[packrat.BlobHandle{ID: id, Type: tpe}]
	if !ok {
		return nil, fmt.Errorf("blob %v: %w", id.Str(), packrat.ErrNotFound)
	}
	return buf, nil
}

func (m TestBlobMap) SaveBlob(_ context.Context, tpe packrat.BlobType, buf []byte, id packrat.ID, _ bool) (newID packrat.ID, known bool, size int, err error) {
	if id.IsNull() {
		id = packrat.Hash(buf)
	}
	h := packrat.BlobHandle{ID: id, Type: tpe}
	if _, ok := m[h]; ok {
		return id, true, 0, nil
	}

	m[h] = append([]byte{}, buf...)
	return id, false, len(buf), nil
}
