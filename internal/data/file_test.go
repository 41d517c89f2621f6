package data_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/packrat/packrat/internal/data"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository"
	rtest "github.com/packrat/packrat/internal/test"
)

func TestSaveRestoreFile(t *testing.T) {
	blobs := data.TestBlobMap{}
	buf := rtest.Random(23, 5*1024*1024)

	content, size, err := data.SaveFile(context.TODO(), blobs, repository.TestChunkerPol, bytes.NewReader(buf))
	rtest.OK(t, err)
	rtest.Equals(t, uint64(len(buf)), size)
	rtest.Assert(t, len(content) > 1, "expected several chunks, got %d", len(content))

	node := &data.Node{Name: "file", Type: data.NodeTypeFile, Size: size, Content: content}
	var out bytes.Buffer
	rtest.OK(t, data.RestoreFile(context.TODO(), blobs, node, &out))
	rtest.Assert(t, bytes.Equal(buf, out.Bytes()), "restored data differs")

	// storing the same data again adds nothing
	stored := len(blobs)
	content2, _, err := data.SaveFile(context.TODO(), blobs, repository.TestChunkerPol, bytes.NewReader(buf))
	rtest.OK(t, err)
	rtest.Equals(t, content, content2)
	rtest.Equals(t, stored, len(blobs))
}

func TestSaveFileEmpty(t *testing.T) {
	blobs := data.TestBlobMap{}
	content, size, err := data.SaveFile(context.TODO(), blobs, repository.TestChunkerPol, bytes.NewReader(nil))
	rtest.OK(t, err)
	rtest.Equals(t, uint64(0), size)
	rtest.Equals(t, 0, len(content))
	rtest.Equals(t, 0, len(blobs))
}

func TestRestoreFileSizeMismatch(t *testing.T) {
	blobs := data.TestBlobMap{}
	buf := rtest.Random(5, 1000)
	content, size, err := data.SaveFile(context.TODO(), blobs, repository.TestChunkerPol, bytes.NewReader(buf))
	rtest.OK(t, err)

	node := &data.Node{Name: "file", Type: data.NodeTypeFile, Size: size + 1, Content: content}
	err = data.RestoreFile(context.TODO(), blobs, node, &bytes.Buffer{})
	rtest.Assert(t, errors.Is(err, packrat.ErrCorruptData), "unexpected error %v", err)
}

func TestArchiveReaderRoundTrip(t *testing.T) {
	repo := repository.TestRepository(t)
	buf := rtest.Random(99, 4*1024*1024)

	_, id, err := data.ArchiveReader(context.TODO(), repo, bytes.NewReader(buf), "backup.tar", "host")
	rtest.OK(t, err)

	// a new session finds the snapshot, its tree and all data
	repo2 := repository.TestOpenBackend(t, repo.Backend())
	sn, err := data.LoadSnapshot(context.TODO(), repo2, id)
	rtest.OK(t, err)
	rtest.Equals(t, []string{"backup.tar"}, sn.Paths)

	tree, err := data.LoadTree(context.TODO(), repo2, *sn.Tree)
	rtest.OK(t, err)
	node := tree.Find("backup.tar")
	rtest.Assert(t, node != nil, "file node missing")

	var out bytes.Buffer
	rtest.OK(t, data.RestoreFile(context.TODO(), repo2, node, &out))
	rtest.Assert(t, bytes.Equal(buf, out.Bytes()), "restored data differs")

	// archiving the same data again stores no new data blobs
	before := dataBlobCount(t, repo2)
	_, _, err = data.ArchiveReader(context.TODO(), repo2, bytes.NewReader(buf), "backup.tar", "host")
	rtest.OK(t, err)
	rtest.Equals(t, before, dataBlobCount(t, repo2))
}

func dataBlobCount(t testing.TB, repo *repository.Repository) int {
	n := 0
	rtest.OK(t, repo.ListBlobs(context.TODO(), func(pb packrat.PackedBlob) {
		if pb.Type == packrat.DataBlob {
			n++
		}
	}))
	return n
}
