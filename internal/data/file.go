package data

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/packrat/packrat/internal/chunker"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
)

// SaveFile splits rd into content defined chunks using pol and stores each
// chunk as a data blob. Chunks already stored are only referenced. It
// returns the ids of the chunks in order and the number of bytes read.
func SaveFile(ctx context.Context, saver packrat.BlobSaver, pol chunker.Pol, rd io.Reader) (packrat.IDs, uint64, error) {
	chnker, err := chunker.New(rd, pol)
	if err != nil {
		return nil, 0, err
	}

	// empty files have an empty, not a nil, content list
	ids := packrat.IDs{}
	var size uint64
	var buf []byte
	for {
		chunk, err := chnker.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, errors.Wrap(err, "chunker.Next")
		}

		id, known, _, err := saver.SaveBlob(ctx, packrat.DataBlob, chunk.Data, packrat.ID{}, false)
		if err != nil {
			return nil, 0, err
		}
		debug.Log("chunk %v at %d (%d bytes), known %v", id.Str(), chunk.Start, chunk.Length, known)

		ids = append(ids, id)
		size += uint64(chunk.Length)
		buf = chunk.Data
	}

	return ids, size, nil
}

// RestoreFile writes the content of the file node to w. Content that does
// not add up to the recorded size is reported as corrupt data.
func RestoreFile(ctx context.Context, loader packrat.BlobLoader, node *Node, w io.Writer) error {
	if node.Type != NodeTypeFile {
		return fmt.Errorf("%q is not a file", node.Name)
	}

	var written uint64
	var buf []byte
	for _, id := range node.Content {
		var err error
		buf, err = loader.LoadBlob(ctx, packrat.DataBlob, id, buf)
		if err != nil {
			return fmt.Errorf("file %q, blob %v: %w", node.Name, id.Str(), err)
		}
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		written += uint64(n)
	}

	if written != node.Size {
		return errors.Wrapf(packrat.ErrCorruptData, "file %q: restored %d bytes, expected %d", node.Name, written, node.Size)
	}
	return nil
}

// Archiver stores data streams as single file snapshots.
type Archiver interface {
	packrat.SaverUnpacked
	Config() packrat.Config
	WithBlobUploader(ctx context.Context, fn func(ctx context.Context, uploader packrat.BlobSaver) error) error
}

// ArchiveReader reads from rd and stores the data as a file called name in a
// new snapshot. The snapshot is written only after all blobs and the index
// are stored. Returned is the snapshot and its ID.
func ArchiveReader(ctx context.Context, repo Archiver, rd io.Reader, name string, hostname string) (*Snapshot, packrat.ID, error) {
	debug.Log("start archiving %s", name)
	now := time.Now()

	var treeID packrat.ID
	err := repo.WithBlobUploader(ctx, func(ctx context.Context, uploader packrat.BlobSaver) error {
		content, size, err := SaveFile(ctx, uploader, repo.Config().ChunkerPolynomial, rd)
		if err != nil {
			return err
		}

		tree := NewTree(1)
		err = tree.Insert(&Node{
			Name:    name,
			Type:    NodeTypeFile,
			ModTime: now,
			Size:    size,
			Content: content,
		})
		if err != nil {
			return err
		}

		treeID, err = SaveTree(ctx, uploader, tree)
		return err
	})
	if err != nil {
		return nil, packrat.ID{}, err
	}
	debug.Log("tree saved as %v", treeID.Str())

	// name is not a local path, so it is stored as given
	sn := &Snapshot{Time: now, Paths: []string{name}, Hostname: hostname, Tree: &treeID}

	id, err := SaveSnapshot(ctx, repo, sn)
	if err != nil {
		return nil, packrat.ID{}, err
	}
	debug.Log("snapshot saved as %v", id.Str())

	return sn, id, nil
}
