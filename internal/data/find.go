package data

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/ui/progress"
)

const numUsedBlobsWorkers = 4

// FindUsedBlobs traverses the trees and adds all seen blobs (trees and data
// blobs) to the set blobs. Trees already contained in blobs are not visited
// again. The counter p is increased for every loaded tree.
func FindUsedBlobs(ctx context.Context, repo packrat.BlobLoader, treeIDs packrat.IDs, blobs packrat.BlobSet, p *progress.Counter) error {
	var m sync.Mutex

	var queue packrat.IDs
	for _, id := range treeIDs {
		h := packrat.BlobHandle{ID: id, Type: packrat.TreeBlob}
		if !blobs.Has(h) {
			blobs.Insert(h)
			queue = append(queue, id)
		}
	}

	// walk the trees level by level
	for len(queue) > 0 {
		var next packrat.IDs
		wg, wgCtx := errgroup.WithContext(ctx)
		wg.SetLimit(numUsedBlobsWorkers)

		for _, treeID := range queue {
			wg.Go(func() error {
				tree, err := LoadTree(wgCtx, repo, treeID)
				if err != nil {
					return fmt.Errorf("tree %v: %w", treeID.Str(), err)
				}

				m.Lock()
				defer m.Unlock()
				for _, node := range tree.Nodes {
					switch node.Type {
					case NodeTypeFile:
						for _, blob := range node.Content {
							blobs.Insert(packrat.BlobHandle{ID: blob, Type: packrat.DataBlob})
						}
					case NodeTypeDir:
						h := packrat.BlobHandle{ID: *node.Subtree, Type: packrat.TreeBlob}
						if !blobs.Has(h) {
							blobs.Insert(h)
							next = append(next, *node.Subtree)
						}
					}
				}
				p.Add(1)
				return nil
			})
		}

		if err := wg.Wait(); err != nil {
			return err
		}
		queue = next
	}
	return nil
}
