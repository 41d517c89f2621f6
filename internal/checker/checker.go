package checker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/packrat/packrat/internal/data"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository"
	"github.com/packrat/packrat/internal/ui/progress"
)

// Checker runs various checks on a repository. It never modifies the
// repository.
//
// The index and pack checks are done by the embedded repository.Checker,
// Checker adds the checks that need snapshots and trees.
type Checker struct {
	*repository.Checker

	trackUnused bool
	// blobRefs counts the references to each blob found while walking trees
	blobRefs *xsync.MapOf[packrat.BlobHandle, uint]

	snapshots       data.Snapshots
	snapshotErrs    []error
	repo            *repository.Repository
	treeWorkerCount int
}

// New returns a new checker which runs on repo. With trackUnused set,
// UnusedBlobs can report blobs no snapshot references.
func New(repo *repository.Repository, trackUnused bool) *Checker {
	return &Checker{
		Checker:         repository.NewChecker(repo),
		trackUnused:     trackUnused,
		blobRefs:        xsync.NewMapOf[packrat.BlobHandle, uint](),
		repo:            repo,
		treeWorkerCount: int(repo.Connections()) * 2,
	}
}

// LoadSnapshots loads all snapshots. Snapshots that cannot be loaded are
// reported by Structure.
func (c *Checker) LoadSnapshots(ctx context.Context) error {
	c.snapshots = nil
	c.snapshotErrs = nil
	return data.ForAllSnapshots(ctx, c.repo, c.repo, nil, func(id packrat.ID, sn *data.Snapshot, err error) error {
		if err != nil {
			c.snapshotErrs = append(c.snapshotErrs, fmt.Errorf("snapshot %v: %w", id.Str(), err))
			return nil
		}
		if sn.Tree == nil {
			c.snapshotErrs = append(c.snapshotErrs, fmt.Errorf("snapshot %v has no tree: %w", id.Str(), repository.ErrCorruptMetadata))
			return nil
		}
		c.snapshots = append(c.snapshots, sn)
		return nil
	})
}

// Error is an error in a tree, optionally about one of the blobs it
// references.
type Error struct {
	TreeID packrat.ID
	BlobID packrat.ID
	Err    error
}

func (e *Error) Error() string {
	if !e.BlobID.IsNull() && !e.TreeID.IsNull() {
		return "tree " + e.TreeID.Str() + ", blob " + e.BlobID.Str() + ": " + e.Err.Error()
	}

	if !e.TreeID.IsNull() {
		return "tree " + e.TreeID.Str() + ": " + e.Err.Error()
	}

	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TreeError collects several errors that occurred while processing a tree.
type TreeError struct {
	ID     packrat.ID
	Errors []error
}

func (e *TreeError) Error() string {
	return fmt.Sprintf("tree %v: %v", e.ID.Str(), e.Errors)
}

func (e *TreeError) Unwrap() []error {
	return e.Errors
}

// Structure checks that for all snapshots all referenced data blobs and
// subtrees are available in the index. errChan is closed after all trees have
// been traversed. LoadIndex and LoadSnapshots must be called first.
func (c *Checker) Structure(ctx context.Context, p *progress.Counter, errChan chan<- error) {
	defer close(errChan)

	for _, err := range c.snapshotErrs {
		select {
		case <-ctx.Done():
			return
		case errChan <- err:
		}
	}

	var queue packrat.IDs
	for _, sn := range c.snapshots {
		if c.addRef(packrat.BlobHandle{ID: *sn.Tree, Type: packrat.TreeBlob}) {
			queue = append(queue, *sn.Tree)
		}
	}
	debug.Log("need to check %d trees from %d snapshots", len(queue), len(c.snapshots))

	// trees are visited level by level, each only once
	for len(queue) > 0 {
		var m sync.Mutex
		var next packrat.IDs
		p.SetMax(uint64(c.blobRefs.Size()))

		wg, wgCtx := errgroup.WithContext(ctx)
		wg.SetLimit(c.treeWorkerCount)
		for _, id := range queue {
			wg.Go(func() error {
				subtrees, errs := c.checkTree(wgCtx, id)
				p.Add(1)

				m.Lock()
				next = append(next, subtrees...)
				m.Unlock()

				if len(errs) == 0 {
					return nil
				}
				debug.Log("checked tree %v: %v errors", id, len(errs))
				select {
				case <-wgCtx.Done():
					return wgCtx.Err()
				case errChan <- &TreeError{ID: id, Errors: errs}:
				}
				return nil
			})
		}
		if err := wg.Wait(); err != nil {
			return
		}
		queue = next
	}
}

// addRef counts a reference to h and reports whether it is the first one.
func (c *Checker) addRef(h packrat.BlobHandle) bool {
	count, _ := c.blobRefs.Compute(h, func(old uint, _ bool) (uint, bool) {
		return old + 1, false
	})
	return count == 1
}

// checkTree loads and checks the tree id. It returns the subtrees that were
// not seen before.
func (c *Checker) checkTree(ctx context.Context, id packrat.ID) (subtrees packrat.IDs, errs []error) {
	debug.Log("checking tree %v", id)

	tree, err := data.LoadTree(ctx, c.repo, id)
	if err != nil {
		return nil, []error{&Error{TreeID: id, Err: err}}
	}

	for _, node := range tree.Nodes {
		switch node.Type {
		case data.NodeTypeFile:
			if node.Content == nil {
				errs = append(errs, &Error{TreeID: id, Err: errors.Errorf("file %q has nil blob list", node.Name)})
			}

			var size uint64
			complete := true
			for b, blobID := range node.Content {
				if blobID.IsNull() {
					errs = append(errs, &Error{TreeID: id, Err: errors.Errorf("file %q blob %d has null ID", node.Name, b)})
					complete = false
					continue
				}
				h := packrat.BlobHandle{ID: blobID, Type: packrat.DataBlob}
				c.addRef(h)

				blobSize, found := c.repo.LookupBlobSize(packrat.DataBlob, blobID)
				if !found {
					debug.Log("tree %v references blob %v which isn't contained in index", id, blobID)
					errs = append(errs, &Error{TreeID: id, BlobID: blobID, Err: errors.Errorf("file %q blob %d not found in index", node.Name, b)})
					complete = false
				}
				size += uint64(blobSize)
			}
			if complete && size != node.Size {
				errs = append(errs, &Error{TreeID: id, Err: errors.Errorf("file %q: metadata size (%v) and sum of blob sizes (%v) do not match", node.Name, node.Size, size)})
			}

		case data.NodeTypeDir:
			if node.Subtree.IsNull() {
				errs = append(errs, &Error{TreeID: id, Err: errors.Errorf("dir node %q subtree id is null", node.Name)})
				continue
			}
			h := packrat.BlobHandle{ID: *node.Subtree, Type: packrat.TreeBlob}
			if _, found := c.repo.LookupBlobSize(packrat.TreeBlob, *node.Subtree); !found {
				errs = append(errs, &Error{TreeID: id, BlobID: *node.Subtree, Err: errors.Errorf("dir %q subtree not found in index", node.Name)})
				c.addRef(h)
				continue
			}
			if c.addRef(h) {
				subtrees = append(subtrees, *node.Subtree)
			}
		}
	}

	return subtrees, errs
}

// UnusedBlobs returns all blobs in the index that have never been referenced
// by a tree. Structure must have been run before.
func (c *Checker) UnusedBlobs(ctx context.Context) (blobs packrat.BlobHandles, err error) {
	if !c.trackUnused {
		return nil, errors.New("refusing to look for unused blobs without tracking")
	}

	debug.Log("checking %d blobs", c.blobRefs.Size())
	seen := packrat.NewBlobSet()
	err = c.repo.ListBlobs(ctx, func(blob packrat.PackedBlob) {
		h := blob.BlobHandle
		if seen.Has(h) {
			return
		}
		seen.Insert(h)
		if _, ok := c.blobRefs.Load(h); !ok {
			debug.Log("blob %v not referenced", h)
			blobs = append(blobs, h)
		}
	})
	sort.Sort(blobs)

	return blobs, err
}

// ReadData loads all packs from the repository and checks their integrity.
func (c *Checker) ReadData(ctx context.Context, errChan chan<- error) {
	c.ReadPacks(ctx, nil, nil, errChan)
}
