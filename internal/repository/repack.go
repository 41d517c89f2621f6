package repository

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/ui/progress"
)

// Repack takes a list of packs together with a list of blobs contained in
// these packs. Each pack is loaded and the blobs listed in keepBlobs are
// saved into new packs of dstRepo. Repack returns only after the new packs
// and the index describing them are stored; the returned obsolete packs can
// then be removed.
//
// keepBlobs is modified by Repack, it is used to keep track of which
// blobs have been processed.
func Repack(ctx context.Context, repo *Repository, dstRepo *Repository, packs packrat.IDSet, keepBlobs packrat.BlobSet, p *progress.Counter) (obsoletePacks packrat.IDSet, err error) {
	debug.Log("repacking %d packs while keeping %d blobs", len(packs), keepBlobs.Len())

	if repo == dstRepo && dstRepo.Connections() < 2 {
		return nil, errors.Fatal("repack step requires a backend connection limit of at least two")
	}

	err = dstRepo.WithBlobUploader(ctx, func(ctx context.Context, uploader packrat.BlobSaver) error {
		return repack(ctx, repo, uploader, packs, keepBlobs, p)
	})
	if err != nil {
		return nil, err
	}
	return packs, nil
}

// keepSet is the shared set of blobs still to be copied.
type keepSet struct {
	mu    sync.Mutex
	blobs packrat.BlobSet
}

// filter returns the blobs of pbs that are still to be copied.
func (k *keepSet) filter(pbs packrat.PackBlobs) packrat.PackBlobs {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := packrat.PackBlobs{PackID: pbs.PackID}
	for _, b := range pbs.Blobs {
		if k.blobs.Has(b.BlobHandle) {
			out.Blobs = append(out.Blobs, b)
		}
	}
	return out
}

// claim removes bh from the set and reports whether it was still there.
// Each blob is claimed by exactly one worker.
func (k *keepSet) claim(bh packrat.BlobHandle) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.blobs.Has(bh) {
		return false
	}
	k.blobs.Delete(bh)
	return true
}

func repack(ctx context.Context, repo *Repository, dst packrat.BlobSaver, packs packrat.IDSet, keepBlobs packrat.BlobSet, p *progress.Counter) error {
	g, ctx := errgroup.WithContext(ctx)
	keep := &keepSet{blobs: keepBlobs}

	queue := make(chan packrat.PackBlobs)
	g.Go(func() error {
		defer close(queue)
		for pbs := range repo.ListPacksFromIndex(ctx, packs) {
			select {
			case queue <- keep.filter(pbs):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return ctx.Err()
	})

	// one connection stays free for the uploader
	for range max(repo.Connections(), 2) - 1 {
		g.Go(func() error {
			for pbs := range queue {
				if err := copyPackBlobs(ctx, repo, dst, pbs, keep); err != nil {
					return err
				}
				p.Add(1)
			}
			return nil
		})
	}
	return g.Wait()
}

// copyPackBlobs stores the blobs of pbs in dst. A blob that cannot be read
// from this pack is taken from another copy if the index has one.
func copyPackBlobs(ctx context.Context, repo *Repository, dst packrat.BlobSaver, pbs packrat.PackBlobs, keep *keepSet) error {
	return repo.LoadBlobsFromPack(ctx, pbs.PackID, pbs.Blobs, func(bh packrat.BlobHandle, buf []byte, err error) error {
		if err != nil {
			var altErr error
			if buf, altErr = repo.loadBlobExcept(ctx, bh, pbs.PackID); altErr != nil {
				return err
			}
		}
		if !keep.claim(bh) {
			return nil
		}
		// stored even if the index knows it, the old copy is about to go
		_, _, _, err = dst.SaveBlob(ctx, bh.Type, buf, bh.ID, true)
		return err
	})
}

// loadBlobExcept loads a blob from any pack other than packID.
func (r *Repository) loadBlobExcept(ctx context.Context, bh packrat.BlobHandle, packID packrat.ID) ([]byte, error) {
	var blobs []packrat.PackedBlob
	for _, pb := range r.idx.Lookup(bh) {
		if pb.PackID != packID {
			blobs = append(blobs, pb)
		}
	}
	if len(blobs) == 0 {
		return nil, packrat.ErrNotFound
	}
	return r.loadBlob(ctx, blobs, nil)
}
