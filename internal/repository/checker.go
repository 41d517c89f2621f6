package repository

import (
	"bufio"
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository/index"
	"github.com/packrat/packrat/internal/repository/pack"
	"github.com/packrat/packrat/internal/ui/progress"
)

const maxStreamBufferSize = 4 * 1024 * 1024

// ErrDuplicatePacks is returned when a pack is found in more than one index.
type ErrDuplicatePacks struct {
	PackID  packrat.ID
	Indexes packrat.IDSet
}

func (e *ErrDuplicatePacks) Error() string {
	return fmt.Sprintf("pack %v contained in several indexes: %v", e.PackID, e.Indexes)
}

// ErrMixedPack is returned when a pack is found that contains both tree and data blobs.
type ErrMixedPack struct {
	PackID packrat.ID
}

func (e *ErrMixedPack) Error() string {
	return fmt.Sprintf("pack %v contains a mix of tree and data blobs", e.PackID.Str())
}

// PackError describes a problem with one pack. Orphaned packs are stored
// but unknown to the index; truncated packs differ in size from the index.
type PackError struct {
	ID        packrat.ID
	Orphaned  bool
	Truncated bool
	Err       error
}

func (e *PackError) Error() string {
	return "pack " + e.ID.String() + ": " + e.Err.Error()
}

func (e *PackError) Unwrap() error {
	return e.Err
}

// Checker verifies the index and the packs of a repository. It never
// modifies the repository.
type Checker struct {
	repo *Repository
}

// NewChecker creates a new Checker.
func NewChecker(repo *Repository) *Checker {
	return &Checker{
		repo: repo,
	}
}

// send reports err unless ctx is done first.
func send(ctx context.Context, errChan chan<- error, err error) bool {
	select {
	case <-ctx.Done():
		return false
	case errChan <- err:
		return true
	}
}

// LoadIndex loads all index files and installs them as the index of the
// repository. Index files which cannot be loaded are reported in errs,
// suspicious but usable ones in hints.
func (c *Checker) LoadIndex(ctx context.Context, p *progress.Counter) (hints []error, errs []error) {
	// for every pack the index files listing it
	listedIn := make(map[packrat.ID]packrat.IDSet)

	mi := index.NewMasterIndex()
	err := index.ForAllIndexes(ctx, c.repo, c.repo, func(id packrat.ID, idx *index.Index, _ bool, err error) error {
		p.Add(1)
		if err != nil {
			debug.Log("index %v: %v", id, err)
			errs = append(errs, errors.Wrapf(err, "error loading index %v", id))
			return nil
		}
		mi.Insert(idx)

		for packID := range idx.Packs() {
			if listedIn[packID] == nil {
				listedIn[packID] = packrat.NewIDSet()
			}
			listedIn[packID].Insert(id)
		}
		return nil
	})
	if err != nil {
		return hints, append(errs, err)
	}
	if err := mi.MergeFinalIndexes(); err != nil {
		return hints, append(errs, err)
	}
	c.repo.SetIndex(mi)

	packTypes := make(map[packrat.ID]packrat.BlobType)
	err = c.repo.ListBlobs(ctx, func(pb packrat.PackedBlob) {
		tpe, seen := packTypes[pb.PackID]
		switch {
		case !seen:
			tpe = pb.Type
		case tpe != pb.Type:
			tpe = packrat.InvalidBlob
		}
		packTypes[pb.PackID] = tpe
	})
	if err != nil {
		return hints, append(errs, err)
	}

	debug.Log("checking %d packs for duplicates", len(packTypes))
	for packID, tpe := range packTypes {
		if indexes := listedIn[packID]; len(indexes) > 1 {
			hints = append(hints, &ErrDuplicatePacks{PackID: packID, Indexes: indexes})
		}
		if tpe == packrat.InvalidBlob {
			hints = append(hints, &ErrMixedPack{PackID: packID})
		}
	}
	return hints, errs
}

// Packs compares the packs the index knows with the stored ones. Missing,
// truncated and orphaned packs are sent to errChan as *PackError. errChan is
// closed afterwards.
func (c *Checker) Packs(ctx context.Context, errChan chan<- error) {
	defer close(errChan)

	indexed := pack.Size(indexBlobs(ctx, c.repo), false)
	if ctx.Err() != nil {
		return
	}
	debug.Log("checking for %d packs", len(indexed))

	stored := make(map[packrat.ID]int64)
	err := c.repo.List(ctx, packrat.PackFile, func(id packrat.ID, size int64) error {
		stored[id] = size
		return nil
	})
	if err != nil && !send(ctx, errChan, err) {
		return
	}

	for id, want := range indexed {
		got, ok := stored[id]
		delete(stored, id)

		var perr *PackError
		switch {
		case !ok:
			perr = &PackError{ID: id, Err: errors.New("does not exist")}
		case got != want:
			perr = &PackError{ID: id, Truncated: true,
				Err: errors.Errorf("unexpected file size: got %d, expected %d", got, want)}
		default:
			continue
		}
		if !send(ctx, errChan, perr) {
			return
		}
	}

	// what is left is stored but not indexed
	for id := range stored {
		if !send(ctx, errChan, &PackError{ID: id, Orphaned: true, Err: errors.New("not referenced in any index")}) {
			return
		}
	}
}

type packCheckTask struct {
	id    packrat.ID
	size  int64
	blobs []packrat.Blob
}

// ReadPacks downloads the packs selected by filter and verifies every blob
// and the header against the index. Pack errors are sent to errChan, which
// is closed afterwards.
func (c *Checker) ReadPacks(ctx context.Context, filter func(packs map[packrat.ID]int64) map[packrat.ID]int64, p *progress.Counter, errChan chan<- error) {
	defer close(errChan)

	sizes := pack.Size(indexBlobs(ctx, c.repo), false)
	if ctx.Err() != nil {
		return
	}
	if filter != nil {
		sizes = filter(sizes)
	}
	p.SetMax(uint64(len(sizes)))

	g, wctx := errgroup.WithContext(ctx)
	tasks := make(chan packCheckTask)

	// packs are streamed, so the number of connections bounds the workers
	for range c.repo.Connections() {
		g.Go(func() error {
			return c.checkPackWorker(wctx, tasks, p, errChan)
		})
	}

	selected := packrat.NewIDSet()
	for id := range sizes {
		selected.Insert(id)
	}
	for pbs := range c.repo.ListPacksFromIndex(wctx, selected) {
		select {
		case tasks <- packCheckTask{id: pbs.PackID, size: sizes[pbs.PackID], blobs: pbs.Blobs}:
		case <-wctx.Done():
		}
	}
	close(tasks)

	if err := g.Wait(); err != nil {
		send(ctx, errChan, err)
	}
}

func (c *Checker) checkPackWorker(ctx context.Context, tasks <-chan packCheckTask, p *progress.Counter, errChan chan<- error) error {
	rd := bufio.NewReaderSize(nil, maxStreamBufferSize)
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer dec.Close()

	for {
		var task packCheckTask
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case task, ok = <-tasks:
			if !ok {
				return nil
			}
		}

		err := CheckPack(ctx, c.repo, task.id, task.blobs, task.size, rd, dec)
		p.Add(1)
		if err != nil && !send(ctx, errChan, err) {
			return nil
		}
	}
}
