package repository

import (
	"context"
	"iter"
	"math"

	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository/index"
	"github.com/packrat/packrat/internal/ui/progress"
)

var (
	ErrIndexIncomplete = errors.Fatal("index is not complete")
	ErrPacksMissing    = errors.Fatal("packs from index missing in repo")
	ErrSizeNotMatching = errors.Fatal("pack size does not match calculated size from index")
)

// DefaultMaxUnused is the share of unused data tolerated after a prune.
const DefaultMaxUnused = 0.05

// PruneOptions controls which packs a prune deletes or rewrites.
type PruneOptions struct {
	DryRun bool
	// UnsafeRecovery deletes the index before the packs and never repacks.
	// It is meant for repositories that have no space left.
	UnsafeRecovery bool

	// MaxUnusedBytes returns how many unused bytes may remain for the given
	// amount of used bytes.
	MaxUnusedBytes func(used uint64) (unused uint64)
	MaxRepackBytes uint64

	RepackSmall        bool
	RepackUncompressed bool
}

// MaxUnusedRatio returns a MaxUnusedBytes function which allows unused data
// up to ratio of the total repository size.
func MaxUnusedRatio(ratio float64) func(used uint64) uint64 {
	return func(used uint64) uint64 {
		if ratio >= 1 {
			return math.MaxUint64
		}
		return uint64(ratio / (1 - ratio) * float64(used))
	}
}

// DefaultPruneOptions tolerates DefaultMaxUnused and repacks without limit.
func DefaultPruneOptions() PruneOptions {
	return PruneOptions{
		MaxUnusedBytes: MaxUnusedRatio(DefaultMaxUnused),
		MaxRepackBytes: math.MaxUint64,
	}
}

// PruneStats summarizes a prune plan. Duplicate counts the extra copies of
// used blobs, Repackrm the unused part of repacked packs and Unref the size
// of packs no index refers to.
type PruneStats struct {
	Blobs struct {
		Used      uint
		Duplicate uint
		Unused    uint
		Remove    uint
		Repack    uint
		Repackrm  uint
	}
	Size struct {
		Used         uint64
		Duplicate    uint64
		Unused       uint64
		Remove       uint64
		Repack       uint64
		Repackrm     uint64
		Unref        uint64
		Uncompressed uint64
	}
	Packs struct {
		Used       uint
		Unused     uint
		PartlyUsed uint
		Unref      uint
		Keep       uint
		Repack     uint
		Remove     uint
	}
}

// PrunePlan is the outcome of PlanPrune. It can be executed once.
type PrunePlan struct {
	unrefPacks  packrat.IDSet   // stored, but unknown to the index
	repackPacks packrat.IDSet   // rewritten, then deleted
	deletePacks packrat.IDSet   // no used blobs, deleted right away
	forgetPacks packrat.IDSet   // indexed, but no longer stored
	keepBlobs   packrat.BlobSet // used blobs that only live in repackPacks

	repo  *Repository
	stats PruneStats
	opts  PruneOptions
}

// PlanPrune decides which packs to delete and which to repack. getUsedBlobs
// must add every blob that is still referenced to usedBlobs, usually via
// ListReachable over the retained snapshots. The repository is not modified.
func PlanPrune(ctx context.Context, opts PruneOptions, repo *Repository, getUsedBlobs func(ctx context.Context, repo *Repository, usedBlobs packrat.BlobSet) error, printer progress.Printer) (*PrunePlan, error) {
	if opts.MaxUnusedBytes == nil {
		opts.MaxUnusedBytes = MaxUnusedRatio(DefaultMaxUnused)
	}
	if opts.UnsafeRecovery {
		opts.MaxRepackBytes = 0
	}
	if repo.Connections() < 2 {
		return nil, errors.New("prune requires a backend connection limit of at least two")
	}
	if opts.RepackUncompressed && repo.Config().Version < 2 {
		return nil, errors.New("compression requires at least repository format version 2")
	}

	used := packrat.NewBlobSet()
	if err := getUsedBlobs(ctx, repo, used); err != nil {
		return nil, err
	}

	printer.P("searching used packs...\n")
	acc := newPruneAccount(used)
	if err := acc.countCopies(ctx, repo); err != nil {
		return nil, err
	}
	if missing := acc.missing(); missing.Len() != 0 {
		printer.E("%v not found in the index\n\n"+
			"Integrity check failed: Data seems to be missing.\n"+
			"Will not start prune to prevent (additional) data loss!\n", missing)
		return nil, ErrIndexIncomplete
	}
	duplicates, err := acc.tallyPacks(ctx, repo)
	if err != nil {
		return nil, err
	}
	if duplicates {
		if err := acc.pickDuplicates(ctx, repo); err != nil {
			return nil, err
		}
	}

	printer.P("collecting packs for deletion and repacking\n")
	plan := &PrunePlan{repo: repo, opts: opts}
	if err := plan.selectPacks(ctx, acc, printer); err != nil {
		return nil, err
	}

	if len(plan.repackPacks) != 0 {
		// blobs which stay in a kept pack need not be repacked
		keep := used.Clone()
		err := repo.ListBlobs(ctx, func(pb packrat.PackedBlob) {
			if !plan.repackPacks.Has(pb.PackID) && !plan.deletePacks.Has(pb.PackID) {
				keep.Delete(pb.BlobHandle)
			}
		})
		if err != nil {
			return nil, err
		}
		plan.keepBlobs = keep
	}

	plan.stats = acc.stats
	return plan, nil
}

// indexBlobs iterates over all blobs of the index.
func indexBlobs(ctx context.Context, repo *Repository) iter.Seq[packrat.PackedBlob] {
	return func(yield func(packrat.PackedBlob) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		_ = repo.ListBlobs(ctx, func(pb packrat.PackedBlob) {
			if ctx.Err() != nil {
				return
			}
			if !yield(pb) {
				cancel()
			}
		})
	}
}

func (plan *PrunePlan) Stats() PruneStats {
	return plan.stats
}

// RepackPacks returns the packs the plan repacks.
func (plan *PrunePlan) RepackPacks() packrat.IDSet {
	return plan.repackPacks
}

// RemovePacks returns the packs the plan deletes without repacking.
func (plan *PrunePlan) RemovePacks() packrat.IDSet {
	return plan.deletePacks
}

// Execute carries out the plan in an order that never leaves an index
// entry pointing at a deleted pack:
//  1. delete packs no index knows
//  2. repack, which stores the new packs and their index
//  3. rewrite the index without the packs about to go
//  4. delete the packs
func (plan *PrunePlan) Execute(ctx context.Context, printer progress.Printer) error {
	if plan.opts.DryRun {
		printer.V("Repeated prune dry-runs can report slightly different amounts of data to keep or repack. This is expected behavior.\n\n")
		if len(plan.unrefPacks) > 0 {
			printer.V("Would have removed the following unreferenced packs:\n%v\n\n", plan.unrefPacks)
		}
		printer.V("Would have repacked and removed the following packs:\n%v\n\n", plan.repackPacks)
		printer.V("Would have removed the following no longer used packs:\n%v\n\n", plan.deletePacks)
		return nil
	}

	repo := plan.repo
	if repo == nil {
		return errors.New("prune plan was already executed")
	}
	plan.repo = nil

	if len(plan.unrefPacks) != 0 {
		printer.P("deleting unreferenced packs\n")
		_ = deleteFiles(ctx, true, repo, plan.unrefPacks, packrat.PackFile, printer)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	obsolete := packrat.NewIDSet()
	obsolete.Merge(plan.deletePacks)
	if len(plan.repackPacks) != 0 {
		printer.P("repacking packs\n")
		bar := printer.NewCounter("packs repacked")
		bar.SetMax(uint64(len(plan.repackPacks)))
		_, err := Repack(ctx, repo, repo, plan.repackPacks, plan.keepBlobs, bar)
		bar.Done()
		if err != nil {
			return errors.Fatal(err.Error())
		}
		if plan.keepBlobs.Len() != 0 {
			printer.E("%v was not repacked\n\nIntegrity check failed.\n", plan.keepBlobs)
			return errors.Fatal("internal error: blobs were not repacked")
		}
		obsolete.Merge(plan.repackPacks)
	}

	dropFromIndex := packrat.NewIDSet()
	dropFromIndex.Merge(obsolete)
	dropFromIndex.Merge(plan.forgetPacks)

	if plan.opts.UnsafeRecovery {
		printer.P("deleting index files\n")
		if err := deleteFiles(ctx, false, repo, repo.idx.IDs(), packrat.IndexFile, printer); err != nil {
			return errors.Fatalf("%s", err)
		}
	} else if len(dropFromIndex) != 0 {
		if err := rewriteIndexFiles(ctx, repo, dropFromIndex, nil, nil, printer); err != nil {
			return errors.Fatalf("%s", err)
		}
	}

	if len(obsolete) != 0 {
		printer.P("removing %d old packs\n", len(obsolete))
		_ = deleteFiles(ctx, true, repo, obsolete, packrat.PackFile, printer)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if plan.opts.UnsafeRecovery {
		if err := RepairIndex(ctx, repo, RepairIndexOptions{ReadAllPacks: true}, printer); err != nil {
			return errors.Fatalf("%s", err)
		}
	}

	repo.clearIndex()
	printer.P("done\n")
	return nil
}

// deleteFiles removes files of type t in parallel. With ignoreError a
// failed removal is only reported.
func deleteFiles(ctx context.Context, ignoreError bool, repo *Repository, ids packrat.IDSet, t packrat.FileType, printer progress.Printer) error {
	bar := printer.NewCounter("files deleted")
	bar.SetMax(uint64(len(ids)))
	defer bar.Done()

	return packrat.ParallelRemove(ctx, &internalRepository{repo}, ids, t, func(id packrat.ID, err error) error {
		bar.Add(1)
		if err != nil {
			printer.E("unable to remove %v/%v from the repository\n", t, id)
			if ignoreError {
				return nil
			}
			return err
		}
		printer.VV("removed %v/%v\n", t, id)
		return nil
	})
}

// rewriteIndexFiles writes the index without removePacks and deletes the
// replaced index files together with extraObsolete.
func rewriteIndexFiles(ctx context.Context, repo *Repository, removePacks packrat.IDSet, oldIndexes packrat.IDSet, extraObsolete packrat.IDs, printer progress.Printer) error {
	printer.P("rebuilding index\n")

	return repo.idx.Rewrite(ctx, &internalRepository{repo}, removePacks, oldIndexes, extraObsolete, index.RewriteOpts{
		DeleteReport: func(id packrat.ID, err error) {
			if err != nil {
				printer.VV("failed to remove index %v: %v\n", id.String(), err)
			} else {
				printer.VV("removed index %v\n", id.String())
			}
		},
	})
}

// clearIndex drops the in-memory index.
func (r *Repository) clearIndex() {
	r.idx = index.NewMasterIndex()
}
