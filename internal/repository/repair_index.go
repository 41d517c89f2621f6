package repository

import (
	"context"

	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository/index"
	"github.com/packrat/packrat/internal/repository/pack"
	"github.com/packrat/packrat/internal/ui/progress"
)

type RepairIndexOptions struct {
	ReadAllPacks bool
}

// indexRepair collects what RepairIndex has to change.
type indexRepair struct {
	// index files that are replaced even if they are not rewritten
	obsolete packrat.IDs
	// packs whose header must be read, with their stored size
	unindexed map[packrat.ID]int64
	// packs whose old index entries are dropped
	drop packrat.IDSet
}

// RepairIndex rebuilds the index from the pack headers. Unless ReadAllPacks
// is set, only packs which are missing from the index or whose size does not
// match are read. Unreadable index files are replaced.
func RepairIndex(ctx context.Context, repo *Repository, opts RepairIndexOptions, printer progress.Printer) error {
	fix := &indexRepair{
		unindexed: make(map[packrat.ID]int64),
		drop:      packrat.NewIDSet(),
	}

	mi, err := fix.loadUsableIndexes(ctx, repo, opts.ReadAllPacks, printer)
	if err != nil {
		return err
	}
	repo.SetIndex(mi)

	printer.P("getting pack files to read...\n")
	if err := fix.comparePacks(ctx, repo, printer); err != nil {
		return err
	}
	if err := fix.readPackHeaders(ctx, repo, printer); err != nil {
		return err
	}

	// the packs read above go to a new index, only the loaded indexes
	// are rewritten
	oldIndexes := mi.IDs()
	if err := mi.SaveIndex(ctx, &internalRepository{repo}); err != nil {
		return err
	}
	if err := rewriteIndexFiles(ctx, repo, fix.drop, oldIndexes, fix.obsolete, printer); err != nil {
		return err
	}

	repo.clearIndex()
	return nil
}

// loadUsableIndexes returns the index files that decode. With readAll set
// it starts from an empty index and marks every index file obsolete.
func (fix *indexRepair) loadUsableIndexes(ctx context.Context, repo *Repository, readAll bool, printer progress.Printer) (*index.MasterIndex, error) {
	mi := index.NewMasterIndex()
	if readAll {
		err := repo.List(ctx, packrat.IndexFile, func(id packrat.ID, _ int64) error {
			fix.obsolete = append(fix.obsolete, id)
			return nil
		})
		return mi, err
	}

	printer.P("loading indexes...\n")
	err := mi.Load(ctx, repo, func(id packrat.ID, _ *index.Index, _ bool, err error) error {
		if err != nil {
			printer.E("removing invalid index %v: %v\n", id, err)
			fix.obsolete = append(fix.obsolete, id)
		}
		return nil
	})
	return mi, err
}

// comparePacks matches the stored packs against the loaded index. Packs
// that are unknown or have another size are read again, indexed packs that
// do not exist are dropped.
func (fix *indexRepair) comparePacks(ctx context.Context, repo *Repository, printer progress.Printer) error {
	indexed := pack.Size(indexBlobs(ctx, repo), false)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	err := repo.List(ctx, packrat.PackFile, func(id packrat.ID, size int64) error {
		want, known := indexed[id]
		delete(indexed, id)
		switch {
		case !known:
			printer.E("adding pack file to index %v\n", id)
		case want != size:
			printer.E("reindexing pack file %v with unexpected size %v instead of %v\n", id, size, want)
		default:
			return nil
		}
		fix.unindexed[id] = size
		fix.drop.Insert(id)
		return nil
	})
	if err != nil {
		return err
	}

	for id := range indexed {
		printer.E("removing not found pack file %v\n", id)
		fix.drop.Insert(id)
	}
	return nil
}

func (fix *indexRepair) readPackHeaders(ctx context.Context, repo *Repository, printer progress.Printer) error {
	if len(fix.unindexed) == 0 {
		return nil
	}

	printer.P("reading pack files\n")
	bar := printer.NewCounter("packs")
	bar.SetMax(uint64(len(fix.unindexed)))
	invalid, err := repo.createIndexFromPacks(ctx, fix.unindexed, bar)
	bar.Done()
	if err != nil {
		return err
	}
	for _, id := range invalid {
		printer.V("skipped incomplete pack file: %v\n", id)
	}
	return nil
}
