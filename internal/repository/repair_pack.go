package repository

import (
	"context"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/ui/progress"
)

// RepairPacks copies the intact blobs of the given packs into new packs.
// Afterwards the packs are removed from the index and deleted.
func RepairPacks(ctx context.Context, repo *Repository, ids packrat.IDSet, printer progress.Printer) error {
	printer.P("salvaging intact data from specified pack files\n")
	bar := printer.NewCounter("pack files")
	bar.SetMax(uint64(len(ids)))

	err := repo.WithBlobUploader(ctx, func(ctx context.Context, uploader packrat.BlobSaver) error {
		for pbs := range repo.ListPacksFromIndex(ctx, ids) {
			err := salvagePack(ctx, repo, uploader, pbs, printer)
			if err != nil {
				return err
			}
			bar.Add(1)
		}
		return ctx.Err()
	})
	bar.Done()
	if err != nil {
		return err
	}

	if err := rewriteIndexFiles(ctx, repo, ids, nil, nil, printer); err != nil {
		return err
	}

	// packs that survive here are unreferenced and go with the next prune
	printer.P("removing salvaged pack files\n")
	_ = deleteFiles(ctx, true, repo, ids, packrat.PackFile, printer)

	repo.clearIndex()
	return nil
}

// salvagePack stores a new copy of every blob of pbs that still decrypts
// and matches its ID. If the pack cannot be streamed, for example because it
// was truncated, the remaining blobs are loaded one at a time; this also
// finds copies stored in other packs.
func salvagePack(ctx context.Context, repo *Repository, uploader packrat.BlobSaver, pbs packrat.PackBlobs, printer progress.Printer) error {
	if len(pbs.Blobs) == 0 {
		printer.E("no blobs found for pack %v\n", pbs.PackID)
		return nil
	}

	done := packrat.NewBlobSet()
	save := func(bh packrat.BlobHandle, buf []byte) error {
		id, _, _, err := uploader.SaveBlob(ctx, bh.Type, buf, packrat.ID{}, true)
		if err != nil {
			return err
		}
		if id != bh.ID {
			panic("blob id changed during salvage")
		}
		done.Insert(bh)
		return nil
	}

	var saveErr error
	err := repo.LoadBlobsFromPack(ctx, pbs.PackID, pbs.Blobs, func(bh packrat.BlobHandle, buf []byte, err error) error {
		if err != nil {
			printer.E("failed to load blob %v: %v\n", bh.ID, err)
			return nil
		}
		saveErr = save(bh, buf)
		return saveErr
	})
	switch {
	case err == nil:
		return nil
	case saveErr != nil || ctx.Err() != nil:
		return err
	}

	debug.Log("streaming pack %v failed, loading blobs individually: %v", pbs.PackID, err)
	for _, blob := range pbs.Blobs {
		if done.Has(blob.BlobHandle) {
			continue
		}
		buf, err := repo.LoadBlob(ctx, blob.Type, blob.ID, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			printer.E("failed to load blob %v: %v\n", blob.ID, err)
			continue
		}
		if err := save(blob.BlobHandle, buf); err != nil {
			return err
		}
	}
	return nil
}
