package repository

import (
	"cmp"
	"context"
	"math"
	"slices"

	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository/pack"
	"github.com/packrat/packrat/internal/ui/progress"
)

// packUsage is how much of an indexed pack is still referenced.
type packUsage struct {
	used, unused, duplicate uint
	usedSize, unusedSize    uint64

	// NumBlobTypes until the first blob is seen, InvalidBlob for packs
	// holding both blob types
	tpe          packrat.BlobType
	uncompressed bool
}

func (u packUsage) size() uint64 { return u.usedSize + u.unusedSize }

type repackCandidate struct {
	id packrat.ID
	packUsage
	mustCompress bool
}

// pruneAccount tracks the copies of every used blob and the usage of every
// indexed pack while a prune is planned.
type pruneAccount struct {
	// copies of each used blob in the index, saturating at 255. Once
	// duplicates are resolved every entry is 1.
	copies map[packrat.BlobHandle]uint8
	packs  map[packrat.ID]packUsage
	stats  PruneStats
}

func newPruneAccount(used packrat.BlobSet) *pruneAccount {
	copies := make(map[packrat.BlobHandle]uint8, used.Len())
	_ = used.ForAll(func(bh packrat.BlobHandle) error {
		copies[bh] = 0
		return nil
	})
	return &pruneAccount{copies: copies, packs: make(map[packrat.ID]packUsage)}
}

func (a *pruneAccount) countCopies(ctx context.Context, repo *Repository) error {
	return repo.ListBlobs(ctx, func(pb packrat.PackedBlob) {
		if n, ok := a.copies[pb.BlobHandle]; ok && n < math.MaxUint8 {
			a.copies[pb.BlobHandle] = n + 1
		}
	})
}

// missing returns the used blobs the index does not know.
func (a *pruneAccount) missing() packrat.BlobSet {
	missing := packrat.NewBlobSet()
	for bh, n := range a.copies {
		if n == 0 {
			missing.Insert(bh)
		}
	}
	return missing
}

// tallyPacks sorts every indexed blob into used, unused or duplicate and
// sums them up per pack, starting from the pack header size. All copies of
// a duplicate start out unused.
func (a *pruneAccount) tallyPacks(ctx context.Context, repo *Repository) (duplicates bool, err error) {
	for id, hdr := range pack.Size(indexBlobs(ctx, repo), true) {
		a.packs[id] = packUsage{tpe: packrat.NumBlobTypes, usedSize: uint64(hdr)}
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	err = repo.ListBlobs(ctx, func(pb packrat.PackedBlob) {
		u := a.packs[pb.PackID]
		switch u.tpe {
		case packrat.NumBlobTypes:
			u.tpe = pb.Type
		case pb.Type:
		default:
			u.tpe = packrat.InvalidBlob
		}

		size := uint64(pb.Length)
		switch n := a.copies[pb.BlobHandle]; {
		case n >= 2:
			duplicates = true
			u.unused++
			u.duplicate++
			u.unusedSize += size
			a.stats.Blobs.Duplicate++
			a.stats.Size.Duplicate += size
		case n == 1:
			u.used++
			u.usedSize += size
			a.stats.Blobs.Used++
			a.stats.Size.Used += size
		default:
			u.unused++
			u.unusedSize += size
			a.stats.Blobs.Unused++
			a.stats.Size.Unused += size
		}
		if !pb.IsCompressed() {
			u.uncompressed = true
		}
		a.packs[pb.PackID] = u
	})
	return duplicates, err
}

// pickDuplicates marks exactly one copy of every duplicate as used. A copy
// is taken if its pack holds other used blobs, if its pack consists only of
// duplicates, as left behind by an interrupted prune, or if it is the last
// copy left. The other copies stay unused.
func (a *pruneAccount) pickDuplicates(ctx context.Context, repo *Repository) error {
	err := repo.ListBlobs(ctx, func(pb packrat.PackedBlob) {
		n, ok := a.copies[pb.BlobHandle]
		if !ok || n == 1 {
			return
		}

		u := a.packs[pb.PackID]
		if u.used > 0 || u.duplicate == u.unused || n == 0 {
			size := uint64(pb.Length)
			u.used++
			u.usedSize += size
			u.unused--
			u.unusedSize -= size
			a.packs[pb.PackID] = u

			a.stats.Blobs.Used++
			a.stats.Size.Used += size
			a.stats.Blobs.Duplicate--
			a.stats.Size.Duplicate -= size
			a.copies[pb.BlobHandle] = 1
			return
		}

		// 0 selects the next copy, which is the last one
		n--
		if n == 1 {
			n = 0
		}
		a.copies[pb.BlobHandle] = n
	})
	if err != nil {
		return err
	}

	for _, n := range a.copies {
		if n != 1 {
			panic("internal error during blob selection")
		}
	}
	return nil
}

// selectPacks walks the stored packs and decides for each whether it is
// kept, deleted or repacked.
func (plan *PrunePlan) selectPacks(ctx context.Context, acc *pruneAccount, printer progress.Printer) error {
	repo, opts, stats := plan.repo, plan.opts, &acc.stats
	plan.unrefPacks = packrat.NewIDSet()
	plan.deletePacks = packrat.NewIDSet()
	plan.repackPacks = packrat.NewIDSet()
	plan.forgetPacks = packrat.NewIDSet()

	// packs below smallSize are repacked when enough of them exist
	smallSize := uint64(repo.packSize() / 25)
	if opts.RepackSmall {
		smallSize = uint64(repo.packSize() / 5 * 4)
	}

	var candidates, small []repackCandidate
	bar := printer.NewCounter("packs processed")
	bar.SetMax(uint64(len(acc.packs)))
	err := repo.List(ctx, packrat.PackFile, func(id packrat.ID, size int64) error {
		u, ok := acc.packs[id]
		if !ok {
			printer.V("will remove pack %v as it is unused and not indexed\n", id.Str())
			plan.unrefPacks.Insert(id)
			stats.Size.Unref += uint64(size)
			return nil
		}
		delete(acc.packs, id)
		bar.Add(1)

		// a pack without used blobs is deleted whatever its size
		if u.used != 0 && u.size() != uint64(size) {
			printer.E("pack %s: calculated size %d does not match real size %d\nRun 'repair index'.\n",
				id.Str(), u.size(), size)
			return ErrSizeNotMatching
		}

		switch {
		case u.used == 0:
			stats.Packs.Unused++
		case u.unused == 0:
			stats.Packs.Used++
		default:
			stats.Packs.PartlyUsed++
		}
		if u.uncompressed {
			stats.Size.Uncompressed += u.size()
		}

		// uncompressed trees are always recompressed, data only on request
		mustCompress := repo.Config().Version >= 2 && u.uncompressed &&
			(u.tpe == packrat.TreeBlob || opts.RepackUncompressed)

		switch {
		case u.used == 0:
			plan.deletePacks.Insert(id)
			stats.Blobs.Remove += u.unused
			stats.Size.Remove += u.unusedSize
		case u.unused == 0 && u.tpe != packrat.InvalidBlob && !mustCompress:
			if uint64(size) >= smallSize {
				stats.Packs.Keep++
			} else {
				small = append(small, repackCandidate{id: id, packUsage: u})
			}
		default:
			candidates = append(candidates, repackCandidate{id: id, packUsage: u, mustCompress: mustCompress})
		}
		return nil
	})
	bar.Done()
	if err != nil {
		return err
	}

	// what is left is indexed but not stored
	var missing packrat.IDs
	for id, u := range acc.packs {
		if u.used != 0 {
			missing = append(missing, id)
			continue
		}
		plan.forgetPacks.Insert(id)
		stats.Blobs.Remove += u.unused
		stats.Size.Remove += u.unusedSize
	}
	if len(missing) != 0 {
		printer.E("The index references %d needed pack files which are missing from the repository:\n", len(missing))
		for _, id := range missing {
			printer.E("  %v\n", id)
		}
		return ErrPacksMissing
	}
	if len(plan.forgetPacks) != 0 {
		printer.E("Missing but unneeded pack files are referenced in the index, will be repaired\n")
		for id := range plan.forgetPacks {
			printer.E("will forget missing pack file %v\n", id)
		}
	}

	// a few small packs would otherwise be rewritten on every run
	if len(small) < 10 {
		stats.Packs.Keep += uint(len(small))
	} else {
		candidates = append(candidates, small...)
	}

	sortRepackCandidates(candidates, smallSize)
	plan.chooseRepack(candidates, smallSize, stats)

	stats.Packs.Unref = uint(len(plan.unrefPacks))
	stats.Packs.Repack = uint(len(plan.repackPacks))
	stats.Packs.Remove = uint(len(plan.deletePacks))
	if repo.Config().Version < 2 {
		stats.Size.Uncompressed = 0
	}
	return nil
}

func falseFirst(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}

// sortRepackCandidates puts tree and mixed packs first, then packs below
// smallSize, then packs by decreasing share of unused data.
func sortRepackCandidates(c []repackCandidate, smallSize uint64) {
	slices.SortFunc(c, func(a, b repackCandidate) int {
		if d := falseFirst(a.tpe == packrat.DataBlob, b.tpe == packrat.DataBlob); d != 0 {
			return d
		}
		if d := falseFirst(a.size() >= smallSize, b.size() >= smallSize); d != 0 {
			return d
		}
		// unused_a/used_a > unused_b/used_b without division
		return cmp.Compare(b.unusedSize*a.usedSize, a.unusedSize*b.usedSize)
	})
}

// chooseRepack repacks candidates in order until the unused data left
// drops below MaxUnusedBytes, never exceeding MaxRepackBytes. Tree packs and
// packs that must be compressed are only limited by MaxRepackBytes.
func (plan *PrunePlan) chooseRepack(candidates []repackCandidate, smallSize uint64, stats *PruneStats) {
	maxUnused := plan.opts.MaxUnusedBytes(stats.Size.Used)

	for _, c := range candidates {
		// duplicates that are not kept count as unused
		unusedLeft := stats.Size.Unused + stats.Size.Duplicate - stats.Size.Remove - stats.Size.Repackrm

		switch {
		case stats.Size.Repack+c.size() >= plan.opts.MaxRepackBytes:
			stats.Packs.Keep++
			continue
		case c.tpe != packrat.DataBlob, c.mustCompress:
		case unusedLeft < maxUnused && c.size() >= smallSize:
			stats.Packs.Keep++
			continue
		}

		plan.repackPacks.Insert(c.id)
		stats.Blobs.Repack += c.used + c.unused
		stats.Size.Repack += c.size()
		stats.Blobs.Repackrm += c.unused
		stats.Size.Repackrm += c.unusedSize
		if c.uncompressed {
			stats.Size.Uncompressed -= c.size()
		}
	}
}
