package main

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository"
	"github.com/packrat/packrat/internal/ui"
	"github.com/packrat/packrat/internal/ui/progress"
)

func newPruneCommand(gopts *GlobalOptions) *cobra.Command {
	var opts PruneOptions

	cmd := &cobra.Command{
		Use:   "prune [flags]",
		Short: "Remove unneeded data from the repository",
		Long: `
The "prune" command removes data no snapshot references. Packs holding only
unused blobs are deleted, packs mixing used and unused blobs are repacked once
the unused share exceeds --max-unused.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		GroupID:           cmdGroupMaintenance,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPrune(cmd.Context(), opts, gopts, newTerminalPrinter(gopts))
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// PruneOptions collects all options for the prune command.
type PruneOptions struct {
	DryRun         bool
	UnsafeRecovery bool

	MaxUnused          string
	MaxRepackSize      string
	RepackSmall        bool
	RepackUncompressed bool

	maxUnusedBytes func(used uint64) (unused uint64)
	maxRepackBytes uint64
}

func (opts *PruneOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "do not modify the repository, just print what would be done")
	f.BoolVar(&opts.UnsafeRecovery, "unsafe-recover-no-free-space", false, "UNSAFE: delete unused packs before writing a new index, never repack")
	opts.AddLimitFlags(f)
}

// AddLimitFlags adds the flags shared with forget --prune.
func (opts *PruneOptions) AddLimitFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.MaxUnused, "max-unused", "5%", "tolerate given `limit` of unused data (absolute value in bytes with suffixes k/K, m/M, g/G, t/T, a value in % or the word 'unlimited')")
	f.StringVar(&opts.MaxRepackSize, "max-repack-size", "", "maximum `size` to repack (allowed suffixes: k/K, m/M, g/G, t/T)")
	f.BoolVar(&opts.RepackSmall, "repack-small", false, "repack pack files below 80% of target pack size")
	f.BoolVar(&opts.RepackUncompressed, "repack-uncompressed", false, "repack all uncompressed data")
}

func (opts *PruneOptions) verify() error {
	opts.maxRepackBytes = math.MaxUint64
	if opts.MaxRepackSize != "" {
		size, err := ui.ParseBytes(opts.MaxRepackSize)
		if err != nil {
			return errors.Fatalf("invalid --max-repack-size: %v", err)
		}
		opts.maxRepackBytes = uint64(size)
	}

	maxUnused := strings.TrimSpace(opts.MaxUnused)
	switch {
	case maxUnused == "":
		return errors.Fatal("invalid value for --max-unused: empty")
	case maxUnused == "unlimited":
		opts.maxUnusedBytes = func(uint64) uint64 { return math.MaxUint64 }
	case strings.HasSuffix(maxUnused, "%"):
		p, err := strconv.ParseFloat(strings.TrimSuffix(maxUnused, "%"), 64)
		if err != nil || p < 0 || p > 100 {
			return errors.Fatalf("invalid percentage %q passed for --max-unused", opts.MaxUnused)
		}
		opts.maxUnusedBytes = repository.MaxUnusedRatio(p / 100)
	default:
		size, err := ui.ParseBytes(maxUnused)
		if err != nil {
			return errors.Fatalf("invalid number of bytes %q for --max-unused: %v", opts.MaxUnused, err)
		}
		opts.maxUnusedBytes = func(uint64) uint64 { return uint64(size) }
	}
	return nil
}

func (opts *PruneOptions) repositoryOptions() repository.PruneOptions {
	return repository.PruneOptions{
		DryRun:             opts.DryRun,
		UnsafeRecovery:     opts.UnsafeRecovery,
		MaxUnusedBytes:     opts.maxUnusedBytes,
		MaxRepackBytes:     opts.maxRepackBytes,
		RepackSmall:        opts.RepackSmall,
		RepackUncompressed: opts.RepackUncompressed,
	}
}

func runPrune(ctx context.Context, opts PruneOptions, gopts *GlobalOptions, printer progress.Printer) error {
	if err := opts.verify(); err != nil {
		return err
	}

	repo, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	return runPruneWithRepo(ctx, opts, repo, printer)
}

func runPruneWithRepo(ctx context.Context, opts PruneOptions, repo *repository.Repository, printer progress.Printer) error {
	printer.P("loading all snapshots...")
	plan, err := repository.PlanPrune(ctx, opts.repositoryOptions(), repo, getUsedBlobs, printer)
	if err != nil {
		return err
	}

	if opts.DryRun {
		printer.P("\nWould have made the following changes:")
	}
	printPruneStats(printer, plan.Stats())

	return plan.Execute(ctx, printer)
}

// getUsedBlobs adds all blobs reachable from any snapshot to usedBlobs.
func getUsedBlobs(ctx context.Context, repo *repository.Repository, usedBlobs packrat.BlobSet) error {
	var snapshots packrat.IDs
	err := repo.List(ctx, packrat.SnapshotFile, func(id packrat.ID, _ int64) error {
		snapshots = append(snapshots, id)
		return nil
	})
	if err != nil {
		return err
	}

	reachable, err := repo.ListReachable(ctx, snapshots)
	if err != nil {
		return errors.Fatalf("finding used blobs failed: %v\nrun `packrat check` to find the damaged snapshot", err)
	}
	usedBlobs.Merge(reachable)
	return nil
}

func printPruneStats(printer progress.Printer, stats repository.PruneStats) {
	printer.V("\nused:         %10d blobs / %s", stats.Blobs.Used, ui.FormatBytes(stats.Size.Used))
	if stats.Blobs.Duplicate > 0 {
		printer.V("duplicates:   %10d blobs / %s", stats.Blobs.Duplicate, ui.FormatBytes(stats.Size.Duplicate))
	}
	printer.V("unused:       %10d blobs / %s", stats.Blobs.Unused, ui.FormatBytes(stats.Size.Unused))
	if stats.Size.Unref > 0 {
		printer.V("unreferenced:                    %s", ui.FormatBytes(stats.Size.Unref))
	}

	totalBlobs := stats.Blobs.Used + stats.Blobs.Unused + stats.Blobs.Duplicate
	totalSize := stats.Size.Used + stats.Size.Duplicate + stats.Size.Unused + stats.Size.Unref
	unusedSize := stats.Size.Duplicate + stats.Size.Unused
	printer.V("total:        %10d blobs / %s", totalBlobs, ui.FormatBytes(totalSize))
	printer.V("unused size: %s of total size", ui.FormatPercent(unusedSize, totalSize))

	printer.P("\nto repack:    %10d blobs / %s", stats.Blobs.Repack, ui.FormatBytes(stats.Size.Repack))
	printer.P("this removes: %10d blobs / %s", stats.Blobs.Repackrm, ui.FormatBytes(stats.Size.Repackrm))
	printer.P("to delete:    %10d blobs / %s", stats.Blobs.Remove, ui.FormatBytes(stats.Size.Remove+stats.Size.Unref))
	totalPruneSize := stats.Size.Remove + stats.Size.Repackrm + stats.Size.Unref
	printer.P("total prune:  %10d blobs / %s", stats.Blobs.Remove+stats.Blobs.Repackrm, ui.FormatBytes(totalPruneSize))
	if stats.Size.Uncompressed > 0 {
		printer.P("not yet compressed:              %s", ui.FormatBytes(stats.Size.Uncompressed))
	}
	printer.P("remaining:    %10d blobs / %s", totalBlobs-(stats.Blobs.Remove+stats.Blobs.Repackrm), ui.FormatBytes(totalSize-totalPruneSize))
	unusedAfter := unusedSize - stats.Size.Remove - stats.Size.Repackrm
	printer.P("unused size after prune: %s (%s of remaining size)",
		ui.FormatBytes(unusedAfter), ui.FormatPercent(unusedAfter, totalSize-totalPruneSize))
	printer.P("")
	printer.V("totally used packs: %10d", stats.Packs.Used)
	printer.V("partly used packs:  %10d", stats.Packs.PartlyUsed)
	printer.V("unused packs:       %10d\n", stats.Packs.Unused)

	printer.V("to keep:      %10d packs", stats.Packs.Keep)
	printer.V("to repack:    %10d packs", stats.Packs.Repack)
	printer.V("to delete:    %10d packs", stats.Packs.Remove)
	if stats.Packs.Unref > 0 {
		printer.V("to delete:    %10d unreferenced packs\n", stats.Packs.Unref)
	}
}
