package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packrat/packrat/internal/checker"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/repository"
	"github.com/packrat/packrat/internal/ui/progress"
)

func newCheckCommand(gopts *GlobalOptions) *cobra.Command {
	var opts CheckOptions

	cmd := &cobra.Command{
		Use:   "check [flags]",
		Short: "Check the repository for errors",
		Long: `
The "check" command tests the repository for errors and reports any errors it
finds. With --read-data all packs are downloaded and every blob is decrypted
and compared against its id.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		GroupID:           cmdGroupMaintenance,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), opts, gopts, args, newTerminalPrinter(gopts))
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// CheckOptions bundles all options for the check command.
type CheckOptions struct {
	ReadData    bool
	CheckUnused bool
}

func (opts *CheckOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVar(&opts.ReadData, "read-data", false, "read all data blobs")
	f.BoolVar(&opts.CheckUnused, "check-unused", false, "report blobs no snapshot references")
}

func runCheck(ctx context.Context, opts CheckOptions, gopts *GlobalOptions, args []string, printer progress.Printer) error {
	if len(args) != 0 {
		return errors.Fatal("the check command expects no arguments, only options")
	}

	repo, err := unlockRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	chkr := checker.New(repo, opts.CheckUnused)

	printer.P("load indexes")
	bar := printer.NewCounter("index files loaded")
	hints, errs := chkr.LoadIndex(ctx, bar)
	bar.Done()

	errorsFound := false
	for _, hint := range hints {
		var dup *repository.ErrDuplicatePacks
		if errors.As(hint, &dup) {
			printer.P("%v", hint)
		} else {
			printer.E("%v", hint)
			errorsFound = true
		}
	}
	if len(errs) > 0 {
		for _, err := range errs {
			printer.E("error: %v", err)
		}
		return errors.Fatal("LoadIndex returned errors")
	}

	printer.P("check all packs")
	errorsFound = printErrors(ctx, printer, chkr.Packs) || errorsFound

	printer.P("check snapshots, trees and blobs")
	if err := chkr.LoadSnapshots(ctx); err != nil {
		return err
	}
	bar = printer.NewCounter("trees checked")
	errorsFound = printErrors(ctx, printer, func(ctx context.Context, errChan chan<- error) {
		chkr.Structure(ctx, bar, errChan)
	}) || errorsFound
	bar.Done()

	if opts.CheckUnused {
		unused, err := chkr.UnusedBlobs(ctx)
		if err != nil {
			return err
		}
		for _, h := range unused {
			printer.P("unused blob %v", h)
		}
	}

	if opts.ReadData {
		printer.P("read all data")
		bar = printer.NewCounter("packs read")
		errorsFound = printErrors(ctx, printer, func(ctx context.Context, errChan chan<- error) {
			chkr.ReadPacks(ctx, nil, bar, errChan)
		}) || errorsFound
		bar.Done()
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errorsFound {
		printer.E("\nThe repository is damaged. Run `packrat repair index` and `packrat repair packs` to salvage what is left.")
		return errors.Fatal("repository contains errors")
	}
	printer.P("no errors were found")
	return nil
}

// printErrors runs f and prints every error it reports. It returns whether
// an error was found.
func printErrors(ctx context.Context, printer progress.Printer, f func(context.Context, chan<- error)) bool {
	errChan := make(chan error)
	go f(ctx, errChan)

	found := false
	for err := range errChan {
		var packErr *repository.PackError
		if errors.As(err, &packErr) && packErr.Orphaned {
			printer.P("%v", err)
			continue
		}
		found = true
		var treeErr *checker.TreeError
		if errors.As(err, &treeErr) {
			printer.E("error for tree %v:", treeErr.ID.Str())
			for _, e := range treeErr.Errors {
				printer.E("  %v", e)
			}
			continue
		}
		printer.E("error: %v", err)
	}
	return found
}
