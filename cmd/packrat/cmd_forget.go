package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/ui/progress"
)

func newForgetCommand(gopts *GlobalOptions) *cobra.Command {
	var opts ForgetOptions

	cmd := &cobra.Command{
		Use:   "forget [flags] snapshotID [...]",
		Short: "Remove snapshots from the repository",
		Long: `
The "forget" command removes the given snapshots. The data they referenced stays
in the repository until "prune" is run.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		GroupID:           cmdGroupDefault,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForget(cmd.Context(), opts, gopts, args, newTerminalPrinter(gopts))
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// ForgetOptions bundles all options for the forget command.
type ForgetOptions struct {
	DryRun bool
	Prune  bool
	PruneOptions
}

func (opts *ForgetOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "do not delete anything, just print what would be done")
	f.BoolVar(&opts.Prune, "prune", false, "automatically run the 'prune' command if snapshots have been removed")
	opts.PruneOptions.AddLimitFlags(f)
}

func runForget(ctx context.Context, opts ForgetOptions, gopts *GlobalOptions, args []string, printer progress.Printer) error {
	if len(args) == 0 {
		return errors.Fatal("no snapshot ID specified")
	}
	if opts.Prune {
		if err := opts.PruneOptions.verify(); err != nil {
			return err
		}
	}

	repo, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	ids, err := findSnapshots(ctx, repo, args)
	if err != nil {
		return err
	}
	remove := packrat.NewIDSet(ids...)

	if opts.DryRun {
		for id := range remove {
			printer.P("would remove snapshot %v", id.Str())
		}
		return nil
	}

	err = packrat.ParallelRemove(ctx, repo, remove, packrat.SnapshotFile, func(id packrat.ID, err error) error {
		if err != nil {
			return err
		}
		printer.V("removed snapshot %v", id.Str())
		return nil
	})
	if err != nil {
		return err
	}
	printer.P("removed %d snapshots", len(remove))

	if !opts.Prune {
		return nil
	}
	return runPruneWithRepo(ctx, opts.PruneOptions, repo, printer)
}
