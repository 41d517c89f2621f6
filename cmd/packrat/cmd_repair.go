package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository"
	"github.com/packrat/packrat/internal/ui/progress"
)

func newRepairCommand(gopts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "repair",
		Short:             "Repair the repository",
		GroupID:           cmdGroupMaintenance,
		DisableAutoGenTag: true,
	}

	cmd.AddCommand(
		newRepairIndexCommand(gopts),
		newRepairPacksCommand(gopts),
	)
	return cmd
}

func newRepairIndexCommand(gopts *GlobalOptions) *cobra.Command {
	var opts RepairIndexOptions

	cmd := &cobra.Command{
		Use:   "index [flags]",
		Short: "Build a new index",
		Long: `
The "repair index" command creates a new index based on the pack files in the
repository. Index files referencing missing packs are replaced.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRepairIndex(cmd.Context(), opts, gopts, newTerminalPrinter(gopts))
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// RepairIndexOptions collects all options for the repair index command.
type RepairIndexOptions struct {
	ReadAllPacks bool
}

func (opts *RepairIndexOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVar(&opts.ReadAllPacks, "read-all-packs", false, "read all pack files to generate new index from scratch")
}

func runRepairIndex(ctx context.Context, opts RepairIndexOptions, gopts *GlobalOptions, printer progress.Printer) error {
	repo, err := unlockRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	err = repository.RepairIndex(ctx, repo, repository.RepairIndexOptions{ReadAllPacks: opts.ReadAllPacks}, printer)
	if err != nil {
		return err
	}
	printer.P("done")
	return nil
}

func newRepairPacksCommand(gopts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packs [packIDs...]",
		Short: "Salvage damaged pack files",
		Long: `
The "repair packs" command copies all readable blobs of the given packs into new
packs and removes the damaged packs afterwards. Run "check --read-data" to find
damaged packs.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepairPacks(cmd.Context(), gopts, args, newTerminalPrinter(gopts))
		},
	}
	return cmd
}

func parsePackIDs(args []string) (packrat.IDSet, error) {
	if len(args) == 0 {
		return nil, errors.Fatal("no ids specified")
	}
	ids := packrat.NewIDSet()
	for _, arg := range args {
		id, err := packrat.ParseID(arg)
		if err != nil {
			return nil, errors.Fatalf("invalid pack id %q: %v", arg, err)
		}
		ids.Insert(id)
	}
	return ids, nil
}

func runRepairPacks(ctx context.Context, gopts *GlobalOptions, args []string, printer progress.Printer) error {
	ids, err := parsePackIDs(args)
	if err != nil {
		return err
	}

	repo, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	if err := repository.RepairPacks(ctx, repo, ids, printer); err != nil {
		return err
	}
	printer.P("\nrun `packrat check --read-data` to verify the repository")
	return nil
}
