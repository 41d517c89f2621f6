package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/ui/progress"
)

func newListCommand(gopts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [flags] [blobs|packs|index|snapshots|keys]",
		Short: "List objects in the repository",
		Long: `
The "list" command prints the ids of all objects of the given type, or all
blobs known to the index.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		GroupID:           cmdGroupMaintenance,
		DisableAutoGenTag: true,
		ValidArgs:         []string{"blobs", "packs", "index", "snapshots", "keys"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), gopts, args, newTerminalPrinter(gopts))
		},
	}
	return cmd
}

var listTypes = map[string]packrat.FileType{
	"packs":     packrat.PackFile,
	"index":     packrat.IndexFile,
	"snapshots": packrat.SnapshotFile,
	"keys":      packrat.KeyFile,
}

func runList(ctx context.Context, gopts *GlobalOptions, args []string, printer progress.Printer) error {
	if len(args) != 1 {
		return errors.Fatal("type not specified")
	}
	t, ok := listTypes[args[0]]
	if !ok && args[0] != "blobs" {
		return errors.Fatalf("invalid type %q", args[0])
	}

	repo, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	if !ok {
		return repo.ListBlobs(ctx, func(pb packrat.PackedBlob) {
			_, _ = fmt.Fprintf(gopts.stdout, "%v %v\n", pb.Type, pb.ID)
		})
	}
	return repo.List(ctx, t, func(id packrat.ID, _ int64) error {
		_, err := fmt.Fprintln(gopts.stdout, id)
		return err
	})
}
