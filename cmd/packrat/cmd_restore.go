package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packrat/packrat/internal/data"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/ui/progress"
)

func newRestoreCommand(gopts *GlobalOptions) *cobra.Command {
	var opts RestoreOptions

	cmd := &cobra.Command{
		Use:   "restore [flags] snapshotID",
		Short: "Extract the data from a snapshot",
		Long: `
The "restore" command writes the files of a snapshot below the target directory,
or the single file of a snapshot to stdout.

The special snapshotID "latest" can be used to restore the latest snapshot.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		GroupID:           cmdGroupDefault,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd.Context(), opts, gopts, args, newTerminalPrinter(gopts))
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// RestoreOptions bundles all options for the restore command.
type RestoreOptions struct {
	Target string
	Stdout bool
}

func (opts *RestoreOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVarP(&opts.Target, "target", "t", "", "directory to extract data to")
	f.BoolVar(&opts.Stdout, "stdout", false, "write the file of a single file snapshot to stdout")
}

func runRestore(ctx context.Context, opts RestoreOptions, gopts *GlobalOptions, args []string, printer progress.Printer) error {
	if len(args) != 1 {
		return errors.Fatal("no snapshot ID specified")
	}
	if (opts.Target == "") == !opts.Stdout {
		return errors.Fatal("please specify exactly one of --target and --stdout")
	}

	repo, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	id, err := findSnapshot(ctx, repo, args[0])
	if err != nil {
		return err
	}
	sn, err := data.LoadSnapshot(ctx, repo, id)
	if err != nil {
		return err
	}
	if sn.Tree == nil {
		return errors.Fatalf("snapshot %v has no tree", id.Str())
	}

	tree, err := data.LoadTree(ctx, repo, *sn.Tree)
	if err != nil {
		return err
	}

	if opts.Stdout {
		if len(tree.Nodes) != 1 || tree.Nodes[0].Type != data.NodeTypeFile {
			return errors.Fatal("--stdout needs a snapshot holding a single file")
		}
		return data.RestoreFile(ctx, repo, tree.Nodes[0], gopts.stdout)
	}

	printer.P("restoring %v to %v", sn, opts.Target)
	return restoreTree(ctx, repo, tree, opts.Target, printer)
}

func restoreTree(ctx context.Context, repo packrat.BlobLoader, tree *data.Tree, dir string, printer progress.Printer) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.WithStack(err)
	}

	for _, node := range tree.Nodes {
		target := filepath.Join(dir, filepath.Base(node.Name))
		switch node.Type {
		case data.NodeTypeDir:
			subtree, err := data.LoadTree(ctx, repo, *node.Subtree)
			if err != nil {
				return err
			}
			if err := restoreTree(ctx, repo, subtree, target, printer); err != nil {
				return err
			}
		case data.NodeTypeFile:
			printer.V("restoring %v", target)
			if err := restoreFile(ctx, repo, node, target); err != nil {
				return err
			}
		}
	}
	return nil
}

func restoreFile(ctx context.Context, repo packrat.BlobLoader, node *data.Node, target string) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.WithStack(err)
	}
	err = data.RestoreFile(ctx, repo, node, f)
	if cerr := f.Close(); err == nil {
		err = errors.WithStack(cerr)
	}
	if err != nil {
		return err
	}
	return os.Chtimes(target, node.ModTime, node.ModTime)
}
