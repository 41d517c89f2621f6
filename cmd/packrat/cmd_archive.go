package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packrat/packrat/internal/data"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/ui"
	"github.com/packrat/packrat/internal/ui/progress"
)

func newArchiveCommand(gopts *GlobalOptions) *cobra.Command {
	var opts ArchiveOptions

	cmd := &cobra.Command{
		Use:   "archive [flags] [file]",
		Short: "Store a file or stdin as a new snapshot",
		Long: `
The "archive" command chunks a single file, or stdin if no file is given,
stores all chunks not yet in the repository and records a new snapshot.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		GroupID:           cmdGroupDefault,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchive(cmd.Context(), opts, gopts, args, newTerminalPrinter(gopts))
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// ArchiveOptions bundles all options for the archive command.
type ArchiveOptions struct {
	StdinFilename string
	Host          string
}

func (opts *ArchiveOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.StdinFilename, "stdin-filename", "stdin", "`filename` to use when reading from stdin")
	f.StringVarP(&opts.Host, "host", "H", "", "set the `hostname` for the snapshot (default: $PACKRAT_HOST or the hostname)")
}

func runArchive(ctx context.Context, opts ArchiveOptions, gopts *GlobalOptions, args []string, printer progress.Printer) error {
	if len(args) > 1 {
		return errors.Fatal("archive expects at most one file")
	}

	host := opts.Host
	if host == "" {
		host = os.Getenv("PACKRAT_HOST")
	}
	if host == "" {
		var err error
		host, err = os.Hostname()
		if err != nil {
			return errors.Wrap(err, "Hostname")
		}
	}

	var rd io.Reader = os.Stdin
	name := opts.StdinFilename
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Fatalf("unable to open %v: %v", args[0], err)
		}
		defer func() { _ = f.Close() }()
		rd = f
		name = filepath.Base(args[0])
	}

	repo, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	counter := &countingReader{rd: rd}
	sn, id, err := data.ArchiveReader(ctx, repo, counter, name, host)
	if err != nil {
		return err
	}

	printer.V("archived %v from %v", ui.FormatBytes(counter.n), ui.Quote(name))
	printer.P("snapshot %v saved", id.Str())
	printer.VV("%v", sn)
	return nil
}

type countingReader struct {
	rd io.Reader
	n  uint64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.rd.Read(p)
	r.n += uint64(n)
	return n, err
}
