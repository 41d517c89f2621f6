package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/packrat/packrat/internal/data"
	"github.com/packrat/packrat/internal/ui"
	"github.com/packrat/packrat/internal/ui/progress"
	"github.com/packrat/packrat/internal/ui/table"
)

const timeFormat = "2006-01-02 15:04:05"

func newSnapshotsCommand(gopts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List all snapshots",
		Long: `
The "snapshots" command lists all snapshots stored in the repository, oldest first.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		GroupID:           cmdGroupDefault,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshots(cmd.Context(), gopts, newTerminalPrinter(gopts))
		},
	}
	return cmd
}

type snapshotLine struct {
	ID    string
	Time  string
	Host  string
	Paths []string
}

func runSnapshots(ctx context.Context, gopts *GlobalOptions, printer progress.Printer) error {
	repo, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	snapshots, err := data.LoadAllSnapshots(ctx, repo, nil)
	if err != nil {
		return err
	}

	tab := table.New()
	tab.AddColumn("ID", "{{.ID}}")
	tab.AddColumn("Time", "{{.Time}}")
	tab.AddColumn("Host", "{{.Host}}")
	tab.AddColumn("Paths", `{{join .Paths "\n"}}`)
	for _, sn := range snapshots {
		paths := make([]string, 0, len(sn.Paths))
		for _, p := range sn.Paths {
			paths = append(paths, ui.Quote(p))
		}
		tab.AddRow(snapshotLine{
			ID:    sn.ID().Str(),
			Time:  sn.Time.Local().Format(timeFormat),
			Host:  ui.Truncate(ui.Quote(sn.Hostname), 30),
			Paths: paths,
		})
	}
	tab.AddFooter(fmt.Sprintf("%d snapshots", len(snapshots)))

	return tab.Write(gopts.stdout)
}
