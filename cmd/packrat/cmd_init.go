package main

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/options"
	"github.com/packrat/packrat/internal/packrat"
	"github.com/packrat/packrat/internal/repository"
	"github.com/packrat/packrat/internal/ui/progress"
)

func newInitCommand(gopts *GlobalOptions) *cobra.Command {
	var opts InitOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new repository",
		Long: `
The "init" command creates the directory layout, a master key protected by the
password and the repository config.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		GroupID:           cmdGroupDefault,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context(), opts, gopts, args, newTerminalPrinter(gopts))
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// InitOptions bundles all options for the init command.
type InitOptions struct {
	RepositoryVersion string
}

func (opts *InitOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.RepositoryVersion, "repository-version", "stable", "repository format version to use, allowed values are a format version, 'latest' and 'stable'")
}

func parseRepositoryVersion(s string) (uint, error) {
	switch s {
	case "latest", "":
		return packrat.MaxRepoVersion, nil
	case "stable":
		return packrat.StableRepoVersion, nil
	}

	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Fatal("invalid repository version")
	}
	if v < packrat.MinRepoVersion || v > packrat.MaxRepoVersion {
		return 0, errors.Fatalf("only repository versions between %v and %v are allowed", packrat.MinRepoVersion, packrat.MaxRepoVersion)
	}
	return uint(v), nil
}

func runInit(ctx context.Context, opts InitOptions, gopts *GlobalOptions, args []string, printer progress.Printer) error {
	if len(args) > 0 {
		return errors.Fatal("the init command expects no arguments, only options")
	}

	version, err := parseRepositoryVersion(opts.RepositoryVersion)
	if err != nil {
		return err
	}

	password, err := ReadPasswordTwice(ctx, gopts,
		"enter password for new repository: ",
		"enter password again: ",
		printer)
	if err != nil {
		return err
	}
	gopts.password = options.NewSecretString(password)

	be, err := openBackend(ctx, gopts, true, printer)
	if err != nil {
		return err
	}

	repo, err := repository.New(be, gopts.repositoryOptions())
	if err != nil {
		return errors.Fatalf("%s", err)
	}

	if err := repo.Init(ctx, version, password, nil); err != nil {
		return errors.Fatalf("create key in repository at %s failed: %v", gopts.Repo, err)
	}

	printer.P("created packrat repository %v at %s", repo.Config().ID[:10], gopts.Repo)
	printer.P("")
	printer.P("Please note that knowledge of your password is required to access")
	printer.P("the repository. Losing your password means that your data is")
	printer.P("irrecoverably lost.")
	return nil
}
