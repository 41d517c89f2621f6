package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
	"github.com/packrat/packrat/internal/repository"
)

func init() {
	// the package itself is not imported to keep its log output quiet
	_, _ = maxprocs.Set()
}

var cmdGroupDefault = "default"
var cmdGroupMaintenance = "maintenance"

func newRootCommand(gopts *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packrat",
		Short: "Store data in a deduplicating, encrypted repository",
		Long: `
packrat splits data into content-defined chunks, stores each chunk once in an
encrypted repository and can restore, verify and prune it.
`,
		SilenceErrors:     true,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
	}

	cmd.AddGroup(
		&cobra.Group{ID: cmdGroupDefault, Title: "Available Commands:"},
		&cobra.Group{ID: cmdGroupMaintenance, Title: "Maintenance Commands:"},
	)

	gopts.AddFlags(cmd.PersistentFlags())
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.AddCommand(
		newInitCommand(gopts),
		newArchiveCommand(gopts),
		newRestoreCommand(gopts),
		newSnapshotsCommand(gopts),
		newForgetCommand(gopts),
		newListCommand(gopts),
		newCheckCommand(gopts),
		newPruneCommand(gopts),
		newRepairCommand(gopts),
	)

	return cmd
}

func createGlobalContext(printer *terminalPrinter) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-ch
		debug.Log("signal %v received, cleaning up", s)
		printer.E("signal %v received, cleaning up", s)
		cancel()
	}()

	return ctx
}

func main() {
	// messages logged by libraries are only shown if the command fails
	logBuffer := bytes.NewBuffer(nil)
	log.SetOutput(logBuffer)

	gopts := NewGlobalOptions()
	printer := newTerminalPrinter(gopts)

	debug.Log("main %#v", os.Args)

	ctx := createGlobalContext(printer)
	err := newRootCommand(gopts).ExecuteContext(ctx)
	if err == nil {
		err = ctx.Err()
	}

	var exitMessage string
	switch {
	case err == nil:
	case errors.IsFatal(err):
		exitMessage = err.Error()
	case errors.Is(err, repository.ErrNoKeyFound),
		errors.Is(err, repository.ErrRepositoryNotFound),
		errors.Is(err, repository.ErrCorruptMetadata):
		exitMessage = fmt.Sprintf("Fatal: %v", err)
	default:
		exitMessage = fmt.Sprintf("%+v", err)
		if logBuffer.Len() > 0 {
			exitMessage += "\nalso, the following messages were logged by a library:\n"
			sc := bufio.NewScanner(logBuffer)
			for sc.Scan() {
				exitMessage += fmt.Sprintln(sc.Text())
			}
		}
	}

	code := exitCode(err)
	if exitMessage != "" {
		_, _ = fmt.Fprintln(os.Stderr, exitMessage)
	}
	debug.Log("exiting with status code %d", code)
	os.Exit(code)
}

// exitCode maps err to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, repository.ErrRepositoryNotFound):
		return 10
	case errors.Is(err, repository.ErrNoKeyFound):
		return 12
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
