package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/packrat/packrat/internal/ui"
	"github.com/packrat/packrat/internal/ui/progress"
)

// terminalPrinter writes messages to stdout and errors to stderr,
// filtered by the verbosity of the global options.
type terminalPrinter struct {
	gopts *GlobalOptions
	m     sync.Mutex
}

var _ progress.Printer = (*terminalPrinter)(nil)

func newTerminalPrinter(gopts *GlobalOptions) *terminalPrinter {
	return &terminalPrinter{gopts: gopts}
}

// NewCounter returns a counter that prints a summary line when it is done.
func (p *terminalPrinter) NewCounter(description string) *progress.Counter {
	if p.gopts.verbosity() < 1 {
		return nil
	}
	return progress.NewCounter(0, func(value, total uint64, runtime time.Duration, final bool) {
		if !final {
			return
		}
		if total > 0 && total != value {
			p.P("[%s] %d / %d %s", ui.FormatDuration(runtime), value, total, description)
			return
		}
		p.P("[%s] %d %s", ui.FormatDuration(runtime), value, description)
	})
}

func (p *terminalPrinter) E(msg string, args ...interface{}) {
	p.print(0, true, msg, args...)
}

func (p *terminalPrinter) P(msg string, args ...interface{}) {
	p.print(1, false, msg, args...)
}

func (p *terminalPrinter) V(msg string, args ...interface{}) {
	p.print(2, false, msg, args...)
}

func (p *terminalPrinter) VV(msg string, args ...interface{}) {
	p.print(3, false, msg, args...)
}

func (p *terminalPrinter) print(level uint, toStderr bool, msg string, args ...interface{}) {
	if p.gopts.verbosity() < level {
		return
	}

	p.m.Lock()
	defer p.m.Unlock()

	w := p.gopts.stdout
	if toStderr {
		w = p.gopts.stderr
	}
	_, _ = fmt.Fprintf(w, msg+"\n", args...)
}
