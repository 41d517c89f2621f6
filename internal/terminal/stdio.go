package terminal

import (
	"os"

	"golang.org/x/term"
)

// StdinIsTerminal reports whether the password prompt can read from a tty.
func StdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// StdoutIsTerminal reports whether messages on stdout are seen by a user.
func StdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// StderrIsTerminal reports whether progress on stderr can be redrawn.
func StderrIsTerminal() bool {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return false
	}
	t := os.Getenv("TERM")
	return t != "" && t != "dumb"
}
