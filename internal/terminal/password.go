// Package terminal reads passwords from a tty and detects whether the
// standard streams are attached to one.
package terminal

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/packrat/packrat/internal/errors"
)

// ReadPassword prints prompt on out and reads a password from the tty in
// without echoing it. If ctx is canceled first, the terminal state is
// restored and the pending read is abandoned.
func ReadPassword(ctx context.Context, in *os.File, out *os.File, prompt string) (string, error) {
	fd := int(in.Fd())
	state, err := term.GetState(fd)
	if err != nil {
		return "", errors.Wrap(err, "saving terminal state")
	}
	restore := func() {
		if err := term.Restore(fd, state); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "unable to restore terminal state: %v\n", err)
		}
	}
	return readPrompted(ctx, out, prompt, func() ([]byte, error) { return term.ReadPassword(fd) }, restore)
}

type readResult struct {
	password []byte
	err      error
}

func readPrompted(ctx context.Context, out io.Writer, text string, read func() ([]byte, error), restore func()) (string, error) {
	if _, err := fmt.Fprint(out, text); err != nil {
		return "", errors.WithStack(err)
	}

	// buffered, the reader must not block forever after a cancel
	res := make(chan readResult, 1)
	go func() {
		pw, err := read()
		res <- readResult{pw, err}
	}()

	select {
	case <-ctx.Done():
		restore()
		return "", ctx.Err()
	case r := <-res:
		_, _ = fmt.Fprintln(out)
		if r.err != nil {
			return "", errors.Wrap(r.err, "reading password")
		}
		return string(r.password), nil
	}
}
