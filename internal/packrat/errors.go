package packrat

import (
	"context"
	"fmt"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/errors"
)

// ErrNotFound is returned for blobs unknown to the index.
var ErrNotFound = errors.NewKind(errors.KindNotFound, "blob not found")

// ErrCorruptData matches all errors caused by stored data that cannot be
// parsed or does not match its id.
var ErrCorruptData = errors.NewKind(errors.KindCorruptData, "corrupt data")

// BackendError is a terminal failure of a backend operation. Retrying is
// the backend's job, the repository only reports what is left.
type BackendError struct {
	Op     string
	Handle backend.Handle
	Err    error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %v: %v", e.Op, e.Handle, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Kind classifies the error as a backend failure unless the cause is
// already more specific, as for write conflicts.
func (e *BackendError) Kind() errors.Kind {
	if k := errors.KindOf(e.Err); k != errors.KindOther {
		return k
	}
	return errors.KindBackend
}

// NewBackendError wraps err unless it is nil or a context error.
func NewBackendError(op string, h backend.Handle, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &BackendError{Op: op, Handle: h, Err: err}
}
