// Package errors provides the error helpers used throughout packrat. It wraps
// github.com/pkg/errors so that errors carry a stack trace from the point they
// were created, and re-exports the standard library's inspection functions.
package errors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// New returns an error with the given message and a stack trace.
var New = errors.New

// Errorf formats an error message and records a stack trace.
var Errorf = errors.Errorf

// Wrap annotates err with msg. It returns nil if err is nil.
var Wrap = errors.Wrap

// Wrapf annotates err with a formatted message. It returns nil if err is nil.
var Wrapf = errors.Wrapf

// WithStack records a stack trace on err. It returns nil if err is nil.
var WithStack = errors.WithStack

// Cause returns the innermost error annotated by Wrap or WithStack.
var Cause = errors.Cause

// As finds the first error in the chain of err that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Is reports whether any error in the chain of err matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// Join combines errs into a single error, discarding nil values.
func Join(errs ...error) error { return stderrors.Join(errs...) }

// Unwrap returns the error wrapped by err, or nil. Errors created by Join are
// not unwrapped.
func Unwrap(err error) error { return stderrors.Unwrap(err) }
