package errors

import (
	"errors"
	"fmt"
)

// fatalError carries a message meant for the user. Commands print the message
// without a stack trace and exit with a non-zero code.
type fatalError struct {
	msg string
	err error
}

func (e *fatalError) Error() string { return e.msg }

func (e *fatalError) Unwrap() error { return e.err }

// IsFatal reports whether err was created by Fatal or Fatalf.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Fatal returns a fatal error with message s.
func Fatal(s string) error {
	return Wrap(&fatalError{msg: s}, "Fatal")
}

// Fatalf returns a fatal error with a formatted message. The last error found
// in data stays reachable through Unwrap.
func Fatalf(s string, data ...interface{}) error {
	fe := &fatalError{msg: fmt.Sprintf(s, data...)}
	for i := len(data) - 1; i >= 0; i-- {
		if err, ok := data[i].(error); ok {
			fe.err = err
			break
		}
	}

	return Wrap(fe, "Fatal")
}
