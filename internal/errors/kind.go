package errors

import (
	stderrors "errors"
)

// Kind is the failure class of an error. Callers branch on the class rather
// than on individual error values.
type Kind int

const (
	// KindOther is any error without a more specific class.
	KindOther Kind = iota
	// KindCrypto is an authentication failure or a wrong key. Decryption
	// never returns partial plaintext for these.
	KindCrypto
	// KindCorruptData is unparsable or mismatching stored data.
	KindCorruptData
	// KindBackend is a terminal failure reported by a storage backend.
	KindBackend
	// KindDuplicateWrite is a rejected second write to a write-once object.
	KindDuplicateWrite
	// KindNotFound is a missing object or blob.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindCrypto:
		return "crypto error"
	case KindCorruptData:
		return "corrupt data"
	case KindBackend:
		return "backend error"
	case KindDuplicateWrite:
		return "duplicate write"
	case KindNotFound:
		return "not found"
	default:
		return "other"
	}
}

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Kind() Kind { return e.kind }

// NewKind returns a sentinel error of class k. The error has no stack trace,
// callers wrap it at the point of use.
func NewKind(k Kind, msg string) error {
	return &kindError{kind: k, msg: msg}
}

type kinded interface {
	Kind() Kind
}

type kindWrapper struct {
	kind Kind
	err  error
}

func (e *kindWrapper) Error() string { return e.err.Error() }

func (e *kindWrapper) Unwrap() error { return e.err }

func (e *kindWrapper) Kind() Kind { return e.kind }

// WithKind marks err as belonging to class k. It returns nil if err is nil.
func WithKind(err error, k Kind) error {
	if err == nil {
		return nil
	}
	return &kindWrapper{kind: k, err: err}
}

// KindOf returns the class of the outermost classified error in the chain of
// err, or KindOther.
func KindOf(err error) Kind {
	var k kinded
	if stderrors.As(err, &k) {
		return k.Kind()
	}
	return KindOther
}

// IsKind reports whether err belongs to class k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
