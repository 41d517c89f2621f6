package backend

import (
	"github.com/packrat/packrat/internal/errors"
)

// ErrAlreadyExists is returned by Save when the object already exists.
// Objects are never overwritten.
var ErrAlreadyExists = errors.NewKind(errors.KindDuplicateWrite, "file already exists")

// ErrInvalidData is returned by LoadAll when an object still does not match
// its name after it was downloaded a second time.
var ErrInvalidData = errors.NewKind(errors.KindCorruptData, "invalid data returned")

// ErrNoRepository is returned when opening a location that holds no
// repository.
var ErrNoRepository = errors.New("repository does not exist")

// IsAlreadyExists reports whether err was caused by a write to an existing
// object.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}
