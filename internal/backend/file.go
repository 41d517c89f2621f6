package backend

import (
	"fmt"

	"github.com/packrat/packrat/internal/errors"
)

// ErrInvalidHandle is returned for handles that cannot name an object.
var ErrInvalidHandle = errors.New("invalid handle")

// FileType is the kind of object stored in a backend.
type FileType uint8

const (
	PackFile FileType = 1 + iota
	KeyFile
	LockFile
	SnapshotFile
	IndexFile
	ConfigFile
)

func (t FileType) String() string {
	switch t {
	case PackFile:
		return "data"
	case KeyFile:
		return "key"
	case LockFile:
		return "lock"
	case SnapshotFile:
		return "snapshot"
	case IndexFile:
		return "index"
	case ConfigFile:
		return "config"
	}
	return fmt.Sprintf("<FileType %d>", uint8(t))
}

// IsMetadata reports whether objects of this type are small and read often,
// in contrast to packs.
func (t FileType) IsMetadata() bool {
	return t != PackFile
}

// Handle names an object in a backend.
type Handle struct {
	Type FileType
	Name string
}

func (h Handle) String() string {
	name := h.Name
	if len(name) > 10 {
		name = name[:10]
	}
	return fmt.Sprintf("<%s/%s>", h.Type, name)
}

// Valid returns an error if h cannot name an object.
func (h Handle) Valid() error {
	switch h.Type {
	case PackFile, KeyFile, LockFile, SnapshotFile, IndexFile:
		if h.Name == "" {
			return errors.Wrap(ErrInvalidHandle, "empty name")
		}
		return nil
	case ConfigFile:
		return nil
	}
	return errors.Wrapf(ErrInvalidHandle, "type %d", h.Type)
}
