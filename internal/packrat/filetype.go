package packrat

import "github.com/packrat/packrat/internal/backend"

// FileType is the type of an object stored in the backend.
type FileType = backend.FileType

// These are the object types a repository stores.
const (
	PackFile     = backend.PackFile
	KeyFile      = backend.KeyFile
	LockFile     = backend.LockFile
	SnapshotFile = backend.SnapshotFile
	IndexFile    = backend.IndexFile
	ConfigFile   = backend.ConfigFile
)
