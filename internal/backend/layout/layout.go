// Package layout maps backend handles to paths.
package layout

import (
	"encoding/hex"

	"github.com/packrat/packrat/internal/backend"
)

// Layout computes where an object is stored.
type Layout interface {
	Filename(backend.Handle) string
	Dirname(backend.Handle) string
	Basedir(backend.FileType) (dir string, subdirs bool)
	Paths() []string
	Name() string
}

var defaultLayoutPaths = map[backend.FileType]string{
	backend.PackFile:     "data",
	backend.SnapshotFile: "snapshots",
	backend.IndexFile:    "index",
	backend.LockFile:     "locks",
	backend.KeyFile:      "keys",
}

// DefaultLayout stores each object type in its own directory below Path.
// Packs are spread over 256 subdirectories named after the first two hex
// digits of the pack id. The config lives at Path/config.
type DefaultLayout struct {
	Path string
	Join func(...string) string
}

var _ Layout = &DefaultLayout{}

func (l *DefaultLayout) String() string { return "<DefaultLayout>" }

// Name returns "default".
func (l *DefaultLayout) Name() string { return "default" }

// Dirname returns the directory holding h.
func (l *DefaultLayout) Dirname(h backend.Handle) string {
	p := defaultLayoutPaths[h.Type]
	if h.Type == backend.PackFile && len(h.Name) > 2 {
		p = l.Join(p, h.Name[:2])
	}
	return l.Join(l.Path, p) + "/"
}

// Filename returns the full path of h.
func (l *DefaultLayout) Filename(h backend.Handle) string {
	if h.Type == backend.ConfigFile {
		return l.Join(l.Path, "config")
	}
	return l.Join(l.Dirname(h), h.Name)
}

// Paths returns all directories of a repository.
func (l *DefaultLayout) Paths() []string {
	dirs := make([]string, 0, len(defaultLayoutPaths)+256)
	for _, p := range defaultLayoutPaths {
		dirs = append(dirs, l.Join(l.Path, p))
	}
	for i := 0; i < 256; i++ {
		dirs = append(dirs, l.Join(l.Path, defaultLayoutPaths[backend.PackFile], hex.EncodeToString([]byte{byte(i)})))
	}
	return dirs
}

// Basedir returns the directory listed for type t, and whether objects are
// spread over subdirectories.
func (l *DefaultLayout) Basedir(t backend.FileType) (dirname string, subdirs bool) {
	return l.Join(l.Path, defaultLayoutPaths[t]), t == backend.PackFile
}
