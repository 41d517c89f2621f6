// Package local implements a backend storing objects as files in a local
// directory.
package local

import (
	"context"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/packrat/packrat/internal/backend"
	"github.com/packrat/packrat/internal/backend/layout"
	"github.com/packrat/packrat/internal/backend/sema"
	"github.com/packrat/packrat/internal/debug"
	"github.com/packrat/packrat/internal/errors"
)

const (
	dirMode  os.FileMode = 0700
	fileMode os.FileMode = 0400
)

// Local is a backend in a local directory.
type Local struct {
	Config
	layout.Layout
	sem *sema.Semaphore
}

var _ backend.Backend = &Local{}

func open(cfg Config) (*Local, error) {
	if cfg.Connections == 0 {
		cfg.Connections = NewConfig().Connections
	}
	sem, err := sema.New(cfg.Connections)
	if err != nil {
		return nil, err
	}

	return &Local{
		Config: cfg,
		Layout: &layout.DefaultLayout{Path: cfg.Path, Join: filepath.Join},
		sem:    sem,
	}, nil
}

// Open opens an existing repository directory.
func Open(_ context.Context, cfg Config) (*Local, error) {
	debug.Log("open local backend at %v", cfg.Path)
	be, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(be.Filename(backend.Handle{Type: backend.ConfigFile})); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrap(backend.ErrNoRepository, cfg.Path)
		}
		return nil, errors.WithStack(err)
	}

	return be, nil
}

// Create prepares the directory structure for a new repository.
func Create(_ context.Context, cfg Config) (*Local, error) {
	debug.Log("create local backend at %v", cfg.Path)
	be, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if _, err := os.Lstat(be.Filename(backend.Handle{Type: backend.ConfigFile})); err == nil {
		return nil, errors.New("config file already exists")
	}

	for _, d := range be.Paths() {
		if err := os.MkdirAll(d, dirMode); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	return be, nil
}

// Connections returns the configured number of parallel operations.
func (b *Local) Connections() uint {
	return b.Config.Connections
}

// Hasher returns nil, files are written locally without a transfer check.
func (b *Local) Hasher() hash.Hash {
	return nil
}

// IsNotExist reports whether err was caused by a missing file.
func (b *Local) IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// IsPermanentError reports errors that retrying cannot fix.
func (b *Local) IsPermanentError(err error) bool {
	return b.IsNotExist(err) || errors.Is(err, errShortRead) || isPermanentIOError(err) ||
		backend.IsAlreadyExists(err) || errors.Is(err, backend.ErrInvalidHandle) || errors.Is(err, os.ErrPermission)
}

var errShortRead = errors.New("file is shorter than the requested range")

// Save writes rd to a temporary file, syncs it and links it to its final
// name. Linking fails if the name exists, so existing files are never
// replaced.
func (b *Local) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	debug.Log("Save %v", h)
	if err := h.Valid(); err != nil {
		return err
	}
	finalname := b.Filename(h)

	release, err := b.sem.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := os.Lstat(finalname); err == nil {
		return errors.Wrap(backend.ErrAlreadyExists, h.String())
	}

	tmpname, synced, err := writeTemp(finalname, rd)
	// the temporary file is never needed after Save returns
	defer func() { _ = os.Remove(tmpname) }()
	if err != nil {
		return err
	}

	if err := commit(tmpname, finalname); err != nil {
		return err
	}
	if synced {
		if err := fsyncDir(filepath.Dir(finalname)); err != nil {
			return errors.WithStack(err)
		}
	}

	// some filesystems refuse chmod, the file is complete anyway
	if err := setFileReadonly(finalname); err != nil && !errors.Is(err, os.ErrPermission) {
		return errors.WithStack(err)
	}
	return nil
}

// writeTemp stores rd in a closed temporary file next to finalname, creating
// the directory if needed. synced is false on filesystems without fsync.
func writeTemp(finalname string, rd backend.RewindReader) (tmpname string, synced bool, err error) {
	dir, pattern := filepath.Dir(finalname), filepath.Base(finalname)+"-tmp-"
	f, err := os.CreateTemp(dir, pattern)
	if errors.Is(err, os.ErrNotExist) {
		debug.Log("creating missing dir %v", dir)
		if mkErr := os.MkdirAll(dir, dirMode); mkErr == nil {
			f, err = os.CreateTemp(dir, pattern)
		}
	}
	if err != nil {
		return "", false, errors.WithStack(err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.WithStack(cerr)
		}
	}()

	n, err := io.Copy(f, rd)
	if err != nil {
		return f.Name(), false, errors.WithStack(err)
	}
	if n != rd.Length() {
		return f.Name(), false, errors.Errorf("wrote %d bytes instead of the expected %d bytes", n, rd.Length())
	}

	switch err := f.Sync(); {
	case err == nil:
		return f.Name(), true, nil
	case isSyncNotSupported(err):
		return f.Name(), false, nil
	default:
		return f.Name(), false, errors.WithStack(err)
	}
}

// commit moves the complete temporary file to its final name without ever
// replacing an existing file. Filesystems without hard links fall back to a
// rename after checking for an existing file.
func commit(tmpname, finalname string) error {
	err := os.Link(tmpname, finalname)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrExist):
		return errors.Wrap(backend.ErrAlreadyExists, filepath.Base(finalname))
	case !isLinkNotSupported(err):
		return errors.WithStack(err)
	}

	if _, err := os.Lstat(finalname); err == nil {
		return errors.Wrap(backend.ErrAlreadyExists, filepath.Base(finalname))
	}
	return errors.WithStack(os.Rename(tmpname, finalname))
}

// Load calls fn with a reader for the requested range of h.
func (b *Local) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	return backend.DefaultLoad(ctx, h, length, offset, b.openReader, fn)
}

func (b *Local) openReader(ctx context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error) {
	debug.Log("Load %v, length %v, offset %v", h, length, offset)
	if err := h.Valid(); err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 {
		return nil, errors.Wrapf(backend.ErrInvalidHandle, "invalid range %d/%d", offset, length)
	}

	release, err := b.sem.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(b.Filename(h))
	if err != nil {
		release()
		return nil, err
	}

	fi, err := f.Stat()
	if err == nil && offset+int64(length) > fi.Size() {
		err = errors.Wrapf(errShortRead, "%v: size %d, requested %d at %d", h, fi.Size(), length, offset)
	}
	if err == nil && offset > 0 {
		_, err = f.Seek(offset, io.SeekStart)
	}
	if err != nil {
		release()
		_ = f.Close()
		return nil, err
	}

	r := sema.ReleaseOnClose(f, release)
	if length > 0 {
		return backend.LimitReadCloser(r, int64(length)), nil
	}
	return r, nil
}

// Stat returns the size of h.
func (b *Local) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	if err := h.Valid(); err != nil {
		return backend.FileInfo{}, err
	}

	release, err := b.sem.Acquire(ctx)
	if err != nil {
		return backend.FileInfo{}, err
	}
	defer release()

	fi, err := os.Stat(b.Filename(h))
	if err != nil {
		return backend.FileInfo{}, errors.WithStack(err)
	}

	return backend.FileInfo{Size: fi.Size(), Name: h.Name}, nil
}

// Remove deletes h.
func (b *Local) Remove(ctx context.Context, h backend.Handle) error {
	debug.Log("Remove %v", h)
	fn := b.Filename(h)

	release, err := b.sem.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	// files are read-only, make them writable first for platforms which
	// refuse to remove read-only files
	if err := os.Chmod(fn, 0600); err != nil && !errors.Is(err, os.ErrPermission) {
		return errors.WithStack(err)
	}

	return errors.WithStack(os.Remove(fn))
}

// List calls fn for each file of type t.
func (b *Local) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	debug.Log("List %v", t)

	basedir, subdirs := b.Basedir(t)
	dirs := []string{basedir}
	if subdirs {
		entries, err := os.ReadDir(basedir)
		if err != nil {
			if b.IsNotExist(err) {
				return nil
			}
			return errors.WithStack(err)
		}
		dirs = dirs[:0]
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(basedir, e.Name()))
			}
		}
	}

	for _, dir := range dirs {
		if err := visitFiles(ctx, dir, fn); err != nil {
			return err
		}
	}

	return ctx.Err()
}

func visitFiles(ctx context.Context, dir string, fn func(backend.FileInfo) error) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.WithStack(err)
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !e.Type().IsRegular() || isTempFile(e.Name()) {
			continue
		}

		fi, err := e.Info()
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return errors.WithStack(err)
		}

		if err := fn(backend.FileInfo{Name: e.Name(), Size: fi.Size()}); err != nil {
			return err
		}
	}

	return nil
}

// isTempFile reports leftovers of an interrupted Save.
func isTempFile(name string) bool {
	matched, _ := filepath.Match("*-tmp-*", name)
	return matched
}

// Delete removes the repository directory.
func (b *Local) Delete(_ context.Context) error {
	debug.Log("Delete()")
	return errors.WithStack(os.RemoveAll(b.Path))
}

// Close does nothing, files are closed by the operations that open them.
func (b *Local) Close() error {
	return nil
}
