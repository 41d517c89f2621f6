//go:build !windows

package local

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// fsyncDir flushes changes to the directory dir.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	err = d.Sync()
	if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EINVAL) {
		err = nil
	}

	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

func isSyncNotSupported(err error) bool {
	// macOS reports ENOTTY for fsync on some network filesystems
	return errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.ENOTTY)
}

func isLinkNotSupported(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EXDEV)
}

func isPermanentIOError(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EROFS)
}

func setFileReadonly(f string) error {
	return os.Chmod(f, fileMode)
}
