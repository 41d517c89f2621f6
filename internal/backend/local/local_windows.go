package local

import (
	"errors"
	"os"
)

// Directory changes cannot be flushed explicitly on Windows.
func fsyncDir(string) error { return nil }

func isSyncNotSupported(error) bool { return false }

func isLinkNotSupported(err error) bool { return errors.Is(err, os.ErrPermission) }

func isPermanentIOError(error) bool { return false }

// Read-only files cannot be removed on Windows, leave them writable.
func setFileReadonly(string) error { return nil }
