package storage

import (
	"errors"
	"os"
	"runtime"
	"syscall"
)

// syncDir best-effort fsyncs a directory so renamed objects become durable.
// Directory sync is unsupported on some platforms/filesystems; those cases
// are not errors.
func syncDir(dir string) error {
	if dir == "" || runtime.GOOS == "windows" {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		// tmpfs and friends return EINVAL for directory sync.
		if errors.Is(err, syscall.EINVAL) {
			return nil
		}
		return err
	}
	return nil
}
