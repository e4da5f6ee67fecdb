//go:build linux

package kitbuilder

import (
	"errors"

	"golang.org/x/sys/unix"
)

// commitNoReplace renames src to dst unless dst exists, in which case the
// returned error matches fs.ErrExist.
func commitNoReplace(src, dst string) error {
	err := unix.Renameat2(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, unix.RENAME_NOREPLACE)
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) {
		// Kernel or filesystem without renameat2 flags.
		return linkCommit(src, dst)
	}
	return err
}
