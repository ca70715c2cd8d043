//go:build linux

package ledger

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

// createdAt returns the file's birth time when the filesystem records one,
// falling back to its inode change time.
func createdAt(path string, info fs.FileInfo) time.Time {
	var stx unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, path, 0, unix.STATX_BTIME|unix.STATX_CTIME, &stx); err != nil {
		return info.ModTime()
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}
	return time.Unix(stx.Ctime.Sec, int64(stx.Ctime.Nsec))
}
