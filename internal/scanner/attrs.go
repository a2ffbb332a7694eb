package scanner

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// creationTime returns the filesystem's best approximation of a creation
// timestamp. Linux has no true birth time in os.FileInfo, so ctime (inode
// change time, from the syscall.Stat_t) is used as the closest available
// proxy, matching what most Linux sync tools fall back to.
func creationTime(info os.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}

	return time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
}

// isHidden reports dotfile-convention hidden status (spec §3
// LocalEntry.isHidden), the Unix analogue of the Windows hidden attribute.
func isHidden(info os.FileInfo) bool {
	return strings.HasPrefix(filepath.Base(info.Name()), ".")
}

// isReadOnly reports whether the owner write bit is clear.
func isReadOnly(info os.FileInfo) bool {
	return info.Mode().Perm()&0o200 == 0
}
