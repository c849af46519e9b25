//go:build unix

package backup

import (
	"io/fs"
	"syscall"
	"time"
)

// atime extracts the access time from the platform stat data.
func atime(info fs.FileInfo) time.Time {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return time.Unix(stat.Atim.Sec, stat.Atim.Nsec)
	}
	return info.ModTime()
}
