//go:build !unix

package backup

import (
	"io/fs"
	"time"
)

func atime(info fs.FileInfo) time.Time {
	return info.ModTime()
}
