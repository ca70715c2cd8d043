//go:build !linux

package ledger

import (
	"io/fs"
	"time"
)

func createdAt(_ string, info fs.FileInfo) time.Time {
	return info.ModTime()
}
