package vfs

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// ETag returns a weak validator for info derived from its path, size and
// modification time.
func ETag(info *FileInfo) string {
	if info == nil {
		return ""
	}
	d := xxhash.New()
	_, _ = d.WriteString(info.Path)
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(info.Size, 10))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(strconv.FormatInt(info.Mtime.UnixNano(), 10))
	return `W/"` + strconv.FormatUint(d.Sum64(), 16) + `"`
}
