package vfs

import (
	"fmt"
	"path"
	"strings"
)

// ParsePath splits a virtual path "name:/rel" into the mountpoint name and
// a cleaned, slash-rooted relative path. Parent traversal is rejected on
// either separator.
func ParsePath(virtual string) (name, rel string, err error) {
	idx := strings.Index(virtual, ":")
	if idx <= 0 {
		return "", "", &PathError{Op: "resolve", Path: virtual, Err: fmt.Errorf("%w: missing mountpoint prefix", ErrValidation)}
	}

	name = virtual[:idx]
	rel = virtual[idx+1:]

	for _, seg := range strings.FieldsFunc(rel, isSeparator) {
		if seg == ".." {
			return "", "", &PathError{Op: "resolve", Path: virtual, Err: fmt.Errorf("%w: parent traversal", ErrValidation)}
		}
	}

	rel = strings.ReplaceAll(rel, "\\", "/")
	return name, path.Clean("/" + rel), nil
}

// JoinPath builds a virtual path from a mountpoint name and relative path.
func JoinPath(name, rel string) string {
	return name + ":" + path.Clean("/"+rel)
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}
