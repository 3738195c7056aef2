package vfs

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// ParseRange parses a "bytes=start-end" header value. End is optional.
// Malformed, suffix and multi-range values yield nil, meaning the full
// body is served.
func ParseRange(header string) *ByteRange {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok || strings.TrimSpace(startStr) == "" {
		return nil
	}

	start, err := strconv.ParseInt(strings.TrimSpace(startStr), 10, 64)
	if err != nil || start < 0 {
		return nil
	}

	r := &ByteRange{Start: start, End: -1}
	if endStr = strings.TrimSpace(endStr); endStr != "" {
		end, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil
		}
		r.End = end
	}
	return r
}

// Resolve fixes an open or overlong end against the file size. A start at
// or beyond the end of the file is not satisfiable.
func (r ByteRange) Resolve(size int64) (ByteRange, error) {
	if r.Start >= size {
		return ByteRange{}, WithCode(http.StatusRequestedRangeNotSatisfiable,
			fmt.Errorf("%w: bytes=%d- of %d", ErrBadRange, r.Start, size))
	}
	end := r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return ByteRange{Start: r.Start, End: end}, nil
}

// ContentRange formats the Content-Range header value.
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

type sectionReader struct {
	io.Reader
	io.Closer
}

// sliceStream restricts a full stream to r for adapters that cannot read
// ranges natively.
func sliceStream(rc io.ReadCloser, r ByteRange) (io.ReadCloser, error) {
	if r.Start > 0 {
		if s, ok := rc.(io.Seeker); ok {
			if _, err := s.Seek(r.Start, io.SeekStart); err != nil {
				rc.Close()
				return nil, err
			}
		} else if _, err := io.CopyN(io.Discard, rc, r.Start); err != nil {
			rc.Close()
			return nil, err
		}
	}
	return sectionReader{Reader: io.LimitReader(rc, r.Length()), Closer: rc}, nil
}
