package vfs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"
)

// Handle runs one request through the pipeline: parse the option bag,
// resolve the mountpoint, check policy, call the adapter and shape the
// result. Denied and invalid requests never reach the adapter.
func (s *Service) Handle(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	if _, err := ParseOp(string(req.Op)); err != nil {
		return nil, err
	}

	var (
		resp  *Response
		mount string
	)
	opts, err := parseOptions(req)
	if err == nil {
		opts.Limits = s.limits
		switch req.Op {
		case OpCopy, OpRename:
			resp, mount, err = s.handleTransfer(ctx, req, opts)
		default:
			resp, mount, err = s.handlePath(ctx, req, opts)
		}
	}

	s.metrics.observe(req.Op, mount, err, start)
	if err != nil {
		log.Debugw("request failed", "op", req.Op, "mount", mount, "error", err)
		return nil, err
	}
	return resp, nil
}

func (s *Service) handlePath(ctx context.Context, req *Request, opts Options) (*Response, string, error) {
	field := "path"
	if req.Op == OpSearch {
		field = "root"
	}
	p, err := req.field(field)
	if err != nil {
		return nil, "", err
	}

	t, err := s.registry.Resolve(p, req.User)
	if err != nil {
		return nil, "", err
	}
	mp := t.Mount

	if req.Op == OpSearch && !mp.Policy.Searchable {
		return valueResponse([]FileInfo{}), mp.Name, nil
	}

	if err := CheckPermission(mp, req.User, req.Op.Capability(), s.groups); err != nil {
		return nil, mp.Name, err
	}

	a := mp.Adapter
	if !a.Capabilities().Has(req.Op.Capability()) {
		return nil, mp.Name, &PathError{Op: string(req.Op), Path: p, Err: ErrUnsupported}
	}

	var value any
	switch req.Op {
	case OpRealpath:
		value, err = a.Realpath(ctx, t)

	case OpExists:
		value, err = a.Exists(ctx, t)

	case OpStat:
		var info *FileInfo
		if info, err = a.Stat(ctx, t); err == nil {
			s.decorate(info)
			value = info
		}

	case OpReaddir:
		var entries []FileInfo
		if entries, err = a.Readdir(ctx, t, opts); err == nil {
			value = s.decorateAll(entries)
		}

	case OpReadfile:
		resp, err := s.readfile(ctx, t, req, opts)
		return resp, mp.Name, err

	case OpWritefile:
		if req.Upload == nil {
			return nil, mp.Name, fmt.Errorf("%w: missing upload", ErrValidation)
		}
		var upload io.Reader
		if upload, err = s.validateUpload(t.Base(), req.Upload); err != nil {
			return nil, mp.Name, err
		}
		var n int64
		if n, err = a.Writefile(ctx, t, upload, opts); err == nil {
			if n < 0 {
				n = -1
			}
			s.metrics.addWritten(mp.Name, n)
			value = n
		}

	case OpMkdir:
		err = a.Mkdir(ctx, t, opts)
		value = err == nil

	case OpUnlink:
		err = a.Unlink(ctx, t, opts)
		value = err == nil

	case OpTouch:
		err = a.Touch(ctx, t, opts)
		value = err == nil

	case OpSearch:
		var pattern string
		if pattern, err = req.field("pattern"); err != nil {
			return nil, mp.Name, err
		}
		var results []FileInfo
		if results, err = a.Search(ctx, t, pattern, opts); err == nil {
			value = s.decorateAll(results)
		}
	}

	if err != nil {
		return nil, mp.Name, err
	}
	return valueResponse(value), mp.Name, nil
}

// readfile streams a file. The stat runs before the read so a range is
// only handed to the adapter once the size is known. A failing stat is not
// an error; the response falls back to the full body.
func (s *Service) readfile(ctx context.Context, t Target, req *Request, opts Options) (*Response, error) {
	a := t.Mount.Adapter
	caps := a.Capabilities()

	var info *FileInfo
	if caps.Has(CapStat) {
		fi, err := a.Stat(ctx, t)
		if err == nil {
			info = fi
			s.decorate(info)
		} else {
			log.Debugw("stat before read failed", "path", t.Virtual(), "error", err)
		}
	}
	if info != nil && info.IsDirectory {
		return nil, &PathError{Op: "readfile", Path: t.Virtual(), Err: ErrIsDir}
	}

	var span *ByteRange
	// empty files are always served whole
	if opts.Range != nil && t.Mount.Policy.Ranges && info != nil && info.Size > 0 {
		r, err := opts.Range.Resolve(info.Size)
		if err != nil {
			return nil, &PathError{Op: "readfile", Path: t.Virtual(), Err: err}
		}
		span = &r
	}
	opts.Range = span

	resp := &Response{Status: http.StatusOK, Header: http.Header{}}
	if info != nil {
		etag := ETag(info)
		resp.Header.Set("ETag", etag)
		if !info.Mtime.IsZero() {
			resp.Header.Set("Last-Modified", info.Mtime.UTC().Format(http.TimeFormat))
		}
		if span == nil && req.Header != nil && req.Header.Get("If-None-Match") == etag {
			resp.Status = http.StatusNotModified
			resp.Body = http.NoBody
			return resp, nil
		}
	}

	rc, err := a.Readfile(ctx, t, opts)
	if err != nil {
		return nil, err
	}
	if span != nil && !caps.Has(CapRangedRead) {
		if rc, err = sliceStream(rc, *span); err != nil {
			return nil, &PathError{Op: "readfile", Path: t.Virtual(), Err: err}
		}
	}

	contentType := ""
	if info != nil {
		contentType = info.Mime
	}

	if span != nil {
		resp.Status = http.StatusPartialContent
		resp.Header.Set("Content-Range", span.ContentRange(info.Size))
		resp.Header.Set("Accept-Ranges", "bytes")
		resp.Header.Set("Content-Length", strconv.FormatInt(span.Length(), 10))
	} else {
		if contentType == "" || contentType == MIMETypeOctetStream {
			br := bufio.NewReaderSize(rc, 512)
			head, _ := br.Peek(512)
			contentType = s.mime.Detect(t.Base(), head)
			rc = sectionReader{Reader: br, Closer: rc}
		}
		if info != nil {
			resp.Header.Set("Content-Length", strconv.FormatInt(info.Size, 10))
		}
		if t.Mount.Policy.Ranges {
			resp.Header.Set("Accept-Ranges", "bytes")
		}
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}

	if opts.Download {
		resp.Header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": t.Base()}))
	}

	resp.Body = rc
	return resp, nil
}

func (s *Service) decorate(info *FileInfo) {
	if info == nil {
		return
	}
	if info.IsDirectory {
		info.IsFile = false
		if info.Mime == "" {
			info.Mime = MIMETypeDirectory
		}
		return
	}
	info.IsFile = true
	if info.Mime == "" {
		info.Mime = s.mime.Lookup(info.Filename)
	}
}

func (s *Service) decorateAll(entries []FileInfo) []FileInfo {
	if entries == nil {
		return []FileInfo{}
	}
	for i := range entries {
		s.decorate(&entries[i])
	}
	return entries
}

func valueResponse(v any) *Response {
	return &Response{Status: http.StatusOK, Header: http.Header{}, Value: v}
}

// ReadAll drains and closes a readfile response body.
func (r *Response) ReadAll() ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
