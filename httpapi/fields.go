package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/gobeaver/vfs"
)

// uploadField is the multipart part holding writefile content.
const uploadField = "upload"

// parsedRequest holds the fields of a request and the spooled upload, if
// any. cleanup must always be called.
type parsedRequest struct {
	fields map[string]string
	upload io.Reader
	files  []*os.File
}

func (p *parsedRequest) cleanup() {
	for _, f := range p.files {
		name := f.Name()
		f.Close()
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnw("removing upload failed", "file", name, "error", err)
		}
	}
	p.files = nil
}

// parseRequest collects fields from the query string and the body. JSON,
// url-encoded and multipart bodies are understood; for writefile any other
// body is the upload itself.
func (s *Server) parseRequest(r *http.Request, op vfs.Op) (*parsedRequest, error) {
	p := &parsedRequest{fields: make(map[string]string)}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			p.fields[k] = v[0]
		}
	}

	if r.Method != http.MethodPost {
		return p, nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json":
		if err := s.parseJSON(r, p); err != nil {
			return p, err
		}
	case mediaType == "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(nil, r.Body, s.fieldsLimitOr(10<<20))
		if err := r.ParseForm(); err != nil {
			return p, fmt.Errorf("%w: %w", vfs.ErrValidation, err)
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				p.fields[k] = v[0]
			}
		}
	case strings.HasPrefix(mediaType, "multipart/"):
		if err := s.parseMultipart(r, p); err != nil {
			return p, err
		}
	case op == vfs.OpWritefile:
		body := io.Reader(r.Body)
		if s.uploadLimit > 0 {
			body = http.MaxBytesReader(nil, r.Body, s.uploadLimit)
		}
		p.upload = body
	}
	return p, nil
}

func (s *Server) fieldsLimitOr(def int64) int64 {
	if s.fieldsLimit > 0 {
		return s.fieldsLimit
	}
	return def
}

// parseJSON flattens a JSON object into fields. Non-string values such as
// the options object are kept as their JSON text.
func (s *Server) parseJSON(r *http.Request, p *parsedRequest) error {
	body := http.MaxBytesReader(nil, r.Body, s.fieldsLimitOr(10<<20))
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %w", vfs.ErrValidation, err)
	}
	for k, v := range raw {
		var str string
		if err := json.Unmarshal(v, &str); err == nil {
			p.fields[k] = str
			continue
		}
		p.fields[k] = string(v)
	}
	return nil
}

// parseMultipart reads form fields into memory and spools file parts to
// temporary files. The "upload" part becomes the request upload.
func (s *Server) parseMultipart(r *http.Request, p *parsedRequest) error {
	mr, err := r.MultipartReader()
	if err != nil {
		return fmt.Errorf("%w: %w", vfs.ErrValidation, err)
	}

	var fieldBytes int64
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", vfs.ErrValidation, err)
		}

		name := part.FormName()
		if part.FileName() == "" {
			limit := s.fieldsLimitOr(10<<20) - fieldBytes
			data, err := io.ReadAll(io.LimitReader(part, limit+1))
			part.Close()
			if err != nil {
				return fmt.Errorf("%w: %w", vfs.ErrValidation, err)
			}
			if int64(len(data)) > limit {
				return vfs.WithCode(http.StatusRequestEntityTooLarge, errors.New("form fields too large"))
			}
			fieldBytes += int64(len(data))
			p.fields[name] = string(data)
			continue
		}

		f, err := s.spool(part)
		part.Close()
		if f != nil {
			p.files = append(p.files, f)
		}
		if err != nil {
			return err
		}
		if name == uploadField && p.upload == nil {
			p.upload = f
		}
	}
}

// spool copies a file part to a temporary file and rewinds it.
func (s *Server) spool(part io.Reader) (*os.File, error) {
	f, err := os.CreateTemp(s.tempDir, "vfs-upload-*")
	if err != nil {
		return nil, err
	}

	src := part
	if s.uploadLimit > 0 {
		src = io.LimitReader(part, s.uploadLimit+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		return f, fmt.Errorf("%w: %w", vfs.ErrValidation, err)
	}
	if s.uploadLimit > 0 && n > s.uploadLimit {
		return f, vfs.WithCode(http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", s.uploadLimit))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return f, err
	}
	return f, nil
}
