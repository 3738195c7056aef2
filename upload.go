package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gobeaver/filekit/filevalidator"
)

// sniffLen is how much of a non-seekable upload is checked.
const sniffLen = 512

// WithUploadValidator checks writefile content before it reaches the
// adapter. A nil validator accepts everything.
func WithUploadValidator(v filevalidator.Validator) Option {
	return func(s *Service) { s.validator = v }
}

// validateUpload runs the upload validator against content stored as name
// and returns a reader positioned at the start of the content. Seekable
// uploads are checked in full. Streams are typed by their first bytes,
// which are stitched back in front of the rest; their size limits are
// enforced while the adapter reads, so a stream that turns out too large
// or too small fails the write instead of being rejected up front.
func (s *Service) validateUpload(name string, content io.Reader) (io.Reader, error) {
	if s.validator == nil {
		return content, nil
	}

	if seeker, ok := content.(io.ReadSeeker); ok {
		size, err := seeker.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, err
		}
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		if err := s.validator.ValidateReader(seeker, name, size); err != nil {
			return nil, uploadError(err)
		}
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return seeker, nil
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(content, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	head = head[:n]
	// size 0 skips the size rules, which only the full stream can answer
	if err := s.validator.ValidateReader(bytes.NewReader(head), name, 0); err != nil {
		return nil, uploadError(err)
	}

	c := s.validator.GetConstraints()
	return &sizeLimitReader{
		r:   io.MultiReader(bytes.NewReader(head), content),
		min: c.MinFileSize,
		max: c.MaxFileSize,
	}, nil
}

// sizeLimitReader fails once more than max bytes were read, or at EOF when
// fewer than min were. Zero disables a bound.
type sizeLimitReader struct {
	r        io.Reader
	n        int64
	min, max int64
}

func (l *sizeLimitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.n += int64(n)
	if l.max > 0 && l.n > l.max {
		return n, uploadError(filevalidator.NewValidationError(filevalidator.ErrorTypeSize,
			fmt.Sprintf("file size too big: more than %d bytes", l.max)))
	}
	if errors.Is(err, io.EOF) && l.min > 0 && l.n < l.min {
		return n, uploadError(filevalidator.NewValidationError(filevalidator.ErrorTypeSize,
			fmt.Sprintf("file size too small: %d bytes (min: %d bytes)", l.n, l.min)))
	}
	return n, err
}

// uploadError maps validator rejections: disallowed types are 415, the
// rest are validation errors.
func uploadError(err error) error {
	var verr *filevalidator.ValidationError
	switch {
	case !errors.As(err, &verr):
		return err
	case verr.Type == filevalidator.ErrorTypeMIME:
		return WithCode(http.StatusUnsupportedMediaType, err)
	default:
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
}
