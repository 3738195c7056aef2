package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

// Error taxonomy
var (
	ErrNotFound    = errors.New("not found")
	ErrPermission  = errors.New("access denied")
	ErrUnsupported = errors.New("operation not supported")
	ErrValidation  = errors.New("invalid request")
	ErrTransfer    = errors.New("transfer failed")
)

// Storage errors reported by adapters
var (
	ErrNotExist   = errors.New("file does not exist")
	ErrExist      = errors.New("file already exists")
	ErrNotDir     = errors.New("not a directory")
	ErrIsDir      = errors.New("is a directory")
	ErrNotEmpty   = errors.New("directory not empty")
	ErrReadOnly   = errors.New("mountpoint is read-only")
	ErrBadRange   = errors.New("requested range not satisfiable")
	ErrMountExist = errors.New("mountpoint already exists")
	ErrNilAdapter = errors.New("adapter cannot be nil")
)

// PathError records an error and the operation and file path that caused it
type PathError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface
func (e *PathError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *PathError) Unwrap() error {
	return e.Err
}

// CodedError carries an explicit HTTP status code. It takes precedence over
// the status table in StatusCode.
type CodedError struct {
	Code int
	Err  error
}

func (e *CodedError) Error() string {
	return e.Err.Error()
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// WithCode attaches an explicit status code to err.
func WithCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &CodedError{Code: code, Err: err}
}

// TransferError is returned when a cross-mount copy or rename fails after
// the transfer started. Partial is set when bytes already reached the
// destination.
type TransferError struct {
	From    string
	To      string
	Partial bool
	Err     error
}

func (e *TransferError) Error() string {
	if e.Partial {
		return fmt.Sprintf("transfer %s -> %s (partial): %v", e.From, e.To, e.Err)
	}
	return fmt.Sprintf("transfer %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is makes every TransferError match ErrTransfer.
func (e *TransferError) Is(target error) bool {
	return target == ErrTransfer
}

// IsNotExist reports whether an error indicates that a file, directory or
// mountpoint does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist) || errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// IsExist reports whether an error indicates that a file or directory
// already exists
func IsExist(err error) bool {
	return errors.Is(err, ErrExist) || errors.Is(err, fs.ErrExist)
}

// IsPermission reports whether an error indicates that permission is denied
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermission)
}

// IsUnsupported reports whether err means the adapter lacks the capability.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// StatusCode maps an error to the HTTP status of the error response.
// An explicit CodedError wins, then the error table, then 400.
func StatusCode(err error) int {
	var coded *CodedError
	if errors.As(err, &coded) && coded.Code > 0 {
		return coded.Code
	}

	switch {
	case IsNotExist(err):
		return http.StatusNotFound
	case errors.Is(err, ErrPermission), errors.Is(err, ErrReadOnly):
		return http.StatusForbidden
	case errors.Is(err, fs.ErrPermission):
		return http.StatusUnauthorized
	case IsExist(err):
		return http.StatusConflict
	case errors.Is(err, ErrBadRange):
		return http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusBadRequest
}
