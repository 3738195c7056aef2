package vfs

import (
	"mime"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Common MIME types
const (
	MIMETypeOctetStream     = "application/octet-stream"
	MIMETypeDirectory       = "directory"
	MIMETypeTextPlain       = "text/plain"
	MIMETypeApplicationJSON = "application/json"
)

// Extensions the platform mime database often lacks or gets wrong
var extensionToMIME = map[string]string{
	".txt":   MIMETypeTextPlain,
	".md":    "text/markdown",
	".csv":   "text/csv",
	".html":  "text/html",
	".htm":   "text/html",
	".css":   "text/css",
	".js":    "text/javascript",
	".mjs":   "text/javascript",
	".json":  MIMETypeApplicationJSON,
	".xml":   "application/xml",
	".svg":   "image/svg+xml",
	".webp":  "image/webp",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".mp3":   "audio/mpeg",
	".ogg":   "audio/ogg",
	".mp4":   "video/mp4",
	".webm":  "video/webm",
	".pdf":   "application/pdf",
	".zip":   "application/zip",
	".gz":    "application/gzip",
	".tar":   "application/x-tar",
	".woff":  "font/woff",
	".woff2": "font/woff2",
}

// MimeConfig customises type lookup. Filenames maps exact base names to a
// type; Define maps a type to the extensions it owns.
type MimeConfig struct {
	Filenames map[string]string   `yaml:"filenames,omitempty" json:"filenames,omitempty"`
	Define    map[string][]string `yaml:"define,omitempty" json:"define,omitempty"`
}

// MimeTypes resolves content types from file names, falling back to
// content sniffing.
type MimeTypes struct {
	filenames  map[string]string
	extensions map[string]string
}

// NewMimeTypes builds a resolver from cfg.
func NewMimeTypes(cfg MimeConfig) *MimeTypes {
	m := &MimeTypes{
		filenames:  make(map[string]string, len(cfg.Filenames)),
		extensions: make(map[string]string),
	}
	for name, typ := range cfg.Filenames {
		m.filenames[name] = typ
	}
	for typ, exts := range cfg.Define {
		for _, ext := range exts {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			m.extensions[ext] = typ
		}
	}
	return m
}

// Lookup returns the content type for a file name. It never returns an
// empty string.
func (m *MimeTypes) Lookup(name string) string {
	base := path.Base(name)
	if m != nil {
		if typ, ok := m.filenames[base]; ok {
			return typ
		}
	}

	ext := strings.ToLower(path.Ext(base))
	if ext == "" {
		return MIMETypeOctetStream
	}
	if m != nil {
		if typ, ok := m.extensions[ext]; ok {
			return typ
		}
	}
	if typ, ok := extensionToMIME[ext]; ok {
		return typ
	}
	if typ := mime.TypeByExtension(ext); typ != "" {
		return typ
	}
	return MIMETypeOctetStream
}

// Detect resolves the content type from the name and, when the name says
// nothing, from the leading bytes of the content.
func (m *MimeTypes) Detect(name string, head []byte) string {
	if typ := m.Lookup(name); typ != MIMETypeOctetStream || len(head) == 0 {
		return typ
	}
	return mimetype.Detect(head).String()
}
