package vfs

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// FileInfo represents file/directory metadata as returned by stat, readdir
// and search.
type FileInfo struct {
	Filename    string    `json:"filename"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Mime        string    `json:"mime"`
	Mtime       time.Time `json:"mtime"`
	IsDirectory bool      `json:"isDirectory"`
	IsFile      bool      `json:"isFile"`
}

// User is the session identity a request runs as.
type User struct {
	ID       string            `json:"id"`
	Username string            `json:"username"`
	Groups   []string          `json:"groups"`
	Attrs    map[string]string `json:"attributes,omitempty"`
}

// Target binds a virtual path to its mountpoint and the backing root
// expanded for the requesting user.
type Target struct {
	Mount *Mountpoint
	Rel   string
	Root  string
	User  *User
}

// Virtual returns the "name:/rel" form of the target.
func (t Target) Virtual() string {
	return t.Mount.Name + ":" + t.Rel
}

// Real returns the backing-store address of the target.
func (t Target) Real() string {
	if t.Rel == "/" || t.Rel == "" {
		return t.Root
	}
	if t.Root == "" {
		return strings.TrimPrefix(t.Rel, "/")
	}
	return path.Join(t.Root, t.Rel)
}

// Child returns the target of a direct descendant.
func (t Target) Child(name string) Target {
	c := t
	c.Rel = path.Join(t.Rel, name)
	return c
}

// Parent returns the target of the containing directory.
func (t Target) Parent() Target {
	p := t
	p.Rel = path.Dir(t.Rel)
	return p
}

// Base returns the last element of the relative path.
func (t Target) Base() string {
	return path.Base(t.Rel)
}

// ByteRange is an inclusive byte span. End is -1 when open-ended.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in a resolved range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// Options is the per-call option bag handed to adapters.
type Options struct {
	// Range is set only when the pipeline resolved a satisfiable range.
	Range *ByteRange
	// Download requests an attachment disposition.
	Download bool
	// Session is the requesting user.
	Session *User
	// Limits bounds recursive searches.
	Limits SearchLimits
	// Extra holds adapter-specific keys from the JSON option blob.
	Extra map[string]any
}

// ============================================================================
// Adapter
// ============================================================================

// Adapter is a storage backend. Every adapter implements the full method
// set and declares what it actually supports through Capabilities; embed
// Unsupported to inherit ErrUnsupported for the rest.
type Adapter interface {
	// Capabilities lists the operations this adapter supports.
	Capabilities() Capability

	Realpath(ctx context.Context, t Target) (string, error)
	Exists(ctx context.Context, t Target) (bool, error)
	Stat(ctx context.Context, t Target) (*FileInfo, error)
	Readdir(ctx context.Context, t Target, opts Options) ([]FileInfo, error)

	// Readfile returns a stream over the file. When opts.Range is set and the
	// adapter declares CapRangedRead, only the span is returned.
	Readfile(ctx context.Context, t Target, opts Options) (io.ReadCloser, error)

	// Writefile stores r at t and returns the number of bytes written, or -1
	// when the backend cannot tell.
	Writefile(ctx context.Context, t Target, r io.Reader, opts Options) (int64, error)

	Mkdir(ctx context.Context, t Target, opts Options) error
	Unlink(ctx context.Context, t Target, opts Options) error
	Touch(ctx context.Context, t Target, opts Options) error
	Search(ctx context.Context, t Target, pattern string, opts Options) ([]FileInfo, error)

	// Copy and Rename operate within one adapter instance.
	Copy(ctx context.Context, from, to Target, opts Options) error
	Rename(ctx context.Context, from, to Target, opts Options) error

	// Watch observes changes below root, a backing-store address.
	Watch(ctx context.Context, root string) (Watcher, error)
}

// Unsupported implements every Adapter operation by returning
// ErrUnsupported. Adapters embed it and override what they support.
type Unsupported struct{}

func unsupported(op string, t Target) error {
	return &PathError{Op: op, Path: t.Virtual(), Err: ErrUnsupported}
}

func (Unsupported) Capabilities() Capability { return 0 }

func (Unsupported) Realpath(_ context.Context, t Target) (string, error) {
	return "", unsupported("realpath", t)
}

func (Unsupported) Exists(_ context.Context, t Target) (bool, error) {
	return false, unsupported("exists", t)
}

func (Unsupported) Stat(_ context.Context, t Target) (*FileInfo, error) {
	return nil, unsupported("stat", t)
}

func (Unsupported) Readdir(_ context.Context, t Target, _ Options) ([]FileInfo, error) {
	return nil, unsupported("readdir", t)
}

func (Unsupported) Readfile(_ context.Context, t Target, _ Options) (io.ReadCloser, error) {
	return nil, unsupported("readfile", t)
}

func (Unsupported) Writefile(_ context.Context, t Target, _ io.Reader, _ Options) (int64, error) {
	return -1, unsupported("writefile", t)
}

func (Unsupported) Mkdir(_ context.Context, t Target, _ Options) error {
	return unsupported("mkdir", t)
}

func (Unsupported) Unlink(_ context.Context, t Target, _ Options) error {
	return unsupported("unlink", t)
}

func (Unsupported) Touch(_ context.Context, t Target, _ Options) error {
	return unsupported("touch", t)
}

func (Unsupported) Search(_ context.Context, t Target, _ string, _ Options) ([]FileInfo, error) {
	return nil, unsupported("search", t)
}

func (Unsupported) Copy(_ context.Context, from, _ Target, _ Options) error {
	return unsupported("copy", from)
}

func (Unsupported) Rename(_ context.Context, from, _ Target, _ Options) error {
	return unsupported("rename", from)
}

func (Unsupported) Watch(_ context.Context, root string) (Watcher, error) {
	return nil, &PathError{Op: "watch", Path: root, Err: ErrUnsupported}
}

// ============================================================================
// Watch
// ============================================================================

// ChangeType names the kind of change a watcher observed.
type ChangeType string

const (
	ChangeAdd       ChangeType = "add"
	ChangeAddDir    ChangeType = "addDir"
	ChangeChange    ChangeType = "change"
	ChangeUnlink    ChangeType = "unlink"
	ChangeUnlinkDir ChangeType = "unlinkDir"
)

// ChangeEvent is one observed change. Path is the backing-store address.
type ChangeEvent struct {
	Path string
	Type ChangeType
}

// Watcher is an active watch. Events and Errors are closed once the
// watcher stops.
type Watcher interface {
	Events() <-chan ChangeEvent
	Errors() <-chan error
	Close() error
}
