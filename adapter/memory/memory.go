package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/vfs"
	"github.com/gobwas/glob"
)

// ErrStorageFull is returned when a write would exceed Config.MaxSize.
var ErrStorageFull = errors.New("storage limit exceeded")

// memoryFile represents a file stored in memory
type memoryFile struct {
	content []byte
	modTime time.Time
}

// memoryDir represents a directory in memory
type memoryDir struct {
	modTime time.Time
}

// Adapter keeps files in process memory, keyed by backing address. Useful
// for tests and scratch mounts.
type Adapter struct {
	vfs.Unsupported

	mu      sync.RWMutex
	files   map[string]*memoryFile
	dirs    map[string]*memoryDir
	maxSize int64 // Maximum total storage size (0 = unlimited)
	size    int64 // Current total size

	watchMu sync.RWMutex
	watches []*watcher
}

// Config holds configuration for the memory adapter
type Config struct {
	// MaxSize is the maximum total storage size in bytes (0 = unlimited)
	MaxSize int64
}

// New creates a new in-memory adapter
func New(cfg ...Config) *Adapter {
	var maxSize int64
	if len(cfg) > 0 {
		maxSize = cfg[0].MaxSize
	}

	return &Adapter{
		files:   make(map[string]*memoryFile),
		dirs:    map[string]*memoryDir{"/": {modTime: time.Now()}},
		maxSize: maxSize,
	}
}

// Capabilities implements vfs.Adapter
func (a *Adapter) Capabilities() vfs.Capability {
	return vfs.CapAll | vfs.CapWatch | vfs.CapRangedRead
}

// Realpath implements vfs.Adapter
func (a *Adapter) Realpath(_ context.Context, t vfs.Target) (string, error) {
	return key(t.Real()), nil
}

// Exists implements vfs.Adapter
func (a *Adapter) Exists(ctx context.Context, t vfs.Target) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	k := key(t.Real())

	a.mu.RLock()
	defer a.mu.RUnlock()

	_, isFile := a.files[k]
	return isFile || a.isDir(k, t), nil
}

// Stat implements vfs.Adapter
func (a *Adapter) Stat(ctx context.Context, t vfs.Target) (*vfs.FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	k := key(t.Real())

	a.mu.RLock()
	defer a.mu.RUnlock()

	if f, ok := a.files[k]; ok {
		return fileInfo(t, f), nil
	}
	if a.isDir(k, t) {
		return dirInfo(t, a.dirs[k]), nil
	}
	return nil, &vfs.PathError{Op: "stat", Path: t.Virtual(), Err: vfs.ErrNotExist}
}

// Readdir implements vfs.Adapter
func (a *Adapter) Readdir(ctx context.Context, t vfs.Target, _ vfs.Options) ([]vfs.FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	k := key(t.Real())

	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, ok := a.files[k]; ok {
		return nil, &vfs.PathError{Op: "readdir", Path: t.Virtual(), Err: vfs.ErrNotDir}
	}
	if !a.isDir(k, t) {
		return nil, &vfs.PathError{Op: "readdir", Path: t.Virtual(), Err: vfs.ErrNotExist}
	}

	result := []vfs.FileInfo{}
	for p, d := range a.dirs {
		if p != k && path.Dir(p) == k {
			result = append(result, *dirInfo(t.Child(path.Base(p)), d))
		}
	}
	for p, f := range a.files {
		if path.Dir(p) == k {
			result = append(result, *fileInfo(t.Child(path.Base(p)), f))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Filename < result[j].Filename
	})
	return result, nil
}

// Readfile implements vfs.Adapter
func (a *Adapter) Readfile(ctx context.Context, t vfs.Target, opts vfs.Options) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	k := key(t.Real())

	a.mu.RLock()
	f, ok := a.files[k]
	var data []byte
	if ok {
		data = f.content
		if r := opts.Range; r != nil {
			end := r.End + 1
			if end <= 0 || end > int64(len(data)) {
				end = int64(len(data))
			}
			if r.Start >= int64(len(data)) {
				data = nil
			} else {
				data = data[r.Start:end]
			}
		}
		data = bytes.Clone(data)
	}
	isDir := a.isDir(k, t)
	a.mu.RUnlock()

	if !ok {
		if isDir {
			return nil, &vfs.PathError{Op: "readfile", Path: t.Virtual(), Err: vfs.ErrIsDir}
		}
		return nil, &vfs.PathError{Op: "readfile", Path: t.Virtual(), Err: vfs.ErrNotExist}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Writefile implements vfs.Adapter. Missing parent directories are
// created.
func (a *Adapter) Writefile(ctx context.Context, t vfs.Target, r io.Reader, _ vfs.Options) (int64, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	default:
	}

	// Read content into memory
	data, err := io.ReadAll(r)
	if err != nil {
		return -1, &vfs.PathError{Op: "writefile", Path: t.Virtual(), Err: err}
	}

	k := key(t.Real())

	a.mu.Lock()
	if a.isDir(k, t) {
		a.mu.Unlock()
		return -1, &vfs.PathError{Op: "writefile", Path: t.Virtual(), Err: vfs.ErrIsDir}
	}

	existing, existed := a.files[k]
	newSize := a.size + int64(len(data))
	if existed {
		newSize -= int64(len(existing.content))
	}
	if a.maxSize > 0 && newSize > a.maxSize {
		a.mu.Unlock()
		return -1, &vfs.PathError{Op: "writefile", Path: t.Virtual(), Err: vfs.WithCode(http.StatusInsufficientStorage, ErrStorageFull)}
	}

	a.ensureParentDirs(k)
	a.files[k] = &memoryFile{content: data, modTime: time.Now()}
	a.size = newSize
	a.mu.Unlock()

	if existed {
		a.notify(k, vfs.ChangeChange)
	} else {
		a.notify(k, vfs.ChangeAdd)
	}
	return int64(len(data)), nil
}

// Mkdir implements vfs.Adapter
func (a *Adapter) Mkdir(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	k := key(t.Real())

	a.mu.Lock()
	_, isFile := a.files[k]
	if isFile || a.isDir(k, t) {
		a.mu.Unlock()
		return &vfs.PathError{Op: "mkdir", Path: t.Virtual(), Err: vfs.ErrExist}
	}
	a.ensureParentDirs(k)
	a.dirs[k] = &memoryDir{modTime: time.Now()}
	a.mu.Unlock()

	a.notify(k, vfs.ChangeAddDir)
	return nil
}

// Unlink implements vfs.Adapter. Directories are removed with their
// contents.
func (a *Adapter) Unlink(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	k := key(t.Real())

	a.mu.Lock()
	if f, ok := a.files[k]; ok {
		a.size -= int64(len(f.content))
		delete(a.files, k)
		a.mu.Unlock()
		a.notify(k, vfs.ChangeUnlink)
		return nil
	}
	if _, ok := a.dirs[k]; !ok {
		a.mu.Unlock()
		return &vfs.PathError{Op: "unlink", Path: t.Virtual(), Err: vfs.ErrNotExist}
	}
	a.removeTree(k)
	a.mu.Unlock()

	a.notify(k, vfs.ChangeUnlinkDir)
	return nil
}

// Touch implements vfs.Adapter. It creates an empty file or updates the
// modification time of an existing entry.
func (a *Adapter) Touch(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	k := key(t.Real())
	now := time.Now()

	a.mu.Lock()
	if f, ok := a.files[k]; ok {
		f.modTime = now
		a.mu.Unlock()
		a.notify(k, vfs.ChangeChange)
		return nil
	}
	if d, ok := a.dirs[k]; ok {
		d.modTime = now
		a.mu.Unlock()
		return nil
	}
	a.ensureParentDirs(k)
	a.files[k] = &memoryFile{modTime: now}
	a.mu.Unlock()

	a.notify(k, vfs.ChangeAdd)
	return nil
}

// Search implements vfs.Adapter
func (a *Adapter) Search(ctx context.Context, t vfs.Target, pattern string, opts vfs.Options) ([]vfs.FileInfo, error) {
	return vfs.SearchTree(ctx, a, t, pattern, opts)
}

// ============================================================================
// Copy and Rename
// ============================================================================

// Copy implements vfs.Adapter for in-memory copying of files and trees.
func (a *Adapter) Copy(ctx context.Context, from, to vfs.Target, _ vfs.Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	src, dst := key(from.Real()), key(to.Real())

	a.mu.Lock()
	err := a.copyLocked(from, src, dst)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	a.notify(dst, vfs.ChangeAdd)
	return nil
}

// Rename implements vfs.Adapter
func (a *Adapter) Rename(ctx context.Context, from, to vfs.Target, _ vfs.Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	src, dst := key(from.Real()), key(to.Real())
	if src == "/" || src == dst {
		return &vfs.PathError{Op: "rename", Path: from.Virtual(), Err: vfs.ErrValidation}
	}

	a.mu.Lock()
	if err := a.copyLocked(from, src, dst); err != nil {
		a.mu.Unlock()
		return err
	}
	if f, ok := a.files[src]; ok {
		a.size -= int64(len(f.content))
		delete(a.files, src)
	} else {
		a.removeTree(src)
	}
	a.mu.Unlock()

	a.notify(src, vfs.ChangeUnlink)
	a.notify(dst, vfs.ChangeAdd)
	return nil
}

// copyLocked must be called with a.mu held.
func (a *Adapter) copyLocked(from vfs.Target, src, dst string) error {
	if dst == src || strings.HasPrefix(dst, src+"/") {
		return &vfs.PathError{Op: "copy", Path: from.Virtual(), Err: vfs.ErrValidation}
	}

	if f, ok := a.files[src]; ok {
		if _, isDir := a.dirs[dst]; isDir {
			return &vfs.PathError{Op: "copy", Path: from.Virtual(), Err: vfs.ErrIsDir}
		}
		if old, ok := a.files[dst]; ok {
			a.size -= int64(len(old.content))
		}
		a.ensureParentDirs(dst)
		a.files[dst] = &memoryFile{content: bytes.Clone(f.content), modTime: time.Now()}
		a.size += int64(len(f.content))
		return nil
	}

	if _, ok := a.dirs[src]; !ok {
		return &vfs.PathError{Op: "copy", Path: from.Virtual(), Err: vfs.ErrNotExist}
	}

	a.ensureParentDirs(dst)
	now := time.Now()
	prefix := src + "/"
	a.dirs[dst] = &memoryDir{modTime: now}
	for p := range a.dirs {
		if strings.HasPrefix(p, prefix) {
			a.dirs[dst+"/"+strings.TrimPrefix(p, prefix)] = &memoryDir{modTime: now}
		}
	}
	for p, f := range a.files {
		if strings.HasPrefix(p, prefix) {
			np := dst + "/" + strings.TrimPrefix(p, prefix)
			if old, ok := a.files[np]; ok {
				a.size -= int64(len(old.content))
			}
			a.files[np] = &memoryFile{content: bytes.Clone(f.content), modTime: now}
			a.size += int64(len(f.content))
		}
	}
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

// Clear removes all content. Useful for testing cleanup
func (a *Adapter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.files = make(map[string]*memoryFile)
	a.dirs = map[string]*memoryDir{"/": {modTime: time.Now()}}
	a.size = 0
}

// Size returns the current total size of all stored files
func (a *Adapter) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// FileCount returns the number of files stored
func (a *Adapter) FileCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.files)
}

// isDir reports whether k is a directory. The mount root always is.
// Must be called with lock held
func (a *Adapter) isDir(k string, t vfs.Target) bool {
	if _, ok := a.dirs[k]; ok {
		return true
	}
	return k == key(t.Root)
}

// ensureParentDirs creates all parent directories for a given path
// Must be called with lock held
func (a *Adapter) ensureParentDirs(p string) {
	dir := path.Dir(p)
	for dir != "/" && dir != "." {
		if _, exists := a.dirs[dir]; !exists {
			a.dirs[dir] = &memoryDir{modTime: time.Now()}
		}
		dir = path.Dir(dir)
	}
}

// removeTree deletes a directory and everything below it.
// Must be called with lock held
func (a *Adapter) removeTree(dir string) {
	prefix := dir + "/"
	for p, f := range a.files {
		if strings.HasPrefix(p, prefix) {
			a.size -= int64(len(f.content))
			delete(a.files, p)
		}
	}
	for p := range a.dirs {
		if p == dir || strings.HasPrefix(p, prefix) {
			delete(a.dirs, p)
		}
	}
}

// key normalizes a backing address
func key(p string) string {
	return path.Clean("/" + p)
}

func fileInfo(t vfs.Target, f *memoryFile) *vfs.FileInfo {
	return &vfs.FileInfo{
		Filename: t.Base(),
		Path:     t.Virtual(),
		Size:     int64(len(f.content)),
		Mtime:    f.modTime,
		IsFile:   true,
	}
}

func dirInfo(t vfs.Target, d *memoryDir) *vfs.FileInfo {
	info := &vfs.FileInfo{
		Filename:    t.Base(),
		Path:        t.Virtual(),
		IsDirectory: true,
	}
	if d != nil {
		info.Mtime = d.modTime
	}
	return info
}

// ============================================================================
// Watch
// ============================================================================

const watchBuffer = 64

type watcher struct {
	a      *Adapter
	match  glob.Glob
	root   string
	events chan vfs.ChangeEvent
	errs   chan error
	once   sync.Once
}

// Watch implements vfs.Adapter. Events are dropped when the consumer falls
// more than a buffer behind.
func (a *Adapter) Watch(ctx context.Context, root string) (vfs.Watcher, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	root = key(root)
	pattern := root + "/**"
	if root == "/" {
		pattern = "/**"
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, &vfs.PathError{Op: "watch", Path: root, Err: err}
	}

	w := &watcher{
		a:      a,
		match:  g,
		root:   root,
		events: make(chan vfs.ChangeEvent, watchBuffer),
		errs:   make(chan error),
	}

	a.watchMu.Lock()
	a.watches = append(a.watches, w)
	a.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		w.Close()
	}()

	return w, nil
}

func (w *watcher) Events() <-chan vfs.ChangeEvent { return w.events }
func (w *watcher) Errors() <-chan error           { return w.errs }

func (w *watcher) Close() error {
	w.once.Do(func() {
		w.a.removeWatch(w)
		close(w.events)
		close(w.errs)
	})
	return nil
}

// notify sends an event to every watcher covering p
func (a *Adapter) notify(p string, typ vfs.ChangeType) {
	a.watchMu.RLock()
	defer a.watchMu.RUnlock()

	for _, w := range a.watches {
		if p != w.root && !w.match.Match(p) {
			continue
		}
		select {
		case w.events <- vfs.ChangeEvent{Path: p, Type: typ}:
		default:
		}
	}
}

// removeWatch removes a watch entry
func (a *Adapter) removeWatch(w *watcher) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()

	for i, entry := range a.watches {
		if entry == w {
			// Remove by swapping with last element
			a.watches[i] = a.watches[len(a.watches)-1]
			a.watches = a.watches[:len(a.watches)-1]
			return
		}
	}
}

// Ensure Adapter implements interfaces
var _ vfs.Adapter = (*Adapter)(nil)
