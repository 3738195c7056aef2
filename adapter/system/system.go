package system

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gobeaver/vfs"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("vfs/system")

// Adapter serves mountpoints from the local filesystem. The backing root
// of each target is a directory path.
type Adapter struct{}

// New creates a new local filesystem adapter
func New() *Adapter {
	return &Adapter{}
}

// Capabilities implements vfs.Adapter
func (a *Adapter) Capabilities() vfs.Capability {
	return vfs.CapAll | vfs.CapWatch | vfs.CapRangedRead
}

// resolve returns the OS path of t, refusing anything outside its root.
func resolve(op string, t vfs.Target) (string, error) {
	if t.Root == "" {
		return "", &vfs.PathError{Op: op, Path: t.Virtual(), Err: vfs.ErrValidation}
	}
	root := filepath.Clean(filepath.FromSlash(t.Root))
	fullPath := filepath.Join(root, filepath.FromSlash(t.Rel))

	// Check if the path is under the root
	if !isPathUnderRoot(root, fullPath) {
		return "", &vfs.PathError{Op: op, Path: t.Virtual(), Err: vfs.ErrPermission}
	}
	return fullPath, nil
}

func isPathUnderRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// pathError maps OS errors onto the vfs storage errors.
func pathError(op string, t vfs.Target, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = vfs.ErrNotExist
	case errors.Is(err, fs.ErrExist):
		err = vfs.ErrExist
	case errors.Is(err, syscall.ENOTDIR):
		err = vfs.ErrNotDir
	case errors.Is(err, syscall.EISDIR):
		err = vfs.ErrIsDir
	}
	return &vfs.PathError{Op: op, Path: t.Virtual(), Err: err}
}

// Realpath implements vfs.Adapter
func (a *Adapter) Realpath(_ context.Context, t vfs.Target) (string, error) {
	return resolve("realpath", t)
}

// Exists implements vfs.Adapter
func (a *Adapter) Exists(ctx context.Context, t vfs.Target) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
		// Continue
	}

	fullPath, err := resolve("exists", t)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(fullPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, pathError("exists", t, err)
}

// Stat implements vfs.Adapter
func (a *Adapter) Stat(ctx context.Context, t vfs.Target) (*vfs.FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// Continue
	}

	fullPath, err := resolve("stat", t)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, pathError("stat", t, err)
	}
	return fileInfo(t, info), nil
}

// Readdir implements vfs.Adapter. A mount root that does not exist yet
// reads as empty.
func (a *Adapter) Readdir(ctx context.Context, t vfs.Target, _ vfs.Options) ([]vfs.FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// Continue
	}

	fullPath, err := resolve("readdir", t)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if os.IsNotExist(err) && t.Rel == "/" {
			return []vfs.FileInfo{}, nil
		}
		return nil, pathError("readdir", t, err)
	}

	result := make([]vfs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat
			continue
		}
		result = append(result, *fileInfo(t.Child(entry.Name()), info))
	}
	return result, nil
}

type rangeReader struct {
	io.Reader
	io.Closer
}

// Readfile implements vfs.Adapter
func (a *Adapter) Readfile(ctx context.Context, t vfs.Target, opts vfs.Options) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// Continue
	}

	fullPath, err := resolve("readfile", t)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, pathError("readfile", t, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, pathError("readfile", t, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, &vfs.PathError{Op: "readfile", Path: t.Virtual(), Err: vfs.ErrIsDir}
	}

	if r := opts.Range; r != nil {
		if _, err := f.Seek(r.Start, io.SeekStart); err != nil {
			f.Close()
			return nil, pathError("readfile", t, err)
		}
		if r.End >= 0 {
			return rangeReader{Reader: io.LimitReader(f, r.Length()), Closer: f}, nil
		}
	}
	return f, nil
}

// Writefile implements vfs.Adapter. Content is staged in a temporary file
// next to the target and renamed into place, so a failed upload leaves an
// existing file untouched.
func (a *Adapter) Writefile(ctx context.Context, t vfs.Target, r io.Reader, _ vfs.Options) (int64, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	default:
		// Continue
	}

	fullPath, err := resolve("writefile", t)
	if err != nil {
		return -1, err
	}

	if info, err := os.Stat(fullPath); err == nil && info.IsDir() {
		return -1, &vfs.PathError{Op: "writefile", Path: t.Virtual(), Err: vfs.ErrIsDir}
	}

	// Ensure the directory exists
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return -1, pathError("writefile", t, err)
	}

	tmp, err := os.CreateTemp(dir, ".vfs-upload-*")
	if err != nil {
		return -1, pathError("writefile", t, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return -1, pathError("writefile", t, err)
	}

	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return -1, pathError("writefile", t, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return -1, pathError("writefile", t, err)
	}
	return n, nil
}

// contextReader stops a copy once the request is gone.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Mkdir implements vfs.Adapter. The mount root is created on demand; the
// target itself must not exist.
func (a *Adapter) Mkdir(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Continue
	}

	fullPath, err := resolve("mkdir", t)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.FromSlash(t.Root), 0755); err != nil {
		return pathError("mkdir", t, err)
	}
	if err := os.Mkdir(fullPath, 0755); err != nil {
		return pathError("mkdir", t, err)
	}
	return nil
}

// Unlink implements vfs.Adapter. Directories are removed recursively; the
// mount root itself cannot be removed.
func (a *Adapter) Unlink(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Continue
	}

	if t.Rel == "/" {
		return &vfs.PathError{Op: "unlink", Path: t.Virtual(), Err: vfs.ErrValidation}
	}

	fullPath, err := resolve("unlink", t)
	if err != nil {
		return err
	}

	if _, err := os.Lstat(fullPath); err != nil {
		return pathError("unlink", t, err)
	}
	if err := os.RemoveAll(fullPath); err != nil {
		return pathError("unlink", t, err)
	}
	return nil
}

// Touch implements vfs.Adapter
func (a *Adapter) Touch(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Continue
	}

	fullPath, err := resolve("touch", t)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := os.Chtimes(fullPath, now, now); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return pathError("touch", t, err)
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return pathError("touch", t, err)
	}
	f, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return pathError("touch", t, err)
	}
	return f.Close()
}

// Search implements vfs.Adapter
func (a *Adapter) Search(ctx context.Context, t vfs.Target, pattern string, opts vfs.Options) ([]vfs.FileInfo, error) {
	return vfs.SearchTree(ctx, a, t, pattern, opts)
}

// ============================================================================
// Copy and Rename
// ============================================================================

// Copy implements vfs.Adapter for native copying of files and trees.
func (a *Adapter) Copy(ctx context.Context, from, to vfs.Target, _ vfs.Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	srcPath, err := resolve("copy", from)
	if err != nil {
		return err
	}
	dstPath, err := resolve("copy", to)
	if err != nil {
		return err
	}

	if srcPath == dstPath {
		return &vfs.PathError{Op: "copy", Path: to.Virtual(), Err: vfs.ErrExist}
	}

	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		return pathError("copy", from, err)
	}
	if !srcInfo.IsDir() {
		if err := copyFile(srcPath, dstPath, srcInfo.Mode()); err != nil {
			return pathError("copy", to, err)
		}
		return nil
	}

	if isPathUnderRoot(srcPath, dstPath) {
		return &vfs.PathError{Op: "copy", Path: to.Virtual(), Err: vfs.ErrValidation}
	}

	err = filepath.WalkDir(srcPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcPath, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dstPath, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(p, target, info.Mode())
	})
	if err != nil {
		return pathError("copy", to, err)
	}
	return nil
}

func copyFile(src, dst string, mode fs.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	// Create destination directory if needed
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}

// Rename implements vfs.Adapter for native moving/renaming.
func (a *Adapter) Rename(ctx context.Context, from, to vfs.Target, opts vfs.Options) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	srcPath, err := resolve("rename", from)
	if err != nil {
		return err
	}
	dstPath, err := resolve("rename", to)
	if err != nil {
		return err
	}
	if from.Rel == "/" {
		return &vfs.PathError{Op: "rename", Path: from.Virtual(), Err: vfs.ErrValidation}
	}

	// Check source exists
	if _, err := os.Stat(srcPath); err != nil {
		return pathError("rename", from, err)
	}

	// Create destination directory if needed
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return pathError("rename", to, err)
	}

	// Try rename first (works if same filesystem)
	if err := os.Rename(srcPath, dstPath); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return pathError("rename", from, err)
		}
		// cross-device: copy, then delete
		log.Debugw("rename across devices, copying", "from", srcPath, "to", dstPath)
		if err := a.Copy(ctx, from, to, opts); err != nil {
			return err
		}
		if err := os.RemoveAll(srcPath); err != nil {
			return pathError("rename", from, err)
		}
	}
	return nil
}

func fileInfo(t vfs.Target, info fs.FileInfo) *vfs.FileInfo {
	fi := &vfs.FileInfo{
		Filename:    t.Base(),
		Path:        t.Virtual(),
		Mtime:       info.ModTime(),
		IsDirectory: info.IsDir(),
		IsFile:      info.Mode().IsRegular(),
	}
	if !info.IsDir() {
		fi.Size = info.Size()
	}
	return fi
}

// Ensure Adapter implements interfaces
var _ vfs.Adapter = (*Adapter)(nil)
