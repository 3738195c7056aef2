package system

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/vfs"
)

var mount = &vfs.Mountpoint{Name: "home"}

func newTarget(root, rel string) vfs.Target {
	return vfs.Target{Mount: mount, Rel: rel, Root: root}
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "alice")
	a := New()

	n, err := a.Writefile(ctx, newTarget(root, "/docs/a.txt"), strings.NewReader("0123456789"), vfs.Options{})
	if err != nil {
		t.Fatalf("Writefile() error = %v", err)
	}
	if n != 10 {
		t.Errorf("wrote %d bytes, want 10", n)
	}

	data, err := os.ReadFile(filepath.Join(root, "docs", "a.txt"))
	if err != nil || string(data) != "0123456789" {
		t.Fatalf("file on disk = %q, %v", data, err)
	}

	tests := []struct {
		name string
		r    *vfs.ByteRange
		want string
	}{
		{"full", nil, "0123456789"},
		{"closed range", &vfs.ByteRange{Start: 2, End: 5}, "2345"},
		{"open range", &vfs.ByteRange{Start: 8, End: -1}, "89"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := a.Readfile(ctx, newTarget(root, "/docs/a.txt"), vfs.Options{Range: tt.r})
			if err != nil {
				t.Fatalf("Readfile() error = %v", err)
			}
			defer rc.Close()
			got, _ := io.ReadAll(rc)
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := a.Readfile(ctx, newTarget(root, "/docs"), vfs.Options{}); !errors.Is(err, vfs.ErrIsDir) {
		t.Errorf("Readfile(dir) error = %v, want ErrIsDir", err)
	}
	if _, err := a.Readfile(ctx, newTarget(root, "/missing"), vfs.Options{}); !vfs.IsNotExist(err) {
		t.Errorf("Readfile(missing) error = %v", err)
	}
	if _, err := a.Writefile(ctx, newTarget(root, "/docs"), strings.NewReader("x"), vfs.Options{}); !errors.Is(err, vfs.ErrIsDir) {
		t.Errorf("Writefile(dir) error = %v, want ErrIsDir", err)
	}

	// no staging files left behind
	entries, _ := os.ReadDir(filepath.Join(root, "docs"))
	if len(entries) != 1 {
		t.Errorf("docs has %d entries, want 1", len(entries))
	}
}

func TestWritefileCanceled(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	a := New()

	_, _ = a.Writefile(ctx, newTarget(root, "/a.txt"), strings.NewReader("keep"), vfs.Options{})
	cancel()

	if _, err := a.Writefile(ctx, newTarget(root, "/a.txt"), strings.NewReader("lost"), vfs.Options{}); err == nil {
		t.Fatal("expected error from canceled context")
	}
	data, _ := os.ReadFile(filepath.Join(root, "a.txt"))
	if string(data) != "keep" {
		t.Errorf("existing file changed to %q", data)
	}
}

func TestResolveStaysUnderRoot(t *testing.T) {
	root := t.TempDir()
	a := New()

	if _, err := a.Realpath(context.Background(), newTarget(root, "/../../etc/passwd")); !errors.Is(err, vfs.ErrPermission) {
		t.Errorf("Realpath() error = %v, want ErrPermission", err)
	}
	if _, err := a.Realpath(context.Background(), newTarget("", "/x")); !errors.Is(err, vfs.ErrValidation) {
		t.Errorf("Realpath() without root error = %v", err)
	}

	p, err := a.Realpath(context.Background(), newTarget(root, "/a/b"))
	if err != nil || p != filepath.Join(root, "a", "b") {
		t.Errorf("Realpath() = %q, %v", p, err)
	}
}

func TestDirectories(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "bob")
	a := New()

	// a missing mount root lists as empty
	entries, err := a.Readdir(ctx, newTarget(root, "/"), vfs.Options{})
	if err != nil || len(entries) != 0 {
		t.Fatalf("Readdir(missing root) = %v, %v", entries, err)
	}
	if _, err := a.Readdir(ctx, newTarget(root, "/nope"), vfs.Options{}); !vfs.IsNotExist(err) {
		t.Errorf("Readdir(missing) error = %v", err)
	}

	if err := a.Mkdir(ctx, newTarget(root, "/d"), vfs.Options{}); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if err := a.Mkdir(ctx, newTarget(root, "/d"), vfs.Options{}); !vfs.IsExist(err) {
		t.Errorf("Mkdir(existing) error = %v", err)
	}
	if err := a.Touch(ctx, newTarget(root, "/d/f.txt"), vfs.Options{}); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}

	entries, err = a.Readdir(ctx, newTarget(root, "/d"), vfs.Options{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("Readdir() = %v, %v", entries, err)
	}
	if entries[0].Path != "home:/d/f.txt" || !entries[0].IsFile {
		t.Errorf("entry = %+v", entries[0])
	}

	info, err := a.Stat(ctx, newTarget(root, "/d"))
	if err != nil || !info.IsDirectory || info.Size != 0 {
		t.Errorf("Stat(dir) = %+v, %v", info, err)
	}

	if err := a.Unlink(ctx, newTarget(root, "/"), vfs.Options{}); !errors.Is(err, vfs.ErrValidation) {
		t.Errorf("Unlink(root) error = %v", err)
	}
	if err := a.Unlink(ctx, newTarget(root, "/d"), vfs.Options{}); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	if ok, _ := a.Exists(ctx, newTarget(root, "/d")); ok {
		t.Error("directory still exists")
	}
	if err := a.Unlink(ctx, newTarget(root, "/d"), vfs.Options{}); !vfs.IsNotExist(err) {
		t.Errorf("Unlink(missing) error = %v", err)
	}
}

func TestCopyRename(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := New()

	_, _ = a.Writefile(ctx, newTarget(root, "/src/a.txt"), strings.NewReader("a"), vfs.Options{})
	_, _ = a.Writefile(ctx, newTarget(root, "/src/sub/b.txt"), strings.NewReader("b"), vfs.Options{})

	if err := a.Copy(ctx, newTarget(root, "/src"), newTarget(root, "/copy"), vfs.Options{}); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(root, "copy", "sub", "b.txt")); string(data) != "b" {
		t.Errorf("copied file = %q", data)
	}
	if err := a.Copy(ctx, newTarget(root, "/src"), newTarget(root, "/src/inner"), vfs.Options{}); !errors.Is(err, vfs.ErrValidation) {
		t.Errorf("Copy(into itself) error = %v", err)
	}
	if err := a.Copy(ctx, newTarget(root, "/src/a.txt"), newTarget(root, "/src/a.txt"), vfs.Options{}); !vfs.IsExist(err) {
		t.Errorf("Copy(onto itself) error = %v", err)
	}

	if err := a.Rename(ctx, newTarget(root, "/copy"), newTarget(root, "/moved/here"), vfs.Options{}); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "copy")); !os.IsNotExist(err) {
		t.Errorf("source still present: %v", err)
	}
	if data, _ := os.ReadFile(filepath.Join(root, "moved", "here", "a.txt")); string(data) != "a" {
		t.Errorf("renamed file = %q", data)
	}
	if err := a.Rename(ctx, newTarget(root, "/"), newTarget(root, "/x"), vfs.Options{}); !errors.Is(err, vfs.ErrValidation) {
		t.Errorf("Rename(root) error = %v", err)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := New()
	for _, p := range []string{"/notes.md", "/a/Notes-2.txt", "/a/b/c/deep-notes.txt", "/other.txt"} {
		_, _ = a.Writefile(ctx, newTarget(root, p), strings.NewReader("x"), vfs.Options{})
	}

	found, err := a.Search(ctx, newTarget(root, "/"), "notes", vfs.Options{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(found) != 3 {
		t.Errorf("found %d, want 3: %v", len(found), found)
	}

	found, err = a.Search(ctx, newTarget(root, "/"), "notes", vfs.Options{Limits: vfs.SearchLimits{MaxDepth: 2}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(found) != 2 {
		t.Errorf("depth-limited search found %d, want 2: %v", len(found), found)
	}
}

func nextEvent(t *testing.T, w vfs.Watcher) vfs.ChangeEvent {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change event")
	}
	return vfs.ChangeEvent{}
}

func TestWatch(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	w, err := New().Watch(ctx, root)
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer w.Close()

	dir := filepath.Join(root, "alice")
	if err := os.Mkdir(dir, 0755); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, w)
	if ev.Type != vfs.ChangeAddDir || ev.Path != filepath.ToSlash(dir) {
		t.Fatalf("event = %+v, want addDir %s", ev, dir)
	}

	// new directories are watched as they appear
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	ev = nextEvent(t, w)
	if ev.Type != vfs.ChangeAdd || ev.Path != filepath.ToSlash(file) {
		t.Fatalf("event = %+v, want add %s", ev, file)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatal(err)
	}
	sawDir := false
	for !sawDir {
		ev = nextEvent(t, w)
		sawDir = ev.Type == vfs.ChangeUnlinkDir && ev.Path == filepath.ToSlash(dir)
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, ok := <-w.Events(); ok {
		t.Error("events channel still open after Close")
	}
}
