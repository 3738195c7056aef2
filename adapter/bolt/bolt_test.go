package bolt

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gobeaver/vfs"
)

var mount = &vfs.Mountpoint{Name: "db"}

func target(rel string) vfs.Target {
	return vfs.Target{Mount: mount, Rel: rel, Root: "/users/alice"}
}

func openTemp(t *testing.T) *Adapter {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "vfs.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func read(t *testing.T, a *Adapter, rel string, r *vfs.ByteRange) string {
	t.Helper()
	rc, err := a.Readfile(context.Background(), target(rel), vfs.Options{Range: r})
	if err != nil {
		t.Fatalf("Readfile(%s) error = %v", rel, err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return string(data)
}

func TestFiles(t *testing.T) {
	ctx := context.Background()
	a := openTemp(t)

	n, err := a.Writefile(ctx, target("/docs/a.txt"), strings.NewReader("0123456789"), vfs.Options{})
	if err != nil || n != 10 {
		t.Fatalf("Writefile() = %d, %v", n, err)
	}

	if got := read(t, a, "/docs/a.txt", nil); got != "0123456789" {
		t.Errorf("content = %q", got)
	}
	if got := read(t, a, "/docs/a.txt", &vfs.ByteRange{Start: 3, End: 5}); got != "345" {
		t.Errorf("ranged content = %q", got)
	}

	info, err := a.Stat(ctx, target("/docs/a.txt"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size != 10 || !info.IsFile || info.Filename != "a.txt" || info.Path != "db:/docs/a.txt" {
		t.Errorf("info = %+v", info)
	}

	dir, err := a.Stat(ctx, target("/docs"))
	if err != nil || !dir.IsDirectory {
		t.Errorf("parent = %+v, %v", dir, err)
	}

	root, err := a.Stat(ctx, target("/"))
	if err != nil || !root.IsDirectory {
		t.Errorf("root = %+v, %v", root, err)
	}

	if _, err := a.Readfile(ctx, target("/docs"), vfs.Options{}); !errors.Is(err, vfs.ErrIsDir) {
		t.Errorf("Readfile(dir) error = %v", err)
	}
	if _, err := a.Stat(ctx, target("/nope")); !vfs.IsNotExist(err) {
		t.Errorf("Stat(missing) error = %v", err)
	}
	if _, err := a.Writefile(ctx, target("/docs/a.txt/b"), strings.NewReader("x"), vfs.Options{}); !errors.Is(err, vfs.ErrNotDir) {
		t.Errorf("Writefile(below file) error = %v", err)
	}
}

func TestReaddir(t *testing.T) {
	ctx := context.Background()
	a := openTemp(t)

	for _, p := range []string{"/b.txt", "/a/x.txt", "/a/y/z.txt"} {
		if _, err := a.Writefile(ctx, target(p), strings.NewReader(p), vfs.Options{}); err != nil {
			t.Fatal(err)
		}
	}
	// another user's tree must not leak into the listing
	other := vfs.Target{Mount: mount, Rel: "/c.txt", Root: "/users/alice2"}
	if _, err := a.Writefile(ctx, other, strings.NewReader("c"), vfs.Options{}); err != nil {
		t.Fatal(err)
	}

	entries, err := a.Readdir(ctx, target("/"), vfs.Options{})
	if err != nil {
		t.Fatalf("Readdir() error = %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Filename)
	}
	if strings.Join(names, ",") != "a,b.txt" {
		t.Errorf("names = %v", names)
	}

	if _, err := a.Readdir(ctx, target("/b.txt"), vfs.Options{}); !errors.Is(err, vfs.ErrNotDir) {
		t.Errorf("Readdir(file) error = %v", err)
	}
}

func TestMutations(t *testing.T) {
	ctx := context.Background()
	a := openTemp(t)

	if err := a.Mkdir(ctx, target("/d"), vfs.Options{}); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if err := a.Mkdir(ctx, target("/d"), vfs.Options{}); !vfs.IsExist(err) {
		t.Errorf("Mkdir(existing) error = %v", err)
	}
	if err := a.Touch(ctx, target("/d/t.txt"), vfs.Options{}); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if got := read(t, a, "/d/t.txt", nil); got != "" {
		t.Errorf("touched content = %q", got)
	}
	_, _ = a.Writefile(ctx, target("/d/sub/f.txt"), strings.NewReader("f"), vfs.Options{})

	if err := a.Copy(ctx, target("/d"), target("/e"), vfs.Options{}); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	if got := read(t, a, "/e/sub/f.txt", nil); got != "f" {
		t.Errorf("copied content = %q", got)
	}
	if err := a.Copy(ctx, target("/d"), target("/d/inside"), vfs.Options{}); !errors.Is(err, vfs.ErrValidation) {
		t.Errorf("Copy(into itself) error = %v", err)
	}

	if err := a.Rename(ctx, target("/e"), target("/moved"), vfs.Options{}); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	if ok, _ := a.Exists(ctx, target("/e/sub/f.txt")); ok {
		t.Error("rename left the source behind")
	}
	if got := read(t, a, "/moved/sub/f.txt", nil); got != "f" {
		t.Errorf("renamed content = %q", got)
	}

	if err := a.Unlink(ctx, target("/d"), vfs.Options{}); err != nil {
		t.Fatalf("Unlink() error = %v", err)
	}
	if ok, _ := a.Exists(ctx, target("/d/sub/f.txt")); ok {
		t.Error("unlink left children behind")
	}
	if err := a.Unlink(ctx, target("/"), vfs.Options{}); !errors.Is(err, vfs.ErrValidation) {
		t.Errorf("Unlink(root) error = %v", err)
	}
	if err := a.Unlink(ctx, target("/d"), vfs.Options{}); !vfs.IsNotExist(err) {
		t.Errorf("Unlink(missing) error = %v", err)
	}

	found, err := a.Search(ctx, target("/"), "f.txt", vfs.Options{})
	if err != nil || len(found) != 1 || found[0].Path != "db:/moved/sub/f.txt" {
		t.Errorf("Search() = %v, %v", found, err)
	}
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	p := filepath.Join(t.TempDir(), "vfs.db")

	a, err := Open(p)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = a.Writefile(ctx, target("/keep.txt"), strings.NewReader("persisted"), vfs.Options{})
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if got := read(t, b, "/keep.txt", nil); got != "persisted" {
		t.Errorf("content after reopen = %q", got)
	}
}

func TestFactory(t *testing.T) {
	if _, err := vfs.CreateAdapter("bolt", &vfs.Config{}); err == nil {
		t.Error("expected error without a path")
	}

	a, err := vfs.CreateAdapter("bolt", &vfs.Config{BoltPath: filepath.Join(t.TempDir(), "f.db")})
	if err != nil {
		t.Fatalf("CreateAdapter() error = %v", err)
	}
	if c, ok := a.(io.Closer); ok {
		c.Close()
	}
}
