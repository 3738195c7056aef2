package vfs_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobeaver/vfs"
	"github.com/gobeaver/vfs/adapter/memory"
)

var (
	alice = &vfs.User{ID: "1", Username: "alice", Groups: []string{"users"}}
	bob   = &vfs.User{ID: "2", Username: "bob", Groups: []string{"users", "admin"}}
)

func boolPtr(b bool) *bool { return &b }

// spyAdapter records every call that reaches it before delegating.
type spyAdapter struct {
	vfs.Adapter

	caps  vfs.Capability
	mu    sync.Mutex
	calls []string
}

func newSpy(inner vfs.Adapter) *spyAdapter {
	return &spyAdapter{Adapter: inner, caps: inner.Capabilities()}
}

func (s *spyAdapter) record(op string) {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	s.mu.Unlock()
}

func (s *spyAdapter) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *spyAdapter) Capabilities() vfs.Capability { return s.caps }

func (s *spyAdapter) Stat(ctx context.Context, t vfs.Target) (*vfs.FileInfo, error) {
	s.record("stat")
	return s.Adapter.Stat(ctx, t)
}

func (s *spyAdapter) Readfile(ctx context.Context, t vfs.Target, opts vfs.Options) (io.ReadCloser, error) {
	s.record("readfile")
	return s.Adapter.Readfile(ctx, t, opts)
}

func (s *spyAdapter) Writefile(ctx context.Context, t vfs.Target, r io.Reader, opts vfs.Options) (int64, error) {
	s.record("writefile")
	return s.Adapter.Writefile(ctx, t, r, opts)
}

func (s *spyAdapter) Mkdir(ctx context.Context, t vfs.Target, opts vfs.Options) error {
	s.record("mkdir")
	return s.Adapter.Mkdir(ctx, t, opts)
}

func (s *spyAdapter) Unlink(ctx context.Context, t vfs.Target, opts vfs.Options) error {
	s.record("unlink")
	return s.Adapter.Unlink(ctx, t, opts)
}

func (s *spyAdapter) Touch(ctx context.Context, t vfs.Target, opts vfs.Options) error {
	s.record("touch")
	return s.Adapter.Touch(ctx, t, opts)
}

func (s *spyAdapter) Search(ctx context.Context, t vfs.Target, pattern string, opts vfs.Options) ([]vfs.FileInfo, error) {
	s.record("search")
	return s.Adapter.Search(ctx, t, pattern, opts)
}

func (s *spyAdapter) Copy(ctx context.Context, from, to vfs.Target, opts vfs.Options) error {
	s.record("copy")
	return s.Adapter.Copy(ctx, from, to, opts)
}

func (s *spyAdapter) Rename(ctx context.Context, from, to vfs.Target, opts vfs.Options) error {
	s.record("rename")
	return s.Adapter.Rename(ctx, from, to, opts)
}

var errDiskFull = errors.New("disk full")

// failingWriter accepts a few bytes of every write and then fails.
type failingWriter struct {
	*memory.Adapter
}

func (f failingWriter) Writefile(_ context.Context, _ vfs.Target, r io.Reader, _ vfs.Options) (int64, error) {
	buf := make([]byte, 4)
	_, _ = io.ReadFull(r, buf)
	return -1, errDiskFull
}

type testEnv struct {
	svc *vfs.Service
	reg *vfs.Registry
	mem *memory.Adapter
}

// newEnv builds a service over a memory adapter registered as "memory"
// with {root}=/srv and {vfs}=/data.
func newEnv(t *testing.T, mounts ...vfs.MountConfig) *testEnv {
	t.Helper()
	mem := memory.New()
	return newEnvWith(t, map[string]vfs.Adapter{"memory": mem}, mem, mounts...)
}

func newEnvWith(t *testing.T, adapters map[string]vfs.Adapter, mem *memory.Adapter, mounts ...vfs.MountConfig) *testEnv {
	t.Helper()
	opts := []vfs.RegistryOption{vfs.WithVars(map[string]string{"root": "/srv", "vfs": "/data"})}
	for name, a := range adapters {
		opts = append(opts, vfs.WithAdapter(name, a))
	}
	reg := vfs.NewRegistry(opts...)
	for _, m := range mounts {
		_, err := reg.Mount(m)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	return &testEnv{svc: vfs.NewService(reg), reg: reg, mem: mem}
}

func homeMount(attrs vfs.Attributes) vfs.MountConfig {
	if attrs.Root == "" {
		attrs.Root = "{vfs}/{username}"
	}
	if attrs.Adapter == "" {
		attrs.Adapter = "memory"
	}
	return vfs.MountConfig{Name: "home", Attributes: attrs}
}

func (e *testEnv) write(t *testing.T, user *vfs.User, p, content string) {
	t.Helper()
	_, err := e.svc.Write(context.Background(), user, p, strings.NewReader(content))
	require.NoError(t, err)
}

func (e *testEnv) read(t *testing.T, user *vfs.User, p string) string {
	t.Helper()
	resp, err := e.svc.Call(context.Background(), vfs.OpReadfile, user, p)
	require.NoError(t, err)
	data, err := resp.ReadAll()
	require.NoError(t, err)
	return string(data)
}
