package vfs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobeaver/vfs"
	"github.com/gobeaver/vfs/adapter/memory"
)

func mountOn(name, adapter, root string) vfs.MountConfig {
	return vfs.MountConfig{Name: name, Attributes: vfs.Attributes{Root: root, Adapter: adapter}}
}

func TestCopyAcrossAdapters(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	env := newEnvWith(t, map[string]vfs.Adapter{"memory": mem, "scratch": memory.New()}, mem,
		homeMount(vfs.Attributes{}),
		mountOn("tmp", "scratch", "/tmp"),
	)

	env.write(t, alice, "home:/docs/a.txt", "alpha")
	env.write(t, alice, "home:/docs/sub/b.txt", "beta")

	resp, err := env.svc.Call(ctx, vfs.OpCopy, alice, "home:/docs", "tmp:/docs")
	require.NoError(t, err)
	require.Equal(t, true, resp.Value)

	require.Equal(t, "alpha", env.read(t, alice, "tmp:/docs/a.txt"))
	require.Equal(t, "beta", env.read(t, alice, "tmp:/docs/sub/b.txt"))
	require.Equal(t, "alpha", env.read(t, alice, "home:/docs/a.txt"))
}

func TestRenameAcrossAdapters(t *testing.T) {
	ctx := context.Background()

	t.Run("source removed after copy", func(t *testing.T) {
		mem := memory.New()
		env := newEnvWith(t, map[string]vfs.Adapter{"memory": mem, "scratch": memory.New()}, mem,
			homeMount(vfs.Attributes{}),
			mountOn("tmp", "scratch", "/tmp"),
		)
		env.write(t, alice, "home:/a.txt", "hello world")

		_, err := env.svc.Call(ctx, vfs.OpRename, alice, "home:/a.txt", "tmp:/a.txt")
		require.NoError(t, err)
		require.Equal(t, "hello world", env.read(t, alice, "tmp:/a.txt"))

		resp, err := env.svc.Call(ctx, vfs.OpExists, alice, "home:/a.txt")
		require.NoError(t, err)
		require.Equal(t, false, resp.Value)
	})

	t.Run("failed write keeps source", func(t *testing.T) {
		mem := memory.New()
		env := newEnvWith(t, map[string]vfs.Adapter{"memory": mem, "broken": failingWriter{memory.New()}}, mem,
			homeMount(vfs.Attributes{}),
			mountOn("broken", "broken", "/broken"),
		)
		env.write(t, alice, "home:/a.txt", "hello world")

		_, err := env.svc.Call(ctx, vfs.OpRename, alice, "home:/a.txt", "broken:/a.txt")
		require.Error(t, err)
		require.ErrorIs(t, err, vfs.ErrTransfer)
		require.ErrorIs(t, err, errDiskFull)

		var terr *vfs.TransferError
		require.True(t, errors.As(err, &terr))
		require.Equal(t, "home:/a.txt", terr.From)
		require.Equal(t, "broken:/a.txt", terr.To)
		require.True(t, terr.Partial)

		require.Equal(t, "hello world", env.read(t, alice, "home:/a.txt"))
	})

	t.Run("destination read-only", func(t *testing.T) {
		env := newEnv(t,
			homeMount(vfs.Attributes{}),
			vfs.MountConfig{Name: "ro", Attributes: vfs.Attributes{Root: "/ro", Adapter: "memory", ReadOnly: true}},
		)
		env.write(t, alice, "home:/a.txt", "x")

		_, err := env.svc.Call(ctx, vfs.OpRename, alice, "home:/a.txt", "ro:/a.txt")
		require.ErrorIs(t, err, vfs.ErrReadOnly)
		require.Equal(t, "x", env.read(t, alice, "home:/a.txt"))
	})

	t.Run("source read-only", func(t *testing.T) {
		env := newEnv(t,
			homeMount(vfs.Attributes{}),
			mountOn("rw", "memory", "/shared"),
			vfs.MountConfig{Name: "ro", Attributes: vfs.Attributes{Root: "/shared", Adapter: "memory", ReadOnly: true}},
		)
		env.write(t, alice, "rw:/a.txt", "x")

		// copying out of a read-only mount is fine, moving out is not
		_, err := env.svc.Call(ctx, vfs.OpCopy, alice, "ro:/a.txt", "home:/a.txt")
		require.NoError(t, err)
		_, err = env.svc.Call(ctx, vfs.OpRename, alice, "ro:/a.txt", "home:/b.txt")
		require.ErrorIs(t, err, vfs.ErrPermission)
	})
}

func TestRenameSameAdapterUsesNativeRename(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	spy := newSpy(mem)
	env := newEnvWith(t, map[string]vfs.Adapter{"memory": spy}, mem,
		mountOn("a", "memory", "/a"),
		mountOn("b", "memory", "/b"),
	)
	env.write(t, alice, "a:/file.txt", "content")
	before := len(spy.Calls())

	_, err := env.svc.Call(ctx, vfs.OpRename, alice, "a:/file.txt", "b:/file.txt")
	require.NoError(t, err)
	require.Equal(t, []string{"rename"}, spy.Calls()[before:])
	require.Equal(t, "content", env.read(t, alice, "b:/file.txt"))
}

func TestTransferRejectsOtherOps(t *testing.T) {
	env := newEnv(t, homeMount(vfs.Attributes{}))
	src, err := env.reg.Resolve("home:/a", alice)
	require.NoError(t, err)

	err = env.svc.Transfer(context.Background(), vfs.OpUnlink, src, src, vfs.Options{})
	require.ErrorIs(t, err, vfs.ErrValidation)
}
