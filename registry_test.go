package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gobeaver/vfs"
	"github.com/gobeaver/vfs/adapter/memory"
)

func TestRegistryMount(t *testing.T) {
	reg := vfs.NewRegistry(vfs.WithAdapter("memory", memory.New()))
	t.Cleanup(func() { _ = reg.Close() })

	mp, err := reg.Mount(mountOn("b", "memory", "/b"))
	require.NoError(t, err)
	require.NotEmpty(t, mp.ID)
	require.Equal(t, "b", mp.Label)

	_, err = reg.Mount(vfs.MountConfig{Name: "a", Label: "Alpha", Attributes: vfs.Attributes{Root: "/a", Adapter: "memory"}})
	require.NoError(t, err)

	t.Run("duplicate name", func(t *testing.T) {
		_, err := reg.Mount(mountOn("b", "memory", "/other"))
		require.ErrorIs(t, err, vfs.ErrMountExist)
	})

	t.Run("invalid name", func(t *testing.T) {
		for _, name := range []string{"", "a:b", "a/b", `a\b`} {
			_, err := reg.Mount(mountOn(name, "memory", "/x"))
			require.ErrorIs(t, err, vfs.ErrValidation, name)
		}
	})

	t.Run("unknown adapter", func(t *testing.T) {
		_, err := reg.Mount(mountOn("c", "nope", "/c"))
		require.ErrorIs(t, err, vfs.ErrValidation)
	})

	t.Run("unknown capability group", func(t *testing.T) {
		_, err := reg.Mount(vfs.MountConfig{Name: "d", Attributes: vfs.Attributes{
			Root: "/d", Adapter: "memory", CapabilityGroups: map[string][]string{"fly": {"admin"}},
		}})
		require.ErrorIs(t, err, vfs.ErrValidation)
	})

	t.Run("lookup", func(t *testing.T) {
		found, err := reg.LookupID(mp.ID)
		require.NoError(t, err)
		require.Same(t, mp, found)

		_, err = reg.LookupID("missing")
		require.True(t, vfs.IsNotExist(err))

		_, err = reg.Lookup("missing")
		require.Equal(t, 404, vfs.StatusCode(err))
	})

	t.Run("sorted", func(t *testing.T) {
		var names []string
		for _, m := range reg.Mountpoints() {
			names = append(names, m.Name)
		}
		require.Equal(t, []string{"a", "b"}, names)
	})
}

func TestRegisterAdapter(t *testing.T) {
	reg := vfs.NewRegistry()
	require.ErrorIs(t, reg.RegisterAdapter("x", nil), vfs.ErrNilAdapter)

	mem := memory.New()
	require.NoError(t, reg.RegisterAdapter("x", mem))
	a, ok := reg.Adapter("x")
	require.True(t, ok)
	require.Same(t, mem, a)
}

func TestResolve(t *testing.T) {
	env := newEnv(t,
		homeMount(vfs.Attributes{}),
		vfs.MountConfig{Name: "shared", Attributes: vfs.Attributes{Root: "{root}/shared/{team}", Adapter: "memory"}},
	)

	target, err := env.reg.Resolve("home:/a/../b.txt", alice)
	require.Error(t, err)
	require.ErrorIs(t, err, vfs.ErrValidation)
	require.Empty(t, target.Rel)

	target, err = env.reg.Resolve(`home:\docs\a.txt`, alice)
	require.NoError(t, err)
	require.Equal(t, "/docs/a.txt", target.Rel)
	require.Equal(t, "/data/alice", target.Root)
	require.Equal(t, "/data/alice/docs/a.txt", target.Real())

	_, err = env.reg.Resolve("shared:/x", alice)
	require.ErrorIs(t, err, vfs.ErrValidation)

	carol := &vfs.User{ID: "3", Username: "carol", Attrs: map[string]string{"team": "ops"}}
	target, err = env.reg.Resolve("shared:/x", carol)
	require.NoError(t, err)
	require.Equal(t, "/srv/shared/ops/x", target.Real())
}
