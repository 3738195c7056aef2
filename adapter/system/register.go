package system

import "github.com/gobeaver/vfs"

func init() {
	vfs.RegisterAdapterFactory(vfs.DefaultAdapter, func(*vfs.Config) (vfs.Adapter, error) {
		return New(), nil
	})
}
