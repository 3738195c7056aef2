package memory

import "github.com/gobeaver/vfs"

func init() {
	vfs.RegisterAdapterFactory("memory", func(*vfs.Config) (vfs.Adapter, error) {
		return New(), nil
	})
}
