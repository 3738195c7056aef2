package bolt

import (
	"errors"

	"github.com/gobeaver/vfs"
)

func init() {
	vfs.RegisterAdapterFactory("bolt", func(cfg *vfs.Config) (vfs.Adapter, error) {
		if cfg.BoltPath == "" {
			return nil, errors.New("bolt path is required for bolt adapter")
		}
		return Open(cfg.BoltPath)
	})
}
