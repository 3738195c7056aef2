package sftp

import (
	"errors"
	"fmt"
	"os"

	"github.com/gobeaver/vfs"
)

func init() {
	vfs.RegisterAdapterFactory("sftp", func(cfg *vfs.Config) (vfs.Adapter, error) {
		return FromConfig(cfg)
	})
}

// FromConfig connects using the VFS_SFTP_* settings. SFTPPrivateKey is
// the path of a PEM key file.
func FromConfig(cfg *vfs.Config) (*Adapter, error) {
	if cfg.SFTPHost == "" {
		return nil, errors.New("host is required for sftp adapter")
	}

	c := Config{
		Host:     cfg.SFTPHost,
		Port:     cfg.SFTPPort,
		Username: cfg.SFTPUsername,
		Password: cfg.SFTPPassword,
	}
	if cfg.SFTPPrivateKey != "" {
		key, err := os.ReadFile(cfg.SFTPPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		c.PrivateKey = key
	}
	return New(c)
}
