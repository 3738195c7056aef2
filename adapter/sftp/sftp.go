package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/vfs"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

var log = logging.Logger("vfs/sftp")

// Adapter serves mounts from a remote host over SFTP. Backing addresses
// are remote paths below BasePath.
type Adapter struct {
	vfs.Unsupported

	mu       sync.Mutex
	client   *sftp.Client
	sshConn  *ssh.Client
	basePath string
	config   Config
}

// Config holds SFTP connection configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key
	BasePath   string
	// HostKeyCallback verifies the server key. Host keys are not checked
	// when nil.
	HostKeyCallback ssh.HostKeyCallback
}

// AdapterOption is a function that configures SFTP Adapter
type AdapterOption func(*Adapter)

// WithBasePath sets the base path for SFTP operations
func WithBasePath(basePath string) AdapterOption {
	return func(a *Adapter) {
		a.basePath = basePath
	}
}

// New connects to the configured host and returns the adapter.
func New(cfg Config, options ...AdapterOption) (*Adapter, error) {
	adapter := &Adapter{
		config:   cfg,
		basePath: cfg.BasePath,
	}

	for _, option := range options {
		option(adapter)
	}

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if err := adapter.connect(); err != nil {
		return nil, err
	}
	return adapter, nil
}

// NewWithClient wraps an established SFTP session. The adapter does not
// reconnect it.
func NewWithClient(client *sftp.Client, options ...AdapterOption) *Adapter {
	adapter := &Adapter{client: client}
	for _, option := range options {
		option(adapter)
	}
	return adapter
}

// connect must be called with a.mu held.
func (a *Adapter) connect() error {
	hostKey := a.config.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	sshConfig := &ssh.ClientConfig{
		User:            a.config.Username,
		HostKeyCallback: hostKey,
		Timeout:         30 * time.Second,
	}

	if len(a.config.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(a.config.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}

	if a.config.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(a.config.Password))
	}

	if len(sshConfig.Auth) == 0 {
		return errors.New("no authentication method provided")
	}

	port := a.config.Port
	if port == 0 {
		port = 22
	}

	addr := fmt.Sprintf("%s:%d", a.config.Host, port)
	sshConn, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to SSH: %w", err)
	}

	sftpClient, err := sftp.NewClient(sshConn)
	if err != nil {
		sshConn.Close()
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}

	a.sshConn = sshConn
	a.client = sftpClient
	log.Infow("Connected", "addr", addr, "user", a.config.Username)
	return nil
}

// Close closes the SFTP and SSH connections
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			errs = append(errs, err)
		}
		a.client = nil
	}
	if a.sshConn != nil {
		if err := a.sshConn.Close(); err != nil {
			errs = append(errs, err)
		}
		a.sshConn = nil
	}
	return errors.Join(errs...)
}

// conn returns a live client, reconnecting when the session dropped.
func (a *Adapter) conn() (*sftp.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		if _, err := a.client.Getwd(); err == nil || a.sshConn == nil {
			return a.client, nil
		}
		log.Warnw("connection lost, reconnecting", "host", a.config.Host)
		a.client.Close()
		a.sshConn.Close()
		a.client, a.sshConn = nil, nil
	}
	if a.config.Host == "" {
		return nil, errors.New("sftp session closed")
	}
	if err := a.connect(); err != nil {
		return nil, err
	}
	return a.client, nil
}

// remote returns the remote path of a target and checks it stays below
// the base path.
func (a *Adapter) remote(op string, t vfs.Target) (*sftp.Client, string, error) {
	full := path.Clean("/" + t.Real())
	if a.basePath != "" {
		full = path.Join(a.basePath, full)
		base := path.Clean(a.basePath)
		if full != base && !strings.HasPrefix(full, strings.TrimSuffix(base, "/")+"/") {
			return nil, "", &vfs.PathError{Op: op, Path: t.Virtual(), Err: vfs.ErrPermission}
		}
	}

	c, err := a.conn()
	if err != nil {
		return nil, "", &vfs.PathError{Op: op, Path: t.Virtual(), Err: err}
	}
	return c, full, nil
}

// Capabilities implements vfs.Adapter
func (a *Adapter) Capabilities() vfs.Capability {
	return vfs.CapAll | vfs.CapRangedRead
}

// Realpath implements vfs.Adapter
func (a *Adapter) Realpath(_ context.Context, t vfs.Target) (string, error) {
	full := path.Clean("/" + t.Real())
	if a.basePath != "" {
		full = path.Join(a.basePath, full)
	}
	if a.config.Host == "" {
		return full, nil
	}
	return "sftp://" + a.config.Host + full, nil
}

// Exists implements vfs.Adapter
func (a *Adapter) Exists(ctx context.Context, t vfs.Target) (bool, error) {
	if _, err := a.Stat(ctx, t); err != nil {
		if vfs.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat implements vfs.Adapter
func (a *Adapter) Stat(ctx context.Context, t vfs.Target) (*vfs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, full, err := a.remote("stat", t)
	if err != nil {
		return nil, err
	}
	info, err := c.Stat(full)
	if err != nil {
		return nil, mapSFTPError("stat", t, err)
	}
	return fileInfo(t, info), nil
}

// Readdir implements vfs.Adapter
func (a *Adapter) Readdir(ctx context.Context, t vfs.Target, _ vfs.Options) ([]vfs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, full, err := a.remote("readdir", t)
	if err != nil {
		return nil, err
	}
	entries, err := c.ReadDir(full)
	if err != nil {
		if info, serr := c.Stat(full); serr == nil && !info.IsDir() {
			return nil, &vfs.PathError{Op: "readdir", Path: t.Virtual(), Err: vfs.ErrNotDir}
		}
		return nil, mapSFTPError("readdir", t, err)
	}

	result := make([]vfs.FileInfo, 0, len(entries))
	for _, entry := range entries {
		result = append(result, *fileInfo(t.Child(entry.Name()), entry))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Filename < result[j].Filename
	})
	return result, nil
}

type limitedFile struct {
	io.Reader
	io.Closer
}

// Readfile implements vfs.Adapter. Ranges seek the remote file.
func (a *Adapter) Readfile(ctx context.Context, t vfs.Target, opts vfs.Options) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, full, err := a.remote("readfile", t)
	if err != nil {
		return nil, err
	}
	f, err := c.Open(full)
	if err != nil {
		return nil, mapSFTPError("readfile", t, err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, &vfs.PathError{Op: "readfile", Path: t.Virtual(), Err: vfs.ErrIsDir}
	}

	r := opts.Range
	if r == nil {
		return f, nil
	}
	if _, err := f.Seek(r.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, mapSFTPError("readfile", t, err)
	}
	if r.End < 0 {
		return f, nil
	}
	return limitedFile{Reader: io.LimitReader(f, r.Length()), Closer: f}, nil
}

// Writefile implements vfs.Adapter. Missing parent directories are
// created.
func (a *Adapter) Writefile(ctx context.Context, t vfs.Target, content io.Reader, _ vfs.Options) (int64, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	c, full, err := a.remote("writefile", t)
	if err != nil {
		return -1, err
	}
	if info, err := c.Stat(full); err == nil && info.IsDir() {
		return -1, &vfs.PathError{Op: "writefile", Path: t.Virtual(), Err: vfs.ErrIsDir}
	}
	if err := c.MkdirAll(path.Dir(full)); err != nil {
		return -1, mapSFTPError("writefile", t, err)
	}

	f, err := c.Create(full)
	if err != nil {
		return -1, mapSFTPError("writefile", t, err)
	}
	n, err := io.Copy(f, content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return -1, mapSFTPError("writefile", t, err)
	}
	return n, nil
}

// Mkdir implements vfs.Adapter
func (a *Adapter) Mkdir(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, full, err := a.remote("mkdir", t)
	if err != nil {
		return err
	}
	if _, err := c.Stat(full); err == nil {
		return &vfs.PathError{Op: "mkdir", Path: t.Virtual(), Err: vfs.ErrExist}
	}
	if err := c.MkdirAll(path.Dir(full)); err != nil {
		return mapSFTPError("mkdir", t, err)
	}
	if err := c.Mkdir(full); err != nil {
		return mapSFTPError("mkdir", t, err)
	}
	return nil
}

// Unlink implements vfs.Adapter. Directories are removed with their
// contents; the mount root cannot be removed.
func (a *Adapter) Unlink(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Rel == "/" {
		return &vfs.PathError{Op: "unlink", Path: t.Virtual(), Err: vfs.ErrPermission}
	}

	c, full, err := a.remote("unlink", t)
	if err != nil {
		return err
	}
	info, err := c.Stat(full)
	if err != nil {
		return mapSFTPError("unlink", t, err)
	}
	if info.IsDir() {
		err = removeAll(c, full)
	} else {
		err = c.Remove(full)
	}
	if err != nil {
		return mapSFTPError("unlink", t, err)
	}
	return nil
}

// removeAll recursively removes a directory and its contents
func removeAll(c *sftp.Client, dir string) error {
	entries, err := c.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		p := path.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := removeAll(c, p); err != nil {
				return err
			}
		} else if err := c.Remove(p); err != nil {
			return err
		}
	}

	return c.RemoveDirectory(dir)
}

// Touch implements vfs.Adapter
func (a *Adapter) Touch(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, full, err := a.remote("touch", t)
	if err != nil {
		return err
	}
	if _, err := c.Stat(full); err == nil {
		now := time.Now()
		if err := c.Chtimes(full, now, now); err != nil {
			return mapSFTPError("touch", t, err)
		}
		return nil
	}

	if err := c.MkdirAll(path.Dir(full)); err != nil {
		return mapSFTPError("touch", t, err)
	}
	f, err := c.Create(full)
	if err != nil {
		return mapSFTPError("touch", t, err)
	}
	return f.Close()
}

// Search implements vfs.Adapter
func (a *Adapter) Search(ctx context.Context, t vfs.Target, pattern string, opts vfs.Options) ([]vfs.FileInfo, error) {
	return vfs.SearchTree(ctx, a, t, pattern, opts)
}

// Copy implements vfs.Adapter. SFTP has no copy request, so content is
// streamed through this process.
func (a *Adapter) Copy(ctx context.Context, from, to vfs.Target, _ vfs.Options) error {
	c, src, err := a.remote("copy", from)
	if err != nil {
		return err
	}
	_, dst, err := a.remote("copy", to)
	if err != nil {
		return err
	}
	if src == dst || strings.HasPrefix(dst, src+"/") {
		return &vfs.PathError{Op: "copy", Path: from.Virtual(), Err: vfs.ErrValidation}
	}

	if err := c.MkdirAll(path.Dir(dst)); err != nil {
		return mapSFTPError("copy", to, err)
	}
	if err := copyTree(ctx, c, src, dst); err != nil {
		return mapSFTPError("copy", from, err)
	}
	return nil
}

func copyTree(ctx context.Context, c *sftp.Client, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := c.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(c, src, dst)
	}

	if err := c.Mkdir(dst); err != nil {
		if _, serr := c.Stat(dst); serr != nil {
			return err
		}
	}
	entries, err := c.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := copyTree(ctx, c, path.Join(src, entry.Name()), path.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(c *sftp.Client, src, dst string) error {
	in, err := c.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := c.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Rename implements vfs.Adapter using the native rename request.
func (a *Adapter) Rename(ctx context.Context, from, to vfs.Target, _ vfs.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c, src, err := a.remote("rename", from)
	if err != nil {
		return err
	}
	_, dst, err := a.remote("rename", to)
	if err != nil {
		return err
	}
	if from.Rel == "/" || src == dst {
		return &vfs.PathError{Op: "rename", Path: from.Virtual(), Err: vfs.ErrValidation}
	}

	if err := c.MkdirAll(path.Dir(dst)); err != nil {
		return mapSFTPError("rename", to, err)
	}
	if err := c.Rename(src, dst); err != nil {
		return mapSFTPError("rename", from, err)
	}
	return nil
}

func fileInfo(t vfs.Target, info os.FileInfo) *vfs.FileInfo {
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

// mapSFTPError maps SFTP errors to vfs errors
func mapSFTPError(op string, t vfs.Target, err error) error {
	switch {
	case os.IsNotExist(err):
		err = vfs.ErrNotExist
	case os.IsPermission(err):
		err = vfs.ErrPermission
	case os.IsExist(err):
		err = vfs.ErrExist
	}
	return &vfs.PathError{Op: op, Path: t.Virtual(), Err: err}
}

var (
	_ vfs.Adapter = (*Adapter)(nil)
	_ io.Closer   = (*Adapter)(nil)
)
