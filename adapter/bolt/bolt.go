package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gobeaver/vfs"
	bbolt "go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("entries")
	dataBucket    = []byte("data")
)

var errCorrupt = errors.New("corrupt entry")

// entry is the metadata record stored per path.
type entry struct {
	Dir   bool  `cbor:"1,keyasint"`
	Size  int64 `cbor:"2,keyasint"`
	Mtime int64 `cbor:"3,keyasint"`
}

// Adapter stores files in a bolt database. Paths are keys in an entries
// bucket holding cbor metadata; file content lives under the same key in a
// data bucket. Every operation is a single transaction.
type Adapter struct {
	vfs.Unsupported

	db *bbolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Adapter, error) {
	db, err := bbolt.Open(path, 0644, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	a, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// New wraps an open database, creating the buckets when needed.
func New(db *bbolt.DB) (*Adapter, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, dataBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{db: db}, nil
}

// Close closes the database.
func (a *Adapter) Close() error {
	return a.db.Close()
}

// Capabilities implements vfs.Adapter
func (a *Adapter) Capabilities() vfs.Capability {
	return vfs.CapAll | vfs.CapRangedRead
}

// Realpath implements vfs.Adapter
func (a *Adapter) Realpath(_ context.Context, t vfs.Target) (string, error) {
	return key(t.Real()), nil
}

// Exists implements vfs.Adapter
func (a *Adapter) Exists(ctx context.Context, t vfs.Target) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found bool
	err := a.db.View(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, t)
		found = e != nil
		return err
	})
	return found, err
}

// Stat implements vfs.Adapter
func (a *Adapter) Stat(ctx context.Context, t vfs.Target) (*vfs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var info *vfs.FileInfo
	err := a.db.View(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, t)
		if err != nil {
			return err
		}
		if e == nil {
			return &vfs.PathError{Op: "stat", Path: t.Virtual(), Err: vfs.ErrNotExist}
		}
		info = e.info(t)
		return nil
	})
	return info, err
}

// Readdir implements vfs.Adapter
func (a *Adapter) Readdir(ctx context.Context, t vfs.Target, _ vfs.Options) ([]vfs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := []vfs.FileInfo{}
	err := a.db.View(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, t)
		if err != nil {
			return err
		}
		if e == nil {
			return &vfs.PathError{Op: "readdir", Path: t.Virtual(), Err: vfs.ErrNotExist}
		}
		if !e.Dir {
			return &vfs.PathError{Op: "readdir", Path: t.Virtual(), Err: vfs.ErrNotDir}
		}

		return scan(tx, key(t.Real()), func(k string, child *entry) error {
			rest := strings.TrimPrefix(k, prefixOf(key(t.Real())))
			if strings.Contains(rest, "/") {
				return nil
			}
			result = append(result, *child.info(t.Child(rest)))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Readfile implements vfs.Adapter
func (a *Adapter) Readfile(ctx context.Context, t vfs.Target, opts vfs.Options) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := a.db.View(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, t)
		if err != nil {
			return err
		}
		if e == nil {
			return &vfs.PathError{Op: "readfile", Path: t.Virtual(), Err: vfs.ErrNotExist}
		}
		if e.Dir {
			return &vfs.PathError{Op: "readfile", Path: t.Virtual(), Err: vfs.ErrIsDir}
		}

		content := tx.Bucket(dataBucket).Get([]byte(key(t.Real())))
		if r := opts.Range; r != nil {
			size := int64(len(content))
			start, end := r.Start, r.End+1
			if start > size {
				start = size
			}
			if end <= 0 || end > size {
				end = size
			}
			content = content[start:end]
		}
		// bolt memory is only valid inside the transaction
		data = bytes.Clone(content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Writefile implements vfs.Adapter. Missing parent directories are
// created.
func (a *Adapter) Writefile(ctx context.Context, t vfs.Target, r io.Reader, _ vfs.Options) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return -1, &vfs.PathError{Op: "writefile", Path: t.Virtual(), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	k := key(t.Real())
	err = a.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, t)
		if err != nil {
			return err
		}
		if e != nil && e.Dir {
			return &vfs.PathError{Op: "writefile", Path: t.Virtual(), Err: vfs.ErrIsDir}
		}
		if err := ensureParents(tx, t, k); err != nil {
			return err
		}
		return putFile(tx, k, data, time.Now())
	})
	if err != nil {
		return -1, err
	}
	return int64(len(data)), nil
}

// Mkdir implements vfs.Adapter
func (a *Adapter) Mkdir(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k := key(t.Real())
	return a.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, t)
		if err != nil {
			return err
		}
		if e != nil {
			return &vfs.PathError{Op: "mkdir", Path: t.Virtual(), Err: vfs.ErrExist}
		}
		if err := ensureParents(tx, t, k); err != nil {
			return err
		}
		return putEntry(tx, k, &entry{Dir: true, Mtime: time.Now().UnixNano()})
	})
}

// Unlink implements vfs.Adapter. Directories are removed with their
// contents.
func (a *Adapter) Unlink(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Rel == "/" {
		return &vfs.PathError{Op: "unlink", Path: t.Virtual(), Err: vfs.ErrValidation}
	}

	k := key(t.Real())
	return a.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, t)
		if err != nil {
			return err
		}
		if e == nil {
			return &vfs.PathError{Op: "unlink", Path: t.Virtual(), Err: vfs.ErrNotExist}
		}
		return removeTree(tx, k)
	})
}

// Touch implements vfs.Adapter
func (a *Adapter) Touch(ctx context.Context, t vfs.Target, _ vfs.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k := key(t.Real())
	now := time.Now()
	return a.db.Update(func(tx *bbolt.Tx) error {
		e, err := getEntry(tx, t)
		if err != nil {
			return err
		}
		if e != nil {
			e.Mtime = now.UnixNano()
			return putEntry(tx, k, e)
		}
		if err := ensureParents(tx, t, k); err != nil {
			return err
		}
		return putFile(tx, k, nil, now)
	})
}

// Search implements vfs.Adapter
func (a *Adapter) Search(ctx context.Context, t vfs.Target, pattern string, opts vfs.Options) ([]vfs.FileInfo, error) {
	return vfs.SearchTree(ctx, a, t, pattern, opts)
}

// Copy implements vfs.Adapter
func (a *Adapter) Copy(ctx context.Context, from, to vfs.Target, _ vfs.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		return copyTree(tx, from, to)
	})
}

// Rename implements vfs.Adapter. The copy and the removal of the source
// commit together.
func (a *Adapter) Rename(ctx context.Context, from, to vfs.Target, _ vfs.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if from.Rel == "/" {
		return &vfs.PathError{Op: "rename", Path: from.Virtual(), Err: vfs.ErrValidation}
	}
	return a.db.Update(func(tx *bbolt.Tx) error {
		if err := copyTree(tx, from, to); err != nil {
			return err
		}
		return removeTree(tx, key(from.Real()))
	})
}

// ============================================================================
// Bucket helpers
// ============================================================================

func key(p string) string {
	return path.Clean("/" + p)
}

func prefixOf(k string) string {
	if k == "/" {
		return "/"
	}
	return k + "/"
}

func (e *entry) info(t vfs.Target) *vfs.FileInfo {
	return &vfs.FileInfo{
		Filename:    t.Base(),
		Path:        t.Virtual(),
		Size:        e.Size,
		Mtime:       time.Unix(0, e.Mtime),
		IsDirectory: e.Dir,
		IsFile:      !e.Dir,
	}
}

// getEntry returns the entry of t, or nil. The mount root is always a
// directory.
func getEntry(tx *bbolt.Tx, t vfs.Target) (*entry, error) {
	k := key(t.Real())
	e, err := loadEntry(tx, k)
	if err != nil || e != nil {
		return e, err
	}
	if k == key(t.Root) {
		return &entry{Dir: true}, nil
	}
	return nil, nil
}

func loadEntry(tx *bbolt.Tx, k string) (*entry, error) {
	raw := tx.Bucket(entriesBucket).Get([]byte(k))
	if raw == nil {
		return nil, nil
	}
	var e entry
	if err := cbor.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("%w %s: %v", errCorrupt, k, err)
	}
	return &e, nil
}

func putEntry(tx *bbolt.Tx, k string, e *entry) error {
	raw, err := cbor.Marshal(e)
	if err != nil {
		return err
	}
	return tx.Bucket(entriesBucket).Put([]byte(k), raw)
}

func putFile(tx *bbolt.Tx, k string, data []byte, mtime time.Time) error {
	if err := putEntry(tx, k, &entry{Size: int64(len(data)), Mtime: mtime.UnixNano()}); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	return tx.Bucket(dataBucket).Put([]byte(k), data)
}

// ensureParents creates missing ancestors of k up to the mount root.
func ensureParents(tx *bbolt.Tx, t vfs.Target, k string) error {
	root := key(t.Root)
	now := time.Now().UnixNano()
	for dir := path.Dir(k); dir != "/" && dir != "." && dir != root; dir = path.Dir(dir) {
		e, err := loadEntry(tx, dir)
		if err != nil {
			return err
		}
		if e == nil {
			if err := putEntry(tx, dir, &entry{Dir: true, Mtime: now}); err != nil {
				return err
			}
			continue
		}
		if !e.Dir {
			return &vfs.PathError{Op: "mkdir", Path: dir, Err: vfs.ErrNotDir}
		}
	}
	return nil
}

// scan calls fn for every entry below dir, in key order.
func scan(tx *bbolt.Tx, dir string, fn func(k string, e *entry) error) error {
	prefix := []byte(prefixOf(dir))
	c := tx.Bucket(entriesBucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var e entry
		if err := cbor.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("%w %s: %v", errCorrupt, k, err)
		}
		if err := fn(string(k), &e); err != nil {
			return err
		}
	}
	return nil
}

func removeTree(tx *bbolt.Tx, k string) error {
	keys := []string{k}
	err := scan(tx, k, func(child string, _ *entry) error {
		keys = append(keys, child)
		return nil
	})
	if err != nil {
		return err
	}

	entries, data := tx.Bucket(entriesBucket), tx.Bucket(dataBucket)
	for _, k := range keys {
		if err := entries.Delete([]byte(k)); err != nil {
			return err
		}
		if err := data.Delete([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}

func copyTree(tx *bbolt.Tx, from, to vfs.Target) error {
	src, dst := key(from.Real()), key(to.Real())
	if src == dst || strings.HasPrefix(dst, prefixOf(src)) {
		return &vfs.PathError{Op: "copy", Path: to.Virtual(), Err: vfs.ErrValidation}
	}

	e, err := getEntry(tx, from)
	if err != nil {
		return err
	}
	if e == nil {
		return &vfs.PathError{Op: "copy", Path: from.Virtual(), Err: vfs.ErrNotExist}
	}
	if err := ensureParents(tx, to, dst); err != nil {
		return err
	}

	type item struct {
		k string
		e *entry
	}
	items := []item{{src, e}}
	err = scan(tx, src, func(k string, child *entry) error {
		items = append(items, item{k, child})
		return nil
	})
	if err != nil {
		return err
	}

	data := tx.Bucket(dataBucket)
	for _, it := range items {
		nk := dst + strings.TrimPrefix(it.k, src)
		if err := putEntry(tx, nk, it.e); err != nil {
			return err
		}
		if !it.e.Dir {
			content := bytes.Clone(data.Get([]byte(it.k)))
			if err := data.Put([]byte(nk), content); err != nil {
				return err
			}
		}
	}
	return nil
}

// Ensure Adapter implements interfaces
var (
	_ vfs.Adapter = (*Adapter)(nil)
	_ io.Closer   = (*Adapter)(nil)
)
