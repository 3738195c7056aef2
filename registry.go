package vfs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Registry owns the active mountpoints, the adapter instances backing them
// and the watches started for them. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	mounts   map[string]*Mountpoint
	byID     map[string]*Mountpoint
	adapters map[string]Adapter
	watches  map[string]*watchHandle

	vars        map[string]string
	watch       bool
	emitter     Emitter
	broadcaster Broadcaster

	ctx    context.Context
	cancel context.CancelFunc
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithVars sets the global template values, e.g. "root" and "vfs".
func WithVars(vars map[string]string) RegistryOption {
	return func(r *Registry) {
		for k, v := range vars {
			r.vars[k] = v
		}
	}
}

// WithAdapter registers the instance used by every mount of the named
// adapter type.
func WithAdapter(name string, a Adapter) RegistryOption {
	return func(r *Registry) {
		r.adapters[name] = a
	}
}

// WithWatch enables watches globally and sets where change events go.
// Either sink may be nil.
func WithWatch(enabled bool, e Emitter, b Broadcaster) RegistryOption {
	return func(r *Registry) {
		r.watch = enabled
		r.emitter = e
		r.broadcaster = b
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		mounts:   make(map[string]*Mountpoint),
		byID:     make(map[string]*Mountpoint),
		adapters: make(map[string]Adapter),
		watches:  make(map[string]*watchHandle),
		vars:     make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAdapter adds or replaces the instance for an adapter type.
func (r *Registry) RegisterAdapter(name string, a Adapter) error {
	if a == nil {
		return ErrNilAdapter
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
	return nil
}

// Adapter returns the instance registered for an adapter type.
func (r *Registry) Adapter(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Mount activates a mountpoint and starts its watch when enabled.
func (r *Registry) Mount(cfg MountConfig) (*Mountpoint, error) {
	if cfg.Name == "" || strings.ContainsAny(cfg.Name, ":/\\") {
		return nil, fmt.Errorf("%w: invalid mountpoint name %q", ErrValidation, cfg.Name)
	}

	policy, err := NewPolicy(cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", cfg.Name, err)
	}

	adapterName := cfg.Attributes.Adapter
	if adapterName == "" {
		adapterName = DefaultAdapter
	}

	root := Template(cfg.Attributes.Root)
	mp := &Mountpoint{
		ID:         uuid.NewString(),
		Name:       cfg.Name,
		Label:      cfg.Label,
		Root:       root,
		Attributes: cfg.Attributes,
		Policy:     policy,
	}
	if mp.Label == "" {
		mp.Label = cfg.Name
	}

	r.mu.Lock()
	adapter, ok := r.adapters[adapterName]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: adapter %q is not registered", ErrValidation, adapterName)
	}
	if _, exists := r.mounts[cfg.Name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMountExist, cfg.Name)
	}
	mp.Adapter = adapter
	mp.base = root.Expand(r.vars)
	mp.matcher, err = newRootMatcher(mp.base)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("mount %s: %w", cfg.Name, err)
	}
	r.mounts[mp.Name] = mp
	r.byID[mp.ID] = mp
	r.mu.Unlock()

	log.Infow("Mounted", "name", mp.Name, "adapter", adapterName, "root", string(mp.base), "id", mp.ID)

	if r.shouldWatch(mp) {
		r.startWatch(mp)
	}
	return mp, nil
}

// Unmount removes a mountpoint. An active watch is closed first and the
// call waits for it.
func (r *Registry) Unmount(name string) error {
	r.mu.Lock()
	mp, ok := r.mounts[name]
	if !ok {
		r.mu.Unlock()
		return &PathError{Op: "unmount", Path: name, Err: ErrNotFound}
	}
	h := r.watches[name]
	delete(r.watches, name)
	r.mu.Unlock()

	var err error
	if h != nil {
		if err = h.close(); err != nil {
			log.Warnw("closing watch failed", "mount", name, "error", err)
		}
	}

	r.mu.Lock()
	delete(r.mounts, name)
	delete(r.byID, mp.ID)
	r.mu.Unlock()

	log.Infow("Unmounted", "name", name)
	return err
}

// Lookup returns the mountpoint called name.
func (r *Registry) Lookup(name string) (*Mountpoint, error) {
	r.mu.RLock()
	mp, ok := r.mounts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &PathError{Op: "resolve", Path: name + ":/", Err: fmt.Errorf("%w: mountpoint %q", ErrNotFound, name)}
	}
	return mp, nil
}

// LookupID returns the mountpoint with the given id.
func (r *Registry) LookupID(id string) (*Mountpoint, error) {
	r.mu.RLock()
	mp, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &PathError{Op: "resolve", Path: id, Err: ErrNotFound}
	}
	return mp, nil
}

// Mountpoints returns the active mountpoints ordered by name.
func (r *Registry) Mountpoints() []*Mountpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Mountpoint, 0, len(r.mounts))
	for _, mp := range r.mounts {
		result = append(result, mp)
	}
	sortMounts(result)
	return result
}

// Resolve binds a virtual path to its mountpoint and the backing root
// expanded for user.
func (r *Registry) Resolve(virtual string, user *User) (Target, error) {
	name, rel, err := ParsePath(virtual)
	if err != nil {
		return Target{}, err
	}

	mp, err := r.Lookup(name)
	if err != nil {
		return Target{}, err
	}

	root, err := mp.base.Resolve(nil, user)
	if err != nil {
		return Target{}, &PathError{Op: "resolve", Path: virtual, Err: err}
	}

	return Target{Mount: mp, Rel: rel, Root: root, User: user}, nil
}

// Close stops every watch concurrently. Individual failures are logged and
// returned together; Close always waits for all of them.
func (r *Registry) Close() error {
	r.mu.Lock()
	handles := make([]*watchHandle, 0, len(r.watches))
	for name, h := range r.watches {
		handles = append(handles, h)
		delete(r.watches, name)
	}
	r.mu.Unlock()

	var (
		mu     sync.Mutex
		result *multierror.Error
		g      errgroup.Group
	)
	for _, h := range handles {
		g.Go(func() error {
			if err := h.close(); err != nil {
				log.Warnw("closing watch failed", "mount", h.mount.Name, "error", err)
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s: %w", h.mount.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	r.cancel()

	return result.ErrorOrNil()
}
