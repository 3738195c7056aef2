package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gobeaver/beaver-kit/config"
	"github.com/gobeaver/filekit/filevalidator"
)

// Global instance
var (
	defaultService *Service
	defaultOnce    sync.Once
	defaultErr     error
)

// Service is the request pipeline over a registry of mountpoints.
type Service struct {
	registry  *Registry
	mime      *MimeTypes
	groups    []string
	limits    SearchLimits
	metrics   *Metrics
	validator filevalidator.Validator
	dev       bool

	// only used while New builds the registry
	emitter     Emitter
	broadcaster Broadcaster
	adapters    map[string]Adapter
}

// Option configures a Service.
type Option func(*Service)

// WithMime sets the content type resolver.
func WithMime(m *MimeTypes) Option {
	return func(s *Service) { s.mime = m }
}

// WithGroups sets the groups every operation requires.
func WithGroups(groups ...string) Option {
	return func(s *Service) { s.groups = groups }
}

// WithSearchLimits bounds recursive searches.
func WithSearchLimits(l SearchLimits) Option {
	return func(s *Service) { s.limits = l }
}

// WithMetrics records operation metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithDevelopment marks the service as running in development mode.
func WithDevelopment(dev bool) Option {
	return func(s *Service) { s.dev = dev }
}

// WithNotifier sets where watch events go when New builds the registry.
func WithNotifier(e Emitter, b Broadcaster) Option {
	return func(s *Service) {
		s.emitter = e
		s.broadcaster = b
	}
}

// WithAdapterInstance supplies a ready adapter instance to New instead of
// creating one from the registered factory.
func WithAdapterInstance(name string, a Adapter) Option {
	return func(s *Service) {
		if s.adapters == nil {
			s.adapters = make(map[string]Adapter)
		}
		s.adapters[name] = a
	}
}

// Builder provides a way to create Service instances with custom prefixes
type Builder struct {
	prefix string
}

// WithPrefix creates a new Builder with the specified prefix
func WithPrefix(prefix string) *Builder {
	return &Builder{prefix: prefix}
}

// Init initializes the global Service instance using the builder's prefix
func (b *Builder) Init(opts ...Option) error {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return err
	}
	return Init(cfg, opts...)
}

// New creates a new Service instance using the builder's prefix
func (b *Builder) New(opts ...Option) (*Service, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: b.prefix}); err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// Init initializes the global service instance. A nil config is loaded
// from the environment.
func Init(cfg *Config, opts ...Option) error {
	defaultOnce.Do(func() {
		if cfg == nil {
			cfg, defaultErr = GetConfig()
			if defaultErr != nil {
				return
			}
		}
		defaultService, defaultErr = New(cfg, opts...)
	})
	return defaultErr
}

// Default returns the global service, or nil before Init.
func Default() *Service {
	return defaultService
}

// New builds a service from cfg: one adapter instance per adapter type
// used by the configured mountpoints, a registry holding them, and the
// mountpoints themselves.
func New(cfg *Config, opts ...Option) (*Service, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.LogLevel != "" {
		if err := SetLogLevel(cfg.LogLevel); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}

	mf := DefaultMountFile()
	if cfg.MountFile != "" {
		var err error
		if mf, err = LoadMountFile(cfg.MountFile); err != nil {
			return nil, err
		}
	}

	s := &Service{
		mime:   NewMimeTypes(mf.Mime),
		groups: cfg.GroupList(),
		limits: SearchLimits{MaxDepth: cfg.SearchMaxDepth, MaxResults: cfg.SearchMaxResults},
		dev:    cfg.Development,

		validator: cfg.UploadValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}

	reg := NewRegistry(
		WithVars(cfg.Vars()),
		WithWatch(cfg.Watch, s.emitter, s.broadcaster),
	)

	for _, m := range mf.Mountpoints {
		name := m.Attributes.Adapter
		if name == "" {
			name = DefaultAdapter
		}
		if _, ok := reg.Adapter(name); ok {
			continue
		}
		a, ok := s.adapters[name]
		if !ok {
			var err error
			if a, err = CreateAdapter(name, cfg); err != nil {
				return nil, fmt.Errorf("failed to create adapter: %w", err)
			}
		}
		if err := reg.RegisterAdapter(name, a); err != nil {
			return nil, err
		}
	}

	for _, m := range mf.Mountpoints {
		if _, err := reg.Mount(m); err != nil {
			_ = reg.Close()
			return nil, err
		}
	}

	s.registry = reg
	s.emitter, s.broadcaster, s.adapters = nil, nil, nil
	return s, nil
}

// NewService creates a pipeline over an existing registry.
func NewService(reg *Registry, opts ...Option) *Service {
	s := &Service{registry: reg}
	for _, opt := range opts {
		opt(s)
	}
	if s.mime == nil {
		s.mime = NewMimeTypes(MimeConfig{})
	}
	return s
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.Root == "" {
		return errors.New("root is required")
	}
	if cfg.DataRoot == "" {
		return errors.New("data root is required")
	}
	if _, err := cfg.UploadLimit(); err != nil {
		return err
	}
	if _, err := cfg.FieldsLimit(); err != nil {
		return err
	}
	return nil
}

// Registry returns the registry the service resolves against.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Development reports whether error responses may carry details.
func (s *Service) Development() bool {
	return s.dev
}

// Mime returns the content type for a file name.
func (s *Service) Mime(name string) string {
	return s.mime.Lookup(name)
}

// Realpath expands a virtual path into its backing-store address for
// user without calling any adapter.
func (s *Service) Realpath(virtual string, user *User) (string, error) {
	t, err := s.registry.Resolve(virtual, user)
	if err != nil {
		return "", err
	}
	return t.Real(), nil
}

// Call runs op with positional arguments: a path for single-path
// operations, root and pattern for search, from and to for copy and
// rename. An optional trailing argument is the JSON options blob.
func (s *Service) Call(ctx context.Context, op Op, user *User, args ...string) (*Response, error) {
	names := []string{"path"}
	switch op {
	case OpSearch:
		names = []string{"root", "pattern"}
	case OpCopy, OpRename:
		names = []string{"from", "to"}
	case OpWritefile:
		return nil, fmt.Errorf("%w: use Write for writefile", ErrValidation)
	}
	if len(args) < len(names) || len(args) > len(names)+1 {
		return nil, fmt.Errorf("%w: %s takes %d arguments", ErrValidation, op, len(names))
	}

	fields := make(map[string]string, len(args))
	for i, name := range names {
		fields[name] = args[i]
	}
	if len(args) > len(names) {
		fields["options"] = args[len(names)]
	}
	return s.Handle(ctx, &Request{Op: op, Fields: fields, User: user})
}

// Write stores r at the virtual path p and returns the bytes written.
func (s *Service) Write(ctx context.Context, user *User, p string, r io.Reader) (int64, error) {
	resp, err := s.Handle(ctx, &Request{
		Op:     OpWritefile,
		Fields: map[string]string{"path": p},
		Upload: r,
		User:   user,
	})
	if err != nil {
		return 0, err
	}
	return resp.Value.(int64), nil
}

// Close stops all watches and releases adapters that hold resources.
func (s *Service) Close() error {
	err := s.registry.Close()

	seen := make(map[Adapter]bool)
	for _, mp := range s.registry.Mountpoints() {
		if seen[mp.Adapter] {
			continue
		}
		seen[mp.Adapter] = true
		if c, ok := mp.Adapter.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	}
	return err
}
