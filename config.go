package vfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gobeaver/beaver-kit/config"
	"github.com/gobeaver/filekit/filevalidator"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Template values: {root} is the installation root, {vfs} the user data root
	Root     string `env:"VFS_ROOT,default:."`
	DataRoot string `env:"VFS_DATA_ROOT,default:./vfs"`

	// Watch enables change notifications for mountpoints that ask for them
	Watch       bool   `env:"VFS_WATCH,default:false"`
	Development bool   `env:"VFS_DEVELOPMENT,default:false"`
	LogLevel    string `env:"VFS_LOG_LEVEL,default:info"`

	// YAML file with mountpoints and mime settings
	MountFile string `env:"VFS_MOUNT_FILE"`

	// Groups every operation requires, comma-separated
	Groups string `env:"VFS_GROUPS"`
	// Groups the HTTP routes require, comma-separated
	RouteGroups           string `env:"VFS_ROUTE_GROUPS"`
	RequireAllRouteGroups bool   `env:"VFS_REQUIRE_ALL_ROUTE_GROUPS,default:false"`

	// Upload limits, human readable (e.g. 200MB)
	MaxUploadSize string `env:"VFS_MAX_UPLOAD_SIZE,default:200MB"`
	MaxFieldsSize string `env:"VFS_MAX_FIELDS_SIZE,default:20MB"`

	// Upload content checks, comma-separated. Empty accepts everything.
	UploadAccept    string `env:"VFS_UPLOAD_ACCEPT"`     // e.g. image/*,application/pdf
	UploadBlockExts string `env:"VFS_UPLOAD_BLOCK_EXTS"` // e.g. .exe,.php

	SearchMaxDepth   int `env:"VFS_SEARCH_MAX_DEPTH,default:16"`
	SearchMaxResults int `env:"VFS_SEARCH_MAX_RESULTS,default:1000"`

	// Bolt adapter configuration
	BoltPath string `env:"VFS_BOLT_PATH"`

	// S3 adapter configuration
	S3Region          string `env:"VFS_S3_REGION,default:us-east-1"`
	S3Bucket          string `env:"VFS_S3_BUCKET"`
	S3Prefix          string `env:"VFS_S3_PREFIX"`
	S3Endpoint        string `env:"VFS_S3_ENDPOINT"`
	S3AccessKeyID     string `env:"VFS_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"VFS_S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `env:"VFS_S3_FORCE_PATH_STYLE,default:false"`
	S3PollInterval    string `env:"VFS_S3_POLL_INTERVAL,default:30s"`

	// SFTP adapter configuration
	SFTPHost       string `env:"VFS_SFTP_HOST"`
	SFTPPort       int    `env:"VFS_SFTP_PORT,default:22"`
	SFTPUsername   string `env:"VFS_SFTP_USERNAME"`
	SFTPPassword   string `env:"VFS_SFTP_PASSWORD"`
	SFTPPrivateKey string `env:"VFS_SFTP_PRIVATE_KEY"` // Path to private key file
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads config from environment variables carrying prefix
// instead of the default BEAVER_ prefix.
func LoadConfig(prefix string) (*Config, error) {
	if prefix == "" {
		return GetConfig()
	}
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: prefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GroupList returns the parsed Groups setting.
func (c *Config) GroupList() []string {
	return splitList(c.Groups)
}

// RouteGroupList returns the parsed RouteGroups setting.
func (c *Config) RouteGroupList() []string {
	return splitList(c.RouteGroups)
}

// UploadLimit returns MaxUploadSize in bytes. Zero means unlimited.
func (c *Config) UploadLimit() (int64, error) {
	return parseSize(c.MaxUploadSize)
}

// FieldsLimit returns MaxFieldsSize in bytes. Zero means unlimited.
func (c *Config) FieldsLimit() (int64, error) {
	return parseSize(c.MaxFieldsSize)
}

// UploadValidator returns a validator for the upload settings, or nil
// when none are set.
func (c *Config) UploadValidator() filevalidator.Validator {
	accept, block := splitList(c.UploadAccept), splitList(c.UploadBlockExts)
	if len(accept) == 0 && len(block) == 0 {
		return nil
	}
	return filevalidator.New(filevalidator.Constraints{
		AcceptedTypes: accept,
		BlockedExts:   block,
	})
}

// PollInterval returns S3PollInterval parsed as a duration.
func (c *Config) PollInterval() (time.Duration, error) {
	if c.S3PollInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.S3PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid poll interval %q: %w", c.S3PollInterval, err)
	}
	return d, nil
}

// Vars returns the global template values.
func (c *Config) Vars() map[string]string {
	return map[string]string{
		"root": c.Root,
		"vfs":  c.DataRoot,
	}
}

func parseSize(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(n), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ============================================================================
// Mount file
// ============================================================================

// MountFile is the YAML document listing mountpoints and mime settings.
type MountFile struct {
	Mountpoints []MountConfig `yaml:"mountpoints"`
	Mime        MimeConfig    `yaml:"mime"`
}

// DefaultMountFile returns the built-in mountpoints: a read-only "osjs"
// mount of the installation and a per-user "home" mount.
func DefaultMountFile() *MountFile {
	return &MountFile{
		Mountpoints: []MountConfig{
			{
				Name:       "osjs",
				Label:      "OS.js",
				Attributes: Attributes{Root: "{root}/dist", ReadOnly: true},
			},
			{
				Name:       "home",
				Label:      "Home",
				Attributes: Attributes{Root: "{vfs}/{username}"},
			},
		},
	}
}

// LoadMountFile reads and validates a mount file.
func LoadMountFile(path string) (*MountFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseMountFile(data)
}

// ParseMountFile decodes a YAML mount file. Unknown keys are rejected.
func ParseMountFile(data []byte) (*MountFile, error) {
	var mf MountFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&mf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing mount file: %w", err)
	}

	seen := make(map[string]bool, len(mf.Mountpoints))
	for i, m := range mf.Mountpoints {
		if m.Name == "" {
			return nil, fmt.Errorf("mountpoint %d: name is required", i)
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("mountpoint %q: %w", m.Name, ErrMountExist)
		}
		seen[m.Name] = true
		if _, err := NewPolicy(m.Attributes); err != nil {
			return nil, fmt.Errorf("mountpoint %q: %w", m.Name, err)
		}
	}
	return &mf, nil
}
