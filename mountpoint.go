package vfs

import (
	"fmt"
	"sort"
)

// DefaultAdapter is used by mountpoints that do not name one.
const DefaultAdapter = "system"

// Attributes are the configurable attributes of a mountpoint.
type Attributes struct {
	Root             string              `yaml:"root" json:"root"`
	Adapter          string              `yaml:"adapter,omitempty" json:"adapter,omitempty"`
	ReadOnly         bool                `yaml:"readOnly,omitempty" json:"readOnly,omitempty"`
	StrictGroups     *bool               `yaml:"strictGroups,omitempty" json:"strictGroups,omitempty"`
	Searchable       *bool               `yaml:"searchable,omitempty" json:"searchable,omitempty"`
	Ranges           *bool               `yaml:"ranges,omitempty" json:"ranges,omitempty"`
	Watch            bool                `yaml:"watch,omitempty" json:"watch,omitempty"`
	Groups           []string            `yaml:"groups,omitempty" json:"groups,omitempty"`
	CapabilityGroups map[string][]string `yaml:"capabilityGroups,omitempty" json:"capabilityGroups,omitempty"`
}

// MountConfig describes a mountpoint before it is mounted.
type MountConfig struct {
	Name       string     `yaml:"name" json:"name"`
	Label      string     `yaml:"label,omitempty" json:"label,omitempty"`
	Attributes Attributes `yaml:"attributes" json:"attributes"`
}

// Policy is the validated, defaulted form of a mountpoint's attributes.
type Policy struct {
	ReadOnly   bool
	Strict     bool
	Searchable bool
	Ranges     bool
	Watch      bool
	Groups     []string
	CapGroups  map[Capability][]string
}

// NewPolicy validates attrs and fills in defaults. Strict group matching
// and search default to on; ranged responses default to on only for the
// system adapter.
func NewPolicy(attrs Attributes) (Policy, error) {
	p := Policy{
		ReadOnly:   attrs.ReadOnly,
		Strict:     boolOr(attrs.StrictGroups, true),
		Searchable: boolOr(attrs.Searchable, true),
		Watch:      attrs.Watch,
		Groups:     append([]string(nil), attrs.Groups...),
	}

	adapter := attrs.Adapter
	p.Ranges = boolOr(attrs.Ranges, adapter == "" || adapter == DefaultAdapter)

	if len(attrs.CapabilityGroups) > 0 {
		p.CapGroups = make(map[Capability][]string, len(attrs.CapabilityGroups))
		for name, groups := range attrs.CapabilityGroups {
			c, err := ParseCapability(name)
			if err != nil {
				return Policy{}, err
			}
			p.CapGroups[c] = append([]string(nil), groups...)
		}
	}
	return p, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Mountpoint is an active mount.
type Mountpoint struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Label      string     `json:"label"`
	Root       Template   `json:"root"`
	Attributes Attributes `json:"attributes"`
	Policy     Policy     `json:"-"`
	Adapter    Adapter    `json:"-"`

	// Root with global placeholders expanded
	base    Template
	matcher *rootMatcher
}

// String implements fmt.Stringer.
func (m *Mountpoint) String() string {
	return fmt.Sprintf("%s (%s, %s)", m.Name, m.adapterName(), m.Root)
}

func (m *Mountpoint) adapterName() string {
	if m.Attributes.Adapter == "" {
		return DefaultAdapter
	}
	return m.Attributes.Adapter
}

// BaseRoot returns the root with global placeholders expanded and user
// placeholders still in place.
func (m *Mountpoint) BaseRoot() Template {
	return m.base
}

func sortMounts(mounts []*Mountpoint) {
	sort.Slice(mounts, func(i, j int) bool {
		return mounts[i].Name < mounts[j].Name
	})
}
