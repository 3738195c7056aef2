package vfs

import (
	"fmt"
	"slices"
)

// CheckPermission decides whether user may run c on m. Read-only mounts
// refuse every mutating capability. Group requirements are evaluated per
// scope: the global groups, the mount's groups and the mount's groups for
// c. Each scope must pass, using the mount's strict mode.
func CheckPermission(m *Mountpoint, user *User, c Capability, global []string) error {
	if m.Policy.ReadOnly && c.Mutates() {
		return &PathError{Op: c.String(), Path: m.Name + ":/", Err: fmt.Errorf("%w: %w", ErrPermission, ErrReadOnly)}
	}

	var groups []string
	if user != nil {
		groups = user.Groups
	}

	scopes := [][]string{global, m.Policy.Groups}
	for want, required := range m.Policy.CapGroups {
		if c&want != 0 {
			scopes = append(scopes, required)
		}
	}

	for _, required := range scopes {
		if !HasGroups(groups, required, m.Policy.Strict) {
			return &PathError{
				Op:   c.String(),
				Path: m.Name + ":/",
				Err:  fmt.Errorf("%w: missing group membership", ErrPermission),
			}
		}
	}
	return nil
}

// HasGroups reports whether have satisfies required. With all set every
// required group must be present, otherwise one is enough. An empty
// requirement always passes.
func HasGroups(have, required []string, all bool) bool {
	if len(required) == 0 {
		return true
	}
	if all {
		for _, g := range required {
			if !slices.Contains(have, g) {
				return false
			}
		}
		return true
	}
	for _, g := range required {
		if slices.Contains(have, g) {
			return true
		}
	}
	return false
}
