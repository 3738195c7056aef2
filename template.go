package vfs

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Template is a backing-root template such as "{vfs}/{username}".
type Template string

// Expand substitutes the placeholders found in vars. Placeholders without
// a value are left in place.
func (t Template) Expand(vars map[string]string) Template {
	out := placeholderRe.ReplaceAllStringFunc(string(t), func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
	return Template(out)
}

// Placeholders lists the placeholder names left in t.
func (t Template) Placeholders() []string {
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(string(t), -1) {
		names = append(names, m[1])
	}
	return names
}

// Resolve expands t for a user and fails if a placeholder stays unresolved.
// Values taken from the user must be a single path segment.
func (t Template) Resolve(vars map[string]string, u *User) (string, error) {
	all := make(map[string]string, len(vars)+4)
	for k, v := range vars {
		all[k] = v
	}
	if u != nil {
		if u.Username != "" {
			all["username"] = u.Username
		}
		if u.ID != "" {
			all["userid"] = u.ID
		}
		for k, v := range u.Attrs {
			if _, ok := all[k]; !ok {
				all[k] = v
			}
		}
	}

	for _, name := range t.Placeholders() {
		if _, fixed := vars[name]; fixed {
			continue
		}
		if v, ok := all[name]; ok && !safeSegment(v) {
			return "", fmt.Errorf("%w: invalid value for {%s}", ErrValidation, name)
		}
	}

	out := t.Expand(all)
	if left := out.Placeholders(); len(left) > 0 {
		return "", fmt.Errorf("%w: unresolved placeholder {%s} in %q", ErrValidation, left[0], string(t))
	}
	return string(out), nil
}

// safeSegment reports whether a user-supplied value can stand as a
// single path segment.
func safeSegment(v string) bool {
	return v != "" && v != "." && v != ".." && !strings.ContainsAny(v, `/\`)
}

// WatchDir returns the deepest directory of t that contains no
// placeholder.
func (t Template) WatchDir() string {
	s := string(t)
	loc := placeholderRe.FindStringIndex(s)
	if loc == nil {
		return s
	}
	prefix := s[:loc[0]]
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		if i == 0 {
			return "/"
		}
		return prefix[:i]
	}
	return ""
}

// rootMatcher maps backing addresses below a template back to the
// placeholder values and the relative path.
type rootMatcher struct {
	re    *regexp.Regexp
	names []string
}

func newRootMatcher(t Template) (*rootMatcher, error) {
	s := strings.TrimSuffix(path.Clean(string(t)), "/")
	if s == "." {
		s = ""
	}

	var b strings.Builder
	b.WriteString("^")
	last := 0
	var names []string
	for _, loc := range placeholderRe.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(regexp.QuoteMeta(s[last:loc[0]]))
		b.WriteString("([^/]+)")
		names = append(names, s[loc[2]:loc[3]])
		last = loc[1]
	}
	b.WriteString(regexp.QuoteMeta(s[last:]))
	b.WriteString("(/.*)?$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	return &rootMatcher{re: re, names: names}, nil
}

// match returns the placeholder values and the relative path for addr.
func (m *rootMatcher) match(addr string) (map[string]string, string, bool) {
	sub := m.re.FindStringSubmatch(addr)
	if sub == nil {
		return nil, "", false
	}
	attrs := make(map[string]string, len(m.names))
	for i, name := range m.names {
		attrs[name] = sub[i+1]
	}
	rel := sub[len(sub)-1]
	if rel == "" {
		rel = "/"
	}
	return attrs, rel, true
}
