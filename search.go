package vfs

import (
	"context"
	"errors"
	"strings"

	"github.com/gobwas/glob"
)

// SearchLimits bounds a recursive search. Zero values mean the defaults.
type SearchLimits struct {
	MaxDepth   int
	MaxResults int
}

const (
	defaultSearchDepth   = 16
	defaultSearchResults = 1000
)

func (l SearchLimits) withDefaults() SearchLimits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = defaultSearchDepth
	}
	if l.MaxResults <= 0 {
		l.MaxResults = defaultSearchResults
	}
	return l
}

// errSearchFull stops a walk once enough results were collected.
var errSearchFull = errors.New("search result limit reached")

// ============================================================================
// Selectors
// ============================================================================

// FileSelector filters entries during a tree walk.
type FileSelector interface {
	// Match returns true if the entry should be included in results.
	Match(file *FileInfo) bool

	// TraverseDescendants returns true if a directory should be descended
	// into. Only called for directories.
	TraverseDescendants(file *FileInfo, depth int) bool
}

type patternSelector struct {
	g        glob.Glob
	needle   string
	maxDepth int
}

// PatternSelector matches file names against pattern, case-insensitively.
// Patterns containing glob syntax (*, ?, [...], {a,b}) are globs, anything
// else matches as a substring.
func PatternSelector(pattern string, maxDepth int) (FileSelector, error) {
	s := &patternSelector{maxDepth: maxDepth}
	lower := strings.ToLower(pattern)
	if strings.ContainsAny(pattern, "*?[{") {
		g, err := glob.Compile(lower)
		if err != nil {
			return nil, &PathError{Op: "search", Path: pattern, Err: errors.Join(ErrValidation, err)}
		}
		s.g = g
	} else {
		s.needle = lower
	}
	return s, nil
}

func (s *patternSelector) Match(file *FileInfo) bool {
	name := strings.ToLower(file.Filename)
	if s.g != nil {
		return s.g.Match(name)
	}
	return strings.Contains(name, s.needle)
}

func (s *patternSelector) TraverseDescendants(_ *FileInfo, depth int) bool {
	return s.maxDepth <= 0 || depth < s.maxDepth
}

// ============================================================================
// Tree walk
// ============================================================================

// WalkFunc is called for every entry below the walk root.
type WalkFunc func(t Target, info *FileInfo) error

// Walk visits every entry below root depth-first using the adapter's
// Readdir. Directories for which traverse returns false are not entered.
func Walk(ctx context.Context, a Adapter, root Target, opts Options, traverse func(*FileInfo, int) bool, fn WalkFunc) error {
	return walk(ctx, a, root, opts, 1, traverse, fn)
}

func walk(ctx context.Context, a Adapter, dir Target, opts Options, depth int, traverse func(*FileInfo, int) bool, fn WalkFunc) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	entries, err := a.Readdir(ctx, dir, opts)
	if err != nil {
		return err
	}

	for i := range entries {
		entry := &entries[i]
		child := dir.Child(entry.Filename)
		if err := fn(child, entry); err != nil {
			return err
		}
		if entry.IsDirectory && (traverse == nil || traverse(entry, depth)) {
			if err := walk(ctx, a, child, opts, depth+1, traverse, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// SearchTree implements search for adapters without a native index by
// walking the tree below root.
func SearchTree(ctx context.Context, a Adapter, root Target, pattern string, opts Options) ([]FileInfo, error) {
	limits := opts.Limits.withDefaults()
	sel, err := PatternSelector(pattern, limits.MaxDepth)
	if err != nil {
		return nil, err
	}

	results := []FileInfo{}
	err = Walk(ctx, a, root, opts, sel.TraverseDescendants, func(_ Target, info *FileInfo) error {
		if sel.Match(info) {
			results = append(results, *info)
			if len(results) >= limits.MaxResults {
				return errSearchFull
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSearchFull) {
		return nil, err
	}
	return results, nil
}
