package vfs

import (
	"fmt"
	"strings"
)

// Capability is a set of adapter operations.
type Capability uint32

const (
	CapRealpath Capability = 1 << iota
	CapExists
	CapStat
	CapReaddir
	CapReadfile
	CapWritefile
	CapMkdir
	CapUnlink
	CapTouch
	CapSearch
	CapCopy
	CapRename
	CapWatch
	// CapRangedRead means Readfile honours Options.Range natively.
	CapRangedRead
)

// CapAll is every operation except watch and ranged reads.
const CapAll = CapRealpath | CapExists | CapStat | CapReaddir | CapReadfile |
	CapWritefile | CapMkdir | CapUnlink | CapTouch | CapSearch | CapCopy | CapRename

// capMutating are operations that change storage.
const capMutating = CapWritefile | CapMkdir | CapUnlink | CapTouch | CapCopy | CapRename

var capNames = []struct {
	c    Capability
	name string
}{
	{CapRealpath, "realpath"},
	{CapExists, "exists"},
	{CapStat, "stat"},
	{CapReaddir, "readdir"},
	{CapReadfile, "readfile"},
	{CapWritefile, "writefile"},
	{CapMkdir, "mkdir"},
	{CapUnlink, "unlink"},
	{CapTouch, "touch"},
	{CapSearch, "search"},
	{CapCopy, "copy"},
	{CapRename, "rename"},
	{CapWatch, "watch"},
	{CapRangedRead, "ranges"},
}

// Has reports whether every capability in o is in c.
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

// Mutates reports whether c contains an operation that changes storage.
func (c Capability) Mutates() bool {
	return c&capMutating != 0
}

func (c Capability) String() string {
	var names []string
	for _, n := range capNames {
		if c.Has(n.c) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseCapability returns the single capability called name.
func ParseCapability(name string) (Capability, error) {
	for _, n := range capNames {
		if n.name == name {
			return n.c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown capability %q", ErrValidation, name)
}
