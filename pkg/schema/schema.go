package schema

import (
	"strconv"
	"strings"
)

// MountRecord is one entry of the live mount table.
type MountRecord struct {
	Target string
	Device uint64
	FSType string
}

type Role int

const (
	// Root units come from the reduced mount table.
	Root Role = iota
	// Subdirectory units are first level children of a Root.
	Subdirectory
	// RestoredNestedMount units are real mounts living under a Subdirectory unit.
	RestoredNestedMount
)

func (r Role) String() string {
	switch r {
	case Root:
		return "root"
	case Subdirectory:
		return "subdirectory"
	case RestoredNestedMount:
		return "nested"
	default:
		return "unknown"
	}
}

type MountUnit struct {
	Path   string
	Role   Role
	FSType string
}

// MountPlan is an ordered set of units, unique by path.
type MountPlan struct {
	units []MountUnit
	index map[string]struct{}
}

// Add appends the unit unless its path is already part of the plan.
func (p *MountPlan) Add(u MountUnit) bool {
	if p.index == nil {
		p.index = map[string]struct{}{}
	}
	if _, ok := p.index[u.Path]; ok {
		return false
	}
	p.index[u.Path] = struct{}{}
	p.units = append(p.units, u)
	return true
}

func (p *MountPlan) Has(path string) bool {
	_, ok := p.index[path]
	return ok
}

// Units returns a copy of the units in insertion order.
func (p *MountPlan) Units() []MountUnit {
	return append([]MountUnit(nil), p.units...)
}

// Paths returns the unit paths in insertion order.
func (p *MountPlan) Paths() []string {
	paths := make([]string, 0, len(p.units))
	for _, u := range p.units {
		paths = append(paths, u.Path)
	}
	return paths
}

func (p *MountPlan) Len() int {
	return len(p.units)
}

// Reversed returns a new plan with the units in reverse order.
func (p *MountPlan) Reversed() *MountPlan {
	r := &MountPlan{}
	for i := len(p.units) - 1; i >= 0; i-- {
		r.Add(p.units[i])
	}
	return r
}

// OverlayMode selects how the writable overlay is mounted.
type OverlayMode int

const (
	ReadOnly OverlayMode = iota
	ReadWrite
	ReadOnlyLocked
)

// ParseOverlayMode parses OVERLAY_MODE. Anything that is not a number is read-only.
func ParseOverlayMode(s string) OverlayMode {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return ReadOnly
	}
	return OverlayMode(i)
}

func (m OverlayMode) String() string {
	switch m {
	case ReadWrite:
		return "read-write"
	case ReadOnlyLocked:
		return "read-only-locked"
	default:
		return "read-only"
	}
}

// Outcome is the result of staging a single unit.
type Outcome int

const (
	Failed Outcome = iota
	Skipped
	OverlayRW
	OverlayRO
	LayeredRO
	Bind
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case OverlayRW:
		return "overlay-rw"
	case OverlayRO:
		return "overlay-ro"
	case LayeredRO:
		return "layered-ro"
	case Bind:
		return "bind"
	default:
		return "failed"
	}
}

// Staged reports whether the unit got something mounted on its staging slot.
func (o Outcome) Staged() bool {
	return o != Failed && o != Skipped
}
