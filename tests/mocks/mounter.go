package mocks

import (
	"fmt"
	"strings"

	"github.com/containerd/containerd/mount"
	"golang.org/x/sys/unix"
)

const (
	CallMount     = "mount"
	CallUnmount   = "unmount"
	CallPrivate   = "private"
	CallShared    = "shared"
	CallPropagate = "propagate"
)

// Call is one recorded Mounter call.
type Call struct {
	Kind    string
	Type    string
	Source  string
	Target  string
	Options []string
	Flags   int
}

func (c Call) String() string {
	switch c.Kind {
	case CallMount:
		return fmt.Sprintf("mount %s %s -> %s [%s]", c.Type, c.Source, c.Target, strings.Join(c.Options, ","))
	default:
		return fmt.Sprintf("%s %s", c.Kind, c.Target)
	}
}

// Option returns the value of a key=value mount option.
func (c Call) Option(key string) string {
	for _, o := range c.Options {
		if strings.HasPrefix(o, key+"=") {
			return strings.TrimPrefix(o, key+"=")
		}
	}
	return ""
}

func (c Call) HasOption(opt string) bool {
	for _, o := range c.Options {
		if o == opt {
			return true
		}
	}
	return false
}

// FakeMounter records calls instead of touching the mount namespace.
// FailOn decides per call whether it should fail.
type FakeMounter struct {
	// Attempts has every call, Calls only the ones that succeeded.
	Attempts []Call
	Calls    []Call
	FailOn   func(c Call) error
}

func (f *FakeMounter) record(c Call) error {
	f.Attempts = append(f.Attempts, c)
	if f.FailOn != nil {
		if err := f.FailOn(c); err != nil {
			return err
		}
	}
	f.Calls = append(f.Calls, c)
	return nil
}

func (f *FakeMounter) Mount(m mount.Mount, target string) error {
	return f.record(Call{Kind: CallMount, Type: m.Type, Source: m.Source, Target: target, Options: append([]string(nil), m.Options...)})
}

func (f *FakeMounter) Unmount(target string, flags int) error {
	return f.record(Call{Kind: CallUnmount, Target: target, Flags: flags})
}

func (f *FakeMounter) Propagate(target string, flags uintptr) error {
	kind := CallPropagate
	switch {
	case flags&unix.MS_PRIVATE != 0:
		kind = CallPrivate
	case flags&unix.MS_SHARED != 0:
		kind = CallShared
	}
	return f.record(Call{Kind: kind, Target: target, Flags: int(flags)})
}

// Filter returns the successful calls of the given kind.
func (f *FakeMounter) Filter(kind string) []Call {
	var calls []Call
	for _, c := range f.Calls {
		if c.Kind == kind {
			calls = append(calls, c)
		}
	}
	return calls
}

// MountsOn returns the successful mounts done on target.
func (f *FakeMounter) MountsOn(target string) []Call {
	var calls []Call
	for _, c := range f.Filter(CallMount) {
		if c.Target == target {
			calls = append(calls, c)
		}
	}
	return calls
}

// Targets returns the targets of the successful calls of the given kind, in order.
func (f *FakeMounter) Targets(kind string) []string {
	var targets []string
	for _, c := range f.Filter(kind) {
		targets = append(targets, c.Target)
	}
	return targets
}
