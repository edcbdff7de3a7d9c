package op

import (
	"github.com/containerd/containerd/mount"
	"golang.org/x/sys/unix"
)

// Mounter runs the mount syscalls. Everything touching the mount namespace goes through it.
type Mounter interface {
	Mount(m mount.Mount, target string) error
	Unmount(target string, flags int) error
	// Propagate changes the propagation type of an existing mountpoint.
	Propagate(target string, flags uintptr) error
}

// OSMounter is the Mounter acting on the real mount namespace.
type OSMounter struct{}

func (OSMounter) Mount(m mount.Mount, target string) error {
	return mount.All([]mount.Mount{m}, target)
}

func (OSMounter) Unmount(target string, flags int) error {
	return mount.Unmount(target, flags)
}

func (OSMounter) Propagate(target string, flags uintptr) error {
	return unix.Mount("", target, "", flags, "")
}

// PrivateThenShared cuts the propagation inherited from the parent and publishes target
// as its own shared peer group.
func PrivateThenShared(m Mounter, target string) error {
	if err := m.Propagate(target, unix.MS_PRIVATE); err != nil {
		return err
	}
	return m.Propagate(target, unix.MS_SHARED)
}

// Detach lazily unmounts target.
func Detach(m Mounter, target string) error {
	return m.Unmount(target, unix.MNT_DETACH)
}
