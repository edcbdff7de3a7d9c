package op

import (
	"fmt"
	"strings"

	"github.com/containerd/containerd/mount"
	internalUtils "github.com/kairos-io/overlayfs/internal/utils"
)

// Tmpfs mounts an anonymous tmpfs on target.
func Tmpfs(target string) MountOperation {
	tmpMount := mount.Mount{Type: "tmpfs", Source: "tmpfs"}
	tmpFstab := internalUtils.MountToFstab(tmpMount)
	tmpFstab.File = target
	return MountOperation{
		MountOption: tmpMount,
		FstabEntry:  *tmpFstab,
		Target:      target,
	}
}

// Bind makes source visible at target.
func Bind(source, target string) MountOperation {
	tmpMount := mount.Mount{
		Type:    "bind",
		Source:  source,
		Options: []string{"bind"},
	}
	tmpFstab := internalUtils.MountToFstab(tmpMount)
	tmpFstab.File = target
	return MountOperation{
		MountOption: tmpMount,
		FstabEntry:  *tmpFstab,
		Target:      target,
	}
}

// Overlay mounts an overlay on target. Lower layers go first to last, the first one
// has the highest priority. Without upper and work the overlay is read-only.
func Overlay(lower []string, upper, work, target string, readOnly bool) MountOperation {
	options := []string{fmt.Sprintf("lowerdir=%s", strings.Join(lower, ":"))}
	if upper != "" {
		options = append(options, fmt.Sprintf("upperdir=%s", upper), fmt.Sprintf("workdir=%s", work))
	}
	if readOnly {
		options = append(options, "ro")
	}
	tmpMount := mount.Mount{
		Type:    "overlay",
		Source:  "overlay",
		Options: options,
	}
	tmpFstab := internalUtils.MountToFstab(tmpMount)
	tmpFstab.File = target
	return MountOperation{
		MountOption: tmpMount,
		FstabEntry:  *tmpFstab,
		Target:      target,
	}
}
