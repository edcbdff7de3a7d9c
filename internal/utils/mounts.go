package utils

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
	"github.com/moby/sys/mountinfo"
	"github.com/twpayne/go-vfs/v4"
	"golang.org/x/sys/unix"
)

// OverlaySupported checks /proc/filesystems for the overlay filesystem.
func OverlaySupported(vfsys vfs.FS) bool {
	data, err := vfsys.ReadFile("/proc/filesystems")
	if err != nil {
		return false
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[len(fields)-1] == "overlay" {
			return true
		}
	}
	return false
}

// IsExt4 reports whether path lives on an ext4 filesystem.
func IsExt4(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	return st.Type == unix.EXT4_SUPER_MAGIC, nil
}

// IsMounted checks if the given path is a mountpoint.
func IsMounted(path string) bool {
	mounted, _ := mountinfo.Mounted(path)
	return mounted
}

// MountToFstab transforms a mount.Mount into a fstab.Mount, File is left for the caller.
func MountToFstab(m mount.Mount) *fstab.Mount {
	opts := map[string]string{}
	for _, o := range m.Options {
		if strings.Contains(o, "=") {
			dat := strings.SplitN(o, "=", 2)
			opts[dat[0]] = dat[1]
		} else {
			opts[o] = ""
		}
	}
	return &fstab.Mount{
		Spec:    m.Source,
		VfsType: m.Type,
		MntOps:  opts,
		Freq:    0,
		PassNo:  0,
	}
}
