package attr

import (
	"io/fs"
	"path/filepath"
	"strings"
	"syscall"

	internalUtils "github.com/kairos-io/overlayfs/internal/utils"
	"github.com/twpayne/go-vfs/v4"
)

const modeBits = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky

// Attrs is the metadata copied from a real directory to its writable twin.
// Label is empty when the source has none or it could not be read.
type Attrs struct {
	Mode  fs.FileMode
	UID   int
	GID   int
	Label string
}

// Read collects the attributes of path. Only a failing stat is an error, a missing label is not.
func Read(vfsys vfs.FS, labeler Labeler, path string) (Attrs, error) {
	info, err := vfsys.Stat(path)
	if err != nil {
		return Attrs{}, err
	}
	a := Attrs{Mode: info.Mode() & modeBits, UID: -1, GID: -1}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		a.UID = int(st.Uid)
		a.GID = int(st.Gid)
	}
	if labeler != nil {
		if label, err := labeler.Label(internalUtils.RawPath(vfsys, path)); err == nil {
			a.Label = label
		}
	}
	return a, nil
}

// Apply sets the attributes on path. Ownership goes first as chown clears the setuid bits.
func (a Attrs) Apply(vfsys vfs.FS, labeler Labeler, path string) error {
	if a.UID >= 0 && a.GID >= 0 {
		if err := vfsys.Chown(path, a.UID, a.GID); err != nil {
			return err
		}
	}
	if err := vfsys.Chmod(path, a.Mode); err != nil {
		return err
	}
	if a.Label != "" && labeler != nil {
		return labeler.SetLabel(internalUtils.RawPath(vfsys, path), a.Label)
	}
	return nil
}

// Components splits an absolute path into itself and its ancestors, top first.
// "/system/app" gives ["/system", "/system/app"].
func Components(path string) []string {
	var components []string
	current := "/"
	for _, segment := range strings.Split(filepath.Clean(path), "/") {
		if segment == "" {
			continue
		}
		current = filepath.Join(current, segment)
		components = append(components, current)
	}
	return components
}
