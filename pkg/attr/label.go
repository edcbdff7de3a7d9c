package attr

import (
	"github.com/opencontainers/selinux/go-selinux"
)

// Labeler reads and writes security labels of real paths.
type Labeler interface {
	Label(path string) (string, error)
	SetLabel(path, label string) error
}

// SELinuxLabeler handles the security.selinux attribute without following symlinks.
type SELinuxLabeler struct{}

func (SELinuxLabeler) Label(path string) (string, error) {
	return selinux.LfileLabel(path)
}

func (SELinuxLabeler) SetLabel(path, label string) error {
	return selinux.LsetFileLabel(path, label)
}
