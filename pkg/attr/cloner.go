package attr

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4"
)

// Cloner recreates the directory chain of real paths under a writable layer, so walking
// into the overlay hits the same permissions and labels as walking the original tree.
type Cloner struct {
	FS      vfs.FS
	Labeler Labeler
	// Layer is the root of the writable layer, e.g. <base>/upper.
	Layer string
	Log   zerolog.Logger
}

// Clone makes sure every component of path exists under the layer and returns the
// layer twin of path. Components that already exist are left as they are, failures
// are logged and skipped.
func (c *Cloner) Clone(path string) string {
	for _, component := range Components(path) {
		c.cloneComponent(component)
	}
	return filepath.Join(c.Layer, path)
}

func (c *Cloner) cloneComponent(component string) {
	target := filepath.Join(c.Layer, component)
	l := c.Log.With().Str("what", component).Str("where", target).Logger()

	if err := c.FS.Mkdir(target, 0o755); err != nil {
		if !errors.Is(err, fs.ErrExist) {
			l.Warn().Err(err).Msg("Cannot create dir in writable layer")
		}
		return
	}
	attrs, err := Read(c.FS, c.Labeler, component)
	if err != nil {
		l.Warn().Err(err).Msg("Cannot read attributes")
		return
	}
	if attrs.Label == "" {
		l.Debug().Msg("No security label to clone")
	}
	if err := attrs.Apply(c.FS, c.Labeler, target); err != nil {
		l.Warn().Err(err).Msg("Cannot clone attributes")
		return
	}
	l.Debug().Str("label", attrs.Label).Str("mode", attrs.Mode.String()).Int("uid", attrs.UID).Int("gid", attrs.GID).Msg("clone attr")
}
