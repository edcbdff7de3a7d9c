package state

import (
	"fmt"
	"path/filepath"

	"github.com/deniswernert/go-fstab"
	"github.com/kairos-io/overlayfs/internal/constants"
	internalUtils "github.com/kairos-io/overlayfs/internal/utils"
	"github.com/kairos-io/overlayfs/pkg/attr"
	"github.com/kairos-io/overlayfs/pkg/mount"
	"github.com/kairos-io/overlayfs/pkg/op"
	"github.com/kairos-io/overlayfs/pkg/schema"
	"github.com/rs/zerolog"
	"github.com/spectrocloud-labs/herd"
	"github.com/twpayne/go-vfs/v4"
)

// State is the session of a single run. It owns the staging filesystem from the moment
// it is mounted until the teardown step removes it.
type State struct {
	FS      vfs.FS
	Mounter op.Mounter
	Labeler attr.Labeler
	Logger  zerolog.Logger

	Base        string             // writable base dir holding upper, worker and master
	Mode        schema.OverlayMode // OVERLAY_MODE
	LowerList   string             // extra lower dirs merged into master, colon separated
	MirrorBase  string             // MAGISKTMP, mirrors live under <MirrorBase>/.magisk/mirror
	StagingBase string             // where the staging dir is created, e.g. /mnt
	Roots       []string           // e.g. /system, /vendor

	// MountTable returns the live mount table, oldest first.
	MountTable func() ([]schema.MountRecord, error)
	// NameGenerator returns the name of the staging dir.
	NameGenerator func(prefix string) (string, error)

	plan           *schema.MountPlan // Root units from the mount table
	units          *schema.MountPlan // Subdirectory and nested units
	subdirs        []schema.MountUnit
	stagingRoot    string
	stagingMounted bool
	merged         bool
	masterMounted  bool
	staged         []schema.MountUnit
	outcomes       map[string]schema.Outcome
	installed      []schema.MountUnit
	fstabs         map[string]*fstab.Mount
	err            error
}

// NewState returns a session acting on the real system.
func NewState(base string, mode schema.OverlayMode, lowerList, mirrorBase, stagingBase string) *State {
	return &State{
		FS:            vfs.OSFS,
		Mounter:       op.OSMounter{},
		Labeler:       attr.SELinuxLabeler{},
		Logger:        internalUtils.Log,
		Base:          base,
		Mode:          mode,
		LowerList:     internalUtils.ParseLowerList(lowerList),
		MirrorBase:    mirrorBase,
		StagingBase:   stagingBase,
		Roots:         constants.SystemRoots(),
		MountTable:    mount.ReadMountTable,
		NameGenerator: internalUtils.RandomName,
	}
}

func (s *State) path(p ...string) string {
	return filepath.Join(append([]string{s.Base}, p...)...)
}

// raw turns a path of s.FS into the one the kernel sees.
func (s *State) raw(p string) string {
	return internalUtils.RawPath(s.FS, p)
}

// slot is where the unit is assembled inside the staging filesystem.
func (s *State) slot(p string) string {
	return filepath.Join(s.stagingRoot, p)
}

func (s *State) upper(p ...string) string {
	return s.path(append([]string{constants.UpperDir}, p...)...)
}

func (s *State) worker(p ...string) string {
	return s.path(append([]string{constants.WorkerDir}, p...)...)
}

func (s *State) master(p ...string) string {
	return s.path(append([]string{constants.MasterDir}, p...)...)
}

// Plan returns the units reduced from the mount table.
func (s *State) Plan() *schema.MountPlan {
	return s.plan
}

// Subdirectories returns the first level children discovered under the roots.
func (s *State) Subdirectories() []schema.MountUnit {
	return append([]schema.MountUnit(nil), s.subdirs...)
}

// Staged returns the units that have something mounted in the staging filesystem, in install order.
func (s *State) Staged() []schema.MountUnit {
	return append([]schema.MountUnit(nil), s.staged...)
}

// Installed returns the units bound to their real path.
func (s *State) Installed() []schema.MountUnit {
	return append([]schema.MountUnit(nil), s.installed...)
}

// Outcome returns how the unit at path was staged.
func (s *State) Outcome(path string) schema.Outcome {
	return s.outcomes[path]
}

// StagingRoot returns the staging dir, empty if it was never created.
func (s *State) StagingRoot() string {
	return s.stagingRoot
}

// Merged reports whether the master layer got mounted.
func (s *State) Merged() bool {
	return s.merged
}

// Err returns the error that aborted the run, if any.
func (s *State) Err() error {
	return s.err
}

// fail records the first fatal error of the run.
func (s *State) fail(err error) error {
	if err != nil && s.err == nil {
		s.err = err
	}
	return err
}

// setFstab keeps the entry describing how the unit at path ended up mounted.
func (s *State) setFstab(path string, entry fstab.Mount) {
	if s.fstabs == nil {
		s.fstabs = map[string]*fstab.Mount{}
	}
	entry.File = path
	s.fstabs[path] = &entry
}

// WriteDAG writes the dag.
func (s *State) WriteDAG(g *herd.Graph) (out string) {
	for i, layer := range g.Analyze() {
		out += fmt.Sprintf("%d.\n", i+1)
		for _, entry := range layer {
			if entry.Error != nil {
				out += fmt.Sprintf(" <%s> (error: %s) (background: %t) (weak: %t) (run: %t)\n", entry.Name, entry.Error.Error(), entry.Background, entry.WeakDeps, entry.Executed)
			} else {
				out += fmt.Sprintf(" <%s> (background: %t) (weak: %t) (run: %t)\n", entry.Name, entry.Background, entry.WeakDeps, entry.Executed)
			}
		}
	}
	return
}

// LogIfError will log if there is an error with the given context as message
// Context can be empty.
func (s *State) LogIfError(e error, msgContext string) {
	if e != nil {
		s.Logger.Err(e).Msg(msgContext)
	}
}

// LogIfErrorAndReturn will log if there is an error with the given context as message
// Context can be empty
// Will also return the error.
func (s *State) LogIfErrorAndReturn(e error, msgContext string) error {
	if e != nil {
		s.Logger.Err(e).Msg(msgContext)
	}
	return e
}
