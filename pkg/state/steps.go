package state

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-multierror"
	cnst "github.com/kairos-io/overlayfs/internal/constants"
	internalUtils "github.com/kairos-io/overlayfs/internal/utils"
	"github.com/kairos-io/overlayfs/pkg/mount"
	"github.com/kairos-io/overlayfs/pkg/op"
	"github.com/kairos-io/overlayfs/pkg/schema"
	"github.com/spectrocloud-labs/herd"
)

// DiscoverDagStep reduces the live mount table to the mounts under the system roots.
func (s *State) DiscoverDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpDiscover, append(opts, herd.WithCallback(func(_ context.Context) error {
		records, err := s.MountTable()
		if err != nil {
			return s.fail(fmt.Errorf("reading mount table: %w", err))
		}
		s.plan = mount.Reduce(s.FS, records, s.Roots, s.Logger)
		s.units = &schema.MountPlan{}
		return nil
	}))...)
}

// PrepareLayoutDagStep creates upper, worker and master under the base dir.
// Without them there is no scratch area for the writable layer, so it counts as the
// staging filesystem being unavailable.
func (s *State) PrepareLayoutDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpPrepareLayout, append(opts, herd.WithCallback(func(_ context.Context) error {
		for _, d := range []string{s.upper(), s.worker(), s.master()} {
			if err := internalUtils.CreateIfNotExists(s.FS, d, 0o750); err != nil {
				return s.fail(fmt.Errorf("%w: creating %s: %s", cnst.ErrStagingUnavailable, d, err))
			}
			if !internalUtils.IsDir(s.FS, d) {
				return s.fail(fmt.Errorf("%w: %s is not a directory", cnst.ErrStagingUnavailable, d))
			}
		}
		return nil
	}))...)
}

// MountStagingDagStep mounts a tmpfs on a fresh, unpredictable dir under the staging base.
func (s *State) MountStagingDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpMountStaging, append(opts, herd.WithCallback(func(_ context.Context) error {
		name, err := s.NameGenerator(cnst.StagingPrefix)
		if err != nil {
			return s.fail(fmt.Errorf("%w: %s", cnst.ErrStagingUnavailable, err))
		}
		root := filepath.Join(s.StagingBase, name)
		if err := s.FS.Mkdir(root, 0o750); err != nil {
			s.Logger.Err(err).Str("where", root).Msg("Cannot create temp folder, please make sure the staging base is clean and writable")
			return s.fail(fmt.Errorf("%w: %s", cnst.ErrStagingUnavailable, err))
		}
		s.stagingRoot = root

		if err := op.Tmpfs(s.raw(root)).Run(s.Mounter, s.Logger); err != nil {
			return s.fail(fmt.Errorf("%w: %s", cnst.ErrStagingUnavailable, err))
		}
		s.stagingMounted = true
		s.Logger.Info().Str("where", root).Msg("Staging filesystem ready")
		return nil
	}))...)
}

// StageLayoutDagStep creates a slot in the staging filesystem for every root and for every
// first level dir under it. Each of those dirs becomes its own unit.
func (s *State) StageLayoutDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpStageLayout, append(opts, herd.WithCallback(func(_ context.Context) error {
		for _, root := range mount.PresentRoots(s.plan, s.Roots) {
			if err := s.FS.Mkdir(s.slot(root), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				s.Logger.Warn().Err(err).Str("where", s.slot(root)).Msg("Cannot create staging dir")
			}
			entries, err := s.FS.ReadDir(root)
			if err != nil {
				s.Logger.Warn().Err(err).Str("what", root).Msg("Cannot list root")
				continue
			}
			for _, e := range entries {
				child := filepath.Join(root, e.Name())
				info, err := s.FS.Lstat(child)
				if err != nil || !info.IsDir() {
					continue
				}
				if err := s.FS.Mkdir(s.slot(child), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
					s.Logger.Warn().Err(err).Str("where", s.slot(child)).Msg("Cannot create staging dir")
				}
				u := schema.MountUnit{Path: child, Role: schema.Subdirectory}
				if s.units.Add(u) {
					s.subdirs = append(s.subdirs, u)
				}
			}
		}
		s.Logger.Debug().Int("count", len(s.subdirs)).Msg("Subdirectories discovered")
		return nil
	}))...)
}

// MountMasterDagStep merges upper with the extra lower dirs into master, or binds upper
// there when there are none. Failing here only means upper has to be part of the
// fallback lower chains.
func (s *State) MountMasterDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpMountMaster, append(opts, herd.WithCallback(func(_ context.Context) error {
		var operation op.MountOperation
		if s.LowerList != "" {
			lower := append([]string{s.raw(s.upper())}, strings.Split(s.LowerList, ":")...)
			operation = op.Overlay(lower, "", "", s.raw(s.master()), false)
		} else {
			operation = op.Bind(s.raw(s.upper()), s.raw(s.master()))
		}
		err := operation.Run(s.Mounter, s.Logger)
		s.merged = err == nil
		s.masterMounted = s.merged
		if err != nil {
			s.Logger.Warn().Err(err).Msg("Master layer not available")
		}
		return nil
	}))...)
}

// StageOverlaysDagStep assembles the overlay of every subdirectory unit in the staging filesystem.
func (s *State) StageOverlaysDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpStageOverlays, append(opts, herd.WithCallback(func(_ context.Context) error {
		s.Logger.Info().Msg("Prepare mounts")
		for _, u := range s.subdirs {
			if err := s.stage(u); err != nil {
				return s.fail(err)
			}
		}
		return nil
	}))...)
}

// StageNestedDagStep restores the original mounts that live under a staged subdirectory,
// so a separate filesystem is layered on its own instead of being hidden by the overlay.
func (s *State) StageNestedDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpStageNested, append(opts, herd.WithCallback(func(_ context.Context) error {
		parents := s.Staged()
		for _, m := range s.plan.Units() {
			for _, parent := range parents {
				if !mount.StrictlyUnder(m.Path, parent.Path) {
					continue
				}
				u := schema.MountUnit{Path: m.Path, Role: schema.RestoredNestedMount, FSType: m.FSType}
				if s.units.Add(u) {
					s.Logger.Debug().Str("what", u.Path).Str("parent", parent.Path).Msg("Restoring nested mount")
					if err := s.stage(u); err != nil {
						return s.fail(err)
					}
				}
				break
			}
		}
		return nil
	}))...)
}

// InstallDagStep binds every staged unit onto its real path.
func (s *State) InstallDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpInstall, append(opts, herd.WithCallback(func(_ context.Context) error {
		s.Logger.Info().Msg("Loading overlayfs")
		return s.fail(s.install())
	}))...)
}

// MirrorSyncDagStep replays the installed units into the mirror tree, so whoever manages
// the mirrors does not shadow them. Best effort.
func (s *State) MirrorSyncDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpMirrorSync, append(opts, herd.WithCallback(func(_ context.Context) error {
		mirrors := s.mirrorDir()
		if mirrors == "" {
			s.Logger.Debug().Msg("No mirrors, skipping")
			return nil
		}
		s.Logger.Debug().Str("where", mirrors).Msg("Mirrors path")
		var err *multierror.Error
		for _, u := range s.installed {
			target := filepath.Join(mirrors, u.Path)
			if e := op.Bind(s.raw(s.slot(u.Path)), s.raw(target)).Run(s.Mounter, s.Logger); e != nil {
				err = multierror.Append(err, fmt.Errorf("binding %s: %w", target, e))
				continue
			}
			if e := op.PrivateThenShared(s.Mounter, s.raw(target)); e != nil {
				err = multierror.Append(err, fmt.Errorf("propagation of %s: %w", target, e))
			}
		}
		if err.ErrorOrNil() != nil {
			s.Logger.Warn().Err(err).Msg("Mirror sync incomplete")
		}
		return nil
	}))...)
}

func (s *State) mirrorDir() string {
	if s.MirrorBase == "" {
		return ""
	}
	mirrors := filepath.Join(s.MirrorBase, cnst.MirrorSubdir)
	if !internalUtils.IsDir(s.FS, mirrors) {
		return ""
	}
	return mirrors
}

// WriteManifestDagStep writes an fstab style description of the installed units under the base dir.
func (s *State) WriteManifestDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpWriteManifest, append(opts, herd.WithCallback(func(_ context.Context) error {
		var b strings.Builder
		for _, u := range s.installed {
			if entry, ok := s.fstabs[u.Path]; ok {
				b.WriteString(entry.String())
				b.WriteString("\n")
			}
		}
		if err := s.FS.WriteFile(s.path(cnst.ManifestFile), []byte(b.String()), 0o644); err != nil {
			s.Logger.Warn().Err(err).Msg("Writing mount manifest")
		}
		return nil
	}))...)
}

// TeardownDagStep unmounts and removes the staging filesystem. It runs whatever happened
// before, the installed units keep their own binds. When the run failed the master layer
// is unmounted too, nothing references it anymore.
func (s *State) TeardownDagStep(g *herd.Graph, opts ...herd.OpOption) error {
	return g.Add(cnst.OpTeardown, append(opts, herd.WithCallback(func(_ context.Context) error {
		var err *multierror.Error
		if e := s.teardownStaging(); e != nil {
			err = multierror.Append(err, e)
		}
		if s.err != nil {
			if e := s.teardownMaster(); e != nil {
				err = multierror.Append(err, e)
			}
		}
		s.LogIfError(err.ErrorOrNil(), "clean up")
		return err.ErrorOrNil()
	}))...)
}

func (s *State) teardownStaging() error {
	if s.stagingRoot == "" {
		return nil
	}
	s.Logger.Info().Str("where", s.stagingRoot).Msg("clean up")
	root := s.raw(s.stagingRoot)
	if s.stagingMounted {
		if err := op.Detach(s.Mounter, root); err != nil {
			return fmt.Errorf("unmounting staging filesystem: %w", err)
		}
		s.stagingMounted = false
	}
	if internalUtils.IsMounted(root) {
		return fmt.Errorf("staging filesystem %s still mounted", root)
	}
	err := retry.Do(
		func() error { return s.FS.RemoveAll(s.stagingRoot) },
		retry.Attempts(5),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("removing staging dir: %w", err)
	}
	s.stagingRoot = ""
	return nil
}

// teardownMaster unmounts the master layer. It has to go after the staging filesystem,
// the staged overlays use it as a lower dir.
func (s *State) teardownMaster() error {
	if !s.masterMounted {
		return nil
	}
	s.Logger.Info().Str("where", s.master()).Msg("Unmounting master layer")
	if err := op.Detach(s.Mounter, s.raw(s.master())); err != nil {
		return fmt.Errorf("unmounting master layer: %w", err)
	}
	s.masterMounted = false
	return nil
}
