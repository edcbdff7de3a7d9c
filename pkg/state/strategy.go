package state

import (
	"fmt"

	cnst "github.com/kairos-io/overlayfs/internal/constants"
	internalUtils "github.com/kairos-io/overlayfs/internal/utils"
	"github.com/kairos-io/overlayfs/pkg/attr"
	"github.com/kairos-io/overlayfs/pkg/op"
	"github.com/kairos-io/overlayfs/pkg/schema"
)

// attempt is one rung of the fallback ladder.
type attempt struct {
	outcome   schema.Outcome
	operation op.MountOperation
}

// stage mounts something on the staging slot of u and records it as staged.
// Only running out of fallbacks, or not being able to set up the writable dirs, is an error.
func (s *State) stage(u schema.MountUnit) error {
	outcome, err := s.strategize(u)
	if s.outcomes == nil {
		s.outcomes = map[string]schema.Outcome{}
	}
	s.outcomes[u.Path] = outcome
	if err != nil {
		return err
	}
	if outcome.Staged() {
		s.staged = append(s.staged, u)
	}
	return nil
}

func (s *State) strategize(u schema.MountUnit) (schema.Outcome, error) {
	l := s.Logger.With().Str("what", u.Path).Str("role", u.Role.String()).Logger()
	slot := s.slot(u.Path)

	info, err := s.FS.Stat(u.Path)
	if err != nil {
		l.Warn().Err(err).Msg("Unable to add, ignore!")
		return schema.Skipped, nil
	}

	var ladder []attempt
	if info.IsDir() {
		upper, worker, err := s.prepareUnit(u)
		if err != nil {
			l.Error().Err(err).Msg("setup upperdir or workdir failed!")
			return schema.Failed, err
		}
		ladder = s.overlayLadder(u, slot, upper, worker)
	}
	// Overlays only work on dirs, anything else goes straight to the bind
	ladder = append(ladder, attempt{outcome: schema.Bind, operation: op.Bind(s.raw(u.Path), s.raw(slot))})

	for i, a := range ladder {
		if err = a.operation.Run(s.Mounter, l); err == nil {
			l.Info().Str("outcome", a.outcome.String()).Msg("Unit staged")
			s.setFstab(u.Path, a.operation.FstabEntry)
			return a.outcome, nil
		}
		if i < len(ladder)-1 {
			l.Warn().Err(err).Str("outcome", a.outcome.String()).Msg("mount failed, falling back")
		}
	}
	l.Error().Err(err).Msg("mount failed, abort!")
	return schema.Failed, fmt.Errorf("%w: %s: %s", cnst.ErrBindFallback, u.Path, err)
}

// prepareUnit clones the dir chain of the unit into upper and creates its workdir.
func (s *State) prepareUnit(u schema.MountUnit) (string, string, error) {
	cloner := &attr.Cloner{FS: s.FS, Labeler: s.Labeler, Layer: s.upper(), Log: s.Logger}
	upper := cloner.Clone(u.Path)
	worker := s.worker(u.Path)
	if err := internalUtils.CreateIfNotExists(s.FS, worker, 0o755); err != nil {
		return "", "", fmt.Errorf("%w: %s: %s", cnst.ErrUnitSetup, worker, err)
	}
	if !internalUtils.IsDir(s.FS, upper) || !internalUtils.IsDir(s.FS, worker) {
		return "", "", fmt.Errorf("%w: %s", cnst.ErrUnitSetup, u.Path)
	}
	return upper, worker, nil
}

// overlayLadder returns the overlay attempts for a dir unit, most capable first.
//   - overlay with upper and work, writable in read-write mode. Locked mode never
//     gets an upperdir so it can't be remounted writable.
//   - read-only overlay stacking the writable content over the original, for lower
//     filesystems overlay refuses to pair with a workdir (vfat, tmpfs, f2fs...).
func (s *State) overlayLadder(u schema.MountUnit, slot, upper, worker string) []attempt {
	var ladder []attempt
	master := s.master(u.Path)
	masterUsable := internalUtils.IsDir(s.FS, master)

	if s.Mode != schema.ReadOnlyLocked {
		var lower []string
		if masterUsable {
			lower = append(lower, s.raw(master))
		}
		lower = append(lower, s.raw(u.Path))
		outcome := schema.OverlayRO
		if s.Mode == schema.ReadWrite {
			outcome = schema.OverlayRW
		}
		ladder = append(ladder, attempt{
			outcome:   outcome,
			operation: op.Overlay(lower, s.raw(upper), s.raw(worker), s.raw(slot), s.Mode != schema.ReadWrite),
		})
	}

	var lower []string
	if !s.merged {
		lower = append(lower, s.raw(upper))
	}
	if masterUsable {
		lower = append(lower, s.raw(master))
	}
	lower = append(lower, s.raw(u.Path))
	ladder = append(ladder, attempt{
		outcome:   schema.LayeredRO,
		operation: op.Overlay(lower, "", "", s.raw(slot), false),
	})
	return ladder
}
