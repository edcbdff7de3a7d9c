package state

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	cnst "github.com/kairos-io/overlayfs/internal/constants"
	"github.com/kairos-io/overlayfs/pkg/op"
)

// install binds every staged unit onto its real path, making each one private and then
// shared so other namespaces only ever see the final mount. On the first failure
// everything installed so far is rolled back.
func (s *State) install() error {
	for _, u := range s.staged {
		target := s.raw(u.Path)
		if err := op.Bind(s.raw(s.slot(u.Path)), target).Run(s.Mounter, s.Logger); err != nil {
			s.Logger.Error().Err(err).Str("where", u.Path).Msg("mount failed, abort!")
			return s.rollback(fmt.Errorf("%w: binding %s: %s", cnst.ErrInstall, u.Path, err))
		}
		s.installed = append(s.installed, u)
		if err := op.PrivateThenShared(s.Mounter, target); err != nil {
			s.Logger.Error().Err(err).Str("where", u.Path).Msg("mount failed, abort!")
			return s.rollback(fmt.Errorf("%w: propagation of %s: %s", cnst.ErrInstall, u.Path, err))
		}
	}
	s.Logger.Info().Int("count", len(s.installed)).Msg("mount done!")
	return nil
}

// rollback detaches the installed units, last first, as later units can sit on top of earlier ones.
func (s *State) rollback(cause error) error {
	result := multierror.Append(nil, cause)
	for i := len(s.installed) - 1; i >= 0; i-- {
		u := s.installed[i]
		if err := op.Detach(s.Mounter, s.raw(u.Path)); err != nil {
			s.Logger.Warn().Err(err).Str("where", u.Path).Msg("Reverting mount failed")
			result = multierror.Append(result, fmt.Errorf("reverting %s: %w", u.Path, err))
		}
	}
	s.installed = nil
	return result.ErrorOrNil()
}
