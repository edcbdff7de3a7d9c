package op

import (
	"github.com/containerd/containerd/mount"
	"github.com/deniswernert/go-fstab"
	"github.com/rs/zerolog"
)

type MountOperation struct {
	FstabEntry      fstab.Mount
	MountOption     mount.Mount
	Target          string
	PrepareCallback func() error
}

func (m MountOperation) Run(mounter Mounter, log zerolog.Logger) error {
	// Add context to sublogger
	l := log.With().Str("what", m.MountOption.Source).Str("where", m.Target).Str("type", m.MountOption.Type).Strs("options", m.MountOption.Options).Logger()

	if m.PrepareCallback != nil {
		if err := m.PrepareCallback(); err != nil {
			l.Warn().Err(err).Msg("executing mount callback")
			return err
		}
	}
	if err := mounter.Mount(m.MountOption, m.Target); err != nil {
		l.Debug().Err(err).Msg("mount failed")
		return err
	}
	l.Debug().Msg("mount done")
	return nil
}
