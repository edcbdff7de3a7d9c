package dag

import (
	"context"

	cnst "github.com/kairos-io/overlayfs/internal/constants"
	"github.com/kairos-io/overlayfs/pkg/state"
	"github.com/spectrocloud-labs/herd"
)

// step registers one op of the chain with the given options.
type step struct {
	name     string
	register func(*herd.Graph, ...herd.OpOption) error
}

// RegisterOverlay registers the dag that stages the writable overlays and installs them on
// the system roots. Every op waits on all the previous ones so nothing runs concurrently
// on the shared mount namespace. The staging teardown depends weakly on all of them, it runs
// no matter where the chain stopped.
func RegisterOverlay(s *state.State, g *herd.Graph) error {
	steps := []step{
		{cnst.OpDiscover, s.DiscoverDagStep},
		{cnst.OpPrepareLayout, s.PrepareLayoutDagStep},
		{cnst.OpMountStaging, s.MountStagingDagStep},
		{cnst.OpStageLayout, s.StageLayoutDagStep},
		{cnst.OpMountMaster, s.MountMasterDagStep},
		{cnst.OpStageOverlays, s.StageOverlaysDagStep},
		{cnst.OpStageNested, s.StageNestedDagStep},
		{cnst.OpInstall, s.InstallDagStep},
		{cnst.OpMirrorSync, s.MirrorSyncDagStep},
		{cnst.OpWriteManifest, s.WriteManifestDagStep},
	}

	var deps []string
	for _, st := range steps {
		var opts []herd.OpOption
		if len(deps) > 0 {
			opts = append(opts, herd.WithDeps(deps...))
		}
		if err := s.LogIfErrorAndReturn(st.register(g, opts...), st.name); err != nil {
			return err
		}
		deps = append(deps, st.name)
	}

	return s.LogIfErrorAndReturn(s.TeardownDagStep(g, herd.WithDeps(deps...), herd.WeakDeps), cnst.OpTeardown)
}

// Run runs the dag. The error that aborted the session wins over whatever the graph reports.
func Run(ctx context.Context, s *state.State, g *herd.Graph) error {
	err := g.Run(ctx)
	if s.Err() != nil {
		return s.Err()
	}
	return err
}
