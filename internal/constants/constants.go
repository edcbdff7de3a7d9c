package constants

import "errors"

// SystemRoots are the Android partitions that get an overlay.
// Never mutated.
func SystemRoots() []string {
	return []string{"/system", "/vendor", "/system_ext", "/product"}
}

var (
	ErrNoOverlay          = errors.New("no overlay supported by kernel")
	ErrInvalidBase        = errors.New("invalid writable base directory")
	ErrStagingUnavailable = errors.New("cannot create staging filesystem")
	ErrUnitSetup          = errors.New("setup upperdir or workdir failed")
	ErrBindFallback       = errors.New("bind mount fallback failed")
	ErrInstall            = errors.New("installing overlay mounts failed")
	ErrNotExt4            = errors.New("not an ext4 filesystem")
)

const (
	OpDiscover      = "discover-mounts"
	OpPrepareLayout = "prepare-layout"
	OpMountStaging  = "mount-staging"
	OpStageLayout   = "stage-layout"
	OpMountMaster   = "mount-master"
	OpStageOverlays = "stage-overlays"
	OpStageNested   = "stage-nested"
	OpInstall       = "install-overlays"
	OpMirrorSync    = "mirror-sync"
	OpWriteManifest = "write-manifest"
	OpTeardown      = "teardown-staging"

	UpperDir  = "upper"
	WorkerDir = "worker"
	MasterDir = "master"

	StagingPrefix      = "overlayfs_"
	DefaultStagingBase = "/mnt"
	DefaultLogFile     = "/cache/overlayfs.log"
	MirrorSubdir       = ".magisk/mirror"
	ManifestFile       = "overlay.fstab"

	// SystemFSType is assumed for /system when it is not its own mount.
	SystemFSType = "ext4"
)
