package mount

import (
	"strings"
	"syscall"

	"github.com/kairos-io/overlayfs/internal/constants"
	"github.com/kairos-io/overlayfs/pkg/schema"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-vfs/v4"
)

// Under reports whether path is root or lives below it.
func Under(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}

// StrictlyUnder reports whether path lives below root, root itself excluded.
func StrictlyUnder(path, root string) bool {
	return strings.HasPrefix(path, root+"/")
}

func underAny(path string, roots []string) bool {
	for _, r := range roots {
		if Under(path, r) {
			return true
		}
	}
	return false
}

// Reduce filters the mount table down to the mounts living under the system roots.
// Records are walked newest first so a stacked mount only counts once, and a record whose
// device does not match what is visible at its target anymore is shadowed and dropped.
// The result is ordered oldest to newest, /system is always there.
func Reduce(vfsys vfs.FS, records []schema.MountRecord, roots []string, log zerolog.Logger) *schema.MountPlan {
	newest := &schema.MountPlan{}
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if !underAny(r.Target, roots) {
			continue
		}
		info, err := vfsys.Stat(r.Target)
		if err != nil {
			log.Debug().Err(err).Str("where", r.Target).Msg("Skipping mount, cannot stat")
			continue
		}
		st, ok := info.Sys().(*syscall.Stat_t)
		if !ok || uint64(st.Dev) != r.Device {
			log.Debug().Str("where", r.Target).Msg("Skipping mount, shadowed by a later mount")
			continue
		}
		if newest.Add(schema.MountUnit{Path: r.Target, Role: schema.Root, FSType: r.FSType}) {
			log.Debug().Str("where", r.Target).Str("type", r.FSType).Msg("New mount")
		}
	}

	plan := &schema.MountPlan{}
	if !newest.Has("/system") {
		plan.Add(schema.MountUnit{Path: "/system", Role: schema.Root, FSType: constants.SystemFSType})
	}
	for _, u := range newest.Reversed().Units() {
		plan.Add(u)
	}
	log.Debug().Strs("mounts", plan.Paths()).Msg("Reduced mount table")
	return plan
}

// PresentRoots returns the roots that have a unit in the plan, in roots order.
func PresentRoots(plan *schema.MountPlan, roots []string) []string {
	var present []string
	for _, r := range roots {
		if plan.Has(r) {
			present = append(present, r)
		}
	}
	return present
}
