package mount

import (
	"github.com/kairos-io/overlayfs/pkg/schema"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// ReadMountTable returns the mounts of the current process, oldest first.
func ReadMountTable() ([]schema.MountRecord, error) {
	infos, err := mountinfo.GetMounts(nil)
	if err != nil {
		return nil, err
	}
	return recordsFromInfo(infos), nil
}

func recordsFromInfo(infos []*mountinfo.Info) []schema.MountRecord {
	records := make([]schema.MountRecord, 0, len(infos))
	for _, i := range infos {
		records = append(records, schema.MountRecord{
			Target: i.Mountpoint,
			Device: unix.Mkdev(uint32(i.Major), uint32(i.Minor)),
			FSType: i.FSType,
		})
	}
	return records
}
