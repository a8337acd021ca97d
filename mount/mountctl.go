package mount

import (
	"github.com/moby/sys/mountinfo"

	"github.com/minggr/nvfuse-go/internal/nverr"
)

// CheckDeviceFree refuses to mount devicePath when /proc/self/mountinfo
// already lists it as an active mount source: a control-plane or
// standalone mount must own its device exclusively.
func CheckDeviceFree(devicePath string) error {
	if devicePath == "" {
		return nil // in-memory device, nothing to check
	}
	mounts, err := mountinfo.GetMounts(func(info *mountinfo.Info) (skip, stop bool) {
		if info.Source == devicePath {
			return false, true
		}
		return true, false
	})
	if err != nil {
		return nverr.Wrap(nverr.KindIoError, err, "mountctl: read /proc/self/mountinfo")
	}
	if len(mounts) > 0 {
		return nverr.Newf(nverr.KindInvalid, "mountctl: %s is already mounted at %s", devicePath, mounts[0].Mountpoint)
	}
	return nil
}
