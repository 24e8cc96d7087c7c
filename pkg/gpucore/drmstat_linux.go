//go:build linux

package gpucore

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// statDrmMinor extracts the DRM minor number from a char-device FileInfo,
// reporting ok=false if the file isn't a DRM character device (major 226).
func statDrmMinor(info os.FileInfo) (minor uint32, ok bool, err error) {
	st, isStat := info.Sys().(*syscall.Stat_t)
	if !isStat {
		return 0, false, nil
	}

	if info.Mode()&os.ModeCharDevice == 0 {
		return 0, false, nil
	}

	if unix.Major(uint64(st.Rdev)) != DrmMajor { //nolint:unconvert
		return 0, false, nil
	}

	return unix.Minor(uint64(st.Rdev)), true, nil //nolint:unconvert
}
