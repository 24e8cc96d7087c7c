package collector

import (
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
)

var (
	sysPath  = kingpin.Flag("path.sysfs", "sysfs mountpoint.").Default("/sys").String()
	procPath = kingpin.Flag("path.procfs", "procfs mountpoint.").Default("/proc").String()
)

func sysFilePath(name string) string {
	return filepath.Join(*sysPath, name)
}

func procFilePath(name string) string {
	return filepath.Join(*procPath, name)
}

// procRoot returns the procfs mountpoint itself, for callers (like the gpu
// collector's ClientRegistry) that need the root directory rather than a
// path joined under it.
func procRoot() string {
	return *procPath
}
