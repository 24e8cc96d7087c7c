package gpucore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Sensor groups the files for one hwmon sensor type/index (e.g. "temp1",
// "power2") discovered under a Hwmon base directory.
type Sensor struct {
	Sensor string
	Label  string
	items  map[string]bool
}

// HasItem reports whether item (e.g. "input", "average", "crit") was seen
// for this sensor on the last refresh.
func (s *Sensor) HasItem(item string) bool {
	return s.items[item]
}

func newSensor(stype string) *Sensor {
	return &Sensor{Sensor: stype, items: make(map[string]bool)}
}

func (s *Sensor) setItem(item, fpath string) error {
	if item == "label" {
		raw, err := sysReadFile(fpath)
		if err != nil {
			return err
		}

		s.Label = strings.TrimSpace(string(raw))

		return nil
	}

	s.items[item] = true

	return nil
}

// Hwmon reads a single hwmon instance's sensor files from sysfs.
type Hwmon struct {
	BaseDir string
	sensors map[string]*Sensor
}

// ReadSensor reads the value of a single "<sensor>_<item>" file (e.g.
// "temp1_input") as an unsigned integer.
func (h *Hwmon) ReadSensor(sensor, item string) (uint64, error) {
	spath := filepath.Join(h.BaseDir, sensor+"_"+item)

	raw, err := sysReadFile(spath)
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}

// Sensors returns every discovered sensor whose type name has the given
// prefix (e.g. "temp", "power", "fan").
func (h *Hwmon) Sensors(prefix string) []*Sensor {
	var res []*Sensor

	for sty, sensor := range h.sensors {
		if strings.HasPrefix(sty, prefix) {
			res = append(res, sensor)
		}
	}

	return res
}

// Refresh re-scans BaseDir and rebuilds the sensor/item map.
func (h *Hwmon) Refresh() error {
	entries, err := os.ReadDir(h.BaseDir)
	if err != nil {
		return err
	}

	h.sensors = make(map[string]*Sensor)

	for _, e := range entries {
		name := e.Name()

		if e.IsDir() || name == "name" || name == "uevent" {
			continue
		}

		info, err := e.Info()
		if err != nil || info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		sty, item, ok := strings.Cut(name, "_")
		if !ok || sty == "" || item == "" {
			continue
		}

		sensor, ok := h.sensors[sty]
		if !ok {
			sensor = newSensor(sty)
			h.sensors[sty] = sensor
		}

		if err := sensor.setItem(item, filepath.Join(h.BaseDir, name)); err != nil {
			return err
		}
	}

	return nil
}

// findHwmonPath returns the first "hwmon*" child directory of rootDir, or
// "" if none exists.
func findHwmonPath(rootDir string) (string, error) {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return "", err
	}

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "hwmon") {
			return filepath.Join(rootDir, e.Name()), nil
		}
	}

	return "", nil
}

// HwmonFrom locates a "hwmon*" directory under rootDir (e.g. a DRM device's
// sysfs node) and builds a Hwmon reader for it. Returns nil, nil if rootDir
// has no hwmon child or the hwmon directory lacks a "name" file.
func HwmonFrom(rootDir string) (*Hwmon, error) {
	hwmonDir, err := findHwmonPath(rootDir)
	if err != nil {
		return nil, err
	}

	if hwmonDir == "" {
		return nil, nil
	}

	if _, err := os.Stat(filepath.Join(hwmonDir, "name")); err != nil {
		return nil, nil
	}

	h := &Hwmon{BaseDir: hwmonDir, sensors: make(map[string]*Sensor)}

	if err := h.Refresh(); err != nil {
		return nil, err
	}

	return h, nil
}

// sysReadFile reads a sysfs file with a single direct read(2), bypassing
// os.ReadFile's poll loop. Some hwmon drivers return EAGAIN on read, which
// makes the stdlib implementation spin forever.
func sysReadFile(file string) ([]byte, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	b := make([]byte, 128)

	n, err := unix.Read(int(f.Fd()), b)
	if err != nil {
		return nil, err
	}

	if n < 0 {
		return nil, fmt.Errorf("failed to read file %q: read returned negative bytes value %d", file, n)
	}

	return b[:n], nil
}
