package gpucore

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
)

// DrmFdObservation pairs a DRM fd observed on some process with its parsed
// fdinfo.
type DrmFdObservation struct {
	Proc   *ProcInfo
	Fdinfo *Fdinfo
}

// ProcScanner walks /proc (whole-system or a PID subtree) and resolves the
// DRM file descriptors held open by each visited process.
type ProcScanner struct {
	ProcRoot string
	logger   *slog.Logger
}

// NewProcScanner returns a ProcScanner rooted at procRoot (normally /proc).
func NewProcScanner(procRoot string, logger *slog.Logger) *ProcScanner {
	if logger == nil {
		logger = slog.Default()
	}

	return &ProcScanner{ProcRoot: procRoot, logger: logger}
}

// ScanAll visits every numeric entry under ProcRoot.
func (s *ProcScanner) ScanAll() []DrmFdObservation {
	entries, err := os.ReadDir(s.ProcRoot)
	if err != nil {
		s.logger.Debug("failed to read proc root", "err", err)

		return nil
	}

	var obs []DrmFdObservation

	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		obs = append(obs, s.scanPID(pid)...)
	}

	return obs
}

// ScanSubtree visits basePID and every descendant reachable via
// /proc/<pid>/task/<tid>/children (BFS).
func (s *ProcScanner) ScanSubtree(basePID int) []DrmFdObservation {
	visited := map[int]bool{}
	queue := []int{basePID}

	var obs []DrmFdObservation

	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]

		if visited[pid] {
			continue
		}

		visited[pid] = true

		obs = append(obs, s.scanPID(pid)...)

		children, err := ChildrenPIDs(s.ProcRoot, pid)
		if err != nil {
			continue
		}

		queue = append(queue, children...)
	}

	return obs
}

// scanPID reads a single process's DRM fds. Errors for this PID are logged
// at debug level and do not abort the overall scan.
func (s *ProcScanner) scanPID(pid int) []DrmFdObservation {
	procDir := filepath.Join(s.ProcRoot, strconv.Itoa(pid))

	fdDir := filepath.Join(procDir, "fd")

	entries, err := os.ReadDir(fdDir)
	if err != nil {
		s.logger.Debug("failed to list fds", "pid", pid, "err", err)

		return nil
	}

	proc, err := NewProcInfo(s.ProcRoot, pid)
	if err != nil {
		s.logger.Debug("failed to read proc info", "pid", pid, "err", err)

		return nil
	}

	var obs []DrmFdObservation

	for _, e := range entries {
		fdPath := filepath.Join(fdDir, e.Name())

		minor, ok, err := IsDrmFd(fdPath)
		if err != nil || !ok {
			continue
		}

		fdinfoPath := filepath.Join(procDir, "fdinfo", e.Name())

		fi, err := ParseFdinfo(fdinfoPath, minor)
		if err != nil {
			s.logger.Debug("failed to parse fdinfo", "pid", pid, "fd", e.Name(), "err", err)

			continue
		}

		obs = append(obs, DrmFdObservation{Proc: proc, Fdinfo: fi})
	}

	return obs
}
