package gpucore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

var (
	clockTicksOnce sync.Once
	clockTicks     int64

	nrCPUsOnce sync.Once
	nrCPUs     int64
)

// clockTicksPerSec memoizes sysconf(_SC_CLK_TCK); it must not be re-queried
// on every tick.
func clockTicksPerSec() int64 {
	clockTicksOnce.Do(func() {
		v, err := unix.Sysconf(unix.SC_CLK_TCK)
		if err != nil || v <= 0 {
			clockTicks = 100
			return
		}

		clockTicks = v
	})

	return clockTicks
}

// nrCPUsOnline memoizes sysconf(_SC_NPROCESSORS_ONLN).
func nrCPUsOnline() int64 {
	nrCPUsOnce.Do(func() {
		v, err := unix.Sysconf(unix.SC_NPROCESSORS_ONLN)
		if err != nil || v <= 0 {
			nrCPUs = 1
			return
		}

		nrCPUs = v
	})

	return nrCPUs
}

// deltaU64 returns now-prev, or 0 if prev > now (a counter regression is
// treated as "unchanged" for that field).
func deltaU64(now, prev uint64) uint64 {
	if now < prev {
		return 0
	}

	return now - prev
}

// ProcInfo tracks a process's identity and CPU-time history across ticks.
type ProcInfo struct {
	PID     int
	Comm    string
	Cmdline string
	ProcDir string

	cputimeLast  uint64 // milliseconds
	cputimeDelta uint64
	nrUpdates    uint64
	msElapsed    uint64
	lastUpdate   time.Time
}

// Equal compares identity fields, matching the original's PartialEq.
func (p *ProcInfo) Equal(o *ProcInfo) bool {
	if o == nil {
		return false
	}

	return p.PID == o.PID && p.Comm == o.Comm && p.Cmdline == o.Cmdline
}

// NewProcInfo reads comm/cmdline for pid under procRoot and performs an
// initial CPU-time update.
func NewProcInfo(procRoot string, pid int) (*ProcInfo, error) {
	procDir := filepath.Join(procRoot, strconv.Itoa(pid))

	comm, _ := os.ReadFile(filepath.Join(procDir, "comm"))

	cmdlineRaw, _ := os.ReadFile(filepath.Join(procDir, "cmdline"))
	cmdline := strings.ReplaceAll(strings.TrimRight(string(cmdlineRaw), "\x00"), "\x00", " ")

	p := &ProcInfo{
		PID:     pid,
		Comm:    strings.TrimSpace(string(comm)),
		Cmdline: cmdline,
		ProcDir: procDir,
	}

	if err := p.Update(); err != nil {
		return nil, err
	}

	return p, nil
}

// Update re-reads /proc/<pid>/stat, computes the CPU-time delta since the
// last call and advances internal bookkeeping.
func (p *ProcInfo) Update() error {
	raw, err := os.ReadFile(filepath.Join(p.ProcDir, "stat"))
	if err != nil {
		return err
	}

	// comm can contain spaces/parens; split on the last ")" to find the
	// start of the numeric fields, same as the original implementation.
	s := string(raw)

	lastParen := strings.LastIndex(s, ")")
	if lastParen < 0 {
		return fmt.Errorf("malformed stat line for pid %d", p.PID)
	}

	fields := strings.Fields(s[lastParen+1:])
	if len(fields) < 12 {
		return fmt.Errorf("malformed stat line for pid %d", p.PID)
	}

	// fields[0] is state; utime/stime are fields[11]/fields[12] counting
	// state as index 0 (pid and comm were consumed above).
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return err
	}

	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return err
	}

	hz := clockTicksPerSec()
	cputime := ((utime + stime) * 1000) / uint64(hz)

	now := time.Now()

	if !p.lastUpdate.IsZero() {
		p.msElapsed = uint64(now.Sub(p.lastUpdate).Milliseconds())
	}

	p.cputimeDelta = deltaU64(cputime, p.cputimeLast)
	p.cputimeLast = cputime
	p.nrUpdates++
	p.lastUpdate = now

	return nil
}

// CPUUtilization returns the percentage of one CPU, scaled by the number of
// online CPUs, consumed since the previous Update. Returns 0 until at least
// two samples exist.
func (p *ProcInfo) CPUUtilization() float64 {
	if p.nrUpdates < 2 || p.cputimeDelta == 0 || p.msElapsed == 0 {
		return 0
	}

	return (float64(p.cputimeDelta) / (float64(p.msElapsed) * float64(nrCPUsOnline()))) * 100
}

// ChildrenPIDs reads /proc/<pid>/task/<tid>/children for every thread of pid
// and returns the union of reported child PIDs.
func ChildrenPIDs(procRoot string, pid int) ([]int, error) {
	taskDir := filepath.Join(procRoot, strconv.Itoa(pid), "task")

	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return nil, err
	}

	var children []int

	for _, e := range entries {
		raw, err := os.ReadFile(filepath.Join(taskDir, e.Name(), "children"))
		if err != nil {
			continue
		}

		for _, tok := range strings.Fields(string(raw)) {
			cpid, err := strconv.Atoi(tok)
			if err != nil {
				continue
			}

			children = append(children, cpid)
		}
	}

	return children, nil
}
