package gpucore

// PrivilegedFunc runs fn, optionally inside a capability-raised security
// context. The default hook installed in privExec runs fn directly, which is
// correct whenever the process already has perf_event_open access (running
// as root, or with the capability held effective).
type PrivilegedFunc func(fn func() error) error

var privExec PrivilegedFunc = func(fn func() error) error { return fn() }

// SetPrivilegedExec installs the hook every perf_event_open call in this
// package runs through. Callers that drop CAP_PERFMON to permitted-only
// (internal/security.DropPrivileges with enableEffective=false) must install
// a hook that raises it for the duration of fn, the way the teacher's own
// rapl collector wraps its energy-counter reads in a security.SecurityContext.
// A nil f is ignored.
func SetPrivilegedExec(f PrivilegedFunc) {
	if f != nil {
		privExec = f
	}
}
