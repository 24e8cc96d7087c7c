package gpucore

import (
	"fmt"
	"syscall"
	"unsafe"
)

// DRM_IOCTL_XE_DEVICE_QUERY is _IOWR('d', DRM_COMMAND_BASE+0x00,
// sizeof(drm_xe_device_query)), precomputed the way the ipmi package
// precomputes its ioctl numbers rather than building a generic _IOWR macro.
const drmIoctlXeDeviceQuery = 0xC0286440 //nolint:stylecheck

// xeQueryClass enumerates DRM_XE_DEVICE_QUERY_* query selectors.
const (
	xeDeviceQueryEngines    = 0
	xeDeviceQueryMemRegions = 1
	xeDeviceQueryConfig     = 2
)

const (
	xeMemRegionClassSysmem = 0
	xeMemRegionClassVram   = 1
)

const xeQueryConfigFlagHasVram = 1

// xeDeviceQuery mirrors uapi xe_drm.h's struct drm_xe_device_query.
type xeDeviceQuery struct {
	Extensions uint64
	Query      uint32
	Size       uint32
	Data       uint64
	Reserved   [2]uint64
}

// xeMemRegion mirrors struct drm_xe_mem_region.
type xeMemRegion struct {
	MemClass       uint16
	Instance       uint16
	MinPageSize    uint32
	TotalSize      uint64
	Used           uint64
	CPUVisibleSize uint64
	CPUVisibleUsed uint64
	Reserved       [6]uint64
}

// xeEngineClassInstance mirrors struct drm_xe_engine_class_instance.
type xeEngineClassInstance struct {
	EngineClass    uint16
	EngineInstance uint16
	GtID           uint16
	Pad            uint16
}

// xeEngine mirrors struct drm_xe_engine.
type xeEngine struct {
	Instance xeEngineClassInstance
	Reserved [3]uint64
}

// xeDeviceQueryRaw issues DRM_IOCTL_XE_DEVICE_QUERY twice: once to learn the
// result size, once with a freshly allocated buffer to fill it. Returns the
// raw result buffer (empty, not an error, if the kernel reports zero size).
func xeDeviceQueryRaw(fd int, query uint32) ([]byte, error) {
	dq := xeDeviceQuery{Query: query}

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd),
		drmIoctlXeDeviceQuery, uintptr(unsafe.Pointer(&dq))); errno != 0 {
		return nil, fmt.Errorf("xe device query (size probe): %w", errno)
	}

	if dq.Size == 0 {
		return nil, nil
	}

	buf := make([]byte, dq.Size)
	dq.Data = uint64(uintptr(unsafe.Pointer(&buf[0])))

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd),
		drmIoctlXeDeviceQuery, uintptr(unsafe.Pointer(&dq))); errno != 0 {
		return nil, fmt.Errorf("xe device query: %w", errno)
	}

	return buf, nil
}

func readUint32LE(buf []byte, offset int) uint32 {
	return *(*uint32)(unsafe.Pointer(&buf[offset])) //nolint:gosec
}

func readUint64LE(buf []byte, offset int) uint64 {
	return *(*uint64)(unsafe.Pointer(&buf[offset])) //nolint:gosec
}

// DRM_IOCTL_I915_QUERY is _IOWR('d', 0x39, sizeof(drm_i915_query)).
const drmIoctlI915Query = 0xC0106439 //nolint:stylecheck

const i915QueryMemoryRegions = 4

const (
	i915MemoryClassSystem = 0
	i915MemoryClassDevice = 1
)

// i915QueryItem mirrors struct drm_i915_query_item.
type i915QueryItem struct {
	QueryID uint64
	Length  int32
	Flags   uint32
	DataPtr uint64
}

// i915Query mirrors struct drm_i915_query.
type i915Query struct {
	NumItems uint32
	Flags    uint32
	ItemsPtr uint64
}

// i915QueryRaw issues DRM_IOCTL_I915_QUERY for queryID twice: once to learn
// the result length, once with a freshly allocated buffer to fill it.
func i915QueryRaw(fd int, queryID uint64) ([]byte, error) {
	item := i915QueryItem{QueryID: queryID}
	q := i915Query{NumItems: 1, ItemsPtr: uint64(uintptr(unsafe.Pointer(&item)))}

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd),
		drmIoctlI915Query, uintptr(unsafe.Pointer(&q))); errno != 0 {
		return nil, fmt.Errorf("i915 query (length probe): %w", errno)
	}

	if item.Length <= 0 {
		return nil, nil
	}

	buf := make([]byte, item.Length)
	item.DataPtr = uint64(uintptr(unsafe.Pointer(&buf[0])))

	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd),
		drmIoctlI915Query, uintptr(unsafe.Pointer(&q))); errno != 0 {
		return nil, fmt.Errorf("i915 query: %w", errno)
	}

	if item.Length <= 0 {
		return nil, nil
	}

	return buf, nil
}
