//go:build linux

package grainheap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SystemEnv backs an allocator with an anonymous private mapping. The kernel
// commits pages on first touch, so ExpandMemoryUntil never fails and freshly
// faulted pages read as zero.
type SystemEnv struct {
	total   Size
	mapping []byte
}

// NewSystemEnv creates an environment managing a region of the given size.
func NewSystemEnv(total Size) *SystemEnv {
	return &SystemEnv{total: total}
}

// TotalSpace returns the reserved region size.
func (e *SystemEnv) TotalSpace() Size {
	return e.total
}

// AllocateAddressSpace maps the full region read-write, returning nil if the
// kernel refuses.
func (e *SystemEnv) AllocateAddressSpace() unsafe.Pointer {
	if e.total == 0 {
		return nil
	}

	mapping, err := unix.Mmap(-1, 0, int(e.total.Bytes()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil
	}

	e.mapping = mapping
	return unsafe.Pointer(unsafe.SliceData(mapping))
}

// ExpandMemoryUntil is a no-op: the whole mapping is writable from the
// start.
func (e *SystemEnv) ExpandMemoryUntil(_ unsafe.Pointer, _ Size) bool {
	return true
}

// FreeAddressSpace unmaps the region.
func (e *SystemEnv) FreeAddressSpace(unsafe.Pointer) {
	if e.mapping != nil {
		_ = unix.Munmap(e.mapping)
		e.mapping = nil
	}
}
