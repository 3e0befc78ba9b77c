package grainheap

import "unsafe"

// BufferEnv backs an allocator with a caller-supplied byte buffer. The base
// is aligned to the grain inside the buffer, so up to Granularity-1 leading
// bytes plus any trailing sub-grain remainder are unusable. The usable
// window is zeroed once when the region is reserved, which upholds the
// zero-commit contract even for dirty buffers.
type BufferEnv struct {
	window []byte
	total  Size
}

// NewBufferEnv wraps buf. The buffer must stay alive and untouched by the
// caller for as long as the allocator is in use.
func NewBufferEnv(buf []byte) *BufferEnv {
	if len(buf) == 0 {
		return &BufferEnv{}
	}

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	pad := (Granularity - addr%Granularity) % Granularity
	if uintptr(len(buf)) <= pad {
		return &BufferEnv{}
	}

	usable := (uintptr(len(buf)) - pad) &^ (Granularity - 1)
	return &BufferEnv{
		window: buf[pad : pad+usable],
		total:  Size(usable / Granularity),
	}
}

// TotalSpace returns the grain-aligned usable window size.
func (e *BufferEnv) TotalSpace() Size {
	return e.total
}

// AllocateAddressSpace zeroes the window and hands it out, or returns nil if
// the buffer was too small to hold even one grain.
func (e *BufferEnv) AllocateAddressSpace() unsafe.Pointer {
	if e.total == 0 {
		return nil
	}
	clear(e.window)
	return unsafe.Pointer(unsafe.SliceData(e.window))
}

// ExpandMemoryUntil reports whether offset is inside the window; the buffer
// is always fully committed.
func (e *BufferEnv) ExpandMemoryUntil(_ unsafe.Pointer, offset Size) bool {
	return offset.Bytes() <= uintptr(len(e.window))
}

// FreeAddressSpace is a no-op; the buffer belongs to the caller.
func (e *BufferEnv) FreeAddressSpace(unsafe.Pointer) {}
