// Package malloc exposes a C-style malloc/free surface over one process-wide
// allocator. Failures set an errno-style code retrievable with Errno, using
// the standard values (ENOMEM, EINVAL); success leaves the previous code in
// place, as C's errno does.
//
// The backing region is a 1 GiB anonymous mapping reserved on first use.
package malloc

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/grainheap/grainheap"
)

// Standard errno values reported by this package.
const (
	ENOMEM = 12
	EINVAL = 22
)

const regionBytes = 1024 * 1024 * 1024

// pointerWord is the default malloc alignment.
const pointerWord = uint64(unsafe.Sizeof(uintptr(0)))

var global = grainheap.NewMutex(grainheap.New(grainheap.NewSystemEnv(mustSize(regionBytes))))

var errno atomic.Int32

// Errno returns the code recorded by the most recent failing call.
func Errno() int32 {
	return errno.Load()
}

func setErrno(code int32) {
	errno.Store(code)
}

func mustSize(n uint64) grainheap.Size {
	s, ok := grainheap.SizeFromBytes(n)
	if !ok {
		panic("malloc: region size overflows")
	}
	return s
}

// Malloc allocates size bytes aligned to the pointer word.
func Malloc(size uint64) unsafe.Pointer {
	return AlignedAlloc(pointerWord, size)
}

// Calloc allocates count*size zeroed bytes, failing on multiplication
// overflow.
func Calloc(count, size uint64) unsafe.Pointer {
	if size != 0 && count > math.MaxUint64/size {
		setErrno(ENOMEM)
		return nil
	}

	total, ok := grainheap.SizeFromBytes(count * size)
	if !ok {
		setErrno(ENOMEM)
		return nil
	}

	align, _ := grainheap.SizeFromBytes(16)

	allocator := global.Lock()
	p := allocator.AllocZeroed(align, total)
	global.Unlock()

	if p == nil {
		setErrno(ENOMEM)
	}
	return p
}

// PosixMemalign allocates size bytes aligned to align, which must be a
// power of two no smaller than the pointer word. It returns the errno code
// directly instead of recording it, like its C counterpart.
func PosixMemalign(align, size uint64) (unsafe.Pointer, int32) {
	if align == 0 || align&(align-1) != 0 || align < pointerWord {
		return nil, EINVAL
	}

	alignSize, ok := grainheap.SizeFromBytes(align)
	if !ok {
		return nil, ENOMEM
	}

	byteSize, ok := grainheap.SizeFromBytes(size)
	if !ok {
		return nil, ENOMEM
	}

	allocator := global.Lock()
	p := allocator.Alloc(alignSize, byteSize)
	global.Unlock()

	if p == nil {
		return nil, ENOMEM
	}
	return p, 0
}

// AlignedAlloc allocates size bytes aligned to align.
func AlignedAlloc(align, size uint64) unsafe.Pointer {
	p, code := PosixMemalign(align, size)
	if code != 0 {
		setErrno(code)
	}
	return p
}

// Memalign is the legacy spelling of AlignedAlloc.
func Memalign(align, size uint64) unsafe.Pointer {
	return AlignedAlloc(align, size)
}

// Realloc resizes an allocation. A nil pointer behaves as Malloc, a zero
// size as Free.
func Realloc(p unsafe.Pointer, size uint64) unsafe.Pointer {
	if p == nil {
		return Malloc(size)
	}

	if size == 0 {
		Free(p)
		return nil
	}

	byteSize, ok := grainheap.SizeFromBytes(size)
	if !ok {
		setErrno(ENOMEM)
		return nil
	}

	align, _ := grainheap.SizeFromBytes(1)

	allocator := global.Lock()
	newP := allocator.Realloc(p, align, byteSize)
	global.Unlock()

	if newP == nil {
		setErrno(ENOMEM)
	}
	return newP
}

// ReallocArray is Realloc with an overflow-checked count*size.
func ReallocArray(p unsafe.Pointer, count, size uint64) unsafe.Pointer {
	if size != 0 && count > math.MaxUint64/size {
		setErrno(ENOMEM)
		return nil
	}
	return Realloc(p, count*size)
}

// Free releases an allocation; a nil pointer is ignored.
func Free(p unsafe.Pointer) {
	if p == nil {
		return
	}

	allocator := global.Lock()
	allocator.Free(p)
	global.Unlock()
}

// MallocUsableSize returns the usable byte count of an allocation, or zero
// for nil.
func MallocUsableSize(p unsafe.Pointer) uint64 {
	if p == nil {
		return 0
	}
	return uint64(grainheap.UsableSize(p))
}
