// Package grainheap is a general-purpose heap allocator over a single
// contiguous address region. It can run inside a caller-supplied buffer
// (BufferEnv), over an anonymous mapping (SystemEnv), or inside a hosted
// wasm linear memory (WasmEnv); the malloc subpackage exposes a C-style
// malloc/free facade over a process-wide instance.
//
// All sizes are quantized to 32-byte grains. Allocation, deallocation,
// in-place shrink/grow and reallocation support any power-of-two alignment;
// free space is kept in segregated size-class bins found through a two-level
// bitmask, and freed chunks coalesce eagerly with their neighbors through
// boundary tags.
package grainheap

import (
	"unsafe"

	"github.com/grainheap/grainheap/internal/heap"
)

type (
	// Size is a byte quantity quantized to the allocation granularity.
	Size = heap.Size

	// Env supplies the raw address region an Allocator manages.
	Env = heap.Env

	// Allocator is the heap allocator core.
	Allocator = heap.Allocator

	// Stats is a snapshot of allocator counters.
	Stats = heap.Stats

	// ConsistencyError reports a broken invariant found by
	// Allocator.CheckConsistency.
	ConsistencyError = heap.ConsistencyError
)

const (
	// Granularity is the size quantization unit in bytes.
	Granularity = heap.Granularity

	// MaxAllocationSize is the largest single request the allocator
	// accepts.
	MaxAllocationSize = heap.MaxAllocationSize
)

// New creates an allocator over env. Construction touches no memory; the
// region is reserved lazily by the first allocation.
func New(env Env) *Allocator {
	return heap.New(env)
}

// SizeFromBytes rounds n up to the next grain multiple. ok is false when the
// result does not fit a Size.
func SizeFromBytes(n uint64) (Size, bool) {
	return heap.SizeFromBytes(n)
}

// UsableSize returns the usable byte count of an allocation.
//
// p must have come from Alloc on some Allocator and not have been freed.
func UsableSize(p unsafe.Pointer) uintptr {
	return heap.UsableSize(p)
}
