package heap

import (
	"unsafe"

	"github.com/grainheap/grainheap/internal/bins"
)

// Stats is a snapshot of allocator counters.
type Stats struct {
	Allocs         uint64
	Frees          uint64
	BytesInUse     uint64
	PeakBytesInUse uint64
}

// Allocator manages a contiguous address region as a chain of boundary-tagged
// chunks. Free chunks live on per-size-class lists indexed by a two-level
// bitmask. The zero region state is valid: the region is reserved on the
// first allocation, never at construction.
//
// An Allocator is not safe for concurrent use; callers that share one across
// goroutines wrap it in a Mutex.
type Allocator struct {
	allocatedSpace  Size
	base            unsafe.Pointer
	baseAddr        uintptr
	freeBins        bins.BitMask
	firstInFreeList [bins.BinCount]gptr
	env             Env
	stats           Stats
}

// New creates an allocator over env. No memory is touched until the first
// allocation.
func New(env Env) *Allocator {
	return &Allocator{env: env}
}

// mem reconstructs a dereferenceable pointer for p from the region's base,
// so every access carries the base pointer's provenance.
func (a *Allocator) mem(p gptr) unsafe.Pointer {
	return unsafe.Add(a.base, uintptr(p)-a.baseAddr)
}

func (a *Allocator) hdr(p gptr) *chunkHeader {
	return (*chunkHeader)(a.mem(p))
}

func (a *Allocator) fhdr(p gptr) *freeChunkHeader {
	return (*freeChunkHeader)(a.mem(p))
}

// offsetOf returns p's offset from the region base, in grains.
func (a *Allocator) offsetOf(p gptr) Size {
	return Size((uintptr(p) - a.baseAddr) >> sizeShift)
}

func (a *Allocator) endOfRegion() gptr {
	return gptr(a.baseAddr).add(a.env.TotalSpace())
}

func binRoundDown(size Size) bins.BitIndex {
	if size > MaxAllocationSize {
		size = MaxAllocationSize
	}
	return bins.At(bins.IndexRoundDown(uint32(size)))
}

func binRoundUp(size Size) bins.BitIndex {
	if size > MaxAllocationSize {
		size = MaxAllocationSize
	}
	return bins.At(bins.IndexRoundUp(uint32(size)))
}

func (a *Allocator) initialize() bool {
	if a.base != nil {
		return true
	}
	return a.initializeSlow()
}

func (a *Allocator) initializeSlow() bool {
	base := a.env.AllocateAddressSpace()
	if base == nil {
		return false
	}
	paranoidAssert(uintptr(base)%Granularity == 0)

	// The first chunk header must exist before anything else happens.
	if !a.env.ExpandMemoryUntil(base, freeHeaderSize) {
		a.env.FreeAddressSpace(base)
		return false
	}

	a.base = base
	a.baseAddr = uintptr(base)
	a.allocatedSpace = freeHeaderSize

	total := a.env.TotalSpace()
	bin := binRoundDown(total)
	a.freeBins.Set(bin)

	chunk := gptr(a.baseAddr)
	*a.fhdr(chunk) = freeChunkHeader{
		chunkHeader: chunkHeader{prevChunkSize: 0, size: freeChunkSize(total)},
	}
	a.firstInFreeList[bin.Index()] = chunk

	a.checkChunk(chunk)
	return true
}

// unregisterFreeSpaceFirstChunk unlinks the head chunk of bin's list and
// clears the bitmask bit if the list drains.
func (a *Allocator) unregisterFreeSpaceFirstChunk(chunk gptr, bin bins.BitIndex) {
	a.checkAccess(chunk, unsafe.Sizeof(freeChunkHeader{}))
	paranoidAssert(a.firstInFreeList[bin.Index()] == chunk)
	paranoidAssert(!a.fhdr(chunk).size.allocated())
	paranoidAssert(a.fhdr(chunk).prevInList.isNull())

	next := a.fhdr(chunk).nextInList
	paranoidAssert(next != chunk)

	a.firstInFreeList[bin.Index()] = next
	if next.isNull() {
		a.freeBins.Unset(bin)
	} else {
		a.fhdr(next).prevInList = 0
	}
}

func (a *Allocator) unregisterFreeSpace(chunk gptr, bin bins.BitIndex) {
	a.checkAccess(chunk, unsafe.Sizeof(freeChunkHeader{}))

	if a.firstInFreeList[bin.Index()] == chunk {
		a.unregisterFreeSpaceFirstChunk(chunk, bin)
		return
	}

	h := a.fhdr(chunk)
	paranoidAssert(!h.size.allocated())
	next, prev := h.nextInList, h.prevInList
	paranoidAssert(next != chunk)
	paranoidAssert(prev != chunk)
	paranoidAssert(!prev.isNull())

	a.fhdr(prev).nextInList = next
	if !next.isNull() {
		a.fhdr(next).prevInList = prev
	}
}

// registerFreeSpace head-inserts a free chunk of the given size into its bin
// and returns the size written, or prevChunkSize unchanged when size is zero
// (so callers can thread the successor's boundary tag through).
func (a *Allocator) registerFreeSpace(chunk gptr, prevChunkSize, size Size) Size {
	if size == 0 {
		return prevChunkSize
	}

	a.checkAccess(chunk, unsafe.Sizeof(freeChunkHeader{}))

	bin := binRoundDown(size)
	next := a.firstInFreeList[bin.Index()]
	a.firstInFreeList[bin.Index()] = chunk

	*a.fhdr(chunk) = freeChunkHeader{
		chunkHeader: chunkHeader{prevChunkSize: prevChunkSize, size: freeChunkSize(size)},
		nextInList:  next,
	}
	if !next.isNull() {
		a.fhdr(next).prevInList = chunk
	}

	a.freeBins.Set(bin)
	return size
}

func (a *Allocator) registerAllocation(chunk gptr, prevChunkSize, size Size) {
	a.checkAccess(chunk, unsafe.Sizeof(chunkHeader{}))
	*a.hdr(chunk) = chunkHeader{prevChunkSize: prevChunkSize, size: allocatedChunkSize(size)}
}

// Alloc allocates size usable grains aligned to align grains. align must be
// a non-zero power of two. Returns nil when the request cannot be satisfied;
// the allocator state is unchanged on failure.
func (a *Allocator) Alloc(align, size Size) unsafe.Pointer {
	return a.alloc(align, size, false)
}

// AllocZeroed is Alloc with the returned bytes guaranteed to read as zero.
func (a *Allocator) AllocZeroed(align, size Size) unsafe.Pointer {
	return a.alloc(align, size, true)
}

func (a *Allocator) alloc(align, requested Size, zeroed bool) unsafe.Pointer {
	if align == 0 || align&(align-1) != 0 {
		return nil
	}

	if !a.initialize() {
		return nil
	}

	// Worst case the chunk needs header plus align-1 grains of slack.
	minSize64 := uint64(requested) + uint64(headerSize) + uint64(align) - 1
	if minSize64 > uint64(MaxAllocationSize) {
		return nil
	}
	minSize := Size(minSize64)

	// Find a bin with enough free space. Round up so every chunk in the bin
	// fits; if that finds nothing, the previous bin may still hold an
	// oversized chunk, so retry rounding down.
	bin, ok := a.freeBins.FindFirst(binRoundUp(minSize))
	if !ok {
		bin, ok = a.freeBins.FindFirst(binRoundDown(minSize))
	}
	if !ok {
		return nil
	}

	chunk := a.firstInFreeList[bin.Index()]
	a.checkChunk(chunk)

	cs := a.fhdr(chunk).size
	paranoidAssert(!cs.allocated())

	avail := cs.size()
	paranoidAssert(binRoundDown(avail) == bin)

	// Load-bearing on the round-down path: the head chunk of the previous
	// bin may be too small after all.
	if avail < minSize {
		return nil
	}

	chunkOffset := a.offsetOf(chunk)
	dataOffset := alignOffset(chunkOffset+headerSize, align, a.baseAddr)
	headerOffset := dataOffset - headerSize
	allocationChunk := gptr(a.baseAddr).add(headerOffset)

	paranoidAssert(headerOffset >= chunkOffset)

	lhs := headerOffset - chunkOffset
	rhs := avail - requested - lhs - headerSize

	endOffset := dataOffset + requested
	if rhs != 0 {
		endOffset += freeHeaderSize
	}

	// Memory past allocatedSpace comes back zeroed from the environment, so
	// only previously committed bytes need explicit clearing.
	zeroMemory := zeroed && a.allocatedSpace > dataOffset
	if a.allocatedSpace < endOffset {
		if !a.env.ExpandMemoryUntil(a.base, endOffset) {
			return nil
		}
		a.allocatedSpace = endOffset
	}

	prevChunkSize := a.fhdr(chunk).prevChunkSize
	a.unregisterFreeSpaceFirstChunk(chunk, bin)

	prevChunkSize = a.registerFreeSpace(chunk, prevChunkSize, lhs)
	a.registerAllocation(allocationChunk, prevChunkSize, requested+headerSize)

	nextChunk := allocationChunk.add(headerSize + requested)
	prevChunkSize = a.registerFreeSpace(nextChunk, requested+headerSize, rhs)

	finalChunk := nextChunk.add(rhs)
	if finalChunk < a.endOfRegion() {
		a.checkAccess(finalChunk, unsafe.Sizeof(chunkHeader{}))
		a.hdr(finalChunk).prevChunkSize = prevChunkSize
	}

	a.checkChunk(allocationChunk)
	a.checkChunk(allocationChunk.sub(lhs))
	a.checkChunk(allocationChunk.add(headerSize + requested))

	data := a.mem(allocationChunk.add(headerSize))
	paranoidAssert(uintptr(data)%uintptr(align.Bytes()) == 0)

	if zeroMemory {
		clear(unsafe.Slice((*byte)(data), requested.Bytes()))
	}

	a.stats.Allocs++
	a.noteInUse(requested.Bytes())
	return data
}

// Free returns an allocation to the heap, eagerly merging it with free
// neighbors on both sides.
//
// p must have come from Alloc on this allocator and not have been freed
// already.
func (a *Allocator) Free(p unsafe.Pointer) {
	paranoidAssert(a.base != nil)

	chunk := gptr(uintptr(p)).sub(headerSize)
	a.checkChunk(chunk)

	h := a.hdr(chunk)
	paranoidAssert(h.size.allocated())
	size := h.size.size()
	prevChunkSize := h.prevChunkSize

	a.stats.Frees++
	a.stats.BytesInUse -= uint64((size - headerSize).Bytes())

	// Merge with the previous chunk if it is free. By the no-adjacent-free
	// invariant one hop in each direction is all coalescing ever needs.
	if a.offsetOf(chunk) != 0 {
		prevChunk := chunk.sub(prevChunkSize)
		a.checkAccess(prevChunk, unsafe.Sizeof(chunkHeader{}))

		ps := a.hdr(prevChunk).size
		paranoidAssert(ps.size() == prevChunkSize)

		if !ps.allocated() {
			prevChunkSize = a.hdr(prevChunk).prevChunkSize
			prevSize := ps.size()
			a.unregisterFreeSpace(prevChunk, binRoundDown(prevSize))
			size += prevSize
			chunk = chunk.sub(prevSize)
		}
	}

	// Merge with the next chunk if it is free.
	end := a.endOfRegion()
	if next := chunk.add(size); next < end {
		a.checkAccess(next, unsafe.Sizeof(chunkHeader{}))

		ns := a.hdr(next).size
		if !ns.allocated() {
			nsz := ns.size()
			a.unregisterFreeSpace(next, binRoundDown(nsz))
			size += nsz
		}
	}

	a.registerFreeSpace(chunk, prevChunkSize, size)

	if next := chunk.add(size); next < end {
		a.checkAccess(next, unsafe.Sizeof(chunkHeader{}))
		a.hdr(next).prevChunkSize = size
	}

	a.checkChunk(chunk)
}

// ShrinkInPlace reduces the allocation to at most newSize usable grains,
// releasing the tail as a free chunk. A newSize of zero frees the
// allocation.
//
// p must have come from Alloc on this allocator and not have been freed.
func (a *Allocator) ShrinkInPlace(p unsafe.Pointer, newSize Size) {
	if newSize == 0 {
		a.Free(p)
		return
	}

	newSize += headerSize

	chunk := gptr(uintptr(p)).sub(headerSize)
	a.checkChunk(chunk)

	h := a.hdr(chunk)
	paranoidAssert(h.size.allocated())

	current := h.size.size()
	if newSize >= current {
		return
	}

	a.stats.BytesInUse -= uint64((current - newSize).Bytes())

	freeSpace := current - newSize
	h.size = allocatedChunkSize(newSize)

	// Absorb a free successor into the released tail before registering it.
	end := a.endOfRegion()
	if next := chunk.add(current); next < end {
		a.checkAccess(next, unsafe.Sizeof(chunkHeader{}))

		ns := a.hdr(next).size
		if !ns.allocated() {
			nsz := ns.size()
			a.unregisterFreeSpace(next, binRoundDown(nsz))
			freeSpace += nsz
		}
	}

	tail := chunk.add(newSize)
	a.registerFreeSpace(tail, newSize, freeSpace)

	finalChunk := tail.add(freeSpace)
	if finalChunk < end {
		a.checkAccess(finalChunk, unsafe.Sizeof(chunkHeader{}))
		a.hdr(finalChunk).prevChunkSize = freeSpace
	}

	a.checkChunk(chunk)
	a.checkChunk(tail)
	a.checkChunk(finalChunk)
}

// GrowInPlace tries to grow the allocation to at least newSize usable grains
// by absorbing a free successor. On success it returns the new usable size;
// on failure the allocation is untouched.
//
// p must have come from Alloc on this allocator and not have been freed.
func (a *Allocator) GrowInPlace(p unsafe.Pointer, newSize Size) (Size, bool) {
	newSize64 := uint64(newSize) + uint64(headerSize)
	if newSize64 > uint64(^uint32(0)) {
		return 0, false
	}
	newSize = Size(newSize64)

	chunk := gptr(uintptr(p)).sub(headerSize)
	a.checkChunk(chunk)

	h := a.hdr(chunk)
	paranoidAssert(h.size.allocated())

	current := h.size.size()
	if current >= newSize {
		return current - headerSize, true
	}

	end := a.endOfRegion()
	oldNext := chunk.add(current)
	if oldNext >= end {
		return 0, false
	}

	a.checkChunk(oldNext)
	ns := a.hdr(oldNext).size
	if ns.allocated() {
		return 0, false
	}

	nsz := ns.size()
	available := current + nsz
	if available < newSize {
		return 0, false
	}

	remaining := available - newSize
	newNext := chunk.add(newSize)

	endOffset := a.offsetOf(newNext)
	if remaining != 0 {
		endOffset += freeHeaderSize
	}
	if a.allocatedSpace < endOffset {
		if !a.env.ExpandMemoryUntil(a.base, endOffset) {
			return 0, false
		}
		a.allocatedSpace = endOffset
	}

	a.unregisterFreeSpace(oldNext, binRoundDown(nsz))
	h.size = allocatedChunkSize(newSize)
	a.noteInUse((newSize - current).Bytes())

	tailSize := a.registerFreeSpace(newNext, newSize, remaining)

	finalChunk := newNext.add(remaining)
	if finalChunk < end {
		a.checkAccess(finalChunk, unsafe.Sizeof(chunkHeader{}))
		a.hdr(finalChunk).prevChunkSize = tailSize
	}

	a.checkChunk(chunk)
	a.checkChunk(newNext)
	a.checkChunk(finalChunk)
	return newSize - headerSize, true
}

// Realloc resizes the allocation, in place when a shrink or grow fits and by
// allocate-copy-free otherwise. A newSize of zero frees and returns nil.
//
// p must have come from Alloc on this allocator and not have been freed.
func (a *Allocator) Realloc(p unsafe.Pointer, align, newSize Size) unsafe.Pointer {
	current := usableSize(p)
	if newSize == current {
		return p
	}

	if newSize == 0 {
		a.Free(p)
		return nil
	}

	if newSize < current {
		a.ShrinkInPlace(p, newSize)
		return p
	}

	if _, ok := a.GrowInPlace(p, newSize); ok {
		return p
	}

	newP := a.Alloc(align, newSize)
	if newP == nil {
		return nil
	}

	n := current
	if newSize < n {
		n = newSize
	}
	copy(unsafe.Slice((*byte)(newP), n.Bytes()), unsafe.Slice((*byte)(p), n.Bytes()))
	a.Free(p)

	return newP
}

// UsableSize returns the usable byte count of an allocation, read from its
// chunk header.
//
// p must have come from Alloc and not have been freed.
func UsableSize(p unsafe.Pointer) uintptr {
	return usableSize(p).Bytes()
}

func usableSize(p unsafe.Pointer) Size {
	h := (*chunkHeader)(unsafe.Add(p, -int(headerSize.Bytes())))
	return h.size.size() - headerSize
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	return a.stats
}

func (a *Allocator) noteInUse(n uintptr) {
	a.stats.BytesInUse += uint64(n)
	if a.stats.BytesInUse > a.stats.PeakBytesInUse {
		a.stats.PeakBytesInUse = a.stats.BytesInUse
	}
}

// Close releases the address region back to the environment and resets the
// allocator to its pre-initialization state, so a later allocation would
// reserve a fresh region.
func (a *Allocator) Close() {
	if a.base == nil {
		return
	}

	a.env.FreeAddressSpace(a.base)
	a.base = nil
	a.baseAddr = 0
	a.allocatedSpace = 0
	a.freeBins = bins.BitMask{}
	a.firstInFreeList = [bins.BinCount]gptr{}
}
