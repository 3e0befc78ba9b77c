package heap

import (
	"fmt"
	"unsafe"

	"github.com/grainheap/grainheap/internal/bins"
)

// paranoidEnabled turns on the per-mutation structural assertions. Off in
// normal builds; the paranoid build tag and the tests switch it on.
var paranoidEnabled = false

func paranoidAssert(cond bool) {
	if paranoidEnabled && !cond {
		panic("heap: paranoid assertion failed")
	}
}

// checkAccess asserts that n bytes starting at p are inside the committed
// part of the region.
func (a *Allocator) checkAccess(p gptr, n uintptr) {
	if !paranoidEnabled {
		return
	}
	paranoidAssert(!p.isNull())
	paranoidAssert(uintptr(p)-a.baseAddr+n <= a.allocatedSpace.Bytes())
}

// checkChunk asserts the boundary tags around a single chunk: the
// predecessor's size matches our tag, the successor's tag matches our size,
// and a free chunk never has a free neighbor. A pointer exactly at the end
// of the region is valid and checks nothing.
func (a *Allocator) checkChunk(chunk gptr) {
	if !paranoidEnabled {
		return
	}

	paranoidAssert(!chunk.isNull())
	paranoidAssert(a.base != nil)

	base := gptr(a.baseAddr)
	paranoidAssert(chunk >= base)

	end := a.endOfRegion()
	if chunk == end {
		return
	}

	paranoidAssert(chunk < end)
	paranoidAssert(uintptr(chunk)+unsafe.Sizeof(chunkHeader{}) <= uintptr(end))
	a.checkAccess(chunk, unsafe.Sizeof(chunkHeader{}))

	h := a.hdr(chunk)
	isAllocated := h.size.allocated()

	if h.prevChunkSize == 0 {
		paranoidAssert(chunk == base)
	} else {
		prevChunk := chunk.sub(h.prevChunkSize)
		paranoidAssert(prevChunk >= base)
		paranoidAssert(a.hdr(prevChunk).size.size() == h.prevChunkSize)
		if !isAllocated {
			paranoidAssert(a.hdr(prevChunk).size.allocated())
		}
	}

	size := h.size.size()
	nextChunk := chunk.add(size)
	if nextChunk < end {
		paranoidAssert(a.hdr(nextChunk).prevChunkSize == size)
		if !isAllocated {
			paranoidAssert(a.hdr(nextChunk).size.allocated())
		}
	} else {
		paranoidAssert(nextChunk == end)
	}
}

// ConsistencyError reports a broken structural invariant found by
// CheckConsistency, with the grain offset of the offending chunk.
type ConsistencyError struct {
	Offset Size
	Detail string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("heap: inconsistent state at grain offset %d: %s", e.Offset, e.Detail)
}

// CheckConsistency walks the whole heap and verifies the global invariants:
// the chunk chain tiles the region exactly, every boundary tag matches its
// predecessor, no two free chunks are adjacent, every free chunk sits on the
// free list of its bin exactly once with consistent links, and the bitmask
// agrees with list emptiness in both directions. An uninitialized allocator
// is trivially consistent.
func (a *Allocator) CheckConsistency() error {
	if a.base == nil {
		return nil
	}

	total := a.env.TotalSpace()
	end := a.endOfRegion()

	freeChunks := make(map[gptr]Size)

	var prevSize Size
	prevFree := false
	offset := Size(0)
	for chunk := gptr(a.baseAddr); chunk < end; {
		h := a.hdr(chunk)

		if h.prevChunkSize != prevSize {
			return &ConsistencyError{Offset: offset, Detail: fmt.Sprintf("prev tag %d, predecessor size %d", h.prevChunkSize, prevSize)}
		}

		size := h.size.size()
		if size == 0 {
			return &ConsistencyError{Offset: offset, Detail: "zero-sized chunk"}
		}
		if offset+size > total || offset+size < offset {
			return &ConsistencyError{Offset: offset, Detail: fmt.Sprintf("chunk of size %d overruns the region", size)}
		}

		free := !h.size.allocated()
		if free {
			if prevFree {
				return &ConsistencyError{Offset: offset, Detail: "two adjacent free chunks"}
			}
			freeChunks[chunk] = size
		}

		chunk = chunk.add(size)
		offset += size
		prevSize = size
		prevFree = free
	}

	if offset != total {
		return &ConsistencyError{Offset: offset, Detail: fmt.Sprintf("chunk chain covers %d of %d grains", offset, total)}
	}

	// Every free list must be cycle-free, well linked, hold only chunks of
	// its own bin, and agree with the bitmask.
	seen := make(map[gptr]bool, len(freeChunks))
	for binIndex := uint32(0); binIndex < bins.BinCount; binIndex++ {
		bin := bins.At(binIndex)
		head := a.firstInFreeList[binIndex]

		if a.freeBins.Has(bin) != !head.isNull() {
			return &ConsistencyError{Offset: 0, Detail: fmt.Sprintf("bin %d bitmask bit disagrees with list head", binIndex)}
		}

		prev := gptr(0)
		steps := 0
		for node := head; !node.isNull(); node = a.fhdr(node).nextInList {
			if steps++; steps > len(freeChunks)+1 {
				return &ConsistencyError{Offset: 0, Detail: fmt.Sprintf("bin %d free list has a cycle", binIndex)}
			}

			size, isFree := freeChunks[node]
			if !isFree {
				return &ConsistencyError{Offset: a.offsetOf(node), Detail: fmt.Sprintf("bin %d lists a chunk that is not free", binIndex)}
			}
			if seen[node] {
				return &ConsistencyError{Offset: a.offsetOf(node), Detail: "free chunk listed twice"}
			}
			seen[node] = true

			if got := binRoundDown(size).Index(); got != binIndex {
				return &ConsistencyError{Offset: a.offsetOf(node), Detail: fmt.Sprintf("chunk of size %d filed under bin %d, belongs in %d", size, binIndex, got)}
			}
			if a.fhdr(node).prevInList != prev {
				return &ConsistencyError{Offset: a.offsetOf(node), Detail: "broken prev link in free list"}
			}
			prev = node
		}
	}

	if len(seen) != len(freeChunks) {
		return &ConsistencyError{Offset: 0, Detail: fmt.Sprintf("%d free chunks in the chain, %d on free lists", len(freeChunks), len(seen))}
	}

	return nil
}
