package heap

import "unsafe"

// gptr is an absolute address inside the managed region. Zero is the null
// value; dereferencing always goes back through the allocator's base pointer
// so provenance is preserved.
type gptr uintptr

func (p gptr) isNull() bool { return p == 0 }

func (p gptr) add(s Size) gptr { return p + gptr(s.Bytes()) }
func (p gptr) sub(s Size) gptr { return p - gptr(s.Bytes()) }

// chunkSize packs a chunk's size with its allocated flag in the low bit. The
// flag is the authoritative discriminant between header variants: fields past
// the basic header may only be read when the flag is clear.
type chunkSize uint32

func allocatedChunkSize(s Size) chunkSize { return chunkSize(s)<<1 | 1 }
func freeChunkSize(s Size) chunkSize      { return chunkSize(s) << 1 }

func (c chunkSize) size() Size      { return Size(c >> 1) }
func (c chunkSize) allocated() bool { return c&1 == 1 }

// chunkHeader prefixes every chunk. prevChunkSize is the boundary tag: the
// size of the chunk immediately before this one, or zero for the first chunk
// in the region.
type chunkHeader struct {
	prevChunkSize Size
	size          chunkSize
}

// freeChunkHeader extends chunkHeader with intrusive free-list links. The
// link fields overlay what is payload space while the chunk is allocated.
type freeChunkHeader struct {
	chunkHeader
	nextInList gptr
	prevInList gptr
}

const (
	// headerSize and freeHeaderSize are both one grain, so any chunk can
	// hold either header variant.
	headerSize     = Size(1)
	freeHeaderSize = Size(1)
)

// Compile-time: both headers must fit inside a single grain.
var (
	_ [Granularity - unsafe.Sizeof(chunkHeader{})]byte
	_ [Granularity - unsafe.Sizeof(freeChunkHeader{})]byte
)
