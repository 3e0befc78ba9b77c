package heap

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

// FuzzAllocator interprets the input as an operation stream over a small
// buffer-backed region and checks the user-visible guarantees: alignment,
// usable size, data preservation, and a fully coalesced heap after draining.
func FuzzAllocator(f *testing.F) {
	f.Add([]byte{0, 1, 0, 2, 0})
	f.Add([]byte{0, 255, 255, 255, 255, 1, 0, 0})
	f.Add([]byte{0, 8, 16, 2, 4, 0, 3, 32, 0, 1, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		env := &testEnv{
			window: alignedBuffer(1 << 20),
			total:  Size((1 << 20) / Granularity),
			limit:  Size((1 << 20) / Granularity),
		}
		a := New(env)

		type allocation struct {
			ptr  unsafe.Pointer
			fill byte
			size uintptr
		}
		var live []allocation

		pos := 0
		next := func(n int) ([]byte, bool) {
			if pos+n > len(data) {
				return nil, false
			}
			out := data[pos : pos+n]
			pos += n
			return out, true
		}

		verify := func(l allocation) {
			for i, b := range unsafe.Slice((*byte)(l.ptr), l.size) {
				if b != l.fill {
					t.Fatalf("byte %d: got %#x, want %#x", i, b, l.fill)
				}
			}
		}

		fill := func(l allocation) {
			payload := unsafe.Slice((*byte)(l.ptr), l.size)
			for i := range payload {
				payload[i] = l.fill
			}
		}

		for {
			op, ok := next(1)
			if !ok {
				break
			}

			switch op[0] % 4 {
			case 0: // alloc
				args, ok := next(4)
				if !ok {
					break
				}
				rawAlign := uint64(binary.LittleEndian.Uint16(args)) % 8192
				rawSize := uint64(binary.LittleEndian.Uint16(args[2:]))

				align := uint64(1)
				for align < rawAlign {
					align <<= 1
				}

				alignSize, _ := SizeFromBytes(align)
				byteSize, _ := SizeFromBytes(rawSize)

				p := a.Alloc(alignSize, byteSize)
				if p == nil {
					continue
				}
				if uintptr(p)%uintptr(align) != 0 {
					t.Fatalf("pointer %#x not aligned to %d", uintptr(p), align)
				}
				if UsableSize(p) < uintptr(rawSize) {
					t.Fatalf("usable %d below request %d", UsableSize(p), rawSize)
				}

				l := allocation{ptr: p, fill: byte(rawSize) | 1, size: UsableSize(p)}
				fill(l)
				live = append(live, l)

			case 1: // free
				if len(live) == 0 {
					continue
				}
				arg, ok := next(1)
				if !ok {
					break
				}
				i := int(arg[0]) % len(live)
				verify(live[i])
				a.Free(live[i].ptr)
				live[i] = live[len(live)-1]
				live = live[:len(live)-1]

			case 2: // shrink
				if len(live) == 0 {
					continue
				}
				args, ok := next(3)
				if !ok {
					break
				}
				i := int(args[0]) % len(live)
				target := uintptr(binary.LittleEndian.Uint16(args[1:]))
				if target == 0 || target >= live[i].size {
					continue
				}

				verify(live[i])
				targetSize, _ := SizeFromBytes(uint64(target))
				a.ShrinkInPlace(live[i].ptr, targetSize)
				live[i].size = UsableSize(live[i].ptr)
				verify(live[i])

			case 3: // grow
				if len(live) == 0 {
					continue
				}
				args, ok := next(3)
				if !ok {
					break
				}
				i := int(args[0]) % len(live)
				target := uintptr(binary.LittleEndian.Uint16(args[1:]))
				if target <= live[i].size {
					continue
				}

				verify(live[i])
				targetSize, _ := SizeFromBytes(uint64(target))
				if _, ok := a.GrowInPlace(live[i].ptr, targetSize); ok {
					live[i].size = UsableSize(live[i].ptr)
					fill(live[i])
				} else {
					verify(live[i])
				}
			}
		}

		if err := a.CheckConsistency(); err != nil {
			t.Fatal(err)
		}

		for _, l := range live {
			verify(l)
			a.Free(l.ptr)
		}

		if err := a.CheckConsistency(); err != nil {
			t.Fatal(err)
		}
		if a.base != nil {
			got := chunks(a)
			if len(got) != 1 || got[0][1] != 0 {
				t.Fatalf("heap not fully coalesced after drain: %v", got)
			}
		}
	})
}
