// Command grainheap-stress drives a random operation stream against a
// buffer-backed allocator, verifying content integrity and structural
// consistency as it goes.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"unsafe"

	"github.com/grainheap/grainheap"
)

type allocation struct {
	ptr  unsafe.Pointer
	fill byte
	size uintptr
}

func main() {
	var (
		regionMiB  = flag.Int("region", 32, "region size in MiB")
		ops        = flag.Int("ops", 100000, "number of operations to run")
		seed       = flag.Int64("seed", 1, "PRNG seed")
		maxSize    = flag.Int("max-size", 65535, "largest allocation request in bytes")
		checkEvery = flag.Int("check-every", 1024, "full consistency check interval in ops")
	)
	flag.Parse()

	buffer := make([]byte, *regionMiB*1024*1024)
	allocator := grainheap.New(grainheap.NewBufferEnv(buffer))
	defer allocator.Close()

	rng := rand.New(rand.NewSource(*seed))
	var live []allocation

	for op := 0; op < *ops; op++ {
		switch {
		case len(live) == 0 || rng.Intn(3) != 0:
			align, _ := grainheap.SizeFromBytes(uint64(1) << rng.Intn(14))
			size, _ := grainheap.SizeFromBytes(uint64(1 + rng.Intn(*maxSize)))

			p := allocator.Alloc(align, size)
			if p == nil {
				// Out of space; drain something and move on.
				if len(live) > 0 {
					release(allocator, &live, rng.Intn(len(live)))
				}
				continue
			}

			fill := byte(rng.Intn(256))
			usable := grainheap.UsableSize(p)
			payload := unsafe.Slice((*byte)(p), usable)
			for i := range payload {
				payload[i] = fill
			}
			live = append(live, allocation{ptr: p, fill: fill, size: usable})

		default:
			release(allocator, &live, rng.Intn(len(live)))
		}

		if *checkEvery > 0 && op%*checkEvery == 0 {
			if err := allocator.CheckConsistency(); err != nil {
				fmt.Fprintf(os.Stderr, "grainheap-stress: op %d: %v\n", op, err)
				os.Exit(1)
			}
		}
	}

	for len(live) > 0 {
		release(allocator, &live, len(live)-1)
	}

	if err := allocator.CheckConsistency(); err != nil {
		fmt.Fprintf(os.Stderr, "grainheap-stress: final check: %v\n", err)
		os.Exit(1)
	}

	stats := allocator.Stats()
	fmt.Printf("ok: %d allocs, %d frees, peak %d bytes in use\n",
		stats.Allocs, stats.Frees, stats.PeakBytesInUse)
}

// release verifies the allocation's fill pattern, frees it, and swap-removes
// it from the live set.
func release(allocator *grainheap.Allocator, live *[]allocation, index int) {
	a := (*live)[index]

	for i, b := range unsafe.Slice((*byte)(a.ptr), a.size) {
		if b != a.fill {
			fmt.Fprintf(os.Stderr, "grainheap-stress: corrupted byte %d: got %#x, want %#x\n", i, b, a.fill)
			os.Exit(1)
		}
	}

	allocator.Free(a.ptr)
	(*live)[index] = (*live)[len(*live)-1]
	*live = (*live)[:len(*live)-1]
}
