package grainheap

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const wasmPageSize = 64 * 1024

// WasmEnv backs an allocator with the linear memory of a hosted wazero
// module. A minimal module exporting a single memory is assembled and
// instantiated; the memory is sized to cover the whole region up front,
// because growing it later could move the backing buffer out from under the
// allocator. ExpandMemoryUntil therefore degrades to a bounds check.
type WasmEnv struct {
	runtime wazero.Runtime
	module  api.Module
	total   Size
	base    unsafe.Pointer
}

// NewWasmEnv instantiates a fresh wasm module whose linear memory holds a
// region of the given size.
func NewWasmEnv(ctx context.Context, total Size) (*WasmEnv, error) {
	if total == 0 {
		return nil, fmt.Errorf("grainheap: wasm region size must be non-zero")
	}

	// One extra grain of slack so the base can be grain-aligned inside the
	// memory regardless of where the host buffer lands.
	bytes := total.Bytes() + Granularity
	pages := uint32((bytes + wasmPageSize - 1) / wasmPageSize)

	r := wazero.NewRuntime(ctx)
	compiled, err := r.CompileModule(ctx, memoryOnlyModule(pages))
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("grainheap: compiling region module: %w", err)
	}

	module, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName("grainheap-region"))
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("grainheap: instantiating region module: %w", err)
	}

	memory := module.Memory()
	view, ok := memory.Read(0, uint32(uintptr(pages)*wasmPageSize))
	if !ok {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("grainheap: reading %d wasm pages back failed", pages)
	}

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(view)))
	pad := (Granularity - addr%Granularity) % Granularity

	return &WasmEnv{
		runtime: r,
		module:  module,
		total:   total,
		base:    unsafe.Pointer(unsafe.SliceData(view[pad:])),
	}, nil
}

// TotalSpace returns the managed region size.
func (e *WasmEnv) TotalSpace() Size {
	return e.total
}

// AllocateAddressSpace hands out the grain-aligned base inside the module's
// linear memory.
func (e *WasmEnv) AllocateAddressSpace() unsafe.Pointer {
	return e.base
}

// ExpandMemoryUntil reports whether offset stays inside the region; wasm
// memories start zeroed, so no clearing is needed.
func (e *WasmEnv) ExpandMemoryUntil(_ unsafe.Pointer, offset Size) bool {
	return offset <= e.total
}

// FreeAddressSpace tears down the wazero runtime and the module with it.
func (e *WasmEnv) FreeAddressSpace(unsafe.Pointer) {
	e.close()
}

// Close releases the runtime for environments that never reached the
// allocator's first allocation.
func (e *WasmEnv) Close() {
	e.close()
}

func (e *WasmEnv) close() {
	if e.runtime != nil {
		_ = e.runtime.Close(context.Background())
		e.runtime = nil
		e.module = nil
		e.base = nil
	}
}

// memoryOnlyModule assembles the smallest wasm binary exporting one memory
// of exactly pages pages: the preamble, a memory section with min = max =
// pages, and an export section naming it "memory".
func memoryOnlyModule(pages uint32) []byte {
	min := uleb128(pages)
	max := uleb128(pages)

	memBody := []byte{0x01, 0x01} // one memory, min+max limits
	memBody = append(memBody, min...)
	memBody = append(memBody, max...)

	expBody := []byte{0x01, 0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00}

	bin := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
	bin = append(bin, 0x05)
	bin = append(bin, uleb128(uint32(len(memBody)))...)
	bin = append(bin, memBody...)
	bin = append(bin, 0x07)
	bin = append(bin, uleb128(uint32(len(expBody)))...)
	bin = append(bin, expBody...)
	return bin
}

func uleb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}
