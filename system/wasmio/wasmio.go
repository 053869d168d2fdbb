// Package wasmio is the shared memory-marshalling convention every host
// capability group uses to exchange JSON payloads with a guest component:
// arguments are a (ptr, len) pair into guest linear memory, and results
// are written into guest memory allocated via the guest's exported
// "cyfr_alloc" function, returned packed as ptr<<32|len. This mirrors the
// marshal-then-unmarshal discipline of the teacher's OCALL/ECALL bridge in
// system/tee/sys_api.go, adapted from SGX-style buffer copying to wazero's
// linear-memory model.
package wasmio

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// ReadBytes copies len bytes starting at ptr out of mod's linear memory.
func ReadBytes(mod api.Module, ptr, length uint32) ([]byte, error) {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("wasmio: read out of bounds: ptr=%d len=%d", ptr, length)
	}
	// Read returns a view into guest memory; copy it so callers can hold
	// it past the next guest call, which may reuse or move that memory.
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// WriteResult allocates space in mod's guest memory via its exported
// "cyfr_alloc" function, writes data into it, and returns the packed
// (ptr<<32 | len) result wazero host functions conventionally return.
func WriteResult(mod api.Module, data []byte) (uint64, error) {
	alloc := mod.ExportedFunction("cyfr_alloc")
	if alloc == nil {
		return 0, fmt.Errorf("wasmio: guest does not export cyfr_alloc")
	}

	results, err := alloc.Call(nil, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("wasmio: cyfr_alloc call failed: %w", err)
	}
	ptr := uint32(results[0])

	if len(data) > 0 {
		if !mod.Memory().Write(ptr, data) {
			return 0, fmt.Errorf("wasmio: write out of bounds: ptr=%d len=%d", ptr, len(data))
		}
	}

	return Pack(ptr, uint32(len(data))), nil
}

// Pack combines a pointer and length into the single uint64 host functions
// return to the guest.
func Pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// Unpack splits a packed uint64 back into its pointer and length.
func Unpack(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}
