//go:build wasip1

package guest

import "unsafe"

// live keeps allocations reachable until the host frees them.
var live = make(map[uint32][]byte)

// Alloc returns the address of a new buffer of size bytes.
func Alloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	live[ptr] = buf
	return ptr
}

// Free releases a buffer returned by Alloc.
func Free(ptr uint32) {
	delete(live, ptr)
}

// Serve handles the request at ptr and returns the response location packed
// as ptr<<32 | len. The response buffer lives until the instance is dropped.
func Serve(ptr, length uint32, score Scorer) uint64 {
	input := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
	out := Handle(input, score)

	outPtr := Alloc(uint32(len(out)))
	copy(live[outPtr], out)
	return uint64(outPtr)<<32 | uint64(len(out))
}
