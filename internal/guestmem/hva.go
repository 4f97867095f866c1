package guestmem

import "unsafe"

// hvaSlice views the host memory at hva as a []byte of the given length.
// Isolated in its own file since it is the one place this package steps
// outside Go's memory model to treat a HostMapper-provided address as a
// live buffer, mirroring how gokvm's memory.Memory keeps its single
// unsafe.Pointer-to-[]byte conversion (mmap's return value) isolated in
// memory.New rather than scattered across call sites.
func hvaSlice(hva uintptr, size uint64) []byte {
	if size == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(hva)), size) //nolint:gosec
}
