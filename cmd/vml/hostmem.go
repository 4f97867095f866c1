package main

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"

	"github.com/bobuhiro11/armvml/internal/guestmem"
)

// hvaOf returns the host virtual address of buf's backing array, the same
// uintptr(unsafe.Pointer(&slot.Buf[0])) cast gokvm's memory.go uses to turn
// an mmap'd []byte into the PhysAddr field the rest of that tree treats as
// a host pointer.
func hvaOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&buf[0]))
}

// anonMapper implements guestmem.HostMapper over a single anonymous,
// process-private mmap covering the whole guest RAM region (no
// demand-paging, no real stage-2 permission enforcement -- this process
// is not an actual hypervisor). Grounded on gokvm's memory.Memory.
// NewMemorySlot, which backs guest RAM the same way via
// syscall.Mmap(-1, 0, size, PROT_READ|PROT_WRITE, MAP_SHARED|MAP_ANONYMOUS);
// generalized here to the guestmem.HostMapper interface's MapUpdate/Unmap/
// CleanInvalidate shape instead of gokvm's fixed MemorySlot struct.
//
// CleanInvalidate is a no-op: there is no ARM stage-2 translation or
// physical cache to maintain on a host process that is not itself
// running the guest through real virtualization hardware.
type anonMapper struct {
	mu  sync.Mutex
	buf []byte
}

func (m *anonMapper) MapUpdate(_ uint64, size uint64, _ guestmem.Cred) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf != nil {
		return hvaOf(m.buf), nil
	}

	buf, err := syscall.Mmap(-1, 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("hostmem: mmap %d bytes: %w", size, err)
	}

	m.buf = buf

	return hvaOf(m.buf), nil
}

func (m *anonMapper) Unmap(_ uintptr, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf == nil {
		return nil
	}

	err := syscall.Munmap(m.buf)
	m.buf = nil

	if err != nil {
		return fmt.Errorf("hostmem: munmap: %w", err)
	}

	return nil
}

func (m *anonMapper) CleanInvalidate(uintptr, uint64) {}
