// Package guestmem implements SimpleAS, the per-region guest-physical
// address space: a named range of guest-physical memory backed by an
// opaque host mapping obtained lazily through the HostMapper external
// collaborator.
//
// It generalizes gokvm's memory.AddressSpace/memory.MemorySlot (a named
// range plus a backing []byte, with linear "is addr within this slot"
// checks) to the spec's R/W/X credential model and demand-mapping
// protocol, reusing rangemap for the bounds check instead of gokvm's
// hand-rolled InRange loop.
package guestmem

import (
	"fmt"
	"sync"

	"github.com/bobuhiro11/armvml/internal/rangemap"
	"github.com/bobuhiro11/armvml/internal/vmmerr"
)

// Cred is the set of access rights the guest may exercise over a region.
type Cred uint8

const (
	CredRead Cred = 1 << iota
	CredWrite
	CredExec
)

func (c Cred) Readable() bool   { return c&CredRead != 0 }
func (c Cred) Writable() bool   { return c&CredWrite != 0 }
func (c Cred) Executable() bool { return c&CredExec != 0 }

// HostMapper is the address-space-provider external collaborator (spec
// §6.3): given a guest-physical window, it ensures a host virtual mapping
// of the given permissions exists and returns its base, or tears one
// down. The core consumes this interface; it is not implemented here.
// Idempotent: calling MapUpdate twice with the same arguments must
// succeed both times.
type HostMapper interface {
	MapUpdate(gpa uint64, size uint64, cred Cred) (hva uintptr, err error)
	Unmap(hva uintptr, size uint64) error
	// CleanInvalidate flushes the D-cache and invalidates the I-cache
	// over [hva, hva+size), called after any write the guest could
	// execute from.
	CleanInvalidate(hva uintptr, size uint64)
}

// AddressSpace is one guest-physical RAM region: a named range, an
// opaque host mapping obtained lazily via Map, and the credential the
// guest may exercise over it.
type AddressSpace struct {
	Name       string
	GuestRange rangemap.Range[uint64]
	Cred       Cred

	mapper HostMapper

	mu      sync.Mutex
	mapping uintptr // 0 when unmapped
	mapped  bool
}

// New returns an AddressSpace covering [begin, begin+size) with the given
// credential, unmapped until Map is called.
func New(name string, begin, size uint64, cred Cred, mapper HostMapper) *AddressSpace {
	return &AddressSpace{
		Name:       name,
		GuestRange: rangemap.Range[uint64]{Begin: begin, Size: size},
		Cred:       cred,
		mapper:     mapper,
	}
}

// Map obtains the host virtual mapping for this region. Called once
// during VM construction; calling it again while already mapped is a
// no-op, matching HostMapper's idempotence contract.
func (as *AddressSpace) Map() error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.mapped {
		return nil
	}

	hva, err := as.mapper.MapUpdate(as.GuestRange.Begin, as.GuestRange.Size, as.Cred)
	if err != nil {
		return fmt.Errorf("guestmem: map %s: %w", as.Name, err)
	}

	as.mapping = hva
	as.mapped = true

	return nil
}

// Destruct releases the host mapping. Idempotent.
func (as *AddressSpace) Destruct() error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.mapped {
		return nil
	}

	if err := as.mapper.Unmap(as.mapping, as.GuestRange.Size); err != nil {
		return fmt.Errorf("guestmem: unmap %s: %w", as.Name, err)
	}

	as.mapped = false
	as.mapping = 0

	return nil
}

// gpaToHVA returns the host virtual address for gpa, defined iff the
// region is mapped and gpa falls within GuestRange.
func (as *AddressSpace) gpaToHVA(gpa uint64) (uintptr, error) {
	if !as.mapped {
		return 0, fmt.Errorf("guestmem: %s not mapped: %w", as.Name, vmmerr.ErrInvalidParameter)
	}

	if !as.GuestRange.Contains(gpa) {
		return 0, fmt.Errorf("guestmem: gpa %#x outside %s %s: %w", gpa, as.Name, as.GuestRange, vmmerr.ErrInvalidParameter)
	}

	return as.mapping + uintptr(gpa-as.GuestRange.Begin), nil
}

// boundsCheck verifies [gpa, gpa+size) lies entirely within GuestRange.
func (as *AddressSpace) boundsCheck(gpa, size uint64) error {
	if size == 0 {
		return nil
	}

	end := gpa + size
	if end < gpa || gpa < as.GuestRange.Begin || end > as.GuestRange.End() {
		return fmt.Errorf("guestmem: [%#x,%#x) outside %s %s: %w", gpa, end, as.Name, as.GuestRange, vmmerr.ErrInvalidParameter)
	}

	return nil
}

// Read copies size bytes starting at gpa into dst.
func (as *AddressSpace) Read(dst []byte, gpa uint64, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if err := as.boundsCheck(gpa, size); err != nil {
		return err
	}

	hva, err := as.gpaToHVA(gpa)
	if err != nil {
		return err
	}

	hvaBytes := hvaSlice(hva, size)
	copy(dst, hvaBytes)

	return nil
}

// Write copies size bytes from src to gpa, then cleans and invalidates
// the caches over the affected host range.
func (as *AddressSpace) Write(gpa uint64, src []byte, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Cred.Writable() {
		return fmt.Errorf("guestmem: %s is not writable: %w", as.Name, vmmerr.ErrPermission)
	}

	if err := as.boundsCheck(gpa, size); err != nil {
		return err
	}

	hva, err := as.gpaToHVA(gpa)
	if err != nil {
		return err
	}

	copy(hvaSlice(hva, size), src)
	as.mapper.CleanInvalidate(hva, size)

	return nil
}

// CleanInvalidate performs a pure cache-maintenance pass over [gpa,
// gpa+size) without copying any data, used when the guest changes
// cacheability attributes globally.
func (as *AddressSpace) CleanInvalidate(gpa, size uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	if err := as.boundsCheck(gpa, size); err != nil {
		return err
	}

	hva, err := as.gpaToHVA(gpa)
	if err != nil {
		return err
	}

	as.mapper.CleanInvalidate(hva, size)

	return nil
}

// GpaToVMMView returns a host pointer into the mapping for [gpa,
// gpa+size), defined iff the region is mapped and the range is within
// bounds.
func (as *AddressSpace) GpaToVMMView(gpa, size uint64) (uintptr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	if err := as.boundsCheck(gpa, size); err != nil {
		return 0, err
	}

	return as.gpaToHVA(gpa)
}

// DemandMapBus pins a guest-memory window for a burst copy (used by
// virtio to acquire a stable host pointer for a descriptor chain's
// buffers without copying through Read/Write per byte). Since
// AddressSpace's mapping is established once at construction and held
// for the AS's lifetime, this reduces to a bounds-checked gpa_to_hva,
// matching the degenerate case of the original's demand-mapping scheme
// for a statically-backed RAM region.
func (as *AddressSpace) DemandMapBus(gpa, size uint64, write bool) (uintptr, error) {
	if write && !as.Cred.Writable() {
		return 0, fmt.Errorf("guestmem: %s is not writable: %w", as.Name, vmmerr.ErrPermission)
	}

	return as.GpaToVMMView(gpa, size)
}

// DemandUnmapBus releases a window obtained from DemandMapBus. If the
// window was mapped for write, the affected cache lines are cleaned.
func (as *AddressSpace) DemandUnmapBus(hva uintptr, size uint64, wasWrite bool) {
	if wasWrite {
		as.mu.Lock()
		as.mapper.CleanInvalidate(hva, size)
		as.mu.Unlock()
	}
}
