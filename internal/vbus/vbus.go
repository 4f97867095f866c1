// Package vbus implements the VM's memory-mapped-I/O bus: the range-keyed
// device dispatch table that every MMIO-visible component (GIC
// distributor/redistributor, virtio transport, console) is registered on.
//
// It generalizes gokvm's machine.Machine.ioportHandlers -- a fixed
// [0x10000]IOPortHandler array indexed directly by port number, which only
// works because x86 I/O port space is 16 bits wide -- into a range map
// dispatch, since guest-physical address space is not bounded that way.
package vbus

import (
	"fmt"
	"sync"

	"github.com/bobuhiro11/armvml/internal/rangemap"
	"github.com/bobuhiro11/armvml/internal/vmmerr"
	"github.com/bobuhiro11/armvml/internal/vmmlog"
)

// AccessKind distinguishes a guest load from a guest store.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
)

func (k AccessKind) String() string {
	if k == AccessWrite {
		return "write"
	}

	return "read"
}

// Space tags how a bus resolves the offset passed to Device.Access:
// relative to the device's registered range (the default, used by normal
// MMIO and port-mapped devices) or as the untranslated absolute address
// (used by the affinity-lookup bus, which dispatches on full GPA rather
// than an offset within a window).
type Space int

const (
	SpaceMMIO Space = iota
	SpaceMem
	SpaceIOPort
	SpaceMSR
	SpaceAffinity
)

// VcpuID identifies the vCPU that issued an access, for devices whose
// behavior is per-CPU (GIC redistributor banking, SGI sender banking).
type VcpuID uint32

// Device is implemented by everything registered on a Bus: the GIC
// distributor and redistributors, the virtio MMIO transport, the virtio
// console, and any test fixture.
type Device interface {
	// Access dispatches a single load or store. off is either an
	// absolute address or an offset from the device's range start,
	// depending on the owning Bus's Space (absolute for SpaceAffinity,
	// relative otherwise). val carries
	// the read result out (AccessRead) or the value to store in
	// (AccessWrite); bytes is scratch space devices may use for
	// byte-granularity protocols without reallocating per call.
	Access(kind AccessKind, vcpu VcpuID, space Space, off uint64, bytes []byte, val *uint64) (vmmerr.Action, error)

	// Reset restores the device's power-on state. Calling Reset twice in
	// a row must be observably identical to calling it once.
	Reset()

	// Shutdown releases any resources (goroutines, file descriptors)
	// the device owns. Called once, during VM teardown.
	Shutdown()

	// Type identifies the device class (e.g. "gic-distributor",
	// "virtio-mmio"), used for reset ordering and tracing.
	Type() string

	// Name is a unique human-readable instance name, used in logs.
	Name() string
}

// InterruptController is implemented by devices that must run their Reset
// only after every ordinary device has already been reset, so that no
// device observes the interrupt controller mid-reset while its own reset
// handler is still running.
type InterruptController interface {
	Device
	InterruptControllerMarker()
}

type lastAccess struct {
	valid bool
	rng   rangemap.Range[uint64]
	dev   Device
}

// Bus is a RangeMap[uint64, Device] guarded by a reader-writer lock, plus
// a one-entry "last accessed range" cache: the hot path of repeated
// accesses to the same device (e.g. polling a virtio queue notify
// register) skips the full range-map lookup as long as the address stays
// within the cached range.
type Bus struct {
	space Space

	mu    sync.RWMutex
	m     rangemap.Map[uint64, Device]
	last  lastAccess
	trace bool
	log   *vmmlog.Logger

	traceMu   sync.Mutex
	traceLast struct {
		dev Device
		off uint64
	}
}

// New returns an empty Bus dispatching in the given Space.
func New(space Space) *Bus {
	return &Bus{space: space, log: vmmlog.Default}
}

// SetLogger overrides the logger used for tracing; defaults to
// vmmlog.Default.
func (b *Bus) SetLogger(l *vmmlog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = l
}

// SetTrace enables or disables access tracing. When enabled, consecutive
// accesses to the same device at the same offset are coalesced into a
// single log line rather than logging every repeat, to keep steady-state
// polling from flooding the log.
func (b *Bus) SetTrace(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace = enabled
}

// RegisterDevice adds dev covering [begin, begin+size) to the bus.
// It fails with vmmerr.ErrInvalidParameter if the range overlaps an
// existing registration.
func (b *Bus) RegisterDevice(begin, size uint64, dev Device) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rng := rangemap.Range[uint64]{Begin: begin, Size: size}
	if err := b.m.Insert(rng, dev); err != nil {
		return fmt.Errorf("vbus: register %s at %s: %w: %w", dev.Name(), rng, err, vmmerr.ErrInvalidParameter)
	}

	b.last = lastAccess{}

	return nil
}

// UnregisterDevice removes the device covering [begin, begin+size).
func (b *Bus) UnregisterDevice(begin, size uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rng := rangemap.Range[uint64]{Begin: begin, Size: size}
	if err := b.m.Remove(rng); err != nil {
		return fmt.Errorf("vbus: unregister %s: %w", rng, err)
	}

	b.last = lastAccess{}

	return nil
}

// IterDevices calls fn for every registered device, in ascending range
// order. fn's return value stops iteration early when false.
func (b *Bus) IterDevices(fn func(rangemap.Range[uint64], Device) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	next := b.m.Iter()
	for {
		rng, dev, ok := next()
		if !ok {
			return
		}

		if !fn(rng, dev) {
			return
		}
	}
}

// Reset resets every registered device in two passes: non-interrupt-
// controller devices first, then interrupt controllers, so a device's
// reset handler never observes an interrupt line whose controller has
// already been torn down.
func (b *Bus) Reset() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var controllers []Device

	next := b.m.Iter()

	for {
		_, dev, ok := next()
		if !ok {
			break
		}

		if _, isController := dev.(InterruptController); isController {
			controllers = append(controllers, dev)

			continue
		}

		dev.Reset()
	}

	for _, dev := range controllers {
		dev.Reset()
	}
}

// Shutdown calls Shutdown on every registered device.
func (b *Bus) Shutdown() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	next := b.m.Iter()
	for {
		_, dev, ok := next()
		if !ok {
			return
		}

		dev.Shutdown()
	}
}

// Access resolves addr to a registered device and dispatches the load or
// store. The offset passed to the device is the absolute address if the
// bus was constructed with SpaceAffinity, else addr - range.Begin.
func (b *Bus) Access(kind AccessKind, vcpu VcpuID, addr uint64, bytes []byte, val *uint64) (vmmerr.Action, error) {
	dev, rng, ok := b.lookupCached(addr)
	if !ok {
		return vmmerr.ActionOK, fmt.Errorf("vbus: %s at %#x: %w", kind, addr, vmmerr.ErrNoDevice)
	}

	off := addr
	if b.space != SpaceAffinity {
		off = addr - rng.Begin
	}

	action, err := dev.Access(kind, vcpu, b.space, off, bytes, val)

	b.traceAccess(dev, addr)

	if err != nil {
		return action, fmt.Errorf("vbus: %s %s+%#x: %w", kind, dev.Name(), off, err)
	}

	return action, nil
}

func (b *Bus) lookupCached(addr uint64) (Device, rangemap.Range[uint64], bool) {
	b.mu.RLock()

	if b.last.valid && b.last.rng.Contains(addr) {
		dev, rng := b.last.dev, b.last.rng
		b.mu.RUnlock()

		return dev, rng, true
	}

	dev, rng, ok := b.m.Lookup(addr)

	b.mu.RUnlock()

	if !ok {
		return nil, rangemap.Range[uint64]{}, false
	}

	b.mu.Lock()
	b.last = lastAccess{valid: true, rng: rng, dev: dev}
	b.mu.Unlock()

	return dev, rng, true
}

func (b *Bus) traceAccess(dev Device, off uint64) {
	b.mu.RLock()
	enabled := b.trace
	lg := b.log
	b.mu.RUnlock()

	if !enabled {
		return
	}

	b.traceMu.Lock()
	defer b.traceMu.Unlock()

	if b.traceLast.dev == dev && b.traceLast.off == off {
		return
	}

	b.traceLast.dev = dev
	b.traceLast.off = off

	lg.Debugf("vbus: access %s+%#x", dev.Name(), off)
}
