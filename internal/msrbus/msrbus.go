// Package msrbus implements the system-register (MSR/MRS) dispatch table:
// a sparse map from the ARM (op0, op1, CRn, CRm, op2) encoding to a
// Register, each carrying its own reset value, write mask, and fixed-bit
// behavior.
//
// It generalizes gokvm's fixed per-register-kind struct fields (Regs,
// Sregs in kvm/kvm.go are hand-written structs with one field per x86
// register) into a dynamic, trait-per-register table, since the AArch64
// system-register space is sparse and open rather than a small closed set.
package msrbus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/armvml/internal/vmmerr"
)

// EncodeID packs the ARM (op0, op1, CRn, CRm, op2) system-register
// selector into the 32-bit id used to key the bus. op0 is 2 bits in a
// real MRS/MSR encoding; the AArch32-only carve-out spec.md describes
// reuses the otherwise-impossible op0 = 0xff.
func EncodeID(op0, op1, crn, crm, op2 uint8) uint32 {
	return uint32(op0)<<24 | uint32(op1)<<20 | uint32(crn)<<12 | uint32(crm)<<4 | uint32(op2)
}

// EncodeID32 returns the id for an AArch32-only register named by a
// 32-bit coprocessor-style selector, using the op0=0xff carve-out so its
// id space can never collide with a real AArch64 encoding.
func EncodeID32(cp, crn, crm, op1, op2 uint8) uint32 {
	return EncodeID(0xff, op1, crn, crm, op2) | uint32(cp)<<28
}

// Stats tracks per-register access counters, recovered from the original
// implementation's stats block (reads, writes, and a TSC-cycle min/max/
// total triple) but exposed through a plain struct snapshot rather than
// raw atomics, so callers (the probe CLI subcommand) get a consistent
// point-in-time view.
type Stats struct {
	Reads    uint64
	Writes   uint64
	MinCycle uint64
	MaxCycle uint64
	SumCycle uint64
}

// Register is one entry on the MSR bus.
//
// Write applies value <- (value &^ WriteMask) | (new & WriteMask) | FixedSet,
// then clears any bit named in FixedClear, matching spec.md §3 exactly.
type Register struct {
	ID         uint32
	Name       string
	ResetValue uint64
	WriteMask  uint64
	FixedSet   uint64
	FixedClear uint64
	Writable   bool
	// StrictReserved causes Write to return vmmerr.ErrPermission if the
	// guest sets a bit outside WriteMask instead of silently dropping it.
	StrictReserved bool

	mu    sync.Mutex
	value uint64

	reads, writes  atomic.Uint64
	minCyc, maxCyc atomic.Uint64
	sumCyc         atomic.Uint64
}

// Reset assigns value <- ResetValue. Idempotent.
func (r *Register) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = r.ResetValue
}

// Read returns the current value and records a read in Stats.
func (r *Register) Read() uint64 {
	r.reads.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.value
}

// Write applies the masked update described above. cycles is an optional
// cost sample (0 if the caller doesn't track it) folded into the stats
// block's min/max/total.
func (r *Register) Write(newVal uint64, cycles uint64) error {
	if !r.Writable {
		return fmt.Errorf("msrbus: register %s is read-only: %w", r.Name, vmmerr.ErrAccess)
	}

	if r.StrictReserved && newVal&^r.WriteMask != 0 {
		return fmt.Errorf("msrbus: register %s: reserved bits set: %w", r.Name, vmmerr.ErrPermission)
	}

	r.writes.Add(1)
	r.recordCycles(cycles)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.value = (r.value &^ r.WriteMask) | (newVal & r.WriteMask) | r.FixedSet
	r.value &^= r.FixedClear

	return nil
}

func (r *Register) recordCycles(c uint64) {
	r.sumCyc.Add(c)

	for {
		cur := r.maxCyc.Load()
		if c <= cur {
			break
		}

		if r.maxCyc.CompareAndSwap(cur, c) {
			break
		}
	}

	for {
		cur := r.minCyc.Load()
		if cur != 0 && c >= cur {
			break
		}

		if r.minCyc.CompareAndSwap(cur, c) {
			break
		}
	}
}

// Stats returns a point-in-time snapshot of this register's access
// counters.
func (r *Register) Stats() Stats {
	return Stats{
		Reads:    r.reads.Load(),
		Writes:   r.writes.Load(),
		MinCycle: r.minCyc.Load(),
		MaxCycle: r.maxCyc.Load(),
		SumCycle: r.sumCyc.Load(),
	}
}

// Bus is the sparse map of registered system registers, guarded by a
// mutex since registration happens at VM construction time and lookups
// happen on every MRS/MSR trap.
type Bus struct {
	mu    sync.RWMutex
	regs  map[uint32]*Register
	trace bool
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{regs: make(map[uint32]*Register)}
}

// SetTrace enables or disables per-access logging for this bus.
func (b *Bus) SetTrace(enabled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace = enabled
}

// Register installs reg on the bus, keyed by reg.ID. It is an error to
// register the same id twice.
func (b *Bus) Register(reg *Register) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.regs[reg.ID]; exists {
		return fmt.Errorf("msrbus: register id %#x already registered: %w", reg.ID, vmmerr.ErrInvalidParameter)
	}

	reg.value = reg.ResetValue
	b.regs[reg.ID] = reg

	return nil
}

// Lookup finds the register with the given id.
func (b *Bus) Lookup(id uint32) (*Register, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	reg, ok := b.regs[id]

	return reg, ok
}

// Read dispatches a guest MRS: id not found yields vmmerr.ErrNoDevice,
// otherwise the current value is returned with vmmerr.ActionUpdateRegister
// so the caller knows to write it back into the target GPR.
func (b *Bus) Read(id uint32) (uint64, vmmerr.Action, error) {
	reg, ok := b.Lookup(id)
	if !ok {
		return 0, vmmerr.ActionOK, fmt.Errorf("msrbus: read id %#x: %w", id, vmmerr.ErrNoDevice)
	}

	return reg.Read(), vmmerr.ActionUpdateRegister, nil
}

// Write dispatches a guest MSR.
func (b *Bus) Write(id uint32, val uint64) (vmmerr.Action, error) {
	reg, ok := b.Lookup(id)
	if !ok {
		return vmmerr.ActionOK, fmt.Errorf("msrbus: write id %#x: %w", id, vmmerr.ErrNoDevice)
	}

	if err := reg.Write(val, 0); err != nil {
		return vmmerr.ActionOK, err
	}

	return vmmerr.ActionOK, nil
}

// ResetAll resets every registered register; idempotent, order
// unspecified since MSR registers (unlike VBus devices) have no
// cross-register reset ordering dependency.
func (b *Bus) ResetAll() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, reg := range b.regs {
		reg.Reset()
	}
}

// Len returns the number of registered registers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.regs)
}
