package gic

import (
	"sync"

	"github.com/bobuhiro11/armvml/internal/vbus"
	"github.com/bobuhiro11/armvml/internal/vmmerr"
)

// Redistributor GICR register offsets (RD_base frame), grounded on
// original_source/devices/gic/src/gicr.cpp.
const (
	offGICR_CTLR   = 0x0000
	offGICR_IIDR   = 0x0004
	offGICR_TYPER  = 0x0008
	offGICR_WAKER  = 0x0014
	sgiFrameOffset = 0x10000 // SGI_base frame starts one page after RD_base
)

// Waker holds the GICR_WAKER sleep-handshake bits: the guest sets
// ProcessorSleep to request the redistributor go to sleep, and reads
// ChildrenAsleep to confirm the transition completed. Recovered from
// original_source/devices/gic/src/gicr.cpp (spec.md §3 mentions only
// "sleep/children-asleep bits" without naming the field this
// explicitly).
type Waker struct {
	ProcessorSleep bool
	ChildrenAsleep bool
}

// Redistributor is one vCPU's GICR instance: it delegates IRQ-array
// register accesses to the Distributor's banked helpers for this vCPU,
// and owns the small set of registers that are genuinely
// redistributor-local (CTLR, TYPER, WAKER).
type Redistributor struct {
	cpu  int
	last bool // TYPER "Last" bit: set on the highest-numbered vCPU's redistributor
	dist *Distributor

	mu    sync.Mutex
	waker Waker
}

// NewRedistributor returns the GICR instance for vCPU cpu. last marks
// the final redistributor in affinity order (GICR_TYPER.Last).
func NewRedistributor(cpu int, last bool, dist *Distributor) *Redistributor {
	return &Redistributor{cpu: cpu, last: last, dist: dist}
}

func (r *Redistributor) Type() string { return "gic-redistributor" }
func (r *Redistributor) Name() string { return redistributorName(r.cpu) }

func redistributorName(cpu int) string {
	return "gicr" + itoa(cpu)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}

	var buf [20]byte

	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}

// InterruptControllerMarker defers Redistributor reset to the same
// second pass as the Distributor.
func (r *Redistributor) InterruptControllerMarker() {}

func (r *Redistributor) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waker = Waker{}
}

func (r *Redistributor) Shutdown() {}

// CanReceiveIRQ reports whether this redistributor currently accepts
// interrupts: spec.md §4.3.6's can_receive_irq() == !waker.sleeping.
func (r *Redistributor) CanReceiveIRQ() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return !r.waker.ProcessorSleep
}

// Access implements vbus.Device for the RD_base frame (the SGI_base
// frame at +sgiFrameOffset delegates IGROUPR0/ISENABLER0/etc. to the
// Distributor's per-vCPU banked SGI/PPI registers, which share the same
// layout as GICD's bit-array registers restricted to ids 0..31).
func (r *Redistributor) Access(kind vbus.AccessKind, vcpu vbus.VcpuID, space vbus.Space, off uint64, bytes []byte, val *uint64) (vmmerr.Action, error) {
	switch {
	case off == offGICR_CTLR:
		if kind == vbus.AccessRead {
			*val = 0
		}

		return vmmerr.ActionOK, nil
	case off == offGICR_IIDR:
		if kind == vbus.AccessRead {
			*val = 0x43b
		}

		return vmmerr.ActionOK, nil
	case off == offGICR_TYPER:
		if kind == vbus.AccessRead {
			v := uint64(r.cpu) << 8 // Affinity_Value, processor number in low byte of aff0
			if r.last {
				v |= 1 << 4
			}

			*val = v
		}

		return vmmerr.ActionOK, nil
	case off == offGICR_WAKER:
		return r.accessWaker(kind, val)
	case off >= sgiFrameOffset:
		// Delegate IGROUPR0/ISENABLER0/ICENABLER0/ISPENDR0/ICPENDR0/
		// IPRIORITYR/ICFGR0 for ids 0..31 to the distributor, which
		// already dispatches on these exact sub-offsets for SGI/PPI ids.
		return r.dist.Access(kind, vcpu, space, off-sgiFrameOffset, bytes, val)
	default:
		if kind == vbus.AccessRead {
			*val = 0
		}

		return vmmerr.ActionOK, nil
	}
}

func (r *Redistributor) accessWaker(kind vbus.AccessKind, val *uint64) (vmmerr.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if kind == vbus.AccessRead {
		v := uint64(0)
		if r.waker.ProcessorSleep {
			v |= 1 << 1
		}

		if r.waker.ChildrenAsleep {
			v |= 1 << 2
		}

		*val = v

		return vmmerr.ActionOK, nil
	}

	r.waker.ProcessorSleep = *val&(1<<1) != 0
	// The guest can only observe ChildrenAsleep; the core flips it to
	// match ProcessorSleep synchronously since there is no actual
	// asynchronous power domain to wait for in this model.
	r.waker.ChildrenAsleep = r.waker.ProcessorSleep

	return vmmerr.ActionOK, nil
}
