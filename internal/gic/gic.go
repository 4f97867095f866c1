// Package gic implements the virtual ARM Generic Interrupt Controller:
// distributor, per-vCPU redistributor, optional GICv3 ITS, and the
// interrupt-injection state machine shared by all three (spec.md §4.3).
//
// There is no GIC or interrupt-controller code anywhere in the teacher
// repo (gokvm uses the legacy KVM_IRQ_LINE ioctl and KVM's in-kernel
// PIC/IOAPIC, never modeling the controller itself in Go -- see
// kvm/irq.go's CreateIRQChip/IRQLine, which just forwards to the kernel).
// This package is grounded instead on
// original_source/devices/gic/src/gicd.cpp (register offsets, TYPER/
// PIDR2/CTLR formulas) and
// original_source/devices/gic/include/model/gic.hpp (the InjectionInfo
// packed word and its CAS-loop update discipline), reimplemented with Go
// sync/atomic in place of C++'s std::atomic<uint64_t>.
package gic

import "fmt"

// Version selects GICv2 (affinity routing always disabled, SGIs banked
// by sender slot) or GICv3 (affinity routing, redistributors, optional
// ITS).
type Version int

const (
	V2 Version = 2
	V3 Version = 3
)

func (v Version) String() string {
	switch v {
	case V2:
		return "GICv2"
	case V3:
		return "GICv3"
	default:
		return fmt.Sprintf("GIC(unknown:%d)", int(v))
	}
}

// IRQ id space, per spec.md §3/§4.3.
const (
	NumSGI = 16
	NumPPI = 16
	// MaxPPI is the highest valid PPI id (inclusive): SGI 0..15 then PPI
	// 16..31.
	MaxPPI = NumSGI + NumPPI - 1 // 31

	MinSPI  = 32
	MaxSPI  = 1019
	NumSPI  = MaxSPI - MinSPI + 1 // 988; spec.md's "spi[992]" rounds the
	// backing array up, but MaxSPI is the architectural limit (1020..1023
	// are reserved for special INTIDs and never routed).

	MinLPI = 8192
)

// isSpecialINTID identifies the reserved IDs 1020..1023 (no-pending,
// reserved, reserved, 1-of-N) that never appear in the pending bitset.
func isSpecialINTID(id uint32) bool { return id >= 1020 && id <= 1023 }
