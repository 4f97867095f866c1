package gic

import (
	"encoding/binary"
	"sync"

	"github.com/bobuhiro11/armvml/internal/vbus"
	"github.com/bobuhiro11/armvml/internal/vmmerr"
)

// GICD register offsets, grounded on
// original_source/devices/gic/src/gicd.cpp's offset enum.
const (
	offCTLR        = 0x0000
	offTYPER       = 0x0004
	offIIDR        = 0x0008
	offIGROUP      = 0x0080
	offISENABLER   = 0x0100
	offICENABLER   = 0x0180
	offISPENDR     = 0x0200
	offICPENDR     = 0x0280
	offISACTIVER   = 0x0300
	offICACTIVER   = 0x0380
	offIPRIORITYR  = 0x0400
	offITARGETSR0  = 0x0800
	offICFGR0      = 0x0c00
	offSGIR        = 0x0f00
	offCPENDSGIR   = 0x0f10
	offSPENDSGIR   = 0x0f20
	offIROUTER     = 0x6100
	offPIDR0       = 0xffd0
	offPIDR7       = 0xffef
	gicdSize       = 0x10000
)

// Sgir decodes/encodes the GICD_SGIR register (v2 send-SGI), grounded on
// gicd.cpp's Sgir helper class.
type Sgir uint32

const (
	SgirFilterUseList    = 0
	SgirFilterAllButMe   = 1
	SgirFilterOnlyMe     = 2
)

func (s Sgir) SGI() uint32      { return uint32(s) & 0xf }
func (s Sgir) TargetList() uint8 { return uint8(s >> 16) }
func (s Sgir) Filter() int       { return int(s>>24) & 0x3 }
func (s Sgir) Group1() bool      { return s&(1<<15) != 0 }
func (s Sgir) TargetsCPU(cpu uint) bool {
	return s.TargetList()&(1<<cpu) != 0
}

// Notifier is the external collaborator a Distributor notifies when an
// IRQ becomes pending for a given vCPU, and consults to find out whether
// a vCPU's redistributor currently accepts interrupts (Waker sleeping
// bit). Implemented by internal/vcpu; not implemented here.
type Notifier interface {
	NotifyInterruptPending(vcpu int)
	CanReceiveIRQ(vcpu int) bool
	// ResolveAffinity maps a GICv3 affinity tuple to a vCPU index.
	ResolveAffinity(aff0, aff1, aff2, aff3 uint8) (vcpu int, ok bool)
}

// Ctlr is the distributor's GICD_CTLR state.
type Ctlr struct {
	Group0         bool
	Group1         bool
	AffinityRouted bool // ARE, GICv3 only
}

// Distributor is the shared GICD state plus every vCPU's banked SGI/PPI
// state and pending/in-injection scan bitsets.
type Distributor struct {
	version  Version
	numVCPUs int
	notifier Notifier

	mu     sync.RWMutex
	ctlr   Ctlr
	spi    []*Irq // indexed by id-MinSPI
	banked []*Banked
}

// Banked is one vCPU's private interrupt state: its 16 SGIs, 16 PPIs,
// and the pending/in-injection scan bitsets spanning the whole INTID
// space (so selection can scan SGI/PPI/SPI uniformly).
type Banked struct {
	SGI [NumSGI]*Irq
	PPI [NumPPI]*Irq

	Pending     bitset1024
	InInjection bitset1024
}

// New builds a Distributor for numVCPUs, allocating banked SGI/PPI state
// per vCPU and the shared SPI array.
func New(version Version, numVCPUs int, notifier Notifier) *Distributor {
	d := &Distributor{
		version:  version,
		numVCPUs: numVCPUs,
		notifier: notifier,
		spi:      make([]*Irq, MaxSPI-MinSPI+1),
		banked:   make([]*Banked, numVCPUs),
	}

	for i := range d.spi {
		d.spi[i] = &Irq{ID: uint32(i) + MinSPI, HWEdge: false}
	}

	for v := 0; v < numVCPUs; v++ {
		b := &Banked{}

		for i := 0; i < NumSGI; i++ {
			b.SGI[i] = &Irq{ID: uint32(i)}
		}

		for i := 0; i < NumPPI; i++ {
			b.PPI[i] = &Irq{ID: uint32(NumSGI + i)}
		}

		d.banked[v] = b
	}

	return d
}

func (d *Distributor) Type() string { return "gic-distributor" }
func (d *Distributor) Name() string { return "gicd" }

// InterruptControllerMarker satisfies vbus.InterruptController so Reset
// ordering defers the distributor until after ordinary devices.
func (d *Distributor) InterruptControllerMarker() {}

// Reset restores every IRQ and the CTLR to power-on state. Idempotent.
func (d *Distributor) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ctlr = Ctlr{}

	for _, irq := range d.spi {
		irq.Reset()
	}

	for _, b := range d.banked {
		for _, irq := range b.SGI {
			irq.Reset()
		}

		for _, irq := range b.PPI {
			irq.Reset()
		}
	}
}

func (d *Distributor) Shutdown() {}

// irqByID resolves an IRQ by global id for vcpu's banked view: SGI/PPI
// come from that vCPU's Banked struct, SPI from the shared array.
func (d *Distributor) irqByID(vcpu int, id uint32) *Irq {
	switch {
	case id <= MaxPPI:
		b := d.banked[vcpu]
		if id < NumSGI {
			return b.SGI[id]
		}

		return b.PPI[id-NumSGI]
	case id >= MinSPI && id <= MaxSPI:
		return d.spi[id-MinSPI]
	default:
		return nil
	}
}

// Access implements vbus.Device for the GICD memory-mapped register
// frame. kind/vcpu/space follow vbus.Device.Access; off is the MMIO
// offset within the GICD frame (0..gicdSize).
func (d *Distributor) Access(kind vbus.AccessKind, vcpu vbus.VcpuID, _ vbus.Space, off uint64, _ []byte, val *uint64) (vmmerr.Action, error) {
	cpu := int(vcpu)

	switch {
	case off == offCTLR:
		return d.accessCTLR(kind, val)
	case off == offTYPER:
		if kind == vbus.AccessRead {
			*val = uint64(d.typer())
		}

		return vmmerr.ActionOK, nil
	case off == offIIDR:
		if kind == vbus.AccessRead {
			*val = 0x43b // ARM implementer JEP106 code, arbitrary product id
		}

		return vmmerr.ActionOK, nil
	case inRange(off, offIGROUP, 0x80):
		return d.accessBitArray(kind, cpu, off-offIGROUP, val, func(irq *Irq) bool { return irq.Group1 },
			func(irq *Irq, v bool) { irq.Group1 = v })
	case inRange(off, offISENABLER, 0x80):
		return d.accessEnableSet(kind, cpu, off-offISENABLER, val, true)
	case inRange(off, offICENABLER, 0x80):
		return d.accessEnableSet(kind, cpu, off-offICENABLER, val, false)
	case inRange(off, offISPENDR, 0x80):
		return d.accessPendSet(kind, cpu, off-offISPENDR, val, true)
	case inRange(off, offICPENDR, 0x80):
		return d.accessPendSet(kind, cpu, off-offICPENDR, val, false)
	case inRange(off, offISACTIVER, 0x80):
		return d.accessBitArray(kind, cpu, off-offISACTIVER, val, func(irq *Irq) bool { return irq.Active },
			func(irq *Irq, v bool) {
				if v {
					irq.Active = true
				}
			})
	case inRange(off, offICACTIVER, 0x80):
		return d.accessBitArray(kind, cpu, off-offICACTIVER, val, func(irq *Irq) bool { return irq.Active },
			func(irq *Irq, v bool) {
				if v {
					irq.Active = false
				}
			})
	case inRange(off, offIPRIORITYR, 0x400):
		return d.accessByteArray(kind, cpu, off-offIPRIORITYR, val, func(irq *Irq) uint8 { return irq.Priority },
			func(irq *Irq, v uint8) { irq.Priority = v })
	case inRange(off, offITARGETSR0, 0x400):
		return d.accessTargetsr(kind, cpu, off-offITARGETSR0, val)
	case inRange(off, offICFGR0, 0x100):
		return d.accessCfgr(kind, cpu, off-offICFGR0, val)
	case off == offSGIR:
		return d.accessSGIR(kind, cpu, val)
	case inRange(off, offCPENDSGIR, 0x10):
		return d.accessSGIPendArray(kind, cpu, off-offCPENDSGIR, val, false)
	case inRange(off, offSPENDSGIR, 0x10):
		return d.accessSGIPendArray(kind, cpu, off-offSPENDSGIR, val, true)
	case inRange(off, offIROUTER, uint64(len(d.spi))*8):
		return d.accessIROUTER(kind, off-offIROUTER, val)
	case off >= offPIDR0 && off <= offPIDR7:
		return d.accessPIDR(kind, off, val)
	default:
		// Write-ignored / read-as-zero for reserved regions, per
		// spec.md §4.3.1.
		if kind == vbus.AccessRead {
			*val = 0
		}

		return vmmerr.ActionOK, nil
	}
}

func inRange(off, base, size uint64) bool { return off >= base && off < base+size }

func (d *Distributor) typer() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	// TYPER = 31 | ((num_vcpus-1)<<5) | (9<<19) | (1<<24), per spec.md §4.3.1.
	return 31 | (uint32(d.numVCPUs-1) << 5) | (9 << 19) | (1 << 24)
}

func (d *Distributor) accessPIDR(kind vbus.AccessKind, off uint64, val *uint64) (vmmerr.Action, error) {
	if kind != vbus.AccessRead {
		return vmmerr.ActionOK, nil
	}

	idx := off - offPIDR0

	if idx == 8 { // PIDR2, offset 0xffd8
		d.mu.RLock()
		v := d.version
		d.mu.RUnlock()
		// PIDR2 = (version<<4) | 0xb, per spec.md §4.3.1.
		*val = uint64(v)<<4 | 0xb

		return vmmerr.ActionOK, nil
	}

	*val = 0

	return vmmerr.ActionOK, nil
}

func (d *Distributor) accessCTLR(kind vbus.AccessKind, val *uint64) (vmmerr.Action, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if kind == vbus.AccessRead {
		v := uint64(0)
		if d.ctlr.Group0 {
			v |= 1
		}

		if d.ctlr.Group1 {
			v |= 2
		}

		if d.ctlr.AffinityRouted {
			v |= 1 << 4
		}

		*val = v

		return vmmerr.ActionOK, nil
	}

	// Write-mask differs by version: v2 is grp0|grp1; v3 adds ARE
	// (bit 4), per spec.md §4.3.1.
	d.ctlr.Group0 = *val&1 != 0
	d.ctlr.Group1 = *val&2 != 0

	if d.version == V3 {
		d.ctlr.AffinityRouted = *val&(1<<4) != 0
	}

	return vmmerr.ActionOK, nil
}

// accessBitArray implements the generic "one IRQ per bit" register
// pattern (IGROUP, ISACTIVER/ICACTIVER), spec.md §4.3.1's
// read<T,getter>/write<T,setter> helpers.
func (d *Distributor) accessBitArray(kind vbus.AccessKind, cpu int, regOff uint64, val *uint64, get func(*Irq) bool, set func(*Irq, bool)) (vmmerr.Action, error) {
	base := uint32(regOff) * 32

	d.mu.Lock()
	defer d.mu.Unlock()

	if kind == vbus.AccessRead {
		var v uint32

		for bit := uint32(0); bit < 32; bit++ {
			irq := d.irqByID(cpu, base+bit)
			if irq != nil && get(irq) {
				v |= 1 << bit
			}
		}

		*val = uint64(v)

		return vmmerr.ActionOK, nil
	}

	for bit := uint32(0); bit < 32; bit++ {
		if *val&(1<<bit) == 0 {
			continue
		}

		irq := d.irqByID(cpu, base+bit)
		if irq != nil {
			set(irq, true)
		}
	}

	return vmmerr.ActionOK, nil
}

func (d *Distributor) accessEnableSet(kind vbus.AccessKind, cpu int, regOff uint64, val *uint64, enabling bool) (vmmerr.Action, error) {
	return d.accessBitArray(kind, cpu, regOff, val,
		func(irq *Irq) bool { return irq.Enable },
		func(irq *Irq, _ bool) { irq.Enable = enabling })
}

// accessPendSet implements ISPENDR/ICPENDR: reading reflects Irq.Pending,
// a set-write asserts the line through assertLine (which also sets the
// pending bit), a clear-write deasserts it.
func (d *Distributor) accessPendSet(kind vbus.AccessKind, cpu int, regOff uint64, val *uint64, setting bool) (vmmerr.Action, error) {
	base := uint32(regOff) * 32

	if kind == vbus.AccessRead {
		d.mu.RLock()
		defer d.mu.RUnlock()

		var v uint32

		for bit := uint32(0); bit < 32; bit++ {
			irq := d.irqByID(cpu, base+bit)
			if irq != nil && irq.Pending() {
				v |= 1 << bit
			}
		}

		*val = uint64(v)

		return vmmerr.ActionOK, nil
	}

	for bit := uint32(0); bit < 32; bit++ {
		if *val&(1<<bit) == 0 {
			continue
		}

		id := base + bit
		if setting {
			d.assertLine(cpu, id)
		} else {
			d.deassertLine(cpu, id)
		}
	}

	return vmmerr.ActionOK, nil
}

func (d *Distributor) accessByteArray(kind vbus.AccessKind, cpu int, regOff uint64, val *uint64, get func(*Irq) uint8, set func(*Irq, uint8)) (vmmerr.Action, error) {
	base := uint32(regOff)

	d.mu.Lock()
	defer d.mu.Unlock()

	if kind == vbus.AccessRead {
		var buf [4]byte

		for i := 0; i < 4; i++ {
			irq := d.irqByID(cpu, base+uint32(i))
			if irq != nil {
				buf[i] = get(irq)
			}
		}

		*val = uint64(binary.LittleEndian.Uint32(buf[:]))

		return vmmerr.ActionOK, nil
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(*val))

	for i := 0; i < 4; i++ {
		irq := d.irqByID(cpu, base+uint32(i))
		if irq != nil {
			set(irq, buf[i])
		}
	}

	return vmmerr.ActionOK, nil
}

func (d *Distributor) accessTargetsr(kind vbus.AccessKind, cpu int, regOff uint64, val *uint64) (vmmerr.Action, error) {
	return d.accessByteArray(kind, cpu, regOff, val,
		func(irq *Irq) uint8 { return irq.Target },
		func(irq *Irq, v uint8) {
			irq.Target = v
			irq.Injection.SetTarget(uint32(v))
		})
}

// accessCfgr implements ICFGR: two bits per IRQ, bit1 set => edge
// triggered. SGIs are always edge (write-ignored); PPIs/SPIs update
// SWEdge.
func (d *Distributor) accessCfgr(kind vbus.AccessKind, cpu int, regOff uint64, val *uint64) (vmmerr.Action, error) {
	base := uint32(regOff) * 16

	d.mu.Lock()
	defer d.mu.Unlock()

	if kind == vbus.AccessRead {
		var v uint32

		for i := uint32(0); i < 16; i++ {
			irq := d.irqByID(cpu, base+i)
			if irq != nil && irq.SWEdge {
				v |= 1 << (2*i + 1)
			}
		}

		*val = uint64(v)

		return vmmerr.ActionOK, nil
	}

	for i := uint32(0); i < 16; i++ {
		id := base + i
		if id < NumSGI {
			continue // SGIs are fixed edge, write-ignored
		}

		irq := d.irqByID(cpu, id)
		if irq == nil {
			continue
		}

		irq.SWEdge = *val&(1<<(2*i+1)) != 0
	}

	return vmmerr.ActionOK, nil
}

func (d *Distributor) accessSGIR(kind vbus.AccessKind, cpu int, val *uint64) (vmmerr.Action, error) {
	if kind == vbus.AccessRead {
		*val = 0

		return vmmerr.ActionOK, nil
	}

	sgir := Sgir(*val)
	d.sendSGI(cpu, sgir)

	return vmmerr.ActionOK, nil
}

// sendSGI implements spec.md §4.3.2's GICv2-style SGI routing: affinity
// routing disabled, banked-by-sender.
func (d *Distributor) sendSGI(sender int, sgir Sgir) {
	for target := 0; target < d.numVCPUs; target++ {
		switch sgir.Filter() {
		case SgirFilterUseList:
			if !sgir.TargetsCPU(uint(target)) {
				continue
			}
		case SgirFilterAllButMe:
			if target == sender {
				continue
			}
		case SgirFilterOnlyMe:
			if target != sender {
				continue
			}
		}

		d.assertSGI(uint(sender), target, sgir.SGI(), sgir.Group1())
	}
}

func (d *Distributor) assertSGI(sender uint, target int, id uint32, group1 bool) {
	d.mu.RLock()
	irq := d.banked[target].SGI[id]
	d.mu.RUnlock()

	irq.Group1 = group1
	irq.Injection.SetPendingBit(sender, true)
	d.banked[target].Pending.Set(id)

	if d.notifier != nil {
		d.notifier.NotifyInterruptPending(target)
	}
}

// DeassertSGI clears both injected and pending bits for sender on
// target's copy of SGI id, per spec.md §4.3.2's deassert_sgi.
func (d *Distributor) DeassertSGI(sender uint, target int, id uint32) {
	d.mu.RLock()
	irq := d.banked[target].SGI[id]
	d.mu.RUnlock()

	irq.Injection.SetPendingBit(sender, false)
	irq.Injection.SetInjectedBit(sender, false)

	if !irq.Injection.AnyPending() {
		d.banked[target].Pending.Clear(id)
	}
}

// accessSGIPendArray implements CPENDSGIR/SPENDSGIR: 4 registers of 4
// bytes, each byte holding the 8 sender-banked pending bits for one SGI
// id (base = (regOff/4)*4, byte index selects which of those 4 SGIs).
func (d *Distributor) accessSGIPendArray(kind vbus.AccessKind, cpu int, regOff uint64, val *uint64, setting bool) (vmmerr.Action, error) {
	base := uint32(regOff/4) * 4

	d.mu.RLock()
	irqs := [4]*Irq{}

	for i := 0; i < 4; i++ {
		irqs[i] = d.banked[cpu].SGI[(base+uint32(i))%NumSGI]
	}

	d.mu.RUnlock()

	if kind == vbus.AccessRead {
		var v uint32

		for i, irq := range irqs {
			var byteVal uint8

			for s := uint(0); s < 8; s++ {
				if irq.Injection.PendingBit(s) {
					byteVal |= 1 << s
				}
			}

			v |= uint32(byteVal) << (8 * i)
		}

		*val = uint64(v)

		return vmmerr.ActionOK, nil
	}

	for i, irq := range irqs {
		byteVal := uint8(*val >> (8 * i))

		for s := uint(0); s < 8; s++ {
			if byteVal&(1<<s) == 0 {
				continue
			}

			irq.Injection.SetPendingBit(s, setting)
		}

		if !setting && !irq.Injection.AnyPending() {
			d.banked[cpu].Pending.Clear(irq.ID)
		} else if setting {
			d.banked[cpu].Pending.Set(irq.ID)
		}
	}

	return vmmerr.ActionOK, nil
}

func (d *Distributor) accessIROUTER(kind vbus.AccessKind, regOff uint64, val *uint64) (vmmerr.Action, error) {
	id := MinSPI + uint32(regOff/8)

	d.mu.Lock()
	irq := d.spi[id-MinSPI]
	d.mu.Unlock()

	if kind == vbus.AccessRead {
		*val = encodeIROUTER(irq.Routing)

		return vmmerr.ActionOK, nil
	}

	irq.Routing = decodeIROUTER(*val)

	return vmmerr.ActionOK, nil
}

func encodeIROUTER(r AffinityRouting) uint64 {
	v := uint64(r.Aff0) | uint64(r.Aff1)<<8 | uint64(r.Aff2)<<16 | uint64(r.Aff3)<<32

	if r.Any {
		v |= 1 << 31
	}

	return v
}

func decodeIROUTER(v uint64) AffinityRouting {
	return AffinityRouting{
		Any:  v&(1<<31) != 0,
		Aff0: uint8(v),
		Aff1: uint8(v >> 8),
		Aff2: uint8(v >> 16),
		Aff3: uint8(v >> 32),
	}
}

// assertLine sets an IRQ's level line (PPI/SPI), sets its pending bit,
// and pushes it onto its target vCPU's pending scan set, whatever its
// trigger configuration. SPIs route per spec.md §4.3.3.
func (d *Distributor) assertLine(cpu int, id uint32) {
	if id < NumSGI {
		d.assertSGI(uint(cpu), cpu, id, false)

		return
	}

	if id <= MaxPPI {
		d.mu.RLock()
		irq := d.banked[cpu].PPI[id-NumSGI]
		d.mu.RUnlock()

		irq.LineAsserted = true
		irq.Injection.SetPendingBit(0, true)
		d.banked[cpu].Pending.Set(id)

		if d.notifier != nil {
			d.notifier.NotifyInterruptPending(cpu)
		}

		return
	}

	d.AssertSPI(id)
}

// AssertLine is the exported form of assertLine, used by
// internal/vcpu's timer PPI injection (spec.md §4.7) so a virtual
// timer can raise its PPI without reaching into Distributor internals.
func (d *Distributor) AssertLine(cpu int, id uint32) {
	d.assertLine(cpu, id)
}

// DeassertLine is the exported form of deassertLine.
func (d *Distributor) DeassertLine(cpu int, id uint32) {
	d.deassertLine(cpu, id)
}

func (d *Distributor) deassertLine(cpu int, id uint32) {
	irq := d.irqByID(cpu, id)
	if irq == nil {
		return
	}

	irq.LineAsserted = false
	irq.Injection.SetPendingBit(0, false)

	if !irq.Injection.AnyPending() {
		if b := d.bankedFor(cpu, id); b != nil {
			b.Pending.Clear(id)
		}
	}
}

func (d *Distributor) bankedFor(cpu int, id uint32) *Banked {
	if id > MaxPPI {
		return nil
	}

	return d.banked[cpu]
}

// AssertSPI implements spec.md §4.3.3's SPI routing: without affinity
// routing the target is the set of vCPUs whose bit is set in
// irq.Target (up to 8); with affinity routing, irq.Routing.Any picks the
// first eligible vCPU or the tuple resolves to one vCPU via the
// notifier.
//
// Id boundaries: ids up to MaxPPI (31) are SGIs/PPIs and never reach
// AssertSPI; every id from MinSPI (32) upward, including 32 itself, is
// routed here, and SelectHighestPending likewise treats every id >=
// MinSPI as an SPI. No strict-greater-than check sends the first SPI
// down a different path -- see DESIGN.md.
func (d *Distributor) AssertSPI(id uint32) {
	d.mu.RLock()
	irq := d.spi[id-MinSPI]
	affinityRouted := d.ctlr.AffinityRouted
	d.mu.RUnlock()

	irq.LineAsserted = true

	if !affinityRouted {
		for cpu := 0; cpu < d.numVCPUs; cpu++ {
			if irq.Target&(1<<cpu) == 0 {
				continue
			}

			d.routeSPITo(cpu, irq)
		}

		return
	}

	var target int

	var ok bool

	if irq.Routing.Any {
		for cpu := 0; cpu < d.numVCPUs; cpu++ {
			if d.notifier == nil || d.notifier.CanReceiveIRQ(cpu) {
				target, ok = cpu, true

				break
			}
		}
	} else if d.notifier != nil {
		target, ok = d.notifier.ResolveAffinity(irq.Routing.Aff0, irq.Routing.Aff1, irq.Routing.Aff2, irq.Routing.Aff3)
	}

	if ok {
		d.routeSPITo(target, irq)
	}
}

func (d *Distributor) routeSPITo(cpu int, irq *Irq) {
	// Re-routing (spec.md §4.3.3): if the target vCPU's redistributor
	// cannot currently accept IRQs, this assert is still recorded (the
	// re-route to another eligible vCPU happens lazily, at the next
	// selection call on some vCPU, not here) -- matching "this happens
	// lazily at selection time".
	irq.Injection.SetTarget(uint32(cpu))
	irq.Injection.SetPendingBit(0, true)
	d.banked[cpu].Pending.Set(irq.ID)

	if d.notifier != nil {
		d.notifier.NotifyInterruptPending(cpu)
	}
}
