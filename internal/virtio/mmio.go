package virtio

import (
	"sync"
	"sync/atomic"

	"github.com/bobuhiro11/armvml/internal/vbus"
	"github.com/bobuhiro11/armvml/internal/vmmerr"
)

// Register offsets, per spec.md §4.5.1.
const (
	offMagic          = 0x00
	offVersion        = 0x04
	offDeviceID       = 0x08
	offVendorID       = 0x0C
	offDeviceFeatures = 0x10
	offDeviceFeatSel  = 0x14
	offDriverFeatures = 0x20
	offDriverFeatSel  = 0x24
	offQueueSel       = 0x30
	offQueueNumMax    = 0x34
	offQueueNum       = 0x38
	offQueueReady     = 0x44
	offQueueNotify    = 0x50
	offIRQStatus      = 0x60
	offIRQAck         = 0x64
	offDeviceStatus   = 0x70
	offQueueDescLo    = 0x80
	offQueueDescHi    = 0x84
	offQueueDriverLo  = 0x90
	offQueueDriverHi  = 0x94
	offQueueDeviceLo  = 0xA0
	offQueueDeviceHi  = 0xA4
	offConfigGen      = 0xFC
	offConfigBase     = 0x100
	configSize        = 0x64 // 0x100..0x163 inclusive

	MagicValue    = 0x74726976
	TransportVersion = 2

	// FeatureVersion1/FeatureAccessPlatform are the transport-level
	// feature bits spec.md §4.5.1 says are always offered/gate address
	// translation; device-specific feature bits live below bit 32 and
	// are supplied by Backend.DeviceFeatures.
	FeatureVersion1       = uint64(1) << 32
	FeatureAccessPlatform = uint64(1) << 33
)

// IRQStatus bits (spec.md §4.5.5).
const (
	IRQQueue  uint32 = 1
	IRQConfig uint32 = 2
)

// DeviceStatus bits, the standard virtio status register progression a
// driver writes through during negotiation.
const (
	StatusAcknowledge      uint32 = 1
	StatusDriver           uint32 = 2
	StatusFailed           uint32 = 128
	StatusFeaturesOK       uint32 = 8
	StatusDriverOK         uint32 = 4
	StatusDeviceNeedsReset uint32 = 64
)

// IRQLine is the external collaborator a Device uses to raise or lower
// its level interrupt line through the GIC (e.g. gic.Distributor's
// AssertLine/DeassertLine for the SPI this device is wired to).
type IRQLine interface {
	AssertLevel()
	DeassertLevel()
}

// Backend is what a concrete virtio device (console, block, net, ...)
// provides to the MMIO transport: identity, feature negotiation, queue
// lifecycle hooks, and config space. Implemented by
// internal/virtioconsole.Console.
type Backend interface {
	DeviceID() uint32
	VendorID() uint32
	// DeviceFeatures returns bits 32*selector..32*selector+31 of the
	// device's offered feature bitmap. Transport-level bits (VERSION_1,
	// ACCESS_PLATFORM) are folded in by Device itself; Backend need only
	// return its own device-specific bits.
	DeviceFeatures(selector uint32) uint32
	SetDriverFeatures(selector uint32, value uint32)
	NumQueues() int
	QueueNumMax(sel int) uint16
	// QueueReady is invoked once a queue's ring addresses and size have
	// been latched and the driver sets ready=1. Returning an error fails
	// queue construction (spec.md §4.5.2); the register is left at
	// ready=0.
	QueueReady(sel int, q *Queue) error
	QueueNotify(sel int)
	ConfigRead(off uint32, dst []byte)
	ConfigWrite(off uint32, src []byte)
	// Reset returns the backend to its power-on state, discarding
	// whatever QueueReady built.
	Reset()
}

// StatusObserver is an optional Backend extension: devices that care
// about the driver's negotiation progress (e.g. firing a "driver ready"
// callback once DRIVER_OK is set) implement it. Device checks for it on
// every DEVICE_STATUS write.
type StatusObserver interface {
	StatusChanged(status uint32)
}

type queueState struct {
	num            uint16
	ready          bool
	descLo, descHi uint32
	availLo, availHi uint32
	usedLo, usedHi   uint32
}

func (qs *queueState) descGPA() uint64  { return uint64(qs.descHi)<<32 | uint64(qs.descLo) }
func (qs *queueState) availGPA() uint64 { return uint64(qs.availHi)<<32 | uint64(qs.availLo) }
func (qs *queueState) usedGPA() uint64  { return uint64(qs.usedHi)<<32 | uint64(qs.usedLo) }

// Device is the virtio MMIO transport register file (spec.md §4.5.1),
// generic over any Backend. Grounded on gokvm's virtio.Net/virtio.Blk
// register-access pattern (a struct of header fields read/written by
// offset through IOInHandler/IOOutHandler), generalized from the
// legacy PCI/IO-port transport's fixed header layout to the MMIO v2
// register map addressed through vbus.Device.Access.
type Device struct {
	backend Backend
	irq     IRQLine
	mem     Mem

	mu sync.Mutex

	devFeatSel uint32
	drvFeatSel uint32
	queueSel   uint32
	status     uint32
	configGen  uint32
	queues     []*queueState
	queueImpls []*Queue

	irqStatus atomic.Uint32
}

// NewDevice wires backend to the MMIO register file, raising its level
// IRQ through irq and addressing queue rings through mem.
func NewDevice(backend Backend, irq IRQLine, mem Mem) *Device {
	n := backend.NumQueues()

	d := &Device{
		backend:    backend,
		irq:        irq,
		mem:        mem,
		queues:     make([]*queueState, n),
		queueImpls: make([]*Queue, n),
	}

	for i := range d.queues {
		d.queues[i] = &queueState{}
	}

	return d
}

func (d *Device) Type() string { return "virtio-mmio" }
func (d *Device) Name() string { return "virtio" }

// Reset restores the register file to power-on state and resets the
// backend, per spec.md §4.6's "reset() ... resets transport state".
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.devFeatSel = 0
	d.drvFeatSel = 0
	d.queueSel = 0
	d.status = 0
	d.configGen++

	for i := range d.queues {
		d.queues[i] = &queueState{}
		d.queueImpls[i] = nil
	}

	d.irqStatus.Store(0)
	d.backend.Reset()
}

func (d *Device) Shutdown() { d.backend.Reset() }

// Queue returns the constructed Queue for index sel, or nil if the
// driver has not yet set that queue ready.
func (d *Device) Queue(sel int) *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sel < 0 || sel >= len(d.queueImpls) {
		return nil
	}

	return d.queueImpls[sel]
}

// RaiseQueueIRQ and RaiseConfigIRQ implement spec.md §4.5.5: asserting
// a bit that was previously unset in irq_status raises the level IRQ;
// if it was already set, the line stays asserted (no-op).
func (d *Device) RaiseQueueIRQ()  { d.raiseIRQ(IRQQueue) }
func (d *Device) RaiseConfigIRQ() { d.raiseIRQ(IRQConfig) }

func (d *Device) raiseIRQ(bit uint32) {
	for {
		old := d.irqStatus.Load()
		next := old | bit

		if d.irqStatus.CompareAndSwap(old, next) {
			if old == 0 && d.irq != nil {
				d.irq.AssertLevel()
			}

			return
		}
	}
}

func (d *Device) withSelectedQueue(fn func(*queueState)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sel := int(d.queueSel)
	if sel < 0 || sel >= len(d.queues) {
		return
	}

	fn(d.queues[sel])
}

// Access implements vbus.Device over the register map of spec.md
// §4.5.1.
func (d *Device) Access(kind vbus.AccessKind, _ vbus.VcpuID, _ vbus.Space, off uint64, bytes []byte, val *uint64) (vmmerr.Action, error) {
	switch {
	case off == offMagic:
		readOnly(kind, val, MagicValue)
	case off == offVersion:
		readOnly(kind, val, TransportVersion)
	case off == offDeviceID:
		readOnly(kind, val, uint64(d.backend.DeviceID()))
	case off == offVendorID:
		readOnly(kind, val, uint64(d.backend.VendorID()))
	case off == offDeviceFeatures:
		if kind == vbus.AccessRead {
			d.mu.Lock()
			sel := d.devFeatSel
			d.mu.Unlock()

			*val = uint64(d.combinedFeatures(sel))
		}
	case off == offDeviceFeatSel:
		rw32(kind, val, &d.devFeatSel, &d.mu)
	case off == offDriverFeatures:
		if kind == vbus.AccessWrite {
			d.mu.Lock()
			sel := d.drvFeatSel
			d.mu.Unlock()

			d.backend.SetDriverFeatures(sel, uint32(*val))
		}
	case off == offDriverFeatSel:
		rw32(kind, val, &d.drvFeatSel, &d.mu)
	case off == offQueueSel:
		if kind == vbus.AccessWrite {
			d.mu.Lock()
			d.queueSel = uint32(*val)
			d.mu.Unlock()
		}
	case off == offQueueNumMax:
		if kind == vbus.AccessRead {
			d.mu.Lock()
			sel := int(d.queueSel)
			d.mu.Unlock()

			*val = uint64(d.backend.QueueNumMax(sel))
		}
	case off == offQueueNum:
		if kind == vbus.AccessWrite {
			v := *val
			d.withSelectedQueue(func(qs *queueState) { qs.num = uint16(v) })
		}
	case off == offQueueReady:
		return d.accessQueueReady(kind, val)
	case off == offQueueNotify:
		if kind == vbus.AccessWrite {
			d.backend.QueueNotify(int(*val))
		}
	case off == offIRQStatus:
		if kind == vbus.AccessRead {
			*val = uint64(d.irqStatus.Load())
		}
	case off == offIRQAck:
		if kind == vbus.AccessWrite {
			d.ackIRQ(uint32(*val))
		}
	case off == offDeviceStatus:
		if kind == vbus.AccessRead {
			d.mu.Lock()
			*val = uint64(d.status)
			d.mu.Unlock()
		} else {
			v := uint32(*val)

			d.mu.Lock()
			d.status = v
			d.mu.Unlock()

			if v == 0 {
				d.Reset()
			}

			if so, ok := d.backend.(StatusObserver); ok {
				so.StatusChanged(v)
			}
		}
	case off == offQueueDescLo:
		writeQueueField(kind, val, d, func(qs *queueState, v uint32) { qs.descLo = v })
	case off == offQueueDescHi:
		writeQueueField(kind, val, d, func(qs *queueState, v uint32) { qs.descHi = v })
	case off == offQueueDriverLo:
		writeQueueField(kind, val, d, func(qs *queueState, v uint32) { qs.availLo = v })
	case off == offQueueDriverHi:
		writeQueueField(kind, val, d, func(qs *queueState, v uint32) { qs.availHi = v })
	case off == offQueueDeviceLo:
		writeQueueField(kind, val, d, func(qs *queueState, v uint32) { qs.usedLo = v })
	case off == offQueueDeviceHi:
		writeQueueField(kind, val, d, func(qs *queueState, v uint32) { qs.usedHi = v })
	case off == offConfigGen:
		if kind == vbus.AccessRead {
			d.mu.Lock()
			*val = uint64(d.configGen)
			d.mu.Unlock()
		}
	case off >= offConfigBase && off < offConfigBase+configSize:
		return d.accessConfig(kind, off-offConfigBase, bytes, val)
	default:
		if kind == vbus.AccessRead {
			*val = 0
		}
	}

	return vmmerr.ActionOK, nil
}

func (d *Device) combinedFeatures(selector uint32) uint32 {
	dev := d.backend.DeviceFeatures(selector)

	switch selector {
	case 1:
		dev |= uint32(FeatureVersion1 >> 32)
		dev |= uint32(FeatureAccessPlatform >> 32)
	}

	return dev
}

func (d *Device) ackIRQ(bits uint32) {
	for {
		old := d.irqStatus.Load()
		next := old &^ bits

		if d.irqStatus.CompareAndSwap(old, next) {
			if next == 0 && d.irq != nil {
				d.irq.DeassertLevel()
			}

			return
		}
	}
}

func (d *Device) accessQueueReady(kind vbus.AccessKind, val *uint64) (vmmerr.Action, error) {
	d.mu.Lock()
	sel := int(d.queueSel)

	if sel < 0 || sel >= len(d.queues) {
		d.mu.Unlock()

		if kind == vbus.AccessRead {
			*val = 0
		}

		return vmmerr.ActionOK, nil
	}

	qs := d.queues[sel]

	if kind == vbus.AccessRead {
		ready := qs.ready
		d.mu.Unlock()

		if ready {
			*val = 1
		} else {
			*val = 0
		}

		return vmmerr.ActionOK, nil
	}

	if *val == 0 {
		qs.ready = false
		d.queueImpls[sel] = nil
		d.mu.Unlock()

		return vmmerr.ActionOK, nil
	}

	num, descGPA, availGPA, usedGPA := qs.num, qs.descGPA(), qs.availGPA(), qs.usedGPA()
	d.mu.Unlock()

	q, err := NewQueue(d.mem, num, descGPA, availGPA, usedGPA)
	if err != nil {
		return vmmerr.ActionOK, err
	}

	if err := d.backend.QueueReady(sel, q); err != nil {
		return vmmerr.ActionOK, err
	}

	d.mu.Lock()
	qs.ready = true
	d.queueImpls[sel] = q
	d.mu.Unlock()

	return vmmerr.ActionOK, nil
}

func (d *Device) accessConfig(kind vbus.AccessKind, off uint64, bytes []byte, val *uint64) (vmmerr.Action, error) {
	width := len(bytes)
	if width == 0 {
		width = 4
	}

	buf := make([]byte, width)

	if kind == vbus.AccessRead {
		d.backend.ConfigRead(uint32(off), buf)

		if len(bytes) > 0 {
			copy(bytes, buf)
		}

		*val = bytesToU64(buf)

		return vmmerr.ActionOK, nil
	}

	if len(bytes) > 0 {
		copy(buf, bytes)
	} else {
		u64ToBytes(*val, buf)
	}

	d.backend.ConfigWrite(uint32(off), buf)

	return vmmerr.ActionOK, nil
}

func readOnly(kind vbus.AccessKind, val *uint64, v uint64) {
	if kind == vbus.AccessRead {
		*val = v
	}
}

func rw32(kind vbus.AccessKind, val *uint64, field *uint32, mu *sync.Mutex) {
	if kind == vbus.AccessRead {
		mu.Lock()
		*val = uint64(*field)
		mu.Unlock()

		return
	}

	mu.Lock()
	*field = uint32(*val)
	mu.Unlock()
}

func writeQueueField(kind vbus.AccessKind, val *uint64, d *Device, set func(*queueState, uint32)) {
	if kind != vbus.AccessWrite {
		return
	}

	v := uint32(*val)
	d.withSelectedQueue(func(qs *queueState) { set(qs, v) })
}

func bytesToU64(b []byte) uint64 {
	var v uint64
	for i, c := range b {
		if i >= 8 {
			break
		}

		v |= uint64(c) << (8 * i)
	}

	return v
}

func u64ToBytes(v uint64, b []byte) {
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
}
