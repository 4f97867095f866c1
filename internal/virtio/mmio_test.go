package virtio

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/armvml/internal/vbus"
)

type fakeBackend struct {
	deviceID, vendorID uint32
	devFeat            [2]uint32
	drvFeat            [2]uint32
	numQueues          int
	queueMax           uint16
	readyCalls         int
	readyErr           error
	lastQueue          *Queue
	notified           []int
	config             [12]byte
	resetCalls         int
}

func (b *fakeBackend) DeviceID() uint32 { return b.deviceID }
func (b *fakeBackend) VendorID() uint32 { return b.vendorID }
func (b *fakeBackend) DeviceFeatures(sel uint32) uint32 {
	if int(sel) >= len(b.devFeat) {
		return 0
	}

	return b.devFeat[sel]
}
func (b *fakeBackend) SetDriverFeatures(sel uint32, v uint32) {
	if int(sel) < len(b.drvFeat) {
		b.drvFeat[sel] = v
	}
}
func (b *fakeBackend) NumQueues() int            { return b.numQueues }
func (b *fakeBackend) QueueNumMax(int) uint16    { return b.queueMax }
func (b *fakeBackend) QueueReady(sel int, q *Queue) error {
	b.readyCalls++
	b.lastQueue = q

	return b.readyErr
}
func (b *fakeBackend) QueueNotify(sel int) { b.notified = append(b.notified, sel) }
func (b *fakeBackend) ConfigRead(off uint32, dst []byte) {
	copy(dst, b.config[off:])
}
func (b *fakeBackend) ConfigWrite(off uint32, src []byte) {
	copy(b.config[off:], src)
}
func (b *fakeBackend) Reset() { b.resetCalls++ }

type fakeIRQ struct {
	asserted, deasserted int
}

func (f *fakeIRQ) AssertLevel()   { f.asserted++ }
func (f *fakeIRQ) DeassertLevel() { f.deasserted++ }

type fakeMem struct {
	buf [1 << 16]byte
}

func (m *fakeMem) Read(dst []byte, gpa uint64, size uint64) error {
	copy(dst, m.buf[gpa:gpa+size])
	return nil
}

func (m *fakeMem) Write(gpa uint64, src []byte, size uint64) error {
	copy(m.buf[gpa:gpa+size], src[:size])
	return nil
}

func newTestDevice() (*Device, *fakeBackend, *fakeIRQ) {
	backend := &fakeBackend{deviceID: 3, vendorID: 0x1af4, numQueues: 2, queueMax: 64}
	irq := &fakeIRQ{}
	dev := NewDevice(backend, irq, &fakeMem{})

	return dev, backend, irq
}

func access(t *testing.T, dev *Device, kind vbus.AccessKind, off uint64, val uint64) uint64 {
	t.Helper()

	v := val

	if _, err := dev.Access(kind, 0, vbus.SpaceMMIO, off, nil, &v); err != nil {
		t.Fatalf("access off=%#x kind=%s: %v", off, kind, err)
	}

	return v
}

func TestDeviceMagicVersionIdentity(t *testing.T) {
	dev, _, _ := newTestDevice()

	if got := access(t, dev, vbus.AccessRead, offMagic, 0); got != MagicValue {
		t.Fatalf("magic = %#x", got)
	}

	if got := access(t, dev, vbus.AccessRead, offVersion, 0); got != TransportVersion {
		t.Fatalf("version = %d", got)
	}

	if got := access(t, dev, vbus.AccessRead, offDeviceID, 0); got != 3 {
		t.Fatalf("device id = %d", got)
	}

	if got := access(t, dev, vbus.AccessRead, offVendorID, 0); got != 0x1af4 {
		t.Fatalf("vendor id = %#x", got)
	}
}

func TestDeviceFeatureNegotiation(t *testing.T) {
	dev, backend, _ := newTestDevice()
	backend.devFeat[0] = 0xAAAA
	backend.devFeat[1] = 0x5555

	access(t, dev, vbus.AccessWrite, offDeviceFeatSel, 0)

	if got := access(t, dev, vbus.AccessRead, offDeviceFeatures, 0); got != 0xAAAA {
		t.Fatalf("device features sel0 = %#x", got)
	}

	access(t, dev, vbus.AccessWrite, offDeviceFeatSel, 1)

	if got := access(t, dev, vbus.AccessRead, offDeviceFeatures, 0); got&0x5555 != 0x5555 {
		t.Fatalf("device features sel1 = %#x, want low bits 0x5555 set", got)
	}

	access(t, dev, vbus.AccessWrite, offDriverFeatSel, 1)
	access(t, dev, vbus.AccessWrite, offDriverFeatures, 0x42)

	if backend.drvFeat[1] != 0x42 {
		t.Fatalf("driver features sel1 = %#x, want 0x42", backend.drvFeat[1])
	}
}

func TestDeviceQueueConstructionAndNotify(t *testing.T) {
	dev, backend, _ := newTestDevice()

	access(t, dev, vbus.AccessWrite, offQueueSel, 0)

	if got := access(t, dev, vbus.AccessRead, offQueueNumMax, 0); got != 64 {
		t.Fatalf("queue num max = %d", got)
	}

	access(t, dev, vbus.AccessWrite, offQueueNum, 8)
	access(t, dev, vbus.AccessWrite, offQueueDescLo, 0x1000)
	access(t, dev, vbus.AccessWrite, offQueueDescHi, 0)
	access(t, dev, vbus.AccessWrite, offQueueDriverLo, 0x2000)
	access(t, dev, vbus.AccessWrite, offQueueDriverHi, 0)
	access(t, dev, vbus.AccessWrite, offQueueDeviceLo, 0x3000)
	access(t, dev, vbus.AccessWrite, offQueueDeviceHi, 0)

	access(t, dev, vbus.AccessWrite, offQueueReady, 1)

	if backend.readyCalls != 1 {
		t.Fatalf("QueueReady calls = %d, want 1", backend.readyCalls)
	}

	if backend.lastQueue == nil || backend.lastQueue.Size() != 8 {
		t.Fatalf("constructed queue size wrong: %+v", backend.lastQueue)
	}

	if got := access(t, dev, vbus.AccessRead, offQueueReady, 0); got != 1 {
		t.Fatalf("queue_ready readback = %d, want 1", got)
	}

	access(t, dev, vbus.AccessWrite, offQueueNotify, 0)

	if len(backend.notified) != 1 || backend.notified[0] != 0 {
		t.Fatalf("notified = %v, want [0]", backend.notified)
	}
}

func TestDeviceQueueReadyFailurePropagates(t *testing.T) {
	dev, backend, _ := newTestDevice()
	backend.readyErr = errors.New("bad ring")

	access(t, dev, vbus.AccessWrite, offQueueSel, 0)
	access(t, dev, vbus.AccessWrite, offQueueNum, 8)
	access(t, dev, vbus.AccessWrite, offQueueDescLo, 0x1000)
	access(t, dev, vbus.AccessWrite, offQueueDriverLo, 0x2000)
	access(t, dev, vbus.AccessWrite, offQueueDeviceLo, 0x3000)

	v := uint64(1)
	if _, err := dev.Access(vbus.AccessWrite, 0, vbus.SpaceMMIO, offQueueReady, nil, &v); err == nil {
		t.Fatalf("expected error from failing QueueReady")
	}

	if got := access(t, dev, vbus.AccessRead, offQueueReady, 0); got != 0 {
		t.Fatalf("queue_ready readback after failure = %d, want 0", got)
	}
}

func TestDeviceIRQStatusAssertAndAck(t *testing.T) {
	dev, _, irq := newTestDevice()

	dev.RaiseQueueIRQ()

	if irq.asserted != 1 {
		t.Fatalf("asserted = %d, want 1", irq.asserted)
	}

	dev.RaiseConfigIRQ()

	if irq.asserted != 1 {
		t.Fatalf("asserted = %d after second raise, want still 1 (line stays asserted)", irq.asserted)
	}

	if got := access(t, dev, vbus.AccessRead, offIRQStatus, 0); got != uint64(IRQQueue|IRQConfig) {
		t.Fatalf("irq status = %#x", got)
	}

	access(t, dev, vbus.AccessWrite, offIRQAck, uint64(IRQQueue))

	if irq.deasserted != 0 {
		t.Fatalf("deasserted = %d, want 0 (config bit still set)", irq.deasserted)
	}

	access(t, dev, vbus.AccessWrite, offIRQAck, uint64(IRQConfig))

	if irq.deasserted != 1 {
		t.Fatalf("deasserted = %d, want 1", irq.deasserted)
	}

	if got := access(t, dev, vbus.AccessRead, offIRQStatus, 0); got != 0 {
		t.Fatalf("irq status after full ack = %#x, want 0", got)
	}
}

func TestDeviceStatusResetOnZeroWrite(t *testing.T) {
	dev, backend, _ := newTestDevice()

	access(t, dev, vbus.AccessWrite, offDeviceStatus, 0x7)

	if got := access(t, dev, vbus.AccessRead, offDeviceStatus, 0); got != 0x7 {
		t.Fatalf("status = %#x, want 0x7", got)
	}

	access(t, dev, vbus.AccessWrite, offDeviceStatus, 0)

	if backend.resetCalls != 1 {
		t.Fatalf("resetCalls = %d, want 1 after status reset", backend.resetCalls)
	}

	if got := access(t, dev, vbus.AccessRead, offDeviceStatus, 0); got != 0 {
		t.Fatalf("status after reset = %#x, want 0", got)
	}
}

func TestDeviceConfigSpaceReadWrite(t *testing.T) {
	dev, backend, _ := newTestDevice()
	backend.config[0] = 80
	backend.config[1] = 24

	bytes := make([]byte, 2)
	v := uint64(0)
	if _, err := dev.Access(vbus.AccessRead, 0, vbus.SpaceMMIO, offConfigBase, bytes, &v); err != nil {
		t.Fatalf("config read: %v", err)
	}

	if bytes[0] != 80 || bytes[1] != 24 {
		t.Fatalf("config bytes = %v, want [80 24]", bytes)
	}

	writeBytes := []byte{1, 0}
	wv := uint64(0)
	if _, err := dev.Access(vbus.AccessWrite, 0, vbus.SpaceMMIO, offConfigBase+2, writeBytes, &wv); err != nil {
		t.Fatalf("config write: %v", err)
	}

	if backend.config[2] != 1 {
		t.Fatalf("config[2] = %d, want 1", backend.config[2])
	}
}

func TestDeviceResetClearsQueuesAndIRQ(t *testing.T) {
	dev, backend, irq := newTestDevice()

	access(t, dev, vbus.AccessWrite, offQueueSel, 0)
	access(t, dev, vbus.AccessWrite, offQueueNum, 8)
	access(t, dev, vbus.AccessWrite, offQueueDescLo, 0x1000)
	access(t, dev, vbus.AccessWrite, offQueueDriverLo, 0x2000)
	access(t, dev, vbus.AccessWrite, offQueueDeviceLo, 0x3000)
	access(t, dev, vbus.AccessWrite, offQueueReady, 1)

	dev.RaiseQueueIRQ()

	dev.Reset()

	if dev.Queue(0) != nil {
		t.Fatalf("expected Queue(0) == nil after Reset")
	}

	if got := access(t, dev, vbus.AccessRead, offIRQStatus, 0); got != 0 {
		t.Fatalf("irq status after Reset = %#x, want 0", got)
	}

	if backend.resetCalls != 1 {
		t.Fatalf("backend resetCalls = %d, want 1", backend.resetCalls)
	}

	_ = irq
}
