// Package virtioconsole implements the two-queue virtio console device
// of spec.md §4.6: device ID 3, an RX (host->guest) and TX (guest->host)
// split-ring queue, and a 12-byte config space.
//
// Grounded on gokvm's serial.Serial: a channel/signal-driven byte stream
// with a one-method IRQInjector-style callback interface and an
// io.Writer output, generalized here from serial.Serial's fixed 16550
// UART port-I/O register model to virtio-console's queue-driven byte
// stream and config space.
package virtioconsole

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/bobuhiro11/armvml/internal/vmmerr"
	"github.com/bobuhiro11/armvml/internal/virtio"
)

const (
	// DeviceID is the virtio device type id for a console (spec.md §4.6).
	DeviceID = 3

	vendorID = 0x1AF4

	queueRX   = 0
	queueTX   = 1
	numQueues = 2

	defaultQueueSize = 256

	configSize = 12
)

// ConsoleCallback is the optional external collaborator notified on
// driver-ready, reset, and shutdown (spec.md §4.6's "console callback").
// Named after, and generalizing, gokvm's serial.IRQInjector one-method
// callback idiom to the three lifecycle events this device exposes.
type ConsoleCallback interface {
	DriverOK()
	Reset()
	Shutdown()
}

// Console is the virtio-console Backend (internal/virtio.Device wraps
// it to form the full MMIO transport).
type Console struct {
	mu sync.Mutex

	mem virtio.Mem

	transport *virtio.Device
	rxQ, txQ  *virtio.Queue

	cols, rows uint16
	numPorts   uint32

	driverFeat [2]uint32

	callback      ConsoleCallback
	driverOKFired bool

	output io.Writer

	inflightRX *virtio.Buffer

	notifyCh chan struct{}
}

// New constructs a console of the given terminal geometry, addressing
// guest memory through mem.
func New(mem virtio.Mem, cols, rows uint16) *Console {
	return &Console{
		mem:      mem,
		cols:     cols,
		rows:     rows,
		numPorts: 1,
		output:   os.Stdout,
		notifyCh: make(chan struct{}),
	}
}

// SetOutput overrides the writer emergency-write bytes are sent to;
// defaults to os.Stdout, matching serial.Serial.SetOutput.
func (c *Console) SetOutput(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = w
}

// SetCallback installs the external console callback.
func (c *Console) SetCallback(cb ConsoleCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

// AttachTransport lets the console raise its queue IRQ once the owning
// virtio.Device has been constructed around it.
func (c *Console) AttachTransport(d *virtio.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = d
}

// FromGuest implements spec.md §4.6's from_guest: pops one completed TX
// chain (if any), copies its bytes into out, and returns how many bytes
// were delivered. Returns vmmerr.ErrNoEntry if the driver has published
// nothing to transmit.
func (c *Console) FromGuest(out []byte) (int, error) {
	c.mu.Lock()
	txQ := c.txQ
	c.mu.Unlock()

	if txQ == nil {
		return 0, vmmerr.ErrNoEntry
	}

	chain, err := virtio.WalkChain(txQ, nil)
	if err != nil {
		return 0, err
	}

	n, err := virtio.CopyFromBuffer(c.mem, out, chain)
	if err != nil {
		return 0, err
	}

	complete := chain.Complete

	if err := virtio.ConcludeChainUse(txQ, chain); err != nil {
		return int(n), err
	}

	if complete {
		c.signalEmptySpace()
	}

	return int(n), nil
}

// ToGuest implements spec.md §4.6's to_guest: splits buf across however
// many RX chains are needed to deliver it, asserting the queue IRQ after
// each chain is filled. Blocks on the empty-space signal while no RX
// chain is available; ctx cancellation aborts the wait.
func (c *Console) ToGuest(ctx context.Context, buf []byte) (int, error) {
	var total int

	for total < len(buf) {
		c.mu.Lock()
		rxQ := c.rxQ
		c.mu.Unlock()

		if rxQ == nil {
			return total, vmmerr.ErrNoEntry
		}

		chain, err := virtio.WalkChain(rxQ, nil)
		if errors.Is(err, vmmerr.ErrNoEntry) {
			if waitErr := c.waitEmptySpace(ctx); waitErr != nil {
				return total, waitErr
			}

			continue
		}

		if err != nil {
			return total, err
		}

		c.mu.Lock()
		c.inflightRX = chain
		c.mu.Unlock()

		n, err := virtio.CopyToBuffer(c.mem, chain, buf[total:])
		if err != nil {
			return total, err
		}

		if err := virtio.ConcludeChainUse(rxQ, chain); err != nil {
			return total, err
		}

		c.mu.Lock()
		c.inflightRX = nil
		transport := c.transport
		c.mu.Unlock()

		total += int(n)

		if transport != nil {
			transport.RaiseQueueIRQ()
		}
	}

	return total, nil
}

func (c *Console) waitEmptySpace(ctx context.Context) error {
	c.mu.Lock()
	ch := c.notifyCh
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Console) signalEmptySpace() {
	c.mu.Lock()
	close(c.notifyCh)
	c.notifyCh = make(chan struct{})
	c.mu.Unlock()
}

// --- virtio.Backend ---

func (c *Console) DeviceID() uint32 { return DeviceID }
func (c *Console) VendorID() uint32 { return vendorID }

func (c *Console) DeviceFeatures(uint32) uint32 { return 0 }

func (c *Console) SetDriverFeatures(selector uint32, value uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if int(selector) < len(c.driverFeat) {
		c.driverFeat[selector] = value
	}
}

func (c *Console) NumQueues() int { return numQueues }

func (c *Console) QueueNumMax(int) uint16 { return defaultQueueSize }

func (c *Console) QueueReady(sel int, q *virtio.Queue) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch sel {
	case queueRX:
		c.rxQ = q
	case queueTX:
		c.txQ = q
	}

	return nil
}

// QueueNotify wakes anything waiting for RX space and lets the host-side
// bridge know TX data may be ready to drain; the bridge itself pulls via
// FromGuest on its own schedule.
func (c *Console) QueueNotify(int) {
	c.signalEmptySpace()
}

func (c *Console) ConfigRead(off uint32, dst []byte) {
	c.mu.Lock()
	cols, rows, numPorts := c.cols, c.rows, c.numPorts
	c.mu.Unlock()

	var buf [configSize]byte
	binary.LittleEndian.PutUint16(buf[0:2], cols)
	binary.LittleEndian.PutUint16(buf[2:4], rows)
	binary.LittleEndian.PutUint32(buf[4:8], numPorts)
	binary.LittleEndian.PutUint32(buf[8:12], 0) // emerg_wr always reads back 0

	if int(off) >= len(buf) {
		return
	}

	end := int(off) + len(dst)
	if end > len(buf) {
		end = len(buf)
	}

	copy(dst, buf[off:end])
}

// emergWrOffset is the byte offset of the config struct's emerg_wr
// field: writing a byte there is the virtio-console "emergency write"
// path used by early boot consoles before queues are negotiated.
const emergWrOffset = 8

func (c *Console) ConfigWrite(off uint32, src []byte) {
	if off != emergWrOffset || len(src) == 0 {
		return
	}

	c.mu.Lock()
	w := c.output
	c.mu.Unlock()

	_, _ = w.Write(src[:1])
}

// StatusChanged implements virtio.StatusObserver: fires the console
// callback's DriverOK exactly once, the first time the driver sets
// DRIVER_OK.
func (c *Console) StatusChanged(status uint32) {
	if status&virtio.StatusDriverOK == 0 {
		return
	}

	c.mu.Lock()
	already := c.driverOKFired
	c.driverOKFired = true
	cb := c.callback
	c.mu.Unlock()

	if !already && cb != nil {
		cb.DriverOK()
	}
}

// Reset implements spec.md §4.6's reset(): returns any in-flight RX
// chain to its queue and clears transport-observable state.
func (c *Console) Reset() {
	c.mu.Lock()
	inflight := c.inflightRX
	rxQ := c.rxQ
	c.inflightRX = nil
	c.rxQ = nil
	c.txQ = nil
	c.driverOKFired = false
	c.driverFeat = [2]uint32{}
	cb := c.callback
	c.mu.Unlock()

	if inflight != nil && rxQ != nil {
		_ = virtio.ConcludeChainUse(rxQ, inflight)
	}

	c.signalEmptySpace()

	if cb != nil {
		cb.Reset()
	}
}

// Shutdown notifies the console callback that the device is tearing
// down.
func (c *Console) Shutdown() {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()

	if cb != nil {
		cb.Shutdown()
	}
}
