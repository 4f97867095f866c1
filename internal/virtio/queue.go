// Package virtio implements the virtio MMIO transport (spec.md §4.5):
// the register map, split-ring queue operations, and the
// scatter-gather buffer helpers built on top of them.
//
// Grounded on gokvm's virtio.Net/virtio.Blk (legacy PCI transport with
// a fixed-size VirtQueue cast directly over a []byte via
// unsafe.Pointer) for struct naming (DescTable/AvailRing/UsedRing) and
// on original_source/devices/virtio_base/src/virtqueue.cpp for the
// device-side recv/send/next_in_chain algorithm this package
// generalizes to the MMIO v2 transport's GPA-addressed, dynamically
// sized rings. Where gokvm casts a Go struct directly over host memory
// (legal there because its queues are fixed at QueueSize=32 and backed
// by a single contiguous []byte), this package goes through Mem's
// Read/Write so queue size and ring base address are both runtime
// values, matching spec.md §4.5.2's "n must be a power of two <=
// 32768" rather than a compile-time constant.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/armvml/internal/vmmerr"
)

// Descriptor flag bits, per the virtio 1.x split-ring descriptor
// format (spec.md §4.5.3).
const (
	DescFlagNext     = 1
	DescFlagWrite    = 2
	DescFlagIndirect = 4

	descSize = 16

	maxQueueSize = 32768
)

// Mem is the narrow guest-memory accessor queues need. Satisfied by
// *guestmem.AddressSpace; kept as an interface (matching
// internal/gic's Mem) so this package does not depend on a concrete
// address-space implementation.
type Mem interface {
	Read(dst []byte, gpa uint64, size uint64) error
	Write(gpa uint64, src []byte, size uint64) error
}

// Descriptor is one descriptor-table entry, resolved by index.
type Descriptor struct {
	Index uint16
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Queue is one split-ring virtqueue's device-side view: a guest-
// resident descriptor table, available ring, and used ring, all
// addressed by GPA through Mem. The zero value is not usable; use
// NewQueue.
type Queue struct {
	mem Mem

	size uint16

	descGPA  uint64
	availGPA uint64
	usedGPA  uint64

	lastAvailIdx uint16 // spec calls this `idx`
	drivenIdx    uint16 // spec calls this `driven_idx`
}

// NewQueue validates size and constructs a Queue over the three ring
// base addresses, per spec.md §4.5.2.
func NewQueue(mem Mem, size uint16, descGPA, availGPA, usedGPA uint64) (*Queue, error) {
	if size == 0 || size > maxQueueSize || size&(size-1) != 0 {
		return nil, fmt.Errorf("virtio: queue size %d must be a power of two <= %d: %w", size, maxQueueSize, vmmerr.ErrInvalidParameter)
	}

	return &Queue{mem: mem, size: size, descGPA: descGPA, availGPA: availGPA, usedGPA: usedGPA}, nil
}

func (q *Queue) Size() uint16 { return q.size }

func (q *Queue) descOffset(idx uint16) uint64 { return q.descGPA + uint64(idx)*descSize }

// Avail ring layout: flags u16, idx u16, ring[size] u16, used_event u16.
func (q *Queue) availIdxOffset() uint64 { return q.availGPA + 2 }
func (q *Queue) availRingOffset(i uint16) uint64 {
	return q.availGPA + 4 + uint64(i%q.size)*2
}
func (q *Queue) availUsedEventOffset() uint64 { return q.availGPA + 4 + uint64(q.size)*2 }

// Used ring layout: flags u16, idx u16, ring[size]{id u32, len u32},
// avail_event u16.
func (q *Queue) usedIdxOffset() uint64 { return q.usedGPA + 2 }
func (q *Queue) usedRingOffset(i uint16) uint64 {
	return q.usedGPA + 4 + uint64(i%q.size)*8
}
func (q *Queue) usedAvailEventOffset() uint64 { return q.usedGPA + 4 + uint64(q.size)*8 }

func (q *Queue) readU16(off uint64) (uint16, error) {
	var buf [2]byte
	if err := q.mem.Read(buf[:], off, 2); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) writeU16(off uint64, v uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)

	return q.mem.Write(off, buf[:], 2)
}

func (q *Queue) writeU32(off uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)

	return q.mem.Write(off, buf[:], 4)
}

func (q *Queue) readDescriptor(idx uint16) (Descriptor, error) {
	var buf [descSize]byte
	if err := q.mem.Read(buf[:], q.descOffset(idx), descSize); err != nil {
		return Descriptor{}, err
	}

	return Descriptor{
		Index: idx,
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// countAvailable reports how many unconsumed entries the published
// avail index represents relative to the local idx.
func (q *Queue) countAvailable(availIdx uint16) uint16 {
	return availIdx - q.lastAvailIdx
}

// Recv implements spec.md §4.5.3's DeviceQueue.recv.
func (q *Queue) Recv() (Descriptor, error) {
	availIdx, err := q.readU16(q.availIdxOffset())
	if err != nil {
		return Descriptor{}, err
	}

	if q.countAvailable(availIdx) == 0 {
		return Descriptor{}, vmmerr.ErrNoEntry
	}

	if err := q.writeU16(q.usedAvailEventOffset(), availIdx); err != nil {
		return Descriptor{}, err
	}

	ringIdx, err := q.readU16(q.availRingOffset(q.lastAvailIdx))
	if err != nil {
		return Descriptor{}, err
	}

	if ringIdx >= q.size {
		return Descriptor{}, fmt.Errorf("virtio: avail ring entry %d >= queue size %d: %w", ringIdx, q.size, vmmerr.ErrNotRecoverable)
	}

	desc, err := q.readDescriptor(ringIdx)
	if err != nil {
		return Descriptor{}, err
	}

	q.lastAvailIdx++

	return desc, nil
}

// Send implements spec.md §4.5.3's DeviceQueue.send: publish one
// completed chain, by head descriptor and total bytes written, into
// the used ring.
func (q *Queue) Send(desc Descriptor, length uint32) error {
	if err := q.writeU32(q.usedRingOffset(q.drivenIdx), uint32(desc.Index)); err != nil {
		return err
	}

	if err := q.writeU32(q.usedRingOffset(q.drivenIdx)+4, length); err != nil {
		return err
	}

	q.drivenIdx++

	return q.writeU16(q.usedIdxOffset(), q.drivenIdx)
}

// NextInChain implements spec.md §4.5.3's next_in_chain: reports
// whether desc has NEXT set and, if so, the descriptor it points to.
func (q *Queue) NextInChain(desc Descriptor) (next Descriptor, ok bool, err error) {
	if desc.Flags&DescFlagNext == 0 {
		return Descriptor{}, false, nil
	}

	if desc.Next >= q.size {
		return Descriptor{}, false, fmt.Errorf("virtio: descriptor %d next %d >= queue size %d: %w", desc.Index, desc.Next, q.size, vmmerr.ErrNotRecoverable)
	}

	next, err = q.readDescriptor(desc.Next)
	if err != nil {
		return Descriptor{}, false, err
	}

	return next, true, nil
}

// UsedEventNotify implements spec.md §4.5.3's used_event_notify: the
// standard's wrap-aware "should the device kick the driver" check.
// prevDrivenIdx is driven_idx as of the last time the device checked.
func (q *Queue) UsedEventNotify(prevDrivenIdx uint16) (bool, error) {
	usedEvent, err := q.readU16(q.availUsedEventOffset())
	if err != nil {
		return false, err
	}

	return q.drivenIdx-usedEvent-1 < q.drivenIdx-prevDrivenIdx, nil
}

// DrivenIdx returns the queue's current local used-ring index, for a
// caller that wants to snapshot it before a batch of Send calls to
// feed back into UsedEventNotify.
func (q *Queue) DrivenIdx() uint16 { return q.drivenIdx }
