package gic

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bobuhiro11/armvml/internal/vmmerr"
)

type fakeMem struct {
	buf map[uint64]byte
}

func newFakeMem() *fakeMem { return &fakeMem{buf: map[uint64]byte{}} }

func (m *fakeMem) Read(dst []byte, gpa uint64, size uint64) error {
	for i := uint64(0); i < size; i++ {
		dst[i] = m.buf[gpa+i]
	}

	return nil
}

func (m *fakeMem) Write(gpa uint64, src []byte, size uint64) error {
	for i := uint64(0); i < size; i++ {
		m.buf[gpa+i] = src[i]
	}

	return nil
}

func writeCommand(mem *fakeMem, base uint64, opcode byte, q0, q1, q2, q3 uint64) {
	var buf [commandSize]byte

	binary.LittleEndian.PutUint64(buf[0:8], q0)
	buf[0] = opcode
	binary.LittleEndian.PutUint64(buf[8:16], q1)
	binary.LittleEndian.PutUint64(buf[16:24], q2)
	binary.LittleEndian.PutUint64(buf[24:32], q3)

	for i, b := range buf {
		mem.buf[base+uint64(i)] = b
	}
}

func TestITSMapDeviceCollectionAndMSI(t *testing.T) {
	notifier := newFakeNotifier()
	dist := New(V3, 2, notifier)
	mem := newFakeMem()
	its := NewITS(dist, mem)

	const cmdBase = 0x100000

	deviceID := uint32(5)
	ittBase := uint64(0x200000)

	// MAPD: device 5, itt base 0x200000, size field encodes 1<<((n&0x1f)+1).
	writeCommand(mem, cmdBase+0*commandSize, cmdMAPD, uint64(deviceID)<<32, ittBase|0x3, 0, 0)
	// MAPC: collection 7 -> redistributor index 1.
	writeCommand(mem, cmdBase+1*commandSize, cmdMAPC, 0, 0, uint64(1)<<16|7, 0)
	// MAPTI: device 5, event 2, pintid 8200, collection 7.
	eventID := uint32(2)
	pintid := uint32(8200)
	writeCommand(mem, cmdBase+2*commandSize, cmdMAPTI, uint64(deviceID)<<32, uint64(pintid)<<32|uint64(eventID), uint64(7), 0)

	its.cbaser = cmdBase
	its.cwriter = 3 * commandSize

	if err := its.drainCommands(); err != nil {
		t.Fatalf("drainCommands: %v", err)
	}

	if err := its.HandleMSI(deviceID, eventID); err != nil {
		t.Fatalf("HandleMSI: %v", err)
	}

	found := false

	for _, v := range notifier.notified {
		if v == 1 {
			found = true
		}
	}

	if !found {
		t.Fatalf("expected HandleMSI to notify redistributor 1, got %v", notifier.notified)
	}
}

func TestITSHandleMSIUnmappedDevice(t *testing.T) {
	dist := New(V3, 1, nil)
	its := NewITS(dist, newFakeMem())

	if err := its.HandleMSI(99, 0); !errors.Is(err, vmmerr.ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestITSDiscardCommandAborts(t *testing.T) {
	dist := New(V3, 1, nil)
	mem := newFakeMem()
	its := NewITS(dist, mem)

	const cmdBase = 0x300000

	writeCommand(mem, cmdBase, cmdDISCARD, 0, 0, 0, 0)

	its.cbaser = cmdBase
	its.cwriter = commandSize

	err := its.drainCommands()
	if !errors.Is(err, vmmerr.ErrNotRecoverable) {
		t.Fatalf("expected ErrNotRecoverable from DISCARD, got %v", err)
	}

	if !its.aborted {
		t.Fatalf("expected its.aborted to be set")
	}
}

func TestITSSyncInvInvallAreNoops(t *testing.T) {
	dist := New(V3, 1, nil)
	mem := newFakeMem()
	its := NewITS(dist, mem)

	const cmdBase = 0x400000

	writeCommand(mem, cmdBase+0*commandSize, cmdSYNC, 0, 0, 0, 0)
	writeCommand(mem, cmdBase+1*commandSize, cmdINV, 0, 0, 0, 0)
	writeCommand(mem, cmdBase+2*commandSize, cmdINVALL, 0, 0, 0, 0)

	its.cbaser = cmdBase
	its.cwriter = 3 * commandSize

	if err := its.drainCommands(); err != nil {
		t.Fatalf("drainCommands: %v", err)
	}
}
