package virtio

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/armvml/internal/vmmerr"
)

func TestWalkChainSingleDescriptor(t *testing.T) {
	q, mem := newTestQueue(t, 4)

	writeDesc(mem, testDescGPA, 0, 0x1000, 16, DescFlagWrite, 0)
	publishAvail(mem, 4, 0, 0)

	buf, err := WalkChain(q, nil)
	if err != nil {
		t.Fatalf("WalkChain: %v", err)
	}

	if !buf.Complete || len(buf.Nodes) != 1 {
		t.Fatalf("buf = %+v", buf)
	}

	if !buf.Nodes[0].Writable() {
		t.Fatalf("expected writable node")
	}
}

func TestWalkChainRejectsReadableAfterWritable(t *testing.T) {
	q, mem := newTestQueue(t, 4)

	writeDesc(mem, testDescGPA, 0, 0x1000, 16, DescFlagNext|DescFlagWrite, 1)
	writeDesc(mem, testDescGPA, 1, 0x2000, 16, 0, 0)
	publishAvail(mem, 4, 0, 0)

	if _, err := WalkChain(q, nil); !errors.Is(err, vmmerr.ErrNotRecoverable) {
		t.Fatalf("expected ErrNotRecoverable, got %v", err)
	}
}

func TestWalkChainDetectsLoop(t *testing.T) {
	q, mem := newTestQueue(t, 4)

	// Descriptor 0 points to itself forever.
	writeDesc(mem, testDescGPA, 0, 0x1000, 16, DescFlagNext, 0)
	publishAvail(mem, 4, 0, 0)

	if _, err := WalkChain(q, nil); !errors.Is(err, vmmerr.ErrNotRecoverable) {
		t.Fatalf("expected ErrNotRecoverable on loop, got %v", err)
	}
}

func TestCopyToBufferRejectsReadOnlyDescriptor(t *testing.T) {
	q, mem := newTestQueue(t, 4)

	writeDesc(mem, testDescGPA, 0, 0x1000, 16, 0, 0) // readable, not writable
	publishAvail(mem, 4, 0, 0)

	buf, err := WalkChain(q, nil)
	if err != nil {
		t.Fatalf("WalkChain: %v", err)
	}

	if _, err := CopyToBuffer(mem, buf, []byte("hello")); !errors.Is(err, vmmerr.ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
}

func TestCopyToBufferWritesAndTracksLowerBound(t *testing.T) {
	q, mem := newTestQueue(t, 4)

	writeDesc(mem, testDescGPA, 0, 0x5000, 16, DescFlagWrite, 0)
	publishAvail(mem, 4, 0, 0)

	buf, err := WalkChain(q, nil)
	if err != nil {
		t.Fatalf("WalkChain: %v", err)
	}

	n, err := CopyToBuffer(mem, buf, []byte("hello world"))
	if err != nil {
		t.Fatalf("CopyToBuffer: %v", err)
	}

	if n != 11 {
		t.Fatalf("n = %d, want 11", n)
	}

	if buf.WrittenLowerBound() != 11 {
		t.Fatalf("lower bound = %d, want 11", buf.WrittenLowerBound())
	}

	got := mem.buf[0x5000 : 0x5000+11]
	if string(got) != "hello world" {
		t.Fatalf("guest memory = %q", got)
	}
}

func TestCopyFromBufferRejectsWritableUnlessAllowed(t *testing.T) {
	q, mem := newTestQueue(t, 4)

	writeDesc(mem, testDescGPA, 0, 0x5000, 16, DescFlagWrite, 0)
	publishAvail(mem, 4, 0, 0)

	buf, err := WalkChain(q, nil)
	if err != nil {
		t.Fatalf("WalkChain: %v", err)
	}

	dst := make([]byte, 4)
	if _, err := CopyFromBuffer(mem, dst, buf); !errors.Is(err, vmmerr.ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}

	buf.AllowReadFromWritable = true

	if _, err := CopyFromBuffer(mem, dst, buf); err != nil {
		t.Fatalf("CopyFromBuffer with AllowReadFromWritable: %v", err)
	}
}

func TestConcludeChainUseSendsAndResets(t *testing.T) {
	q, mem := newTestQueue(t, 4)

	writeDesc(mem, testDescGPA, 0, 0x5000, 16, DescFlagWrite, 0)
	publishAvail(mem, 4, 0, 0)

	buf, err := WalkChain(q, nil)
	if err != nil {
		t.Fatalf("WalkChain: %v", err)
	}

	if _, err := CopyToBuffer(mem, buf, []byte("abcd")); err != nil {
		t.Fatalf("CopyToBuffer: %v", err)
	}

	if err := ConcludeChainUse(q, buf); err != nil {
		t.Fatalf("ConcludeChainUse: %v", err)
	}

	if buf.Nodes != nil || buf.Complete || buf.WrittenLowerBound() != 0 {
		t.Fatalf("buffer not reset: %+v", buf)
	}

	usedIdx, err := q.readU16(q.usedIdxOffset())
	if err != nil {
		t.Fatalf("readU16: %v", err)
	}

	if usedIdx != 1 {
		t.Fatalf("used idx = %d, want 1", usedIdx)
	}
}
