package virtio

import (
	"fmt"

	"github.com/bobuhiro11/armvml/internal/vmmerr"
)

// ChainNode is one descriptor's resolved (address, length, flags)
// triple as walked by WalkChain. Grounded on
// original_source/devices/virtio_base/src/virtio_sg.cpp's per-node
// representation inside Sg::Buffer::walk_chain.
type ChainNode struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (n ChainNode) Writable() bool { return n.Flags&DescFlagWrite != 0 }

// Buffer is one walked descriptor chain: spec.md §4.5.4's Sg::Buffer.
type Buffer struct {
	Root     Descriptor
	Nodes    []ChainNode
	Complete bool

	// AllowReadFromWritable bypasses the read-from-writable permission
	// check in CopyFromBuffer, for driver-owned chains used for
	// verification (spec.md §4.5.4: "driver-owned chains may bypass for
	// verification use"). Device-owned chains must leave this false.
	AllowReadFromWritable bool

	prefixWritten uint32 // conservative lower bound on bytes written into the writable prefix
}

// WalkChain implements spec.md §4.5.4's walk_chain: if root is nil,
// pulls the next available chain from queue.Recv; otherwise walks from
// the given descriptor. Enforces "writable descriptors follow
// readable" and bounds chain length by queue size, aborting with
// ErrNotRecoverable on a loop or violation.
func WalkChain(queue *Queue, root *Descriptor) (*Buffer, error) {
	var head Descriptor

	if root == nil {
		d, err := queue.Recv()
		if err != nil {
			return nil, err
		}

		head = d
	} else {
		head = *root
	}

	buf := &Buffer{Root: head}
	cur := head
	seenWritable := false

	for i := 0; ; i++ {
		if i > int(queue.Size()) {
			return nil, fmt.Errorf("virtio: descriptor chain exceeds queue size %d (loop?): %w", queue.Size(), vmmerr.ErrNotRecoverable)
		}

		node := ChainNode{Addr: cur.Addr, Len: cur.Len, Flags: cur.Flags, Next: cur.Next}

		if node.Writable() {
			seenWritable = true
		} else if seenWritable {
			return nil, fmt.Errorf("virtio: chain descriptor %d is readable after a writable one: %w", cur.Index, vmmerr.ErrNotRecoverable)
		}

		buf.Nodes = append(buf.Nodes, node)

		next, ok, err := queue.NextInChain(cur)
		if err != nil {
			return nil, err
		}

		if !ok {
			buf.Complete = true

			return buf, nil
		}

		cur = next
	}
}

// CopyToBuffer copies up to len(src) bytes from src into dst's
// descriptors, in order, returning bytes copied. Every descriptor
// touched must be writable (the destination chain is guest-resident
// device output); encountering a non-writable one is the "write into
// read-only descriptor" violation from spec.md §4.5.4 and returns
// ErrPermission.
func CopyToBuffer(mem Mem, dst *Buffer, src []byte) (uint32, error) {
	var total uint32

	for i := range dst.Nodes {
		if total >= uint32(len(src)) {
			break
		}

		n := &dst.Nodes[i]
		if !n.Writable() {
			return total, fmt.Errorf("virtio: write into read-only descriptor: %w", vmmerr.ErrPermission)
		}

		remaining := uint32(len(src)) - total
		chunk := n.Len

		if chunk > remaining {
			chunk = remaining
		}

		if chunk == 0 {
			continue
		}

		if err := mem.Write(n.Addr, src[total:total+chunk], uint64(chunk)); err != nil {
			return total, err
		}

		total += chunk

		if total > dst.prefixWritten {
			dst.prefixWritten = total
		}
	}

	return total, nil
}

// CopyFromBuffer copies up to len(dst) bytes out of src's descriptors,
// in order, into dst. A writable descriptor encountered while src is
// treated as a device-owned input chain is the "read from write-only
// descriptor" violation from spec.md §4.5.4 and returns ErrPermission,
// unless src.AllowReadFromWritable was set for a driver-owned
// verification chain.
func CopyFromBuffer(mem Mem, dst []byte, src *Buffer) (uint32, error) {
	var total uint32

	for i := range src.Nodes {
		if total >= uint32(len(dst)) {
			break
		}

		n := &src.Nodes[i]
		if n.Writable() && !src.AllowReadFromWritable {
			return total, fmt.Errorf("virtio: read from write-only descriptor: %w", vmmerr.ErrPermission)
		}

		remaining := uint32(len(dst)) - total
		chunk := n.Len

		if chunk > remaining {
			chunk = remaining
		}

		if chunk == 0 {
			continue
		}

		if err := mem.Read(dst[total:total+chunk], n.Addr, uint64(chunk)); err != nil {
			return total, err
		}

		total += chunk
	}

	return total, nil
}

// ConcludeChainUse implements spec.md §4.5.4's conclude_chain_use:
// returns buf's root descriptor to queue with the conservative
// lower-bound length of bytes written into its writable prefix, then
// resets buf's bookkeeping so it cannot be reused.
func ConcludeChainUse(queue *Queue, buf *Buffer) error {
	if err := queue.Send(buf.Root, buf.prefixWritten); err != nil {
		return err
	}

	buf.Nodes = nil
	buf.Complete = false
	buf.prefixWritten = 0

	return nil
}

// WrittenLowerBound exposes the heuristic byte count CopyToBuffer has
// accumulated so far, before ConcludeChainUse is called.
func (b *Buffer) WrittenLowerBound() uint32 { return b.prefixWritten }
