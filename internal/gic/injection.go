package gic

import "sync/atomic"

// InjectionInfo is the packed 64-bit atomic word carried by every Irq,
// per spec.md §3's bit layout:
//
//	bits  0..31  target CPU encoding (single id or cpu-set mask)
//	bits 32..39  pending bitmask (GICv2 SGIs: banked by sender; else bit 32 only)
//	bits 40..47  injected bitmask (same banking)
//
// All updates go through a compare-and-swap loop; the successful CAS is
// the linearization point for the whole structure, grounded on
// gic.hpp's Irq_injection_info_update and Irq_injection_info::cas().
type InjectionInfo struct {
	word atomic.Uint64
}

const (
	targetMask  = 0xFFFFFFFF
	pendingShift = 32
	pendingMask  = uint64(0xFF) << pendingShift
	injectedShift = 40
	injectedMask  = uint64(0xFF) << injectedShift
)

// Load returns the raw word.
func (i *InjectionInfo) Load() uint64 { return i.word.Load() }

// Store unconditionally replaces the word (used only at Reset).
func (i *InjectionInfo) Store(w uint64) { i.word.Store(w) }

// update runs fn against the current value in a CAS loop until it wins,
// returning the value that was actually installed.
func (i *InjectionInfo) update(fn func(old uint64) uint64) uint64 {
	for {
		old := i.word.Load()
		newVal := fn(old)

		if newVal == old {
			return old
		}

		if i.word.CompareAndSwap(old, newVal) {
			return newVal
		}
	}
}

// Target returns the packed target-CPU encoding (bits 0..31).
func (i *InjectionInfo) Target() uint32 {
	return uint32(i.word.Load() & targetMask)
}

// SetTarget CAS-updates the target encoding without disturbing the
// pending/injected bitmasks.
func (i *InjectionInfo) SetTarget(target uint32) {
	i.update(func(old uint64) uint64 {
		return (old &^ targetMask) | uint64(target)
	})
}

// PendingBit reports whether the pending bit for the given sender slot
// (0 for non-SGI / non-banked IRQs) is set.
func (i *InjectionInfo) PendingBit(sender uint) bool {
	return i.word.Load()&(1<<(pendingShift+sender)) != 0
}

// SetPendingBit CAS-sets or clears the pending bit for sender.
func (i *InjectionInfo) SetPendingBit(sender uint, val bool) {
	bit := uint64(1) << (pendingShift + sender)
	i.update(func(old uint64) uint64 {
		if val {
			return old | bit
		}

		return old &^ bit
	})
}

// InjectedBit reports whether the injected bit for sender is set.
func (i *InjectionInfo) InjectedBit(sender uint) bool {
	return i.word.Load()&(1<<(injectedShift+sender)) != 0
}

// SetInjectedBit CAS-sets or clears the injected bit for sender.
func (i *InjectionInfo) SetInjectedBit(sender uint, val bool) {
	bit := uint64(1) << (injectedShift + sender)
	i.update(func(old uint64) uint64 {
		if val {
			return old | bit
		}

		return old &^ bit
	})
}

// AnyPending reports whether any pending bit (any sender slot) is set.
func (i *InjectionInfo) AnyPending() bool {
	return i.word.Load()&pendingMask != 0
}

// AnyInjected reports whether any injected bit is set.
func (i *InjectionInfo) AnyInjected() bool {
	return i.word.Load()&injectedMask != 0
}

// GetPendingSenderID returns the lowest-numbered sender slot with its
// pending bit set, and true, or (0, false) if none is set. Grounded on
// gic.hpp's get_pending_sender_id, which uses ffs on the pending byte.
func (i *InjectionInfo) GetPendingSenderID() (uint, bool) {
	return lowestSetBit(uint8(i.word.Load() >> pendingShift))
}

// GetInjectedSenderID mirrors GetPendingSenderID for the injected byte.
func (i *InjectionInfo) GetInjectedSenderID() (uint, bool) {
	return lowestSetBit(uint8(i.word.Load() >> injectedShift))
}

func lowestSetBit(b uint8) (uint, bool) {
	if b == 0 {
		return 0, false
	}

	for n := uint(0); n < 8; n++ {
		if b&(1<<n) != 0 {
			return n, true
		}
	}

	return 0, false
}

// TryCommitInjection is the injection-commit CAS of spec.md §4.3.4: it
// marks sender's bit injected and clears its pending bit, succeeding only
// if the pending bit was actually set (another selector may have raced
// and already claimed it). Returns false if the bit was already clear.
func (i *InjectionInfo) TryCommitInjection(sender uint) bool {
	pendingBit := uint64(1) << (pendingShift + sender)
	injectedBit := uint64(1) << (injectedShift + sender)

	for {
		old := i.word.Load()
		if old&pendingBit == 0 {
			return false
		}

		newVal := (old &^ pendingBit) | injectedBit

		if i.word.CompareAndSwap(old, newVal) {
			return true
		}
	}
}

// CompleteInjection implements the update_inj_status completion logic of
// spec.md §4.3.5 for a single sender slot. inactive selects the
// INACTIVE-vs-still-pending branch: when true, the injected bit clears
// and, if the pending bit is (still) set for this sender, the IRQ is
// re-marked pending; when false (PENDING/ACTIVE_PENDING/ACTIVE bounced
// back without being consumed), the injected bit clears and pending is
// re-asserted unconditionally for this sender so it is reconsidered at
// the next selection.
func (i *InjectionInfo) CompleteInjection(sender uint, inactive bool) {
	injectedBit := uint64(1) << (injectedShift + sender)
	pendingBit := uint64(1) << (pendingShift + sender)

	i.update(func(old uint64) uint64 {
		if old&injectedBit == 0 {
			return old
		}

		newVal := old &^ injectedBit

		if inactive {
			return newVal
		}

		return newVal | pendingBit
	})
}
