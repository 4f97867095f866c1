package gic

import "sync"

// AffinityRouting is the GICv3 IROUTER-style target: either "any eligible
// redistributor" or a specific affinity tuple, per gic.hpp's Irq_target.
type AffinityRouting struct {
	Any  bool
	Aff0 uint8
	Aff1 uint8
	Aff2 uint8
	Aff3 uint8
}

// Irq is one interrupt: an SGI, PPI, or SPI. SGIs and PPIs are banked
// per-vCPU (each vCPU's Banked struct holds its own Irq for ids 0..31);
// SPIs are shared, global entries.
//
// Fields mutated only under Distributor's lock (Enable, Group1, HW,
// SWEdge, priority, target/routing, LineAsserted) are plain fields;
// Injection is the separately-synchronized atomic word, since it is
// updated from the hot injection/completion path without the
// distributor lock held (grounded on gic.hpp keeping Irq_injection_info
// lock-free while the rest of Irq is guarded by the owning structure).
type Irq struct {
	ID       uint32
	Priority uint8

	// Target is the GICv2-style 8-bit CPU target mask (one bit per
	// vCPU, up to 8).
	Target uint8

	// Routing is the GICv3 affinity-routing target, used when the
	// distributor has affinity routing enabled.
	Routing AffinityRouting

	Enable bool
	Active bool
	Group1 bool

	// HW marks this IRQ as backed by a physical interrupt (forwarded by
	// the host); HWPINTID is the physical INTID to deactivate on
	// completion.
	HW       bool
	HWPINTID uint32

	// HWEdge is the immutable physical trigger configuration; SWEdge is
	// the guest-configurable ICFGR bit, written for PPIs and SPIs (SGIs
	// are always edge and ignore ICFGR writes).
	HWEdge bool
	SWEdge bool

	// LineAsserted is the level-line state for level-triggered IRQs.
	LineAsserted bool

	Injection InjectionInfo
}

// Pending reports whether this IRQ should be considered by selection:
// per spec.md §3, "pending() iff (not sw-edge AND line_asserted) OR any
// pending bit set".
func (irq *Irq) Pending() bool {
	return (!irq.SWEdge && irq.LineAsserted) || irq.Injection.AnyPending()
}

// Reset restores power-on-reset state: disabled, non-active, no group1,
// zero priority, injection word cleared.
func (irq *Irq) Reset() {
	irq.Enable = false
	irq.Active = false
	irq.Group1 = false
	irq.Priority = 0
	irq.LineAsserted = false
	irq.Injection.Store(0)
}

// bitset1024 is a simple fixed 1024-bit set guarded by its own mutex,
// used for the per-vCPU pending_bitset/in_injection_bitset scan hints of
// spec.md §3. The original keeps these lock-free via per-word atomics;
// here a mutex guards the whole set, since the sets are consulted only
// at selection time (once per exit) and updated at assert/complete time
// (not a hot loop), so the extra serialization is not a meaningful cost.
type bitset1024 struct {
	mu    sync.Mutex
	words [16]uint64
}

func (b *bitset1024) Set(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.words[id/64] |= 1 << (id % 64)
}

func (b *bitset1024) Clear(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.words[id/64] &^= 1 << (id % 64)
}

func (b *bitset1024) Test(id uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.words[id/64]&(1<<(id%64)) != 0
}

// Iter calls fn(id) for every set bit in ascending order, stopping early
// if fn returns false.
func (b *bitset1024) Iter(fn func(id uint32) bool) {
	b.mu.Lock()
	words := b.words
	b.mu.Unlock()

	for w, word := range words {
		for word != 0 {
			bit := word & (-word)

			var n uint32

			for word&(1<<n) == 0 {
				n++
			}

			id := uint32(w)*64 + n
			if !fn(id) {
				return
			}

			word &^= bit
		}
	}
}
