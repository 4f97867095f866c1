package vcpu

import "sync"

// Requestor identifies who is asking for a CPU feature to be exposed to
// the guest: the VMM itself (boot-time configuration) or the VMI
// (runtime, e.g. an agent attached for introspection/debug). Grounded on
// original_source/vcpu/cpu_model/include/model/cpu_feature.hpp's
// Request::Requestor enum.
type Requestor int

const (
	RequestorVMM Requestor = iota
	RequestorVMI
	maxRequestors
)

const enableBit = uint64(1) << 63

// DirtyFlag is a single sticky bit, set by Mark and consumed exactly
// once by CheckClean. Grounded on cpu_feature.hpp's Dirty_flag, used
// there to let Cpu_feature::check_clean_read report "changed since last
// observed" without the caller tracking a previous value itself.
type DirtyFlag struct {
	mu    sync.Mutex
	dirty bool
}

func (d *DirtyFlag) Mark() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

// CheckClean returns whether the flag was dirty, clearing it.
func (d *DirtyFlag) CheckClean() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	v := d.dirty
	d.dirty = false

	return v
}

func (d *DirtyFlag) Clean() {
	d.mu.Lock()
	d.dirty = false
	d.mu.Unlock()
}

// CpuFeature models one guest-visible optional CPU feature (e.g.
// pointer authentication, SVE) whose enablement can be requested
// independently by the VMM and a VMI, with the two requests OR'd
// together: the feature is exposed once either requester asks for it,
// and the advertised extra-register set is the union of what each
// requester asked for. Grounded on cpu_feature.hpp's Cpu_feature, which
// packs enable+regs into the same machine word per requester (top bit
// = enable, low 63 bits = a register-set bitmask) so that reading the
// combined state is a single OR across requesters.
type CpuFeature struct {
	mu    sync.Mutex
	reqs  [maxRequestors]uint64
	dirty DirtyFlag
}

// Request records requestor's ask: enable or disable the feature, with
// regs as the bitmask of extra registers it wants exposed if enabled.
func (f *CpuFeature) Request(enable bool, requestor Requestor, regs uint64) {
	word := regs &^ enableBit
	if enable {
		word |= enableBit
	}

	f.mu.Lock()
	f.reqs[requestor] = word
	f.mu.Unlock()

	f.dirty.Mark()
}

// IsRequestedBy reports whether requestor specifically asked to enable
// the feature (regardless of what the other requestor asked).
func (f *CpuFeature) IsRequestedBy(requestor Requestor) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reqs[requestor]&enableBit != 0
}

// Read returns the combined enablement and register mask across both
// requesters: enabled if either requested it, regs the union of both
// requested masks (zero if disabled).
func (f *CpuFeature) Read() (enabled bool, regs uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var combined uint64
	for _, w := range f.reqs {
		combined |= w
	}

	enabled = combined&enableBit != 0
	if enabled {
		regs = combined &^ enableBit
	}

	return enabled, regs
}

// CheckCleanRead reports the combined state along with whether any
// Request call happened since the last CheckCleanRead, letting a
// reconfigure step (spec.md §4.4.1 step 6) skip work when nothing
// changed.
func (f *CpuFeature) CheckCleanRead() (dirty, enabled bool, regs uint64) {
	dirty = f.dirty.CheckClean()
	enabled, regs = f.Read()

	return dirty, enabled, regs
}

// CleanRead reads the combined state and unconditionally clears the
// dirty flag, used after a reconfigure has applied the current state
// regardless of whether it tracked the dirty bit itself.
func (f *CpuFeature) CleanRead() (enabled bool, regs uint64) {
	f.dirty.Clean()
	return f.Read()
}
